package service

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"infusionrelay/models"
)

func TestHeartbeatIsReadBackVerbatim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := env.device(t, models.StatusRunning)

	hb, err := env.telemetry.RecordHeartbeat(ctx, models.HealthCheck{DeviceID: d.DeviceID, Status: models.StatusRunning})
	require.NoError(t, err)

	env.mr.FastForward(9 * time.Second)
	snap, err := env.telemetry.ReadStatus(ctx, d.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, snap.Status)
	require.NotNil(t, snap.LastPing)
	assert.True(t, hb.LastPing.Equal(*snap.LastPing))
	assert.Equal(t, models.StatusRunning, env.persisted(t, d.DeviceID))
}

func TestFirstHeartbeatSeedsHealthy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := env.device(t, models.StatusDegraded)

	_, err := env.telemetry.RecordHeartbeat(ctx, models.HealthCheck{DeviceID: d.DeviceID, Status: models.StatusHealthy})
	require.NoError(t, err)
	assert.Equal(t, models.StatusHealthy, env.persisted(t, d.DeviceID))
}

func TestHeartbeatKeepsCommandedStatus(t *testing.T) {
	env := newTestEnv(t)
	d := env.device(t, models.StatusPaused)

	_, err := env.telemetry.RecordHeartbeat(context.Background(), models.HealthCheck{DeviceID: d.DeviceID, Status: models.StatusPaused})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, env.persisted(t, d.DeviceID))
}

func TestHeartbeatRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := env.device(t, models.StatusHealthy)

	_, err := env.telemetry.RecordHeartbeat(ctx, models.HealthCheck{DeviceID: d.DeviceID, Status: "sleeping"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = env.telemetry.RecordHeartbeat(ctx, models.HealthCheck{Status: models.StatusHealthy})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = env.telemetry.RecordHeartbeat(ctx, models.HealthCheck{DeviceID: "PUMP_9999", Status: models.StatusHealthy})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSilentDeviceConvergesToDegraded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := env.device(t, models.StatusRunning)

	_, err := env.telemetry.RecordHeartbeat(ctx, models.HealthCheck{DeviceID: d.DeviceID, Status: models.StatusRunning})
	require.NoError(t, err)
	env.mr.FastForward(11 * time.Second)

	env.repo.gets.Store(0)
	snap, err := env.telemetry.ReadStatus(ctx, d.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, snap.Status)
	assert.Nil(t, snap.LastPing)
	assert.Equal(t, models.StatusDegraded, env.persisted(t, d.DeviceID))
	assert.Equal(t, int32(1), env.repo.gets.Load())

	env.mr.FastForward(20 * time.Second)
	snap, err = env.telemetry.ReadStatus(ctx, d.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, snap.Status)
	assert.Equal(t, int32(1), env.repo.gets.Load(), "degraded snapshot must answer without persistence")

	env.mr.FastForward(11 * time.Second)
	_, err = env.telemetry.ReadStatus(ctx, d.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), env.repo.gets.Load())
}

func TestDegradedDeviceRecoversOnHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := env.device(t, models.StatusRunning)

	_, err := env.telemetry.ReadStatus(ctx, d.DeviceID)
	require.NoError(t, err)
	require.Equal(t, models.StatusDegraded, env.persisted(t, d.DeviceID))

	_, err = env.telemetry.RecordHeartbeat(ctx, models.HealthCheck{DeviceID: d.DeviceID, Status: models.StatusHealthy})
	require.NoError(t, err)
	assert.Equal(t, models.StatusHealthy, env.persisted(t, d.DeviceID))

	snap, err := env.telemetry.ReadStatus(ctx, d.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusHealthy, snap.Status)
}

func TestReadStatusUnknownDevice(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.telemetry.ReadStatus(context.Background(), "PUMP_0404")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestReadStatusCacheDown(t *testing.T) {
	env := newTestEnv(t)
	d := env.device(t, models.StatusHealthy)
	env.mr.Close()

	_, err := env.telemetry.ReadStatus(context.Background(), d.DeviceID)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}

func TestProgressExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	remaining, volume := 12.5, 80.0

	require.NoError(t, env.telemetry.RecordProgress(ctx, "PUMP_0001", models.ProgressReport{
		TimeRemainingMin:  &remaining,
		VolumeRemainingMl: &volume,
	}))
	p, err := env.telemetry.ReadProgress(ctx, "PUMP_0001")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 12.5, p.TimeRemainingMin)
	assert.Equal(t, 80.0, p.VolumeRemainingMl)

	env.mr.FastForward(6 * time.Second)
	p, err = env.telemetry.ReadProgress(ctx, "PUMP_0001")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestErrorRecordRetention(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payload := json.RawMessage(`{"code":"OCCLUSION","line":"A"}`)

	require.NoError(t, env.telemetry.RecordError(ctx, "PUMP_0002", payload))

	env.mr.FastForward(299 * time.Second)
	rec, err := env.telemetry.ReadError(ctx, "PUMP_0002")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.JSONEq(t, string(payload), string(rec.Error))

	env.mr.FastForward(2 * time.Second)
	rec, err = env.telemetry.ReadError(ctx, "PUMP_0002")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

// racingRepo lets another writer degrade the device just before the
// conditional update lands.
type racingRepo struct {
	DeviceRepository
}

func (r racingRepo) SetStatusIf(ctx context.Context, deviceID string, status models.Status, from ...models.Status) error {
	if err := r.DeviceRepository.SetStatus(ctx, deviceID, models.StatusDegraded); err != nil {
		return err
	}
	return r.DeviceRepository.SetStatusIf(ctx, deviceID, status, from...)
}

func TestDegradedLoggedOnlyWhenWritten(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var buf bytes.Buffer
	written := env.device(t, models.StatusRunning)
	ts := NewTelemetryService(env.repo, env.cache, DefaultTTLs, zerolog.New(&buf))
	snap, err := ts.ReadStatus(ctx, written.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, snap.Status)
	assert.Contains(t, buf.String(), "device degraded")

	buf.Reset()
	lost := env.device(t, models.StatusRunning)
	ts = NewTelemetryService(racingRepo{env.repo}, env.cache, DefaultTTLs, zerolog.New(&buf))
	snap, err = ts.ReadStatus(ctx, lost.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, snap.Status)
	assert.Equal(t, models.StatusDegraded, env.persisted(t, lost.DeviceID))
	assert.NotContains(t, buf.String(), "device degraded")
}
