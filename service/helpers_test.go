package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"infusionrelay/cache"
	"infusionrelay/config"
	"infusionrelay/models"
	"infusionrelay/store"
)

// countingRepo counts persistence reads.
type countingRepo struct {
	DeviceRepository
	gets atomic.Int32
}

func (r *countingRepo) Get(ctx context.Context, deviceID string) (models.Device, error) {
	r.gets.Add(1)
	return r.DeviceRepository.Get(ctx, deviceID)
}

type testEnv struct {
	mr        *miniredis.Miniredis
	repo      *countingRepo
	cache     *cache.TelemetryCache
	telemetry *TelemetryService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := config.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st, err := store.NewSQLite(db)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewWithClient(rdb, cache.Options{BreakerTrip: 100, BreakerReset: time.Minute}, zerolog.Nop())
	t.Cleanup(func() { c.Close() })

	repo := &countingRepo{DeviceRepository: st}
	return &testEnv{
		mr:        mr,
		repo:      repo,
		cache:     c,
		telemetry: NewTelemetryService(repo, c, DefaultTTLs, zerolog.Nop()),
	}
}

// device registers a pump and forces its persisted status.
func (e *testEnv) device(t *testing.T, status models.Status) models.Device {
	t.Helper()
	ctx := context.Background()
	d, err := e.repo.Create(ctx, "ICU bed 4")
	require.NoError(t, err)
	if status != d.Status {
		require.NoError(t, e.repo.SetStatus(ctx, d.DeviceID, status))
		d.Status = status
	}
	return d
}

func (e *testEnv) persisted(t *testing.T, deviceID string) models.Status {
	t.Helper()
	d, err := e.repo.DeviceRepository.Get(context.Background(), deviceID)
	require.NoError(t, err)
	return d.Status
}

type sentCommand struct {
	deviceID string
	command  string
	payload  any
}

type fakePublisher struct {
	mu     sync.Mutex
	sent   []sentCommand
	err    error
	before func(deviceID string)
}

func (p *fakePublisher) PublishCommand(_ context.Context, deviceID, command string, payload any) (models.Command, error) {
	if p.before != nil {
		p.before(deviceID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return models.Command{}, p.err
	}
	p.sent = append(p.sent, sentCommand{deviceID: deviceID, command: command, payload: payload})
	return models.Command{Command: command, Payload: payload, Timestamp: time.Now(), CommandID: "cmd-1"}, nil
}

func (p *fakePublisher) commands() []sentCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentCommand(nil), p.sent...)
}

type fakeHub struct {
	mu     sync.Mutex
	sizes  map[string]int
	events map[string][]models.Event
}

func newFakeHub() *fakeHub {
	return &fakeHub{sizes: make(map[string]int), events: make(map[string][]models.Event)}
}

func (h *fakeHub) RoomSize(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sizes[room]
}

func (h *fakeHub) BroadcastToRoom(room string, ev models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[room] = append(h.events[room], ev)
}

func (h *fakeHub) setSize(room string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sizes[room] = n
}

func (h *fakeHub) received(room string) []models.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.Event(nil), h.events[room]...)
}

type stubTelemetry struct {
	mu        sync.Mutex
	status    models.StatusSnapshot
	statusErr error
	progress  *models.ProgressSnapshot
	record    *models.ErrorRecord
	reads     int
}

func (s *stubTelemetry) ReadStatus(context.Context, string) (models.StatusSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return s.status, s.statusErr
}

func (s *stubTelemetry) ReadProgress(context.Context, string) (*models.ProgressSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return s.progress, nil
}

func (s *stubTelemetry) ReadError(context.Context, string) (*models.ErrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record, nil
}
