package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"infusionrelay/models"
)

func newTestBroadcast(t *testing.T, opts BroadcastOptions) (*BroadcastService, *fakeHub, *stubTelemetry) {
	t.Helper()
	hub := newFakeHub()
	tel := &stubTelemetry{status: models.StatusSnapshot{Status: models.StatusRunning}}
	s := NewBroadcastService(tel, hub, opts, zerolog.Nop())
	t.Cleanup(s.StopAll)
	return s, hub, tel
}

func TestEnsureLoopIsIdempotent(t *testing.T) {
	s, hub, _ := newTestBroadcast(t, BroadcastOptions{StatusInterval: time.Hour})
	hub.setSize(models.RoomName("PUMP_0001", models.RoomStatus), 1)

	require.NoError(t, s.EnsureLoop("PUMP_0001", models.RoomStatus))
	require.NoError(t, s.EnsureLoop("PUMP_0001", models.RoomStatus))
	assert.Equal(t, 1, s.LoopCount())
	assert.True(t, s.HasLoop("PUMP_0001", models.RoomStatus))
}

func TestLoopBroadcastsEachTick(t *testing.T) {
	s, hub, _ := newTestBroadcast(t, BroadcastOptions{StatusInterval: 10 * time.Millisecond})
	room := models.RoomName("PUMP_0001", models.RoomStatus)
	hub.setSize(room, 1)

	require.NoError(t, s.EnsureLoop("PUMP_0001", models.RoomStatus))
	require.Eventually(t, func() bool { return len(hub.received(room)) >= 3 }, time.Second, 5*time.Millisecond)

	ev := hub.received(room)[0]
	assert.Equal(t, models.EventStatusUpdate, ev.Type)
	up := ev.Data.(models.StatusUpdate)
	assert.Equal(t, "PUMP_0001", up.DeviceID)
	assert.Equal(t, models.StatusRunning, up.Status)
}

func TestLoopStopsWhenRoomEmptiesAndRestarts(t *testing.T) {
	s, hub, _ := newTestBroadcast(t, BroadcastOptions{ProgressInterval: 10 * time.Millisecond})
	room := models.RoomName("PUMP_0002", models.RoomProgress)
	hub.setSize(room, 1)

	require.NoError(t, s.EnsureLoop("PUMP_0002", models.RoomProgress))
	hub.setSize(room, 0)
	require.Eventually(t, func() bool { return !s.HasLoop("PUMP_0002", models.RoomProgress) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.LoopCount())

	hub.setSize(room, 1)
	require.NoError(t, s.EnsureLoop("PUMP_0002", models.RoomProgress))
	require.NoError(t, s.EnsureLoop("PUMP_0002", models.RoomProgress))
	assert.Equal(t, 1, s.LoopCount())
}

func TestLoopLimit(t *testing.T) {
	s, hub, _ := newTestBroadcast(t, BroadcastOptions{StatusInterval: time.Hour, ProgressInterval: time.Hour, MaxLoops: 1})
	hub.setSize(models.RoomName("PUMP_0001", models.RoomStatus), 1)

	require.NoError(t, s.EnsureLoop("PUMP_0001", models.RoomStatus))
	err := s.EnsureLoop("PUMP_0001", models.RoomProgress)
	assert.ErrorIs(t, err, ErrLoopLimit)
	assert.NoError(t, s.EnsureLoop("PUMP_0001", models.RoomErrors), "error rooms need no loop")
	assert.Equal(t, 1, s.LoopCount())
}

func TestStatusEventReportsUnknownOnReadFailure(t *testing.T) {
	s, _, tel := newTestBroadcast(t, BroadcastOptions{})
	tel.statusErr = errors.Join(models.ErrStoreUnavailable, errors.New("dial tcp: refused"))

	ev := s.StatusEvent(context.Background(), "PUMP_0001")
	up := ev.Data.(models.StatusUpdate)
	assert.Equal(t, models.StatusUnknown, up.Status)
	assert.Nil(t, up.LastPing)
}

func TestStatusEventCarriesLastPing(t *testing.T) {
	s, _, tel := newTestBroadcast(t, BroadcastOptions{})
	ping := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tel.status = models.StatusSnapshot{Status: models.StatusHealthy, LastPing: &ping}

	b, err := json.Marshal(s.StatusEvent(context.Background(), "PUMP_0001"))
	require.NoError(t, err)

	var got struct {
		Type string `json:"type"`
		Data struct {
			DeviceID  string `json:"deviceId"`
			Status    string `json:"status"`
			LastPing  string `json:"lastPing"`
			Timestamp string `json:"timestamp"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "device:status:update", got.Type)
	assert.Equal(t, "healthy", got.Data.Status)
	assert.Equal(t, "2026-03-01T10:00:00Z", got.Data.LastPing)
	assert.NotEmpty(t, got.Data.Timestamp)
}

func TestProgressEventNullWhenAbsent(t *testing.T) {
	s, _, _ := newTestBroadcast(t, BroadcastOptions{})

	b, err := json.Marshal(s.ProgressEvent(context.Background(), "PUMP_0001"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"progress":null`)
}

func TestProgressPushedOnArrivalAndByLoop(t *testing.T) {
	s, hub, tel := newTestBroadcast(t, BroadcastOptions{ProgressInterval: 200 * time.Millisecond})
	room := models.RoomName("PUMP_0003", models.RoomProgress)
	hub.setSize(room, 1)
	tel.progress = &models.ProgressSnapshot{TimeRemainingMin: 4, VolumeRemainingMl: 20, Timestamp: time.Now()}

	require.NoError(t, s.EnsureLoop("PUMP_0003", models.RoomProgress))
	s.NotifyProgress("PUMP_0003")

	pushed := hub.received(room)
	require.Len(t, pushed, 1, "arrival push is immediate")
	up := pushed[0].Data.(models.ProgressUpdate)
	require.NotNil(t, up.Progress)
	assert.Equal(t, 4.0, up.Progress.TimeRemainingMin)

	require.Eventually(t, func() bool { return len(hub.received(room)) >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.HasLoop("PUMP_0003", models.RoomProgress))
}

func TestNotifySkipsEmptyRooms(t *testing.T) {
	s, hub, tel := newTestBroadcast(t, BroadcastOptions{})

	s.NotifyProgress("PUMP_0001")
	s.NotifyStatus("PUMP_0001")
	s.NotifyError("PUMP_0001", json.RawMessage(`{"code":"X"}`))

	assert.Empty(t, hub.received(models.RoomName("PUMP_0001", models.RoomErrors)))
	assert.Equal(t, 0, tel.reads)
}

func TestNotifyErrorPushesPayload(t *testing.T) {
	s, hub, _ := newTestBroadcast(t, BroadcastOptions{})
	room := models.RoomName("PUMP_0001", models.RoomErrors)
	hub.setSize(room, 2)

	s.NotifyError("PUMP_0001", json.RawMessage(`{"code":"AIR_IN_LINE"}`))

	pushed := hub.received(room)
	require.Len(t, pushed, 1)
	b, err := json.Marshal(pushed[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"device:error","data":{"deviceId":"PUMP_0001","error":{"code":"AIR_IN_LINE"},"timestamp":"`+
		pushed[0].Data.(models.DeviceErrorEvent).Timestamp+`"}}`, string(b))
}

func TestErrorEventSnapshot(t *testing.T) {
	s, _, tel := newTestBroadcast(t, BroadcastOptions{})

	b, err := json.Marshal(s.ErrorEvent(context.Background(), "PUMP_0001"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"error":null`)

	tel.record = &models.ErrorRecord{Error: json.RawMessage(`{"code":"OCCLUSION"}`), Timestamp: time.Now()}
	b, err = json.Marshal(s.ErrorEvent(context.Background(), "PUMP_0001"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"error":{"code":"OCCLUSION"}`)
}

func TestStopAllEndsLoops(t *testing.T) {
	s, hub, _ := newTestBroadcast(t, BroadcastOptions{StatusInterval: time.Hour})
	hub.setSize(models.RoomName("PUMP_0001", models.RoomStatus), 1)
	hub.setSize(models.RoomName("PUMP_0002", models.RoomStatus), 1)
	require.NoError(t, s.EnsureLoop("PUMP_0001", models.RoomStatus))
	require.NoError(t, s.EnsureLoop("PUMP_0002", models.RoomStatus))

	s.StopAll()
	assert.Equal(t, 0, s.LoopCount())
	assert.NoError(t, s.EnsureLoop("PUMP_0001", models.RoomStatus))
	assert.Equal(t, 0, s.LoopCount())
}
