package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"infusionrelay/metrics"
	"infusionrelay/models"
)

// ErrLoopLimit is returned by EnsureLoop when the process already runs the
// configured maximum of broadcast loops.
var ErrLoopLimit = errors.New("broadcast loop limit reached")

// RoomBroadcaster is the live-push hub as seen from the service layer.
type RoomBroadcaster interface {
	RoomSize(room string) int
	BroadcastToRoom(room string, event models.Event)
}

// TelemetryReader answers the reads a broadcast needs.
type TelemetryReader interface {
	ReadStatus(ctx context.Context, deviceID string) (models.StatusSnapshot, error)
	ReadProgress(ctx context.Context, deviceID string) (*models.ProgressSnapshot, error)
	ReadError(ctx context.Context, deviceID string) (*models.ErrorRecord, error)
}

type BroadcastOptions struct {
	StatusInterval   time.Duration
	ProgressInterval time.Duration
	// MaxLoops bounds concurrently running loops; zero means unbounded.
	MaxLoops int
}

// BroadcastService runs one periodic loop per watched (device, kind) room.
// A loop lives while its room has members and ends on the first tick that
// finds the room empty; the next subscribe starts it again.
type BroadcastService struct {
	telemetry TelemetryReader
	hub       RoomBroadcaster
	opts      BroadcastOptions
	log       zerolog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	loops map[string]*roomLoop
}

// roomLoop is the bookkeeping for one running loop.
type roomLoop struct {
	room     string
	deviceID string
	kind     string
	started  time.Time
}

func NewBroadcastService(telemetry TelemetryReader, hub RoomBroadcaster, opts BroadcastOptions, log zerolog.Logger) *BroadcastService {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 5 * time.Second
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BroadcastService{
		telemetry: telemetry,
		hub:       hub,
		opts:      opts,
		log:       log.With().Str("component", "broadcast").Logger(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		loops:     make(map[string]*roomLoop),
	}
}

func (s *BroadcastService) interval(kind string) (time.Duration, bool) {
	switch kind {
	case models.RoomStatus:
		return s.opts.StatusInterval, true
	case models.RoomProgress:
		return s.opts.ProgressInterval, true
	}
	return 0, false
}

// EnsureLoop starts the loop for (deviceID, kind) unless one is running.
// Callers join the room before calling it. Error rooms have no loop.
func (s *BroadcastService) EnsureLoop(deviceID, kind string) error {
	every, ok := s.interval(kind)
	if !ok {
		return nil
	}
	room := models.RoomName(deviceID, kind)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return nil
	}
	if _, running := s.loops[room]; running {
		return nil
	}
	if s.opts.MaxLoops > 0 && len(s.loops) >= s.opts.MaxLoops {
		s.log.Warn().Str("room", room).Int("max_loops", s.opts.MaxLoops).Msg("refusing to start broadcast loop")
		return ErrLoopLimit
	}

	l := &roomLoop{room: room, deviceID: deviceID, kind: kind, started: s.now()}
	s.loops[room] = l
	metrics.ActiveLoops.WithLabelValues(kind).Inc()
	s.log.Debug().Str("room", room).Dur("every", every).Msg("broadcast loop started")

	s.wg.Add(1)
	go s.run(l, every)
	return nil
}

func (s *BroadcastService) run(l *roomLoop, every time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.release(l)
			return
		case <-ticker.C:
		}

		if s.releaseIfEmpty(l) {
			return
		}

		ctx, cancel := context.WithTimeout(s.ctx, every)
		ev := s.event(ctx, l.deviceID, l.kind)
		cancel()
		s.hub.BroadcastToRoom(l.room, ev)
	}
}

// releaseIfEmpty removes l when its room has no members. The check and the
// removal happen under one lock so a concurrent EnsureLoop either sees the
// loop still registered or starts a fresh one.
func (s *BroadcastService) releaseIfEmpty(l *roomLoop) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hub.RoomSize(l.room) > 0 {
		return false
	}
	s.removeLocked(l)
	s.log.Debug().Str("room", l.room).Dur("lifetime", s.now().Sub(l.started)).Msg("broadcast loop stopped, room empty")
	return true
}

func (s *BroadcastService) release(l *roomLoop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(l)
}

func (s *BroadcastService) removeLocked(l *roomLoop) {
	if s.loops[l.room] == l {
		delete(s.loops, l.room)
		metrics.ActiveLoops.WithLabelValues(l.kind).Dec()
	}
}

func (s *BroadcastService) event(ctx context.Context, deviceID, kind string) models.Event {
	if kind == models.RoomProgress {
		return s.ProgressEvent(ctx, deviceID)
	}
	return s.StatusEvent(ctx, deviceID)
}

// StatusEvent reads the status of deviceID through the degraded detector.
// A read failure is reported as status unknown.
func (s *BroadcastService) StatusEvent(ctx context.Context, deviceID string) models.Event {
	up := models.StatusUpdate{DeviceID: deviceID, Timestamp: models.FormatTime(s.now())}

	snap, err := s.telemetry.ReadStatus(ctx, deviceID)
	if err != nil {
		s.log.Error().Err(err).Str("device_id", deviceID).Msg("status read failed")
		up.Status = models.StatusUnknown
	} else {
		up.Status = snap.Status
		if snap.LastPing != nil {
			ts := models.FormatTime(*snap.LastPing)
			up.LastPing = &ts
		}
	}
	return models.Event{Type: models.EventStatusUpdate, Data: up}
}

// ProgressEvent reads the progress of deviceID; progress is null when
// nothing is cached.
func (s *BroadcastService) ProgressEvent(ctx context.Context, deviceID string) models.Event {
	up := models.ProgressUpdate{DeviceID: deviceID, Timestamp: models.FormatTime(s.now())}

	snap, err := s.telemetry.ReadProgress(ctx, deviceID)
	if err != nil {
		s.log.Error().Err(err).Str("device_id", deviceID).Msg("progress read failed")
	}
	if snap != nil {
		up.Progress = &models.ProgressView{
			TimeRemainingMin:  snap.TimeRemainingMin,
			VolumeRemainingMl: snap.VolumeRemainingMl,
			LastUpdated:       models.FormatTime(snap.Timestamp),
		}
	}
	return models.Event{Type: models.EventProgressUpdate, Data: up}
}

// ErrorEvent carries the retained error record of deviceID, or a null
// error when none is retained.
func (s *BroadcastService) ErrorEvent(ctx context.Context, deviceID string) models.Event {
	ev := models.DeviceErrorEvent{DeviceID: deviceID, Timestamp: models.FormatTime(s.now())}

	rec, err := s.telemetry.ReadError(ctx, deviceID)
	if err != nil {
		s.log.Error().Err(err).Str("device_id", deviceID).Msg("error record read failed")
	}
	if rec != nil {
		ev.Error = rec.Error
		ev.Timestamp = models.FormatTime(rec.Timestamp)
	}
	return models.Event{Type: models.EventDeviceError, Data: ev}
}

// NotifyStatus pushes the current status to the device's status room.
func (s *BroadcastService) NotifyStatus(deviceID string) {
	room := models.RoomName(deviceID, models.RoomStatus)
	if s.hub.RoomSize(room) == 0 {
		return
	}
	s.hub.BroadcastToRoom(room, s.StatusEvent(s.ctx, deviceID))
}

// NotifyProgress pushes freshly arrived progress, independent of the loop.
func (s *BroadcastService) NotifyProgress(deviceID string) {
	room := models.RoomName(deviceID, models.RoomProgress)
	if s.hub.RoomSize(room) == 0 {
		return
	}
	s.hub.BroadcastToRoom(room, s.ProgressEvent(s.ctx, deviceID))
}

// NotifyError pushes a fault to the device's error room as it arrives.
func (s *BroadcastService) NotifyError(deviceID string, payload json.RawMessage) {
	room := models.RoomName(deviceID, models.RoomErrors)
	if s.hub.RoomSize(room) == 0 {
		return
	}
	s.hub.BroadcastToRoom(room, models.Event{
		Type: models.EventDeviceError,
		Data: models.DeviceErrorEvent{
			DeviceID:  deviceID,
			Error:     payload,
			Timestamp: models.FormatTime(s.now()),
		},
	})
}

// HasLoop reports whether a loop is running for (deviceID, kind).
func (s *BroadcastService) HasLoop(deviceID, kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[models.RoomName(deviceID, kind)]
	return ok
}

// LoopCount returns the number of running loops.
func (s *BroadcastService) LoopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops)
}

// StopAll ends every loop and waits for them to exit.
func (s *BroadcastService) StopAll() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}
