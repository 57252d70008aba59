package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"infusionrelay/cache"
	"infusionrelay/metrics"
	"infusionrelay/models"
)

// Cache is the TTL-bound telemetry store.
type Cache interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string, dest any) (bool, error)
}

// TelemetryTTLs sets how long each cached record lives.
type TelemetryTTLs struct {
	Status   time.Duration
	Progress time.Duration
	Error    time.Duration
	// Degraded is the lifetime of a synthesized degraded snapshot. It is
	// longer than Status so a dead pump is not re-detected on every read.
	Degraded time.Duration
}

// DefaultTTLs are the production lifetimes.
var DefaultTTLs = TelemetryTTLs{
	Status:   10 * time.Second,
	Progress: 5 * time.Second,
	Error:    300 * time.Second,
	Degraded: 30 * time.Second,
}

// TelemetryService writes device telemetry into the cache and turns
// cache misses into persisted degraded status.
type TelemetryService struct {
	devices DeviceRepository
	cache   Cache
	ttl     TelemetryTTLs
	log     zerolog.Logger
	now     func() time.Time
}

func NewTelemetryService(devices DeviceRepository, c Cache, ttl TelemetryTTLs, log zerolog.Logger) *TelemetryService {
	return &TelemetryService{
		devices: devices,
		cache:   c,
		ttl:     ttl,
		log:     log.With().Str("component", "telemetry").Logger(),
		now:     time.Now,
	}
}

// RecordHeartbeat caches an explicit health report. A pump whose persisted
// status is degraded (new pumps, or pumps that went silent) is flipped to
// healthy by the first heartbeat that finds no live snapshot or a
// degraded one.
func (s *TelemetryService) RecordHeartbeat(ctx context.Context, hc models.HealthCheck) (models.StatusSnapshot, error) {
	if strings.TrimSpace(hc.DeviceID) == "" {
		return models.StatusSnapshot{}, fmt.Errorf("%w: deviceId is required", models.ErrValidation)
	}
	if !hc.Status.Valid() {
		return models.StatusSnapshot{}, fmt.Errorf("%w: invalid status %q", models.ErrValidation, hc.Status)
	}
	if _, err := s.devices.Get(ctx, hc.DeviceID); err != nil {
		return models.StatusSnapshot{}, err
	}

	var cached models.StatusSnapshot
	found, err := s.cache.Get(ctx, cache.StatusKey(hc.DeviceID), &cached)
	if err != nil {
		return models.StatusSnapshot{}, err
	}
	if !found || cached.Status == models.StatusDegraded {
		err := s.devices.SetStatusIf(ctx, hc.DeviceID, models.StatusHealthy, models.StatusDegraded)
		switch {
		case err == nil:
			s.log.Info().Str("device_id", hc.DeviceID).Msg("device recovered, persisted status healthy")
		case errors.Is(err, models.ErrConflict):
			// Persisted status is already something other than degraded.
		default:
			return models.StatusSnapshot{}, err
		}
	}

	now := s.now().UTC()
	snap := models.StatusSnapshot{Status: hc.Status, LastPing: &now, Timestamp: now}
	if err := s.cache.Set(ctx, cache.StatusKey(hc.DeviceID), snap, s.ttl.Status); err != nil {
		return models.StatusSnapshot{}, err
	}
	s.log.Debug().Str("device_id", hc.DeviceID).Str("status", string(hc.Status)).Msg("heartbeat")
	return snap, nil
}

// RecordProgress overwrites the progress snapshot of deviceID.
func (s *TelemetryService) RecordProgress(ctx context.Context, deviceID string, report models.ProgressReport) error {
	snap := models.ProgressSnapshot{Timestamp: s.now().UTC()}
	if report.TimeRemainingMin != nil {
		snap.TimeRemainingMin = *report.TimeRemainingMin
	}
	if report.VolumeRemainingMl != nil {
		snap.VolumeRemainingMl = *report.VolumeRemainingMl
	}
	return s.cache.Set(ctx, cache.ProgressKey(deviceID), snap, s.ttl.Progress)
}

// RecordError keeps the raw fault payload for the error retention period.
func (s *TelemetryService) RecordError(ctx context.Context, deviceID string, payload json.RawMessage) error {
	rec := models.ErrorRecord{Error: payload, Timestamp: s.now().UTC()}
	return s.cache.Set(ctx, cache.ErrorKey(deviceID), rec, s.ttl.Error)
}

// ReadStatus returns the cached status snapshot. On a miss the device is
// declared degraded: the persisted status is updated if needed and a
// degraded snapshot is cached so reads in the following Degraded window
// do not touch persistence.
func (s *TelemetryService) ReadStatus(ctx context.Context, deviceID string) (models.StatusSnapshot, error) {
	var snap models.StatusSnapshot
	found, err := s.cache.Get(ctx, cache.StatusKey(deviceID), &snap)
	if err != nil {
		return models.StatusSnapshot{}, err
	}
	if found {
		return snap, nil
	}

	dev, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return models.StatusSnapshot{}, err
	}
	if dev.Status != models.StatusDegraded {
		err := s.devices.SetStatusIf(ctx, deviceID, models.StatusDegraded, models.StatusesExcept(models.StatusDegraded)...)
		switch {
		case err == nil:
			s.log.Warn().Str("device_id", deviceID).Str("previous", string(dev.Status)).Msg("no recent heartbeat, device degraded")
		case errors.Is(err, models.ErrConflict):
			// Another writer got there first.
		default:
			return models.StatusSnapshot{}, err
		}
	}
	metrics.DegradedDetections.Inc()

	snap = models.StatusSnapshot{Status: models.StatusDegraded, Timestamp: s.now().UTC()}
	if err := s.cache.Set(ctx, cache.StatusKey(deviceID), snap, s.ttl.Degraded); err != nil {
		s.log.Error().Err(err).Str("device_id", deviceID).Msg("failed to cache degraded snapshot")
	}
	return snap, nil
}

// ReadProgress returns the cached progress snapshot, nil when absent.
func (s *TelemetryService) ReadProgress(ctx context.Context, deviceID string) (*models.ProgressSnapshot, error) {
	var snap models.ProgressSnapshot
	found, err := s.cache.Get(ctx, cache.ProgressKey(deviceID), &snap)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

// ReadError returns the retained error record, nil when absent.
func (s *TelemetryService) ReadError(ctx context.Context, deviceID string) (*models.ErrorRecord, error) {
	var rec models.ErrorRecord
	found, err := s.cache.Get(ctx, cache.ErrorKey(deviceID), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}
