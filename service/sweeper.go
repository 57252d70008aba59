package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"infusionrelay/models"
)

// StatusReader is the degraded detector as the sweeper uses it.
type StatusReader interface {
	ReadStatus(ctx context.Context, deviceID string) (models.StatusSnapshot, error)
}

// Sweeper periodically runs degraded detection over pumps persisted as
// running or paused, so silent pumps converge even when nobody watches them.
type Sweeper struct {
	devices DeviceRepository
	status  StatusReader
	log     zerolog.Logger

	parser  cron.Parser
	c       *cron.Cron
	timeout time.Duration
}

func NewSweeper(devices DeviceRepository, status StatusReader, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		devices: devices,
		status:  status,
		log:     log.With().Str("component", "sweeper").Logger(),
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timeout: 20 * time.Second,
	}
}

// Start schedules the sweep, e.g. "@every 30s".
func (s *Sweeper) Start(schedule string) error {
	c := cron.New(cron.WithParser(s.parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("sweep schedule %q: %w", schedule, err)
	}
	s.c = c
	s.c.Start()
	s.log.Info().Str("schedule", schedule).Msg("degraded sweep scheduled")
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
}

// Sweep runs one pass and returns how many pumps were found degraded.
func (s *Sweeper) Sweep(ctx context.Context) int {
	devs, err := s.devices.ListByStatus(ctx, models.StatusRunning, models.StatusPaused)
	if err != nil {
		s.log.Error().Err(err).Msg("sweep: list devices failed")
		return 0
	}
	degraded := 0
	for _, d := range devs {
		if ctx.Err() != nil {
			break
		}
		snap, err := s.status.ReadStatus(ctx, d.DeviceID)
		if err != nil {
			s.log.Error().Err(err).Str("device_id", d.DeviceID).Msg("sweep: status read failed")
			continue
		}
		if snap.Status == models.StatusDegraded {
			degraded++
		}
	}
	s.log.Debug().Int("checked", len(devs)).Int("degraded", degraded).Msg("sweep done")
	return degraded
}
