package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"infusionrelay/models"
)

// CommandPublisher hands commands to the broker.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, deviceID, command string, payload any) (models.Command, error)
}

// transition is one operator-driven status change.
type transition struct {
	name    string
	command string
	to      models.Status
	from    []models.Status
	// refusal is the error class returned when the device is not in from.
	refusal error
}

var (
	startTransition = transition{
		name:    "start",
		command: models.CommandStartInfusion,
		to:      models.StatusRunning,
		from:    models.StatusesExcept(models.StatusRunning),
		refusal: models.ErrConflict,
	}
	stopTransition = transition{
		name:    "stop",
		command: models.CommandStopInfusion,
		to:      models.StatusStopped,
		from:    []models.Status{models.StatusRunning},
		refusal: models.ErrPrecondition,
	}
	pauseTransition = transition{
		name:    "pause",
		command: models.CommandPauseInfusion,
		to:      models.StatusPaused,
		from:    []models.Status{models.StatusRunning},
		refusal: models.ErrPrecondition,
	}
	resumeTransition = transition{
		name:    "resume",
		command: models.CommandResumeInfusion,
		to:      models.StatusRunning,
		from:    []models.Status{models.StatusPaused},
		refusal: models.ErrPrecondition,
	}
)

// StateMachine gates infusion commands on the persisted device status.
// The command is published before the status is written; a failed publish
// leaves the status untouched.
type StateMachine struct {
	devices  DeviceRepository
	commands CommandPublisher
	log      zerolog.Logger
}

func NewStateMachine(devices DeviceRepository, commands CommandPublisher, log zerolog.Logger) *StateMachine {
	return &StateMachine{
		devices:  devices,
		commands: commands,
		log:      log.With().Str("component", "state_machine").Logger(),
	}
}

func (m *StateMachine) Start(ctx context.Context, deviceID string, p models.StartInfusion) (models.Device, error) {
	if err := validateStart(p); err != nil {
		return models.Device{}, err
	}
	return m.apply(ctx, deviceID, startTransition, p)
}

func (m *StateMachine) Stop(ctx context.Context, deviceID string, p models.StopInfusion) (models.Device, error) {
	return m.apply(ctx, deviceID, stopTransition, p)
}

func (m *StateMachine) Pause(ctx context.Context, deviceID string, p models.PauseInfusion) (models.Device, error) {
	return m.apply(ctx, deviceID, pauseTransition, p)
}

func (m *StateMachine) Resume(ctx context.Context, deviceID string) (models.Device, error) {
	return m.apply(ctx, deviceID, resumeTransition, models.ResumeInfusion{})
}

func (m *StateMachine) apply(ctx context.Context, deviceID string, t transition, payload any) (models.Device, error) {
	dev, err := m.devices.Get(ctx, deviceID)
	if err != nil {
		return models.Device{}, err
	}
	if !dev.Status.In(t.from...) {
		return models.Device{}, refuse(t, dev)
	}

	cmd, err := m.commands.PublishCommand(ctx, deviceID, t.command, payload)
	if err != nil {
		return models.Device{}, fmt.Errorf("%s infusion on %s: %w", t.name, deviceID, err)
	}

	if err := m.devices.SetStatusIf(ctx, deviceID, t.to, t.from...); err != nil {
		// The command is already out; the recorded status lags it.
		m.log.Error().Err(err).
			Str("device_id", deviceID).
			Str("command_id", cmd.CommandID).
			Str("to", string(t.to)).
			Msg("command published but status not recorded")
		return models.Device{}, err
	}
	m.log.Info().
		Str("device_id", deviceID).
		Str("command_id", cmd.CommandID).
		Str("from", string(dev.Status)).
		Str("to", string(t.to)).
		Msg("infusion " + t.name)

	updated, err := m.devices.Get(ctx, deviceID)
	if err != nil {
		dev.Status = t.to
		return dev, nil
	}
	return updated, nil
}

func refuse(t transition, dev models.Device) error {
	if errors.Is(t.refusal, models.ErrConflict) {
		return fmt.Errorf("%w: device %s is already %s", t.refusal, dev.DeviceID, dev.Status)
	}
	return fmt.Errorf("%w: cannot %s device %s while %s", t.refusal, t.name, dev.DeviceID, dev.Status)
}

func validateStart(p models.StartInfusion) error {
	var errs []error
	if p.FlowRateMlMin <= 0 {
		errs = append(errs, errors.New("flowRateMlMin must be positive"))
	}
	if p.PlannedTimeMin <= 0 {
		errs = append(errs, errors.New("plannedTimeMin must be positive"))
	}
	if p.PlannedVolumeMl <= 0 {
		errs = append(errs, errors.New("plannedVolumeMl must be positive"))
	}
	if p.Bolus.VolumeMl < 0 {
		errs = append(errs, errors.New("bolus.volumeMl must not be negative"))
	}
	if p.Bolus.Enabled && p.Bolus.VolumeMl <= 0 {
		errs = append(errs, errors.New("bolus.volumeMl must be positive when bolus is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", models.ErrValidation, errors.Join(errs...))
	}
	return nil
}
