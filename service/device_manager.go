package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"infusionrelay/models"
)

// DeviceRepository is the persistence collaborator. Implementations live in
// the store package.
type DeviceRepository interface {
	Create(ctx context.Context, location string) (models.Device, error)
	Get(ctx context.Context, deviceID string) (models.Device, error)
	List(ctx context.Context) ([]models.Device, error)
	ListByStatus(ctx context.Context, statuses ...models.Status) ([]models.Device, error)
	SetStatus(ctx context.Context, deviceID string, status models.Status) error
	SetStatusIf(ctx context.Context, deviceID string, status models.Status, from ...models.Status) error
}

type DeviceManager struct {
	repo DeviceRepository
	log  zerolog.Logger
}

func NewDeviceManager(repo DeviceRepository, log zerolog.Logger) *DeviceManager {
	return &DeviceManager{
		repo: repo,
		log:  log.With().Str("component", "devices").Logger(),
	}
}

// CreateDevice registers a pump at location. New pumps start out degraded
// until their first heartbeat.
func (m *DeviceManager) CreateDevice(ctx context.Context, location string) (models.Device, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return models.Device{}, fmt.Errorf("%w: location is required", models.ErrValidation)
	}
	dev, err := m.repo.Create(ctx, location)
	if err != nil {
		return models.Device{}, err
	}
	m.log.Info().Str("device_id", dev.DeviceID).Str("location", location).Msg("device registered")
	return dev, nil
}

// GetAllDevices returns all devices
func (m *DeviceManager) GetAllDevices(ctx context.Context) ([]models.Device, error) {
	return m.repo.List(ctx)
}

// GetDevice returns a single device by ID
func (m *DeviceManager) GetDevice(ctx context.Context, deviceID string) (models.Device, error) {
	if strings.TrimSpace(deviceID) == "" {
		return models.Device{}, fmt.Errorf("%w: deviceId is required", models.ErrValidation)
	}
	return m.repo.Get(ctx, deviceID)
}
