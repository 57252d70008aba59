package models

import (
	"encoding/json"
	"time"
)

// StatusSnapshot is the cached last-known status of a device.
// Absence from the cache means "no recent heartbeat".
type StatusSnapshot struct {
	Status    Status     `json:"status"`
	LastPing  *time.Time `json:"lastPing"`
	Timestamp time.Time  `json:"timestamp,omitempty"`
}

// ProgressSnapshot is the cached last-known infusion progress of a device.
type ProgressSnapshot struct {
	TimeRemainingMin  float64   `json:"timeRemainingMin"`
	VolumeRemainingMl float64   `json:"volumeRemainingMl"`
	Timestamp         time.Time `json:"timestamp"`
}

// ErrorRecord keeps the raw fault payload a device reported.
type ErrorRecord struct {
	Error     json.RawMessage `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
}

// ProgressReport is the body a device publishes on devices/{id}/progress.
type ProgressReport struct {
	TimeRemainingMin  *float64 `json:"timeRemainingMin"`
	VolumeRemainingMl *float64 `json:"volumeRemainingMl"`
}

// HealthCheck is the body of an explicit heartbeat post.
type HealthCheck struct {
	DeviceID string `json:"deviceId"`
	Status   Status `json:"status"`
}
