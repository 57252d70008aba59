package models

import "time"

// Status is the persisted lifecycle state of a pump.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusIssue    Status = "issue"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
	StatusDegraded Status = "degraded"

	// StatusUnknown is only ever reported, never persisted. It is what a
	// reader gets when the telemetry cache itself cannot be reached.
	StatusUnknown Status = "unknown"
)

// AllStatuses lists the statuses a device may report or be persisted with.
var AllStatuses = []Status{
	StatusHealthy,
	StatusIssue,
	StatusRunning,
	StatusPaused,
	StatusStopped,
	StatusDegraded,
}

// Valid reports whether s is one of the six persisted statuses.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// In reports whether s is a member of set.
func (s Status) In(set ...Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// StatusesExcept returns every persisted status other than the excluded ones.
func StatusesExcept(excluded ...Status) []Status {
	out := make([]Status, 0, len(AllStatuses))
	for _, s := range AllStatuses {
		if !s.In(excluded...) {
			out = append(out, s)
		}
	}
	return out
}

// Device is the registered pump record owned by the persistence layer.
// The core only ever mutates Status.
type Device struct {
	DeviceID  string    `json:"deviceId" dynamodbav:"device_id"`
	Location  string    `json:"location" dynamodbav:"location"`
	Status    Status    `json:"status" dynamodbav:"status"`
	CreatedAt time.Time `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" dynamodbav:"updated_at"`
}
