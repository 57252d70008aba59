package models

import "time"

// Live push event names.
const (
	EventStatusUpdate   = "device:status:update"
	EventProgressUpdate = "device:progress:update"
	EventDeviceError    = "device:error"
	EventError          = "error"
)

// Room kinds a client can join per device.
const (
	RoomStatus   = "status"
	RoomProgress = "progress"
	RoomErrors   = "errors"
)

// RoomName returns the room key for a device channel, e.g. device:PUMP_0001:status.
func RoomName(deviceID, kind string) string {
	return "device:" + deviceID + ":" + kind
}

// Event is the frame pushed to dashboard clients.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ClientMessage is a control frame sent by a dashboard client,
// e.g. {"type":"subscribe:device:status","deviceId":"PUMP_0001"}.
type ClientMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
}

type StatusUpdate struct {
	DeviceID  string  `json:"deviceId"`
	Status    Status  `json:"status"`
	LastPing  *string `json:"lastPing"`
	Timestamp string  `json:"timestamp"`
}

type ProgressView struct {
	TimeRemainingMin  float64 `json:"timeRemainingMin"`
	VolumeRemainingMl float64 `json:"volumeRemainingMl"`
	LastUpdated       string  `json:"lastUpdated"`
}

type ProgressUpdate struct {
	DeviceID  string        `json:"deviceId"`
	Progress  *ProgressView `json:"progress"`
	Timestamp string        `json:"timestamp"`
}

type DeviceErrorEvent struct {
	DeviceID  string `json:"deviceId"`
	Error     any    `json:"error"`
	Timestamp string `json:"timestamp"`
}

type ErrorEvent struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// FormatTime renders t as carried in every outbound payload.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
