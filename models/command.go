package models

import "time"

// Command names understood by pump firmware.
const (
	CommandStartInfusion  = "START_INFUSION"
	CommandStopInfusion   = "STOP_INFUSION"
	CommandPauseInfusion  = "PAUSE_INFUSION"
	CommandResumeInfusion = "RESUME_INFUSION"
)

// Command is the envelope published on devices/{id}/commands.
// CommandID only correlates log lines; nothing acknowledges it.
type Command struct {
	Command   string    `json:"command"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	CommandID string    `json:"commandId"`
}

type Bolus struct {
	Enabled  bool    `json:"enabled"`
	VolumeMl float64 `json:"volumeMl"`
}

type StartInfusion struct {
	FlowRateMlMin   float64 `json:"flowRateMlMin"`
	PlannedTimeMin  float64 `json:"plannedTimeMin"`
	PlannedVolumeMl float64 `json:"plannedVolumeMl"`
	Bolus           Bolus   `json:"bolus"`
}

type StopInfusion struct {
	Reason    string `json:"reason"`
	Emergency bool   `json:"emergency"`
}

type PauseInfusion struct {
	Reason string `json:"reason"`
}

type ResumeInfusion struct{}
