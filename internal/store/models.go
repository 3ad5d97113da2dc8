package store

import "time"

// Transition is one committed occupancy change.
type Transition struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	At           time.Time `json:"at"`
	Queue        string    `json:"queue"`
	TriggerAgeMs uint32    `json:"trigger_age_ms"`
	ThresholdMs  uint32    `json:"threshold_ms"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Settings holds the runtime-tunable poll and hysteresis parameters.
type Settings struct {
	PollIntervalMs  int       `json:"poll_interval_ms"`
	ConfirmMs       int       `json:"confirm_ms"`
	VacateHoldoffMs int       `json:"vacate_holdoff_ms"`
	JitterMs        int       `json:"jitter_ms"`
	UpdatedAt       time.Time `json:"updated_at"`
}
