package models

import "time"

// TurnStatus represents the terminal (or in-flight) state of a turn.
type TurnStatus string

const (
	TurnStatusRunning   TurnStatus = "running"
	TurnStatusCompleted TurnStatus = "completed"
	TurnStatusFailed    TurnStatus = "failed"
)

// Turn is the durable audit record for one pipeline run: player input in,
// narrative (or failure) out. Step tracks the last completed pipeline
// step so a crashed turn can resume instead of restarting.
type Turn struct {
	ID              string
	SessionID       string
	UserID          string
	PendingActionID string
	Status          TurnStatus
	Step            string // last completed step name, empty = none
	Narrative       string
	Error           string // failure reason or clarification message
	StartedAt       time.Time
	EndedAt         *time.Time
}
