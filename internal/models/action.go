package models

import (
	"time"

	"github.com/averyfenn/gm/internal/phase"
)

// PendingAction is one in-flight player action moving through the turn
// pipeline. Immutable after creation except for Phase (a denormalized
// copy of the session's phase kept for query convenience) and
// TimeEstimate (produced by validation).
type PendingAction struct {
	ID            string
	SessionID     string
	OriginalInput string
	TimeEstimate  string // e.g. "15-30 min", empty until validated
	Phase         phase.Phase
	CreatedAt     time.Time
	ClosedAt      *time.Time
}
