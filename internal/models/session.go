package models

import (
	"time"

	"github.com/averyfenn/gm/internal/phase"
)

// Session is the per-session phase context. Exactly one phase is active
// at any time, and PendingActionID is non-empty iff the phase is not idle.
type Session struct {
	ID              string
	OwnerUserID     string
	Name            string
	Phase           phase.Phase
	PendingActionID string // empty = no action in flight
	InMetaEvent     bool
	InCombat        bool
	Version         int64 // optimistic concurrency check on phase writes
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
