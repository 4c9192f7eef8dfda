package turn

import (
	"time"

	"github.com/averyfenn/gm/internal/models"
)

// Request is the inbound trigger for one turn.
type Request struct {
	SessionID   string
	UserID      string
	PlayerInput string
	Location    string
	TimeOfDay   string
}

// Constraints is the context bundle the constraint step assembles for
// the later pipeline steps.
type Constraints struct {
	TimeEstimate string
	TimeOfDay    string
	RecentEvents []string
	InMetaEvent  bool
	InCombat     bool
}

// turnContext carries one turn's accumulated state between steps. On
// resume after a crash it is rebuilt from the store.
type turnContext struct {
	turn      *models.Turn
	session   *models.Session
	action    *models.PendingAction
	req       Request
	bundle    Constraints
	triggered []*models.MetaEvent
	reactions []string
	narrative string
}

// timeOfDayLabel maps a clock hour to a coarse narrative label. The
// constraint step uses it when the caller did not supply a time of day.
func timeOfDayLabel(t time.Time) string {
	switch h := t.Hour(); {
	case h < 6:
		return "deep night"
	case h < 12:
		return "morning"
	case h < 18:
		return "afternoon"
	default:
		return "evening"
	}
}
