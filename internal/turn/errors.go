package turn

import (
	"errors"
	"fmt"
)

// ErrReviewTimeout means the player never finished reviewing the
// proposed events before the review window closed. The turn fails and
// the session is compensated back to idle.
var ErrReviewTimeout = errors.New("meta-event review timed out")

// ValidationRejectedError is the validator judging the player's input
// not actionable. It is a normal terminal outcome, not a fault: the
// session returns to idle and the clarification goes back to the player.
type ValidationRejectedError struct {
	Clarification string
}

func (e *ValidationRejectedError) Error() string {
	if e.Clarification != "" {
		return fmt.Sprintf("action rejected: %s", e.Clarification)
	}
	return "action rejected by validator"
}
