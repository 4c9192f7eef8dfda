package turn

import (
	"context"
	"errors"
	"time"

	"github.com/averyfenn/gm/internal/meta"
	"github.com/averyfenn/gm/internal/phase"
)

// RetryPolicy governs how pipeline steps are retried before a turn is
// marked failed. It is injected into the orchestrator so schedules stay
// independently testable and swappable.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// DefaultRetryPolicy retries each step up to 3 attempts with 2^attempt
// second delays between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(1<<attempt) * time.Second
		},
	}
}

// retryable classifies step errors. Transient failures (generative-call
// transport and format errors, lost version races) are retried; phase
// integration errors, rejected validation, and cancellation are not.
func retryable(err error) bool {
	var invalid *phase.InvalidTransitionError
	var conflict *phase.ConflictError
	var incomplete *meta.IncompleteDecisionsError
	var rejected *ValidationRejectedError
	switch {
	case errors.As(err, &invalid),
		errors.As(err, &conflict),
		errors.As(err, &incomplete),
		errors.As(err, &rejected),
		errors.Is(err, ErrReviewTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
