package phase

import "fmt"

// InvalidTransitionError reports a requested phase move that is not in
// the adjacency table. It is a programming/integration error and is
// never retried.
type InvalidTransitionError struct {
	From Phase
	To   Phase
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition: %s -> %s", e.From, e.To)
}

// ConflictError reports that the caller's assumed phase does not match
// the session's actual phase. Callers recover by refetching the current
// phase and resynchronizing.
type ConflictError struct {
	Expected Phase
	Actual   Phase
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("phase conflict: expected %s, session is in %s", e.Expected, e.Actual)
}
