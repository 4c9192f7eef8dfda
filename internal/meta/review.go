package meta

import (
	"context"
	"fmt"

	"github.com/averyfenn/gm/internal/models"
	"github.com/averyfenn/gm/internal/phase"
	"github.com/averyfenn/gm/internal/session"
	"github.com/averyfenn/gm/internal/store"
)

// IncompleteDecisionsError reports a confirm attempted while events in
// the batch are still undecided. Callers check batch completeness before
// invoking Confirm; the coordinator itself does not re-validate.
type IncompleteDecisionsError struct {
	Remaining int
}

func (e *IncompleteDecisionsError) Error() string {
	return fmt.Sprintf("cannot confirm: %d events still undecided", e.Remaining)
}

// Coordinator manages player review of a proposed event batch while the
// session is gated in the meta_review phase. Every operation requires
// that phase; anything else fails with a phase conflict carrying the
// actual phase so the caller can resynchronize.
type Coordinator struct {
	store   store.Store
	machine *session.Machine
}

// NewCoordinator creates a review coordinator.
func NewCoordinator(s store.Store, m *session.Machine) *Coordinator {
	return &Coordinator{store: s, machine: m}
}

// requireReviewPhase loads the pending action and checks it is gated in
// meta_review.
func (c *Coordinator) requireReviewPhase(ctx context.Context, pendingActionID string) (*models.PendingAction, error) {
	action, err := c.store.GetPendingAction(ctx, pendingActionID)
	if err != nil {
		return nil, err
	}
	if action.Phase != phase.MetaReview {
		return nil, &phase.ConflictError{Expected: phase.MetaReview, Actual: action.Phase}
	}
	return action, nil
}

// Decide records the player's verdict on a single event. It does not
// change the session phase, and re-deciding an event simply overwrites
// the earlier decision.
func (c *Coordinator) Decide(ctx context.Context, pendingActionID, eventID string, decision models.EventDecision) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}
	if decision != models.DecisionAccepted && decision != models.DecisionRejected {
		return fmt.Errorf("decision must be %q or %q", models.DecisionAccepted, models.DecisionRejected)
	}

	if _, err := c.requireReviewPhase(ctx, pendingActionID); err != nil {
		return err
	}

	event, err := c.store.GetMetaEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if event.PendingActionID != pendingActionID {
		return fmt.Errorf("event %s does not belong to pending action %s", eventID, pendingActionID)
	}

	return c.store.SetEventDecision(ctx, eventID, decision)
}

// Confirm closes the review gate: the session moves to probability_roll
// and the full decided batch is returned. Callers must have verified
// that every event has a decision before invoking.
func (c *Coordinator) Confirm(ctx context.Context, pendingActionID string) ([]*models.MetaEvent, error) {
	action, err := c.requireReviewPhase(ctx, pendingActionID)
	if err != nil {
		return nil, err
	}

	if _, err := c.machine.Transition(ctx, action.SessionID, phase.ProbabilityRoll); err != nil {
		return nil, err
	}
	return c.store.ListMetaEvents(ctx, pendingActionID)
}

// Regenerate authorizes re-proposal: the session moves back to
// meta_proposal. Deleting the stale batch and generating a fresh one is
// the caller's responsibility.
func (c *Coordinator) Regenerate(ctx context.Context, pendingActionID string) error {
	action, err := c.requireReviewPhase(ctx, pendingActionID)
	if err != nil {
		return err
	}

	_, err = c.machine.Transition(ctx, action.SessionID, phase.MetaProposal)
	return err
}
