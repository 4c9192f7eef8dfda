// Package session owns phase transitions for game sessions. The Machine
// is the only writer of a session's phase: it checks every requested move
// against the adjacency table and keeps the pending-action reference and
// combat/meta flags consistent with the phase it lands on.
package session

import (
	"context"
	"fmt"

	"github.com/averyfenn/gm/internal/models"
	"github.com/averyfenn/gm/internal/phase"
	"github.com/averyfenn/gm/internal/store"
)

// Machine applies phase transitions to stored sessions.
type Machine struct {
	store store.Store
}

// NewMachine creates a phase machine over the given store.
func NewMachine(s store.Store) *Machine {
	return &Machine{store: s}
}

// Begin claims a session for a new turn: idle -> validating with the
// pending action attached. A session already mid-turn fails with a
// phase conflict; a concurrent claim loses the version check instead.
func (m *Machine) Begin(ctx context.Context, sessionID, actionID string) (*models.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Phase != phase.Idle {
		return nil, &phase.ConflictError{Expected: phase.Idle, Actual: sess.Phase}
	}

	sess.Phase = phase.Validating
	sess.PendingActionID = actionID
	if err := m.store.UpdateSessionState(ctx, sess); err != nil {
		return nil, fmt.Errorf("claim session %s: %w", sessionID, err)
	}
	return sess, nil
}

// Transition moves a session to the target phase. Moves not present in
// the adjacency table fail with InvalidTransitionError and leave the
// session untouched; the target is never silently coerced.
func (m *Machine) Transition(ctx context.Context, sessionID string, to phase.Phase) (*models.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !phase.CanTransition(sess.Phase, to) {
		return nil, &phase.InvalidTransitionError{From: sess.Phase, To: to}
	}

	applyPhase(sess, to)
	if err := m.store.UpdateSessionState(ctx, sess); err != nil {
		return nil, fmt.Errorf("transition session %s to %s: %w", sessionID, to, err)
	}
	if sess.PendingActionID != "" {
		if err := m.store.SetActionPhase(ctx, sess.PendingActionID, to); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// Reset forces a session back to idle, clearing the pending action and
// flags. This is the compensation path for failed turns and the final
// move of completed ones; it intentionally bypasses the adjacency table
// so a turn that died deep in the pipeline can always be recovered.
func (m *Machine) Reset(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	actionID := sess.PendingActionID

	sess.Phase = phase.Idle
	sess.PendingActionID = ""
	sess.InMetaEvent = false
	sess.InCombat = false
	if err := m.store.UpdateSessionState(ctx, sess); err != nil {
		return nil, fmt.Errorf("reset session %s: %w", sessionID, err)
	}
	if actionID != "" {
		if err := m.store.SetActionPhase(ctx, actionID, phase.Idle); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// applyPhase sets the phase and derives the flags that accompany it.
// The meta flag survives a combat detour; both clear on resolution.
func applyPhase(sess *models.Session, to phase.Phase) {
	sess.Phase = to
	switch to {
	case phase.InMetaEvent:
		sess.InMetaEvent = true
		sess.InCombat = false
	case phase.InCombat:
		sess.InCombat = true
	case phase.ResolvingAction:
		sess.InMetaEvent = false
		sess.InCombat = false
	case phase.Idle:
		sess.PendingActionID = ""
		sess.InMetaEvent = false
		sess.InCombat = false
	}
}
