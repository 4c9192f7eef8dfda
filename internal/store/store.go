package store

import (
	"context"
	"errors"

	"github.com/averyfenn/gm/internal/models"
	"github.com/averyfenn/gm/internal/phase"
)

// ErrVersionConflict means a session phase write lost an optimistic
// concurrency race: another writer advanced the session first. Callers
// reload the session and re-evaluate.
var ErrVersionConflict = errors.New("session version conflict")

// TurnListFilter specifies filters for listing turns.
type TurnListFilter struct {
	SessionID string
	Status    models.TurnStatus
	Limit     int
}

// Store defines the persistence interface for gm.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, ownerUserID string) ([]*models.Session, error)
	// UpdateSessionState writes phase, pending action, and combat/meta
	// flags guarded by the session's Version; ErrVersionConflict when
	// the stored version moved. On success the in-memory Version is
	// bumped to match the row.
	UpdateSessionState(ctx context.Context, s *models.Session) error

	// Pending actions
	CreatePendingAction(ctx context.Context, a *models.PendingAction) error
	GetPendingAction(ctx context.Context, id string) (*models.PendingAction, error)
	SetActionEstimate(ctx context.Context, id, estimate string) error
	SetActionPhase(ctx context.Context, id string, p phase.Phase) error
	CloseAction(ctx context.Context, id string) error

	// Meta events
	CreateMetaEvents(ctx context.Context, events []*models.MetaEvent) error
	ListMetaEvents(ctx context.Context, pendingActionID string) ([]*models.MetaEvent, error)
	GetMetaEvent(ctx context.Context, id string) (*models.MetaEvent, error)
	SetEventDecision(ctx context.Context, id string, d models.EventDecision) error
	SetEventTriggered(ctx context.Context, id string, triggered bool) error
	SetEventResolved(ctx context.Context, id string) error
	DeleteMetaEvents(ctx context.Context, pendingActionID string) error
	CountUndecidedEvents(ctx context.Context, pendingActionID string) (int, error)
	// ListRecentEventTitles returns titles of events that triggered in
	// the session's past turns, newest first.
	ListRecentEventTitles(ctx context.Context, sessionID string, limit int) ([]string, error)

	// Turns
	CreateTurn(ctx context.Context, t *models.Turn) error
	GetTurn(ctx context.Context, id string) (*models.Turn, error)
	ListTurns(ctx context.Context, filter TurnListFilter) ([]*models.Turn, error)
	SetTurnStep(ctx context.Context, id, step string) error
	// FinishTurn records the terminal state keyed by turn id; re-running
	// it for the same turn overwrites rather than duplicates.
	FinishTurn(ctx context.Context, t *models.Turn) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
