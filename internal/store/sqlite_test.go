package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averyfenn/gm/internal/models"
	"github.com/averyfenn/gm/internal/phase"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSession(t *testing.T, s *SQLiteStore) *models.Session {
	t.Helper()
	sess := &models.Session{OwnerUserID: "alice", Name: "westmarch"}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func newTestAction(t *testing.T, s *SQLiteStore, sessionID string) *models.PendingAction {
	t.Helper()
	a := &models.PendingAction{SessionID: sessionID, OriginalInput: "travel to the ruins"}
	require.NoError(t, s.CreatePendingAction(context.Background(), a))
	return a
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

// --- Sessions ---

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &models.Session{OwnerUserID: "alice", Name: "westmarch"}
	require.NoError(t, s.CreateSession(ctx, sess))
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, phase.Idle, sess.Phase)
	assert.Equal(t, int64(0), sess.Version)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "westmarch", got.Name)
	assert.Equal(t, "alice", got.OwnerUserID)
	assert.Equal(t, phase.Idle, got.Phase)
	assert.False(t, got.InMetaEvent)
	assert.False(t, got.InCombat)

	_, err = s.GetSession(ctx, "nonexistent")
	assert.Error(t, err)
}

func TestListSessions_FiltersByOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &models.Session{OwnerUserID: "alice", Name: "one"}))
	require.NoError(t, s.CreateSession(ctx, &models.Session{OwnerUserID: "alice", Name: "two"}))
	require.NoError(t, s.CreateSession(ctx, &models.Session{OwnerUserID: "bob", Name: "three"}))

	mine, err := s.ListSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	all, err := s.ListSessions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUpdateSessionState_BumpsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	sess.Phase = phase.Validating
	require.NoError(t, s.UpdateSessionState(ctx, sess))
	assert.Equal(t, int64(1), sess.Version)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, phase.Validating, got.Phase)
	assert.Equal(t, int64(1), got.Version)
}

func TestUpdateSessionState_VersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	// A second reader holds a stale copy.
	stale, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)

	sess.Phase = phase.Validating
	require.NoError(t, s.UpdateSessionState(ctx, sess))

	stale.Phase = phase.Validating
	err = s.UpdateSessionState(ctx, stale)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionConflict))
}

// --- Pending actions ---

func TestPendingActionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	a := &models.PendingAction{SessionID: sess.ID, OriginalInput: "scout the pass"}
	require.NoError(t, s.CreatePendingAction(ctx, a))
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, phase.Validating, a.Phase)

	require.NoError(t, s.SetActionEstimate(ctx, a.ID, "2 hours"))
	require.NoError(t, s.SetActionPhase(ctx, a.ID, phase.MetaProposal))

	got, err := s.GetPendingAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "2 hours", got.TimeEstimate)
	assert.Equal(t, phase.MetaProposal, got.Phase)
	assert.Nil(t, got.ClosedAt)

	require.NoError(t, s.CloseAction(ctx, a.ID))
	got, err = s.GetPendingAction(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ClosedAt)
	firstClose := *got.ClosedAt

	// Closing again keeps the original timestamp.
	require.NoError(t, s.CloseAction(ctx, a.ID))
	got, err = s.GetPendingAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, firstClose, *got.ClosedAt)
}

// --- Meta events ---

func TestMetaEventBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)
	a := newTestAction(t, s, sess.ID)

	events := []*models.MetaEvent{
		{PendingActionID: a.ID, SequenceNum: 1, Type: models.EventTypeEncounter, Title: "Bandit ambush", Probability: 0.4, Severity: models.SeverityModerate, TriggersCombat: true},
		{PendingActionID: a.ID, SequenceNum: 2, Type: models.EventTypeDiscovery, Title: "Hidden shrine", Probability: 0.2, Severity: models.SeverityMinor},
	}
	require.NoError(t, s.CreateMetaEvents(ctx, events))

	listed, err := s.ListMetaEvents(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "Bandit ambush", listed[0].Title)
	assert.True(t, listed[0].TriggersCombat)
	assert.Equal(t, "Hidden shrine", listed[1].Title)

	got, err := s.GetMetaEvent(ctx, listed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventTypeEncounter, got.Type)

	count, err := s.CountUndecidedEvents(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, s.SetEventDecision(ctx, listed[0].ID, models.DecisionAccepted))
	count, err = s.CountUndecidedEvents(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.SetEventTriggered(ctx, listed[0].ID, true))
	require.NoError(t, s.SetEventResolved(ctx, listed[0].ID))
	got, err = s.GetMetaEvent(ctx, listed[0].ID)
	require.NoError(t, err)
	assert.True(t, got.Triggered)
	assert.True(t, got.Resolved)
}

func TestSetEventDecision_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.SetEventDecision(ctx, "nonexistent", models.DecisionAccepted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDeleteMetaEvents_ReplacesBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)
	a := newTestAction(t, s, sess.ID)

	first := []*models.MetaEvent{
		{PendingActionID: a.ID, SequenceNum: 1, Type: models.EventTypeHazard, Title: "Rockslide", Probability: 0.3, Severity: models.SeverityMajor},
	}
	require.NoError(t, s.CreateMetaEvents(ctx, first))
	require.NoError(t, s.DeleteMetaEvents(ctx, a.ID))

	second := []*models.MetaEvent{
		{PendingActionID: a.ID, SequenceNum: 1, Type: models.EventTypeOpportunity, Title: "Merchant caravan", Probability: 0.5, Severity: models.SeverityMinor},
	}
	require.NoError(t, s.CreateMetaEvents(ctx, second))

	listed, err := s.ListMetaEvents(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "Merchant caravan", listed[0].Title)
}

func TestListRecentEventTitles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)
	a := newTestAction(t, s, sess.ID)

	events := []*models.MetaEvent{
		{PendingActionID: a.ID, SequenceNum: 1, Type: models.EventTypeEncounter, Title: "Wolves", Probability: 1, Severity: models.SeverityMinor, Triggered: true},
		{PendingActionID: a.ID, SequenceNum: 2, Type: models.EventTypeHazard, Title: "Fog", Probability: 1, Severity: models.SeverityMinor, Triggered: false},
		{PendingActionID: a.ID, SequenceNum: 3, Type: models.EventTypeDiscovery, Title: "Cave", Probability: 1, Severity: models.SeverityMinor, Triggered: true},
	}
	require.NoError(t, s.CreateMetaEvents(ctx, events))

	titles, err := s.ListRecentEventTitles(ctx, sess.ID, 5)
	require.NoError(t, err)
	// Only triggered events, newest sequence first within the batch.
	assert.Equal(t, []string{"Cave", "Wolves"}, titles)

	titles, err = s.ListRecentEventTitles(ctx, sess.ID, 1)
	require.NoError(t, err)
	assert.Len(t, titles, 1)
}

// --- Turns ---

func TestTurnLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)
	a := newTestAction(t, s, sess.ID)

	tn := &models.Turn{SessionID: sess.ID, UserID: "alice", PendingActionID: a.ID}
	require.NoError(t, s.CreateTurn(ctx, tn))
	assert.NotEmpty(t, tn.ID)
	assert.Equal(t, models.TurnStatusRunning, tn.Status)

	require.NoError(t, s.SetTurnStep(ctx, tn.ID, "validate"))

	got, err := s.GetTurn(ctx, tn.ID)
	require.NoError(t, err)
	assert.Equal(t, "validate", got.Step)
	assert.Nil(t, got.EndedAt)

	tn.Status = models.TurnStatusCompleted
	tn.Narrative = "You reach the ruins as the sun sets."
	require.NoError(t, s.FinishTurn(ctx, tn))

	got, err = s.GetTurn(ctx, tn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStatusCompleted, got.Status)
	assert.Equal(t, "You reach the ruins as the sun sets.", got.Narrative)
	require.NotNil(t, got.EndedAt)
}

func TestListTurns_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)
	other := &models.Session{OwnerUserID: "alice", Name: "other"}
	require.NoError(t, s.CreateSession(ctx, other))

	t1 := &models.Turn{SessionID: sess.ID, UserID: "alice"}
	require.NoError(t, s.CreateTurn(ctx, t1))
	t2 := &models.Turn{SessionID: sess.ID, UserID: "alice"}
	require.NoError(t, s.CreateTurn(ctx, t2))
	t3 := &models.Turn{SessionID: other.ID, UserID: "alice"}
	require.NoError(t, s.CreateTurn(ctx, t3))

	t1.Status = models.TurnStatusCompleted
	require.NoError(t, s.FinishTurn(ctx, t1))

	bySession, err := s.ListTurns(ctx, TurnListFilter{SessionID: sess.ID})
	require.NoError(t, err)
	assert.Len(t, bySession, 2)

	running, err := s.ListTurns(ctx, TurnListFilter{Status: models.TurnStatusRunning})
	require.NoError(t, err)
	assert.Len(t, running, 2)

	limited, err := s.ListTurns(ctx, TurnListFilter{SessionID: sess.ID, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
