package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averyfenn/gm/internal/models"
	"github.com/averyfenn/gm/internal/phase"
	"github.com/averyfenn/gm/internal/store"
)

func newTestMachine(t *testing.T) (*Machine, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return NewMachine(s), s
}

func seedSession(t *testing.T, s store.Store) *models.Session {
	t.Helper()
	sess := &models.Session{OwnerUserID: "alice", Name: "test"}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func seedAction(t *testing.T, s store.Store, sessionID string) *models.PendingAction {
	t.Helper()
	a := &models.PendingAction{SessionID: sessionID, OriginalInput: "explore"}
	require.NoError(t, s.CreatePendingAction(context.Background(), a))
	return a
}

func TestBegin_ClaimsIdleSession(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	sess := seedSession(t, s)
	a := seedAction(t, s, sess.ID)

	claimed, err := m.Begin(ctx, sess.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, phase.Validating, claimed.Phase)
	assert.Equal(t, a.ID, claimed.PendingActionID)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, phase.Validating, got.Phase)
}

func TestBegin_ConflictWhenBusy(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	sess := seedSession(t, s)
	a := seedAction(t, s, sess.ID)

	_, err := m.Begin(ctx, sess.ID, a.ID)
	require.NoError(t, err)

	_, err = m.Begin(ctx, sess.ID, a.ID)
	require.Error(t, err)
	var conflict *phase.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, phase.Idle, conflict.Expected)
	assert.Equal(t, phase.Validating, conflict.Actual)
}

func TestTransition_LegalMove(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	sess := seedSession(t, s)
	a := seedAction(t, s, sess.ID)

	_, err := m.Begin(ctx, sess.ID, a.ID)
	require.NoError(t, err)

	next, err := m.Transition(ctx, sess.ID, phase.MetaProposal)
	require.NoError(t, err)
	assert.Equal(t, phase.MetaProposal, next.Phase)

	// The pending action row mirrors the session phase.
	action, err := s.GetPendingAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, phase.MetaProposal, action.Phase)
}

func TestTransition_IllegalMove(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	_, err := m.Transition(ctx, sess.ID, phase.InCombat)
	require.Error(t, err)
	var invalid *phase.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, phase.Idle, invalid.From)
	assert.Equal(t, phase.InCombat, invalid.To)

	// Session untouched.
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, phase.Idle, got.Phase)
	assert.Equal(t, int64(0), got.Version)
}

func TestTransition_DerivesFlags(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	sess := seedSession(t, s)
	a := seedAction(t, s, sess.ID)

	_, err := m.Begin(ctx, sess.ID, a.ID)
	require.NoError(t, err)

	walk := []phase.Phase{phase.MetaProposal, phase.MetaReview, phase.ProbabilityRoll, phase.InMetaEvent}
	for _, p := range walk {
		_, err = m.Transition(ctx, sess.ID, p)
		require.NoError(t, err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.InMetaEvent)
	assert.False(t, got.InCombat)

	// Combat detour sets the combat flag and keeps the meta flag.
	_, err = m.Transition(ctx, sess.ID, phase.InCombat)
	require.NoError(t, err)
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.InMetaEvent)
	assert.True(t, got.InCombat)

	// Resolution clears both.
	_, err = m.Transition(ctx, sess.ID, phase.ResolvingAction)
	require.NoError(t, err)
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.InMetaEvent)
	assert.False(t, got.InCombat)

	// Returning to idle clears the pending action.
	_, err = m.Transition(ctx, sess.ID, phase.Idle)
	require.NoError(t, err)
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PendingActionID)
}

func TestReset_FromAnyPhase(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := context.Background()
	sess := seedSession(t, s)
	a := seedAction(t, s, sess.ID)

	_, err := m.Begin(ctx, sess.ID, a.ID)
	require.NoError(t, err)
	_, err = m.Transition(ctx, sess.ID, phase.MetaProposal)
	require.NoError(t, err)

	// idle is not adjacent to meta_proposal; Reset moves there anyway.
	got, err := m.Reset(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, phase.Idle, got.Phase)
	assert.Empty(t, got.PendingActionID)
	assert.False(t, got.InMetaEvent)
	assert.False(t, got.InCombat)
}
