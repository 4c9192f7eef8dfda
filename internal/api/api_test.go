package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averyfenn/gm/internal/llm"
	"github.com/averyfenn/gm/internal/meta"
	"github.com/averyfenn/gm/internal/models"
	"github.com/averyfenn/gm/internal/phase"
	"github.com/averyfenn/gm/internal/roll"
	"github.com/averyfenn/gm/internal/session"
	"github.com/averyfenn/gm/internal/store"
	"github.com/averyfenn/gm/internal/turn"
)

// rejectingValidator bounces every input so background pipelines finish
// immediately; these tests exercise the HTTP surface, not the pipeline.
type rejectingValidator struct{}

func (rejectingValidator) Validate(ctx context.Context, playerInput string) (llm.ValidationResult, error) {
	return llm.ValidationResult{IsValid: false, Clarification: "say more"}, nil
}

type fakeCompleter struct {
	output string
}

func (c *fakeCompleter) GenerateText(ctx context.Context, system, user string) (string, error) {
	return c.output, nil
}

type fakeNarrator struct{}

func (fakeNarrator) Narrate(ctx context.Context, req llm.NarrationRequest) (string, error) {
	return "done", nil
}

type apiFixture struct {
	store     store.Store
	machine   *session.Machine
	reviewer  *meta.Coordinator
	completer *fakeCompleter
	handler   http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { s.Close() })

	machine := session.NewMachine(s)
	completer := &fakeCompleter{output: `{"events": []}`}
	generator := meta.NewGenerator(completer)
	reviewer := meta.NewCoordinator(s, machine)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	retry := turn.RetryPolicy{MaxAttempts: 1, Backoff: func(int) time.Duration { return 0 }}
	opts := turn.Options{ReviewPollInterval: time.Millisecond, ReviewTimeout: 100 * time.Millisecond}
	orch := turn.New(s, machine, rejectingValidator{}, generator, reviewer,
		fakeNarrator{}, nil, roll.New(nil), retry, opts, logger)

	srv := NewServer(s, machine, generator, reviewer, orch, logger)
	return &apiFixture{
		store:     s,
		machine:   machine,
		reviewer:  reviewer,
		completer: completer,
		handler:   srv.Router(),
	}
}

func (f *apiFixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set("X-GM-User", user)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeMap(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func decodeList(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var out []map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func (f *apiFixture) newSession(t *testing.T, owner, name string) *models.Session {
	t.Helper()
	sess := &models.Session{OwnerUserID: owner, Name: name}
	require.NoError(t, f.store.CreateSession(context.Background(), sess))
	return sess
}

// walkTo claims the session and steps it through the given phases.
func (f *apiFixture) walkTo(t *testing.T, sess *models.Session, phases ...phase.Phase) *models.PendingAction {
	t.Helper()
	ctx := context.Background()
	action := &models.PendingAction{SessionID: sess.ID, OriginalInput: "scout the ridge"}
	require.NoError(t, f.store.CreatePendingAction(ctx, action))
	_, err := f.machine.Begin(ctx, sess.ID, action.ID)
	require.NoError(t, err)
	for _, p := range phases {
		_, err := f.machine.Transition(ctx, sess.ID, p)
		require.NoError(t, err)
		action.Phase = p
	}
	return action
}

func TestCreateSession(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, "POST", "/api/v1/sessions", "alice", map[string]any{"name": "westmarch"})
	require.Equal(t, http.StatusCreated, w.Code)
	out := decodeMap(t, w)
	assert.NotEmpty(t, out["id"])
	assert.Equal(t, "westmarch", out["name"])
	assert.Equal(t, "idle", out["phase"])
	assert.Equal(t, false, out["isInMetaEvent"])
}

func TestCreateSession_RequiresUser(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, "POST", "/api/v1/sessions", "", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListSessions_ScopedToOwner(t *testing.T) {
	f := newAPIFixture(t)
	f.newSession(t, "alice", "one")
	f.newSession(t, "alice", "two")
	f.newSession(t, "bob", "theirs")

	w := f.do(t, "GET", "/api/v1/sessions", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeList(t, w), 2)
}

func TestGetSession_ForeignReadsAsNotFound(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.newSession(t, "alice", "mine")

	w := f.do(t, "GET", "/api/v1/sessions/"+sess.ID, "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, "GET", "/api/v1/sessions/"+sess.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, "GET", "/api/v1/sessions/nope", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetPhase(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.newSession(t, "alice", "s")

	w := f.do(t, "GET", "/api/v1/sessions/"+sess.ID+"/phase", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decodeMap(t, w)
	assert.Equal(t, "idle", out["phase"])
	assert.Equal(t, false, out["blocking"])

	f.walkTo(t, sess)
	w = f.do(t, "GET", "/api/v1/sessions/"+sess.ID+"/phase", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out = decodeMap(t, w)
	assert.Equal(t, "validating", out["phase"])
	assert.Equal(t, true, out["blocking"])
	assert.Equal(t, "scout the ridge", out["originalInput"])
}

func TestSubmitTurn(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.newSession(t, "alice", "s")

	w := f.do(t, "POST", "/api/v1/sessions/"+sess.ID+"/turns", "alice",
		map[string]any{"input": "walk north"})
	require.Equal(t, http.StatusAccepted, w.Code)
	out := decodeMap(t, w)
	turnID, _ := out["turnId"].(string)
	require.NotEmpty(t, turnID)
	assert.Equal(t, "running", out["status"])

	// The rejecting validator fails the turn in the background.
	require.Eventually(t, func() bool {
		got, err := f.store.GetTurn(context.Background(), turnID)
		return err == nil && got.Status == models.TurnStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	got, err := f.store.GetTurn(context.Background(), turnID)
	require.NoError(t, err)
	assert.Equal(t, "say more", got.Error)
}

func TestSubmitTurn_BusyConflict(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.newSession(t, "alice", "s")
	f.walkTo(t, sess)

	w := f.do(t, "POST", "/api/v1/sessions/"+sess.ID+"/turns", "alice",
		map[string]any{"input": "walk north"})
	require.Equal(t, http.StatusConflict, w.Code)
	out := decodeMap(t, w)
	assert.Equal(t, "validating", out["phase"])
}

func TestSubmitTurn_RequiresInput(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.newSession(t, "alice", "s")

	w := f.do(t, "POST", "/api/v1/sessions/"+sess.ID+"/turns", "alice",
		map[string]any{"input": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAndGetTurns(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	sess := f.newSession(t, "alice", "s")
	other := f.newSession(t, "alice", "other")

	tn := &models.Turn{SessionID: sess.ID, UserID: "alice", PendingActionID: "a1"}
	require.NoError(t, f.store.CreateTurn(ctx, tn))

	w := f.do(t, "GET", "/api/v1/sessions/"+sess.ID+"/turns", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decodeList(t, w), 1)

	w = f.do(t, "GET", "/api/v1/sessions/"+sess.ID+"/turns/"+tn.ID, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, tn.ID, decodeMap(t, w)["id"])

	// A turn fetched through the wrong session does not resolve.
	w = f.do(t, "GET", "/api/v1/sessions/"+other.ID+"/turns/"+tn.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSessionEvents(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	sess := f.newSession(t, "alice", "s")

	w := f.do(t, "GET", "/api/v1/sessions/"+sess.ID+"/events", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeList(t, w), 0)

	action := f.walkTo(t, sess, phase.MetaProposal, phase.MetaReview)
	events := []*models.MetaEvent{
		{PendingActionID: action.ID, SequenceNum: 1, Type: models.EventTypeEncounter,
			Title: "Wolves", Probability: 0.4, Severity: models.SeverityMinor},
	}
	require.NoError(t, f.store.CreateMetaEvents(ctx, events))

	w = f.do(t, "GET", "/api/v1/sessions/"+sess.ID+"/events", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeList(t, w)
	require.Len(t, got, 1)
	assert.Equal(t, "Wolves", got[0]["title"])
	assert.Equal(t, 0.4, got[0]["probability"])
}

func TestGenerateEvents(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.newSession(t, "alice", "s")
	action := f.walkTo(t, sess, phase.MetaProposal)

	f.completer.output = `{"events": [{"type": "encounter", "title": "Patrol", "description": "d", "probability": 0.3, "severity": "moderate", "triggers_combat": true}]}`

	w := f.do(t, "POST", "/api/v1/meta-events/generate", "alice",
		map[string]any{"pendingActionId": action.ID})
	require.Equal(t, http.StatusOK, w.Code)
	out := decodeMap(t, w)
	assert.Equal(t, "meta_review", out["phase"])
	events, _ := out["events"].([]any)
	require.Len(t, events, 1)

	sess2, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, phase.MetaReview, sess2.Phase)
}

func TestGenerateEvents_WrongPhase(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.newSession(t, "alice", "s")
	action := f.walkTo(t, sess) // still validating

	w := f.do(t, "POST", "/api/v1/meta-events/generate", "alice",
		map[string]any{"pendingActionId": action.ID})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "validating", decodeMap(t, w)["phase"])
}

func TestGenerateEvents_BadModelOutput(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.newSession(t, "alice", "s")
	action := f.walkTo(t, sess, phase.MetaProposal)

	f.completer.output = `Sure! Here you go:`

	w := f.do(t, "POST", "/api/v1/meta-events/generate", "alice",
		map[string]any{"pendingActionId": action.ID})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestReviewEvents_Flow(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	sess := f.newSession(t, "alice", "s")
	action := f.walkTo(t, sess, phase.MetaProposal, phase.MetaReview)

	events := []*models.MetaEvent{
		{PendingActionID: action.ID, SequenceNum: 1, Type: models.EventTypeEncounter,
			Title: "Wolves", Probability: 0.4, Severity: models.SeverityMinor},
		{PendingActionID: action.ID, SequenceNum: 2, Type: models.EventTypeHazard,
			Title: "Fog", Probability: 0.2, Severity: models.SeverityMinor},
	}
	require.NoError(t, f.store.CreateMetaEvents(ctx, events))

	// Confirm before deciding everything is a conflict.
	w := f.do(t, "POST", "/api/v1/meta-events/review", "alice",
		map[string]any{"pendingActionId": action.ID, "action": "confirm"})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, float64(2), decodeMap(t, w)["remaining"])

	for _, e := range events {
		w = f.do(t, "POST", "/api/v1/meta-events/review", "alice",
			map[string]any{"pendingActionId": action.ID, "action": "decide", "eventId": e.ID, "decision": "accepted"})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w = f.do(t, "POST", "/api/v1/meta-events/review", "alice",
		map[string]any{"pendingActionId": action.ID, "action": "confirm"})
	require.Equal(t, http.StatusOK, w.Code)
	out := decodeMap(t, w)
	assert.Equal(t, "probability_roll", out["phase"])
	got, _ := out["events"].([]any)
	assert.Len(t, got, 2)
}

func TestReviewEvents_Regenerate(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.newSession(t, "alice", "s")
	action := f.walkTo(t, sess, phase.MetaProposal, phase.MetaReview)

	w := f.do(t, "POST", "/api/v1/meta-events/review", "alice",
		map[string]any{"pendingActionId": action.ID, "action": "regenerate"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "meta_proposal", decodeMap(t, w)["phase"])

	sess2, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, phase.MetaProposal, sess2.Phase)
}

func TestReviewEvents_BadRequests(t *testing.T) {
	f := newAPIFixture(t)
	sess := f.newSession(t, "alice", "s")
	action := f.walkTo(t, sess, phase.MetaProposal, phase.MetaReview)

	w := f.do(t, "POST", "/api/v1/meta-events/review", "alice",
		map[string]any{"pendingActionId": action.ID, "action": "shuffle"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "POST", "/api/v1/meta-events/review", "alice",
		map[string]any{"pendingActionId": action.ID, "action": "decide"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "POST", "/api/v1/meta-events/review", "alice",
		map[string]any{"pendingActionId": action.ID, "action": "decide", "eventId": "missing", "decision": "accepted"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, "POST", "/api/v1/meta-events/review", "alice",
		map[string]any{"action": "confirm"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, "OPTIONS", "/api/v1/sessions", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
