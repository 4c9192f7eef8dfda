// Package api provides the REST surface for gm: session management,
// turn submission, the phase query used by polling clients, and the
// meta-event generation/review endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/averyfenn/gm/internal/meta"
	"github.com/averyfenn/gm/internal/models"
	"github.com/averyfenn/gm/internal/phase"
	"github.com/averyfenn/gm/internal/session"
	"github.com/averyfenn/gm/internal/store"
	"github.com/averyfenn/gm/internal/turn"
)

// userHeader identifies the calling player. Session ownership checks
// compare against it; a mismatch reads as not-found so foreign sessions
// do not leak existence.
const userHeader = "X-GM-User"

// Server provides the REST API handlers.
type Server struct {
	store     store.Store
	machine   *session.Machine
	generator *meta.Generator
	reviewer  *meta.Coordinator
	orch      *turn.Orchestrator
	logger    *slog.Logger
}

// NewServer creates a new API server.
func NewServer(s store.Store, m *session.Machine, g *meta.Generator, r *meta.Coordinator, o *turn.Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     s,
		machine:   m,
		generator: g,
		reviewer:  r,
		orch:      o,
		logger:    logger,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/sessions", s.createSession)
	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/phase", s.getPhase)
	mux.HandleFunc("GET /api/v1/sessions/{id}/events", s.listSessionEvents)
	mux.HandleFunc("POST /api/v1/sessions/{id}/turns", s.submitTurn)
	mux.HandleFunc("GET /api/v1/sessions/{id}/turns", s.listTurns)
	mux.HandleFunc("GET /api/v1/sessions/{id}/turns/{turnID}", s.getTurn)

	mux.HandleFunc("POST /api/v1/meta-events/generate", s.generateEvents)
	mux.HandleFunc("POST /api/v1/meta-events/review", s.reviewEvents)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+userHeader)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writePhaseConflict maps a phase conflict to 409 carrying the actual
// phase so the caller can resynchronize.
func writePhaseConflict(w http.ResponseWriter, conflict *phase.ConflictError) {
	writeJSON(w, http.StatusConflict, map[string]string{
		"error": conflict.Error(),
		"phase": string(conflict.Actual),
	})
}

// authSession loads a session and checks the calling user owns it.
// Missing and foreign sessions are indistinguishable to the caller.
func (s *Server) authSession(w http.ResponseWriter, r *http.Request, id string) *models.Session {
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil
	}
	if sess.OwnerUserID != r.Header.Get(userHeader) {
		writeError(w, http.StatusNotFound, "session not found")
		return nil
	}
	return sess
}

// --- Sessions ---

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusBadRequest, userHeader+" header is required")
		return
	}

	sess := &models.Session{
		OwnerUserID: userID,
		Name:        strings.TrimSpace(req.Name),
		Phase:       phase.Idle,
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sessionOut(sess))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusBadRequest, userHeader+" header is required")
		return
	}
	sessions, err := s.store.ListSessions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, len(sessions))
	for i, sess := range sessions {
		out[i] = sessionOut(sess)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess := s.authSession(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, sessionOut(sess))
}

func sessionOut(sess *models.Session) map[string]any {
	return map[string]any{
		"id":              sess.ID,
		"name":            sess.Name,
		"phase":           string(sess.Phase),
		"pendingActionId": sess.PendingActionID,
		"isInMetaEvent":   sess.InMetaEvent,
		"isInCombat":      sess.InCombat,
		"createdAt":       sess.CreatedAt,
	}
}

// getPhase is the polling endpoint for clients waiting out a blocking
// phase.
func (s *Server) getPhase(w http.ResponseWriter, r *http.Request) {
	sess := s.authSession(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}

	out := map[string]any{
		"phase":           string(sess.Phase),
		"pendingActionId": sess.PendingActionID,
		"originalInput":   "",
		"blocking":        phase.IsBlocking(sess.Phase),
	}
	if sess.PendingActionID != "" {
		if action, err := s.store.GetPendingAction(r.Context(), sess.PendingActionID); err == nil {
			out["originalInput"] = action.OriginalInput
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listSessionEvents(w http.ResponseWriter, r *http.Request) {
	sess := s.authSession(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	if sess.PendingActionID == "" {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	events, err := s.store.ListMetaEvents(r.Context(), sess.PendingActionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, eventsOut(events))
}

// --- Turns ---

func (s *Server) submitTurn(w http.ResponseWriter, r *http.Request) {
	sess := s.authSession(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}

	var req struct {
		Input     string `json:"input"`
		Location  string `json:"location"`
		TimeOfDay string `json:"timeOfDay"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}

	// A turn already in flight is a conflict, never a queue.
	if sess.Phase != phase.Idle {
		writePhaseConflict(w, &phase.ConflictError{Expected: phase.Idle, Actual: sess.Phase})
		return
	}

	turnReq := turn.Request{
		SessionID:   sess.ID,
		UserID:      sess.OwnerUserID,
		PlayerInput: req.Input,
		Location:    req.Location,
		TimeOfDay:   req.TimeOfDay,
	}

	t, err := s.orch.Start(r.Context(), turnReq)
	if err != nil {
		var conflict *phase.ConflictError
		if errors.As(err, &conflict) {
			writePhaseConflict(w, conflict)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The pipeline outlives this request; clients poll the phase and
	// the turn record for progress.
	go func() {
		if _, err := s.orch.Drive(context.Background(), t.ID, turnReq); err != nil {
			s.logger.Error("turn failed", "session", turnReq.SessionID, "turn", t.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"turnId": t.ID,
		"status": string(t.Status),
	})
}

func (s *Server) listTurns(w http.ResponseWriter, r *http.Request) {
	sess := s.authSession(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	turns, err := s.store.ListTurns(r.Context(), store.TurnListFilter{SessionID: sess.ID, Limit: 50})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, len(turns))
	for i, t := range turns {
		out[i] = turnOut(t)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTurn(w http.ResponseWriter, r *http.Request) {
	sess := s.authSession(w, r, r.PathValue("id"))
	if sess == nil {
		return
	}
	t, err := s.store.GetTurn(r.Context(), r.PathValue("turnID"))
	if err != nil || t.SessionID != sess.ID {
		writeError(w, http.StatusNotFound, "turn not found")
		return
	}
	writeJSON(w, http.StatusOK, turnOut(t))
}

func turnOut(t *models.Turn) map[string]any {
	return map[string]any{
		"id":        t.ID,
		"sessionId": t.SessionID,
		"status":    string(t.Status),
		"step":      t.Step,
		"narrative": t.Narrative,
		"error":     t.Error,
		"startedAt": t.StartedAt,
		"endedAt":   t.EndedAt,
	}
}

// --- Meta events ---

func eventsOut(events []*models.MetaEvent) []map[string]any {
	out := make([]map[string]any, len(events))
	for i, e := range events {
		out[i] = map[string]any{
			"id":             e.ID,
			"sequenceNum":    e.SequenceNum,
			"type":           string(e.Type),
			"title":          e.Title,
			"description":    e.Description,
			"probability":    e.Probability,
			"severity":       string(e.Severity),
			"triggersCombat": e.TriggersCombat,
			"playerDecision": string(e.PlayerDecision),
			"triggered":      e.Triggered,
			"resolved":       e.Resolved,
		}
	}
	return out
}

// actionSession resolves a pending action to its session and checks
// ownership.
func (s *Server) actionSession(w http.ResponseWriter, r *http.Request, pendingActionID string) (*models.PendingAction, *models.Session) {
	if pendingActionID == "" {
		writeError(w, http.StatusBadRequest, "pendingActionId is required")
		return nil, nil
	}
	action, err := s.store.GetPendingAction(r.Context(), pendingActionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "pending action not found")
		return nil, nil
	}
	sess := s.authSession(w, r, action.SessionID)
	if sess == nil {
		return nil, nil
	}
	return action, sess
}

// generateEvents proposes (or re-proposes) a batch for a pending action
// gated in meta_proposal. It exists for drivers that run the review
// cycle themselves rather than through a live orchestrator turn.
func (s *Server) generateEvents(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PendingActionID string   `json:"pendingActionId"`
		Regenerate      bool     `json:"regenerate"`
		Location        string   `json:"location"`
		TimeOfDay       string   `json:"timeOfDay"`
		RecentEvents    []string `json:"recentEvents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	action, sess := s.actionSession(w, r, req.PendingActionID)
	if action == nil {
		return
	}
	if action.Phase != phase.MetaProposal {
		writePhaseConflict(w, &phase.ConflictError{Expected: phase.MetaProposal, Actual: action.Phase})
		return
	}

	if req.Regenerate {
		if err := s.store.DeleteMetaEvents(r.Context(), action.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	batch, err := s.generator.Generate(r.Context(), meta.Request{
		PlayerAction: action.OriginalInput,
		TimeEstimate: action.TimeEstimate,
		Location:     req.Location,
		TimeOfDay:    req.TimeOfDay,
		RecentEvents: req.RecentEvents,
	})
	if err != nil {
		var formatErr *meta.FormatError
		if errors.As(err, &formatErr) {
			writeError(w, http.StatusBadGateway, formatErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for _, e := range batch.Events {
		e.PendingActionID = action.ID
	}
	if err := s.store.CreateMetaEvents(r.Context(), batch.Events); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if _, err := s.machine.Transition(r.Context(), sess.ID, phase.MetaReview); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events":    eventsOut(batch.Events),
		"rawOutput": batch.RawOutput,
		"phase":     string(phase.MetaReview),
	})
}

func (s *Server) reviewEvents(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PendingActionID string `json:"pendingActionId"`
		Action          string `json:"action"`
		EventID         string `json:"eventId"`
		Decision        string `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	action, _ := s.actionSession(w, r, req.PendingActionID)
	if action == nil {
		return
	}

	ctx := r.Context()
	switch req.Action {
	case "decide":
		if req.EventID == "" || req.Decision == "" {
			writeError(w, http.StatusBadRequest, "decide requires eventId and decision")
			return
		}
		err := s.reviewer.Decide(ctx, action.ID, req.EventID, models.EventDecision(req.Decision))
		if err != nil {
			s.writeReviewError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"phase": string(phase.MetaReview)})

	case "confirm":
		// Completeness is enforced here, before the coordinator moves
		// the phase; no partial confirm can slip through.
		remaining, err := s.store.CountUndecidedEvents(ctx, action.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if remaining > 0 {
			incomplete := &meta.IncompleteDecisionsError{Remaining: remaining}
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":     incomplete.Error(),
				"remaining": remaining,
			})
			return
		}
		events, err := s.reviewer.Confirm(ctx, action.ID)
		if err != nil {
			s.writeReviewError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events": eventsOut(events),
			"phase":  string(phase.ProbabilityRoll),
		})

	case "regenerate":
		if err := s.reviewer.Regenerate(ctx, action.ID); err != nil {
			s.writeReviewError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"phase": string(phase.MetaProposal)})

	default:
		writeError(w, http.StatusBadRequest, "action must be decide, confirm, or regenerate")
	}
}

func (s *Server) writeReviewError(w http.ResponseWriter, err error) {
	var conflict *phase.ConflictError
	if errors.As(err, &conflict) {
		writePhaseConflict(w, conflict)
		return
	}
	if strings.Contains(err.Error(), "not found") {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}
