// Package mcp exposes the gm session pipeline as MCP tools so an agent
// client can create sessions, submit turns, and work the meta-event
// review gate over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/averyfenn/gm/internal/meta"
	"github.com/averyfenn/gm/internal/models"
	"github.com/averyfenn/gm/internal/phase"
	"github.com/averyfenn/gm/internal/store"
	"github.com/averyfenn/gm/internal/turn"
)

// Server wraps the gm data layer and turn pipeline as MCP tools.
type Server struct {
	store    store.Store
	reviewer *meta.Coordinator
	orch     *turn.Orchestrator
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(s store.Store, r *meta.Coordinator, o *turn.Orchestrator) *Server {
	return &Server{
		store:    s,
		reviewer: r,
		orch:     o,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("gm", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.createSessionTool())
	srv.AddTool(s.sessionPhaseTool())
	srv.AddTool(s.submitTurnTool())
	srv.AddTool(s.listEventsTool())
	srv.AddTool(s.decideEventTool())
	srv.AddTool(s.confirmEventsTool())
	srv.AddTool(s.regenerateEventsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func eventOut(e *models.MetaEvent) map[string]any {
	return map[string]any{
		"id":              e.ID,
		"sequence_num":    e.SequenceNum,
		"type":            string(e.Type),
		"title":           e.Title,
		"description":     e.Description,
		"probability":     e.Probability,
		"severity":        string(e.Severity),
		"triggers_combat": e.TriggersCombat,
		"player_decision": string(e.PlayerDecision),
		"triggered":       e.Triggered,
		"resolved":        e.Resolved,
	}
}

// gm_create_session
func (s *Server) createSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gm_create_session",
		mcp.WithDescription("Create a new game session for a player. Returns the session id; the session starts in the idle phase."),
		mcp.WithString("user", mcp.Required(), mcp.Description("Owning player/user id")),
		mcp.WithString("name", mcp.Description("Human-facing session name")),
	)
	return tool, s.handleCreateSession
}

func (s *Server) handleCreateSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := request.RequireString("user")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: user"), nil
	}

	sess := &models.Session{
		OwnerUserID: userID,
		Name:        request.GetString("name", ""),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create session: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"id":    sess.ID,
		"phase": string(sess.Phase),
	})
}

// gm_session_phase
func (s *Server) sessionPhaseTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gm_session_phase",
		mcp.WithDescription("Get the current pipeline phase of a session. Poll this while a phase is blocking; stop polling once blocking is false."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session id")),
	)
	return tool, s.handleSessionPhase
}

func (s *Server) handleSessionPhase(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session"), nil
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", sessionID)), nil
	}

	out := map[string]any{
		"phase":             string(sess.Phase),
		"pending_action_id": sess.PendingActionID,
		"blocking":          phase.IsBlocking(sess.Phase),
		"in_meta_event":     sess.InMetaEvent,
		"in_combat":         sess.InCombat,
	}
	if sess.PendingActionID != "" {
		if action, err := s.store.GetPendingAction(ctx, sess.PendingActionID); err == nil {
			out["original_input"] = action.OriginalInput
		}
	}
	return marshalResult(out)
}

// gm_submit_turn
func (s *Server) submitTurnTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gm_submit_turn",
		mcp.WithDescription("Submit a player action to start a turn. Fails with a conflict if a turn is already in flight. The pipeline runs in the background; poll gm_session_phase and decide/confirm events when the phase reaches meta_review."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("input", mcp.Required(), mcp.Description("The player's free-text action")),
		mcp.WithString("location", mcp.Description("Where the action takes place")),
		mcp.WithString("time_of_day", mcp.Description("Narrative time of day")),
	)
	return tool, s.handleSubmitTurn
}

func (s *Server) handleSubmitTurn(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session"), nil
	}
	input, err := request.RequireString("input")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: input"), nil
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", sessionID)), nil
	}

	req := turn.Request{
		SessionID:   sessionID,
		UserID:      sess.OwnerUserID,
		PlayerInput: input,
		Location:    request.GetString("location", ""),
		TimeOfDay:   request.GetString("time_of_day", ""),
	}
	t, err := s.orch.Start(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start turn: %v", err)), nil
	}
	go func() {
		_, _ = s.orch.Drive(context.Background(), t.ID, req)
	}()

	return marshalResult(map[string]any{
		"turn_id": t.ID,
		"status":  string(t.Status),
	})
}

// gm_list_events
func (s *Server) listEventsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gm_list_events",
		mcp.WithDescription("List the proposed meta events for a pending action, with decisions and trigger state."),
		mcp.WithString("pending_action", mcp.Required(), mcp.Description("Pending action id")),
	)
	return tool, s.handleListEvents
}

func (s *Server) handleListEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actionID, err := request.RequireString("pending_action")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: pending_action"), nil
	}

	events, err := s.store.ListMetaEvents(ctx, actionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list events: %v", err)), nil
	}
	out := make([]map[string]any, len(events))
	for i, e := range events {
		out[i] = eventOut(e)
	}
	return marshalResult(out)
}

// gm_decide_event
func (s *Server) decideEventTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gm_decide_event",
		mcp.WithDescription("Accept or reject one proposed meta event. Requires the session to be in the meta_review phase. Re-deciding overwrites the earlier decision."),
		mcp.WithString("pending_action", mcp.Required(), mcp.Description("Pending action id")),
		mcp.WithString("event", mcp.Required(), mcp.Description("Meta event id")),
		mcp.WithString("decision", mcp.Required(), mcp.Description("accepted or rejected")),
	)
	return tool, s.handleDecideEvent
}

func (s *Server) handleDecideEvent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actionID, err := request.RequireString("pending_action")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: pending_action"), nil
	}
	eventID, err := request.RequireString("event")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: event"), nil
	}
	decision, err := request.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: decision"), nil
	}

	if err := s.reviewer.Decide(ctx, actionID, eventID, models.EventDecision(decision)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to decide event: %v", err)), nil
	}
	return mcp.NewToolResultText(`{"ok":true}`), nil
}

// gm_confirm_events
func (s *Server) confirmEventsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gm_confirm_events",
		mcp.WithDescription("Confirm the reviewed batch and let the turn proceed to the probability roll. Fails while any event is still undecided."),
		mcp.WithString("pending_action", mcp.Required(), mcp.Description("Pending action id")),
	)
	return tool, s.handleConfirmEvents
}

func (s *Server) handleConfirmEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actionID, err := request.RequireString("pending_action")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: pending_action"), nil
	}

	remaining, err := s.store.CountUndecidedEvents(ctx, actionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to check decisions: %v", err)), nil
	}
	if remaining > 0 {
		incomplete := &meta.IncompleteDecisionsError{Remaining: remaining}
		return mcp.NewToolResultError(incomplete.Error()), nil
	}

	events, err := s.reviewer.Confirm(ctx, actionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to confirm: %v", err)), nil
	}
	out := make([]map[string]any, len(events))
	for i, e := range events {
		out[i] = eventOut(e)
	}
	return marshalResult(map[string]any{
		"events": out,
		"phase":  string(phase.ProbabilityRoll),
	})
}

// gm_regenerate_events
func (s *Server) regenerateEventsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gm_regenerate_events",
		mcp.WithDescription("Discard the proposed batch and ask for a fresh one. Moves the session back to meta_proposal; a running turn re-proposes automatically."),
		mcp.WithString("pending_action", mcp.Required(), mcp.Description("Pending action id")),
	)
	return tool, s.handleRegenerateEvents
}

func (s *Server) handleRegenerateEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actionID, err := request.RequireString("pending_action")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: pending_action"), nil
	}

	if err := s.reviewer.Regenerate(ctx, actionID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to regenerate: %v", err)), nil
	}
	return marshalResult(map[string]any{"phase": string(phase.MetaProposal)})
}
