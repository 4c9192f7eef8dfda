// Package turn drives one full player turn through the phase pipeline:
// validation, constraints, meta-event proposal and review, probability
// resolution, interaction, narration, and finalization. Steps are
// individually retried and progress is durable, so a crashed turn
// resumes at the step after the last one it completed.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/averyfenn/gm/internal/llm"
	"github.com/averyfenn/gm/internal/meta"
	"github.com/averyfenn/gm/internal/models"
	"github.com/averyfenn/gm/internal/phase"
	"github.com/averyfenn/gm/internal/roll"
	"github.com/averyfenn/gm/internal/session"
	"github.com/averyfenn/gm/internal/store"
)

// Validator judges whether a player action can be attempted.
type Validator interface {
	Validate(ctx context.Context, playerInput string) (llm.ValidationResult, error)
}

// Narrator produces the user-visible narrative for a resolved turn.
type Narrator interface {
	Narrate(ctx context.Context, req llm.NarrationRequest) (string, error)
}

// Interactor contributes NPC/background reactions to the turn context.
type Interactor interface {
	React(ctx context.Context, sess *models.Session, triggered []*models.MetaEvent) ([]string, error)
}

// NoopInteractor contributes nothing. Deployments without reaction
// modules use it.
type NoopInteractor struct{}

func (NoopInteractor) React(ctx context.Context, sess *models.Session, triggered []*models.MetaEvent) ([]string, error) {
	return nil, nil
}

// Options tunes orchestrator timing.
type Options struct {
	// ReviewPollInterval is how often the meta step polls the session
	// phase while the player reviews the proposal batch.
	ReviewPollInterval time.Duration
	// ReviewTimeout bounds how long a turn waits in meta_review before
	// failing.
	ReviewTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReviewPollInterval <= 0 {
		o.ReviewPollInterval = 500 * time.Millisecond
	}
	if o.ReviewTimeout <= 0 {
		o.ReviewTimeout = 10 * time.Minute
	}
	return o
}

// Orchestrator runs turns. All collaborators are injected at
// construction; no step resolves a dependency at request time.
type Orchestrator struct {
	store      store.Store
	machine    *session.Machine
	validator  Validator
	generator  *meta.Generator
	reviewer   *meta.Coordinator
	narrator   Narrator
	interactor Interactor
	roller     *roll.Roller
	retry      RetryPolicy
	opts       Options
	logger     *slog.Logger

	// sleep is swapped out in tests so retries and review polling do
	// not wait in real time.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator. A nil interactor defaults to
// NoopInteractor, a nil logger to slog.Default.
func New(s store.Store, m *session.Machine, v Validator, g *meta.Generator, r *meta.Coordinator, n Narrator, i Interactor, dice *roll.Roller, retry RetryPolicy, opts Options, logger *slog.Logger) *Orchestrator {
	if i == nil {
		i = NoopInteractor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      s,
		machine:    m,
		validator:  v,
		generator:  g,
		reviewer:   r,
		narrator:   n,
		interactor: i,
		roller:     dice,
		retry:      retry,
		opts:       opts.withDefaults(),
		logger:     logger,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// step names, in pipeline order. A turn's Step column records the last
// one that completed.
const (
	stepValidate    = "validate"
	stepConstraints = "constraints"
	stepMeta        = "meta"
	stepInteraction = "interaction"
	stepNarrate     = "narrate"
	stepFinalize    = "finalize"
)

var stepOrder = []string{stepValidate, stepConstraints, stepMeta, stepInteraction, stepNarrate, stepFinalize}

// stepIndex returns a step's position in the pipeline, or -1 for the
// empty step of a turn that has not completed anything yet.
func stepIndex(name string) int {
	for i, s := range stepOrder {
		if s == name {
			return i
		}
	}
	return -1
}

// Start claims the session for a new turn and persists the pending
// action and turn records. A session already mid-turn fails fast with
// *phase.ConflictError; a concurrent claim loses the version check. No
// pipeline step runs yet: follow with Drive (or let RunTurn do both).
func (o *Orchestrator) Start(ctx context.Context, req Request) (*models.Turn, error) {
	sess, err := o.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Phase != phase.Idle {
		return nil, &phase.ConflictError{Expected: phase.Idle, Actual: sess.Phase}
	}

	action := &models.PendingAction{
		SessionID:     req.SessionID,
		OriginalInput: req.PlayerInput,
	}
	if err := o.store.CreatePendingAction(ctx, action); err != nil {
		return nil, err
	}

	if _, err := o.machine.Begin(ctx, req.SessionID, action.ID); err != nil {
		// Lost the claim race or the session moved; the orphaned action
		// is closed so it cannot be mistaken for live work.
		_ = o.store.CloseAction(ctx, action.ID)
		return nil, err
	}

	t := &models.Turn{
		SessionID:       req.SessionID,
		UserID:          req.UserID,
		PendingActionID: action.ID,
	}
	if err := o.store.CreateTurn(ctx, t); err != nil {
		_, _ = o.machine.Reset(ctx, req.SessionID)
		_ = o.store.CloseAction(ctx, action.ID)
		return nil, err
	}
	return t, nil
}

// Drive runs a started turn's pipeline to its terminal state, picking
// up after the last completed step.
func (o *Orchestrator) Drive(ctx context.Context, turnID string, req Request) (*models.Turn, error) {
	t, err := o.store.GetTurn(ctx, turnID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TurnStatusRunning {
		return t, nil
	}
	sess, err := o.store.GetSession(ctx, t.SessionID)
	if err != nil {
		return nil, err
	}
	action, err := o.store.GetPendingAction(ctx, t.PendingActionID)
	if err != nil {
		return nil, err
	}

	tc := &turnContext{
		turn:    t,
		session: sess,
		action:  action,
		req:     req,
	}
	// A turn resumed past the constraints step lost its scene bundle
	// with the process. Rebuild it before anything downstream reads it.
	if stepIndex(t.Step) >= stepIndex(stepConstraints) {
		if err := o.stepConstraints(ctx, tc); err != nil {
			return nil, err
		}
	}
	return o.run(ctx, tc)
}

// RunTurn drives one player action through the whole pipeline and
// returns the terminal turn record. The returned error is nil for both
// completed turns and normal validation rejections; it is non-nil only
// when the pipeline itself failed.
func (o *Orchestrator) RunTurn(ctx context.Context, req Request) (*models.Turn, error) {
	t, err := o.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Drive(ctx, t.ID, req)
}

// Resume continues a turn that was interrupted mid-pipeline, typically
// after a crash. The scene context that arrived with the original
// request is rebuilt from the store.
func (o *Orchestrator) Resume(ctx context.Context, turnID string) (*models.Turn, error) {
	t, err := o.store.GetTurn(ctx, turnID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TurnStatusRunning {
		return t, nil
	}
	action, err := o.store.GetPendingAction(ctx, t.PendingActionID)
	if err != nil {
		return nil, err
	}
	o.logger.Info("resuming turn", "turn", t.ID, "session", t.SessionID, "after_step", t.Step)
	return o.Drive(ctx, turnID, Request{
		SessionID:   t.SessionID,
		UserID:      t.UserID,
		PlayerInput: action.OriginalInput,
	})
}

// ResumeRunning resumes every turn left in the running state, typically
// at server startup after a crash.
func (o *Orchestrator) ResumeRunning(ctx context.Context) error {
	turns, err := o.store.ListTurns(ctx, store.TurnListFilter{Status: models.TurnStatusRunning})
	if err != nil {
		return err
	}
	for _, t := range turns {
		if _, err := o.Resume(ctx, t.ID); err != nil {
			o.logger.Error("resume turn failed", "turn", t.ID, "error", err)
		}
	}
	return nil
}

// run executes the pipeline from the step after tc.turn.Step. Any step
// failure compensates the session back to idle before surfacing, so a
// partially-applied phase is never observable after a turn ends.
func (o *Orchestrator) run(ctx context.Context, tc *turnContext) (*models.Turn, error) {
	steps := map[string]func(context.Context, *turnContext) error{
		stepValidate:    o.stepValidate,
		stepConstraints: o.stepConstraints,
		stepMeta:        o.stepMeta,
		stepInteraction: o.stepInteraction,
		stepNarrate:     o.stepNarrate,
		stepFinalize:    o.stepFinalize,
	}

	start := stepIndex(tc.turn.Step) + 1

	for _, name := range stepOrder[start:] {
		err := o.retryStep(ctx, tc, name, steps[name])
		if err == nil {
			if err := o.store.SetTurnStep(ctx, tc.turn.ID, name); err != nil {
				return tc.turn, err
			}
			tc.turn.Step = name
			continue
		}

		var rejected *ValidationRejectedError
		if errors.As(err, &rejected) {
			return tc.turn, o.failTurn(ctx, tc, rejected.Clarification)
		}
		o.logger.Error("turn step failed", "turn", tc.turn.ID, "step", name, "error", err)
		if ferr := o.failTurn(ctx, tc, err.Error()); ferr != nil {
			return tc.turn, ferr
		}
		return tc.turn, err
	}

	o.logger.Info("turn completed", "turn", tc.turn.ID, "session", tc.session.ID)
	return tc.turn, nil
}

// retryStep runs one step under the retry policy. Non-retryable errors
// surface immediately; others back off exponentially until attempts
// exhaust.
func (o *Orchestrator) retryStep(ctx context.Context, tc *turnContext, name string, fn func(context.Context, *turnContext) error) error {
	var lastErr error
	for attempt := 1; attempt <= o.retry.MaxAttempts; attempt++ {
		err := fn(ctx, tc)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		if attempt < o.retry.MaxAttempts {
			delay := o.retry.Backoff(attempt)
			o.logger.Warn("step failed, retrying", "turn", tc.turn.ID, "step", name, "attempt", attempt, "delay", delay, "error", err)
			if serr := o.sleep(ctx, delay); serr != nil {
				return serr
			}
		}
	}
	return fmt.Errorf("step %s failed after %d attempts: %w", name, o.retry.MaxAttempts, lastErr)
}

// failTurn is the compensation path: the session is forced back to
// idle, the action closed, and the terminal failure recorded. The
// user sees a single message; step-level retries stay internal.
func (o *Orchestrator) failTurn(ctx context.Context, tc *turnContext, msg string) error {
	if _, err := o.machine.Reset(ctx, tc.session.ID); err != nil {
		return fmt.Errorf("compensate session to idle: %w", err)
	}
	if err := o.store.CloseAction(ctx, tc.action.ID); err != nil {
		return err
	}
	tc.turn.Status = models.TurnStatusFailed
	tc.turn.Error = msg
	return o.store.FinishTurn(ctx, tc.turn)
}

// --- pipeline steps ---

// stepValidate runs the external validator. Rejection is terminal for
// the turn but normal: validating -> idle with a clarification.
func (o *Orchestrator) stepValidate(ctx context.Context, tc *turnContext) error {
	result, err := o.validator.Validate(ctx, tc.req.PlayerInput)
	if err != nil {
		return err
	}

	if !result.IsValid {
		// The explicit reject transition keeps the adjacency table
		// honest even though failTurn resets right after.
		if _, err := o.machine.Transition(ctx, tc.session.ID, phase.Idle); err != nil {
			return err
		}
		return &ValidationRejectedError{Clarification: result.Clarification}
	}

	if err := o.store.SetActionEstimate(ctx, tc.action.ID, result.TimeEstimate); err != nil {
		return err
	}
	tc.action.TimeEstimate = result.TimeEstimate

	next, err := phase.Next(phase.Validating, phase.ValidationDone{Passed: true})
	if err != nil {
		return err
	}
	_, err = o.machine.Transition(ctx, tc.session.ID, next)
	return err
}

// stepConstraints assembles the context bundle consumed by the meta and
// narrate steps. It reads only the store and the clock.
func (o *Orchestrator) stepConstraints(ctx context.Context, tc *turnContext) error {
	recent, err := o.store.ListRecentEventTitles(ctx, tc.session.ID, 5)
	if err != nil {
		return err
	}
	timeOfDay := tc.req.TimeOfDay
	if timeOfDay == "" {
		timeOfDay = timeOfDayLabel(time.Now())
	}
	tc.bundle = Constraints{
		TimeEstimate: tc.action.TimeEstimate,
		TimeOfDay:    timeOfDay,
		RecentEvents: recent,
		InMetaEvent:  tc.session.InMetaEvent,
		InCombat:     tc.session.InCombat,
	}
	return nil
}

// stepMeta drives the meta-event subsystem to completion: proposal,
// player review (with regeneration loops), probability roll, and the
// in_meta_event/in_combat resolution loop. Entry dispatches on the
// phase the session actually reached, so a retried or resumed step
// continues from where the last attempt stopped instead of re-proposing
// over a reviewed batch. When the session was already inside a meta
// event or combat before the turn began, the subsystem is skipped and
// the phases pass straight through.
func (o *Orchestrator) stepMeta(ctx context.Context, tc *turnContext) error {
	sess, err := o.store.GetSession(ctx, tc.session.ID)
	if err != nil {
		return err
	}
	tc.session = sess

	switch sess.Phase {
	case phase.InMetaEvent, phase.InCombat:
		// Crashed mid-resolution; pick the loop back up where it was.
		if err := o.reloadTriggered(ctx, tc); err != nil {
			return err
		}
		return o.resolveTriggered(ctx, tc)
	case phase.ResolvingAction:
		return nil
	}

	if tc.bundle.InMetaEvent || tc.bundle.InCombat {
		return o.passThroughMeta(ctx, tc)
	}

	switch sess.Phase {
	case phase.MetaProposal:
		if err := o.proposeBatch(ctx, tc); err != nil {
			return err
		}
		if err := o.awaitReview(ctx, tc); err != nil {
			return err
		}
	case phase.MetaReview:
		if err := o.awaitReview(ctx, tc); err != nil {
			return err
		}
	case phase.ProbabilityRoll:
		// Review gate already closed; go straight to the roll.
	default:
		return &phase.ConflictError{Expected: phase.MetaProposal, Actual: sess.Phase}
	}

	if err := o.rollProbabilities(ctx, tc); err != nil {
		return err
	}
	return o.resolveTriggered(ctx, tc)
}

// passThroughMeta walks the meta phases without proposing anything. No
// new complications are stacked on a session that is already inside
// one. The walk starts from the phase the session has reached, so a
// resumed step does not replay transitions it already made.
func (o *Orchestrator) passThroughMeta(ctx context.Context, tc *turnContext) error {
	seq := []phase.Phase{phase.MetaReview, phase.ProbabilityRoll, phase.ResolvingAction}
	start := 0
	switch tc.session.Phase {
	case phase.MetaReview:
		start = 1
	case phase.ProbabilityRoll:
		start = 2
	case phase.ResolvingAction:
		return nil
	}
	for _, p := range seq[start:] {
		sess, err := o.machine.Transition(ctx, tc.session.ID, p)
		if err != nil {
			return err
		}
		tc.session = sess
	}
	return nil
}

// reloadTriggered rebuilds the triggered set from the store, for steps
// resumed after the in-memory set was lost.
func (o *Orchestrator) reloadTriggered(ctx context.Context, tc *turnContext) error {
	events, err := o.store.ListMetaEvents(ctx, tc.action.ID)
	if err != nil {
		return err
	}
	tc.triggered = tc.triggered[:0]
	for _, e := range events {
		if e.Triggered {
			tc.triggered = append(tc.triggered, e)
		}
	}
	return nil
}

// proposeBatch generates and persists a fresh event batch, then opens
// the review gate. Any stale batch is deleted first so a retried step
// cannot double-insert.
func (o *Orchestrator) proposeBatch(ctx context.Context, tc *turnContext) error {
	if err := o.store.DeleteMetaEvents(ctx, tc.action.ID); err != nil {
		return err
	}

	batch, err := o.generator.Generate(ctx, meta.Request{
		PlayerAction: tc.req.PlayerInput,
		TimeEstimate: tc.action.TimeEstimate,
		Location:     tc.req.Location,
		TimeOfDay:    tc.bundle.TimeOfDay,
		RecentEvents: tc.bundle.RecentEvents,
	})
	if err != nil {
		return err
	}
	for _, e := range batch.Events {
		e.PendingActionID = tc.action.ID
	}
	if err := o.store.CreateMetaEvents(ctx, batch.Events); err != nil {
		return err
	}

	_, err = o.machine.Transition(ctx, tc.session.ID, phase.MetaReview)
	return err
}

// awaitReview polls the session phase until the review gate closes.
// Confirm moves the session to probability_roll; regenerate moves it
// back to meta_proposal, where this orchestrator (per the review
// contract) deletes the batch and proposes a new one.
func (o *Orchestrator) awaitReview(ctx context.Context, tc *turnContext) error {
	deadline := time.Now().Add(o.opts.ReviewTimeout)
	for {
		sess, err := o.store.GetSession(ctx, tc.session.ID)
		if err != nil {
			return err
		}
		tc.session = sess

		switch sess.Phase {
		case phase.ProbabilityRoll:
			return nil
		case phase.MetaProposal:
			if err := o.proposeBatch(ctx, tc); err != nil {
				return err
			}
		case phase.MetaReview:
			if time.Now().After(deadline) {
				return ErrReviewTimeout
			}
			if err := o.sleep(ctx, o.opts.ReviewPollInterval); err != nil {
				return err
			}
		default:
			return &phase.ConflictError{Expected: phase.MetaReview, Actual: sess.Phase}
		}
	}
}

// rollProbabilities resolves which accepted events actually fire and
// signals the machine onward: into the event loop if any triggered,
// straight to resolution otherwise.
func (o *Orchestrator) rollProbabilities(ctx context.Context, tc *turnContext) error {
	events, err := o.store.ListMetaEvents(ctx, tc.action.ID)
	if err != nil {
		return err
	}

	tc.triggered = tc.triggered[:0]
	for _, e := range events {
		if e.PlayerDecision != models.DecisionAccepted {
			continue
		}
		if e.Triggered {
			// Already rolled on a previous attempt; keep the result.
			tc.triggered = append(tc.triggered, e)
			continue
		}
		if o.roller.Triggers(e.Probability) {
			if err := o.store.SetEventTriggered(ctx, e.ID, true); err != nil {
				return err
			}
			e.Triggered = true
			tc.triggered = append(tc.triggered, e)
		}
	}

	next, err := phase.Next(phase.ProbabilityRoll, phase.RollDone{AnyTriggered: len(tc.triggered) > 0})
	if err != nil {
		return err
	}
	sess, err := o.machine.Transition(ctx, tc.session.ID, next)
	if err != nil {
		return err
	}
	tc.session = sess
	return nil
}

// resolveTriggered consumes triggered events in sequence order, taking
// the combat detour for events that start a fight. One level of looping
// only: events never nest further events.
func (o *Orchestrator) resolveTriggered(ctx context.Context, tc *turnContext) error {
	if len(tc.triggered) == 0 {
		return nil // rollProbabilities already moved to resolving_action
	}

	for {
		events, err := o.store.ListMetaEvents(ctx, tc.action.ID)
		if err != nil {
			return err
		}
		var pending []*models.MetaEvent
		for _, e := range events {
			if e.Triggered && !e.Resolved {
				pending = append(pending, e)
			}
		}
		if len(pending) == 0 {
			// Everything already resolved, likely by an earlier attempt
			// that crashed before its final transition. Close the loop.
			if tc.session.Phase == phase.InMetaEvent || tc.session.Phase == phase.InCombat {
				sess, err := o.machine.Transition(ctx, tc.session.ID, phase.ResolvingAction)
				if err != nil {
					return err
				}
				tc.session = sess
			}
			break
		}

		ev := pending[0]
		remaining := len(pending) - 1

		var next phase.Phase
		if ev.TriggersCombat {
			if tc.session.Phase != phase.InCombat {
				sess, err := o.machine.Transition(ctx, tc.session.ID, phase.InCombat)
				if err != nil {
					return err
				}
				tc.session = sess
			}
			// Combat internals are external to this pipeline; the
			// detour exists so observers see the phase and the flags.
			if err := o.store.SetEventResolved(ctx, ev.ID); err != nil {
				return err
			}
			next, err = phase.Next(phase.InCombat, phase.CombatDone{AnyUnresolved: remaining > 0})
		} else {
			if err := o.store.SetEventResolved(ctx, ev.ID); err != nil {
				return err
			}
			next, err = phase.Next(phase.InMetaEvent, phase.MetaEventStep{AllResolved: remaining == 0})
		}
		if err != nil {
			return err
		}
		sess, err := o.machine.Transition(ctx, tc.session.ID, next)
		if err != nil {
			return err
		}
		tc.session = sess
		if next == phase.ResolvingAction {
			break
		}
	}
	return nil
}

// stepInteraction gathers NPC/background reactions for the narrator.
func (o *Orchestrator) stepInteraction(ctx context.Context, tc *turnContext) error {
	reactions, err := o.interactor.React(ctx, tc.session, tc.triggered)
	if err != nil {
		return err
	}
	tc.reactions = reactions
	return nil
}

// stepNarrate invokes the narrative capability with the accumulated
// context.
func (o *Orchestrator) stepNarrate(ctx context.Context, tc *turnContext) error {
	if len(tc.triggered) == 0 {
		// Rebuild after a resume: triggered events live in the store.
		if err := o.reloadTriggered(ctx, tc); err != nil {
			return err
		}
	}

	narrEvents := make([]llm.NarrationEvent, len(tc.triggered))
	for i, e := range tc.triggered {
		narrEvents[i] = llm.NarrationEvent{
			Title:       e.Title,
			Description: e.Description,
			Severity:    string(e.Severity),
			Combat:      e.TriggersCombat,
		}
	}

	narrative, err := o.narrator.Narrate(ctx, llm.NarrationRequest{
		PlayerInput:     tc.req.PlayerInput,
		TimeEstimate:    tc.action.TimeEstimate,
		Location:        tc.req.Location,
		TimeOfDay:       tc.bundle.TimeOfDay,
		TriggeredEvents: narrEvents,
		Reactions:       tc.reactions,
	})
	if err != nil {
		return err
	}
	tc.narrative = narrative
	return nil
}

// stepFinalize persists the outcome and returns the session to idle.
// The write is keyed by turn id, so re-running after a crash cannot
// double-insert.
func (o *Orchestrator) stepFinalize(ctx context.Context, tc *turnContext) error {
	if _, err := o.machine.Transition(ctx, tc.session.ID, phase.Idle); err != nil {
		return err
	}
	if err := o.store.CloseAction(ctx, tc.action.ID); err != nil {
		return err
	}
	tc.turn.Status = models.TurnStatusCompleted
	tc.turn.Narrative = tc.narrative
	return o.store.FinishTurn(ctx, tc.turn)
}
