// Package meta implements the meta-event subsystem: proposing candidate
// complications for a pending action through a generative call, and
// coordinating the player's accept/reject review of the proposed batch.
package meta

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/averyfenn/gm/internal/models"
)

// maxTitleLen bounds stored event titles.
const maxTitleLen = 255

// defaultProbability is used when the model returns a non-numeric
// probability value.
const defaultProbability = 0.2

// Completer is the generative capability the generator consumes: one
// prompt in, one raw text reply out.
type Completer interface {
	GenerateText(ctx context.Context, system, user string) (string, error)
}

// FormatError reports that the generative call returned output that
// could not be parsed into an event batch. The turn-level retry policy
// treats it as transient; the generator never fabricates a fallback
// batch on this path.
type FormatError struct {
	Reason string
	Raw    string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("meta-event generation format error: %s", e.Reason)
}

// Request carries the action and optional scene context into a
// generation call.
type Request struct {
	PlayerAction string
	TimeEstimate string
	Location     string
	TimeOfDay    string
	RecentEvents []string
}

// Batch is the result of one generation call.
type Batch struct {
	Events    []*models.MetaEvent
	RawOutput string
}

// rawEvent mirrors the JSON shape the model is asked for. Probability is
// decoded loosely so a non-numeric value degrades instead of failing the
// whole batch.
type rawEvent struct {
	Type           string `json:"type"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Probability    any    `json:"probability"`
	Severity       string `json:"severity"`
	TriggersCombat bool   `json:"triggers_combat"`
}

type rawBatch struct {
	Events []rawEvent `json:"events"`
}

// Generator proposes candidate meta events for a pending action.
type Generator struct {
	llm Completer
}

// NewGenerator creates a generator over the given completer.
func NewGenerator(llm Completer) *Generator {
	return &Generator{llm: llm}
}

// Generate invokes the generative capability once and returns the
// normalized batch. Output that is not JSON, or lacks an events array,
// fails with *FormatError; partial batches are never synthesized. The
// prompt asks for 2 to 4 events, but the count is advisory: a batch of
// any size is structurally sound, and the review gate lets the player
// prune whatever the model over- or under-delivers.
func (g *Generator) Generate(ctx context.Context, req Request) (*Batch, error) {
	system, user := buildEventPrompt(req)

	text, err := g.llm.GenerateText(ctx, system, user)
	if err != nil {
		return nil, err
	}

	var parsed rawBatch
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, &FormatError{Reason: fmt.Sprintf("response is not valid JSON: %v", err), Raw: text}
	}
	if parsed.Events == nil {
		return nil, &FormatError{Reason: "response lacks an events array", Raw: text}
	}

	events := make([]*models.MetaEvent, len(parsed.Events))
	for i, raw := range parsed.Events {
		events[i] = normalizeEvent(raw, i)
	}
	return &Batch{Events: events, RawOutput: text}, nil
}

// normalizeEvent defensively coerces one model-proposed event into the
// stored shape: unknown enum values fall back to the mildest defaults,
// probability is clamped to [0,1], and the title is bounded.
func normalizeEvent(raw rawEvent, seq int) *models.MetaEvent {
	e := &models.MetaEvent{
		SequenceNum:    seq,
		Type:           models.EventType(raw.Type),
		Title:          raw.Title,
		Description:    raw.Description,
		Severity:       models.EventSeverity(raw.Severity),
		TriggersCombat: raw.TriggersCombat,
	}

	switch e.Type {
	case models.EventTypeEncounter, models.EventTypeDiscovery, models.EventTypeHazard, models.EventTypeOpportunity:
	default:
		e.Type = models.EventTypeEncounter
	}

	switch e.Severity {
	case models.SeverityMinor, models.SeverityModerate, models.SeverityMajor:
	default:
		e.Severity = models.SeverityMinor
	}

	e.Probability = normalizeProbability(raw.Probability)

	if title := []rune(e.Title); len(title) > maxTitleLen {
		e.Title = string(title[:maxTitleLen])
	}

	return e
}

// normalizeProbability coerces a loosely-typed probability to a float in
// [0,1], defaulting when the value is not a number.
func normalizeProbability(v any) float64 {
	var p float64
	switch n := v.(type) {
	case float64:
		p = n
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return defaultProbability
		}
		p = f
	default:
		return defaultProbability
	}
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
