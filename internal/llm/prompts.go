package llm

import (
	"fmt"
	"strings"
)

// NarrationRequest carries the accumulated turn context into the
// narrator call.
type NarrationRequest struct {
	PlayerInput     string
	TimeEstimate    string
	Location        string
	TimeOfDay       string
	TriggeredEvents []NarrationEvent
	Reactions       []string
}

// NarrationEvent is a resolved meta event summarized for the narrator.
type NarrationEvent struct {
	Title       string
	Description string
	Severity    string
	Combat      bool
}

// buildValidationPrompt constructs the system and user prompts for
// player-action validation.
func buildValidationPrompt(playerInput string) (system string, user string) {
	system = `You validate player actions for a turn-based interactive narrative. Return ONLY a JSON object with these fields:
- "is_valid": boolean, whether the action is something a character could plausibly attempt right now
- "time_estimate": string, rough in-game duration like "5 min", "15-30 min", "2 hours" (empty if invalid)
- "clarification": string, a short question or explanation for the player when the action is invalid (empty if valid)

Rules:
- Reject actions that are incoherent, empty of intent, or address the game system instead of the world
- Reject attempts to dictate outcomes ("I kill the king instantly") rather than attempts ("I attack the king")
- Do not judge whether the action will succeed, only whether it can be attempted
- Return valid JSON only, no markdown fencing or explanation`

	user = "Validate this player action:\n\n" + playerInput
	return
}

// buildNarrationPrompt constructs the system and user prompts for turn
// narration.
func buildNarrationPrompt(req NarrationRequest) (system string, user string) {
	system = `You narrate the outcome of one turn in an interactive narrative. Write 2-4 paragraphs of second-person prose describing what happens as the player's action unfolds, weaving in every listed event in order.

Rules:
- Stay concrete: describe what the character perceives and does, not abstractions
- Events marked as combat should end on the fight beginning or just concluding, not skip it
- Do not invent new major complications beyond the listed events
- Do not address the player out of character or mention game mechanics
- Return prose only, no headings or markdown`

	var sb strings.Builder
	sb.WriteString("Player action: ")
	sb.WriteString(req.PlayerInput)
	sb.WriteString("\n")
	if req.TimeEstimate != "" {
		fmt.Fprintf(&sb, "Time spent: %s\n", req.TimeEstimate)
	}
	if req.Location != "" {
		fmt.Fprintf(&sb, "Location: %s\n", req.Location)
	}
	if req.TimeOfDay != "" {
		fmt.Fprintf(&sb, "Time of day: %s\n", req.TimeOfDay)
	}
	if len(req.TriggeredEvents) > 0 {
		sb.WriteString("\nEvents that occur during the action, in order:\n")
		for i, ev := range req.TriggeredEvents {
			fmt.Fprintf(&sb, "%d. [%s] %s: %s", i+1, ev.Severity, ev.Title, ev.Description)
			if ev.Combat {
				sb.WriteString(" (leads to combat)")
			}
			sb.WriteString("\n")
		}
	}
	if len(req.Reactions) > 0 {
		sb.WriteString("\nBackground reactions to weave in where natural:\n")
		for _, r := range req.Reactions {
			sb.WriteString("- ")
			sb.WriteString(r)
			sb.WriteString("\n")
		}
	}
	user = sb.String()
	return
}
