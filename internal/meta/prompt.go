package meta

import (
	"fmt"
	"strings"
)

// buildEventPrompt constructs the system and user prompts for meta-event
// proposal.
func buildEventPrompt(req Request) (system string, user string) {
	system = `You propose probabilistic complications for a player action in a turn-based interactive narrative. Return ONLY a JSON object with an "events" array of 2 to 4 objects, each with these fields:
- "type": one of "encounter", "discovery", "hazard", "opportunity"
- "title": short evocative title (under 80 characters)
- "description": 1-2 sentences describing what happens if the event triggers
- "probability": number between 0 and 1, how likely the event is during this action
- "severity": one of "minor", "moderate", "major"
- "triggers_combat": boolean, whether this event would start a fight

Rules:
- Events must plausibly arise from the specific action and its duration; longer actions justify higher probabilities
- Mix types and severities; at most one "major" event per batch
- Keep probabilities honest: routine actions in safe places stay under 0.3
- Do not resolve the events, only propose them
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Player action: %s\n", req.PlayerAction)
	if req.TimeEstimate != "" {
		fmt.Fprintf(&sb, "Estimated duration: %s\n", req.TimeEstimate)
	}
	if req.Location != "" {
		fmt.Fprintf(&sb, "Location: %s\n", req.Location)
	}
	if req.TimeOfDay != "" {
		fmt.Fprintf(&sb, "Time of day: %s\n", req.TimeOfDay)
	}
	if len(req.RecentEvents) > 0 {
		sb.WriteString("Recent events (avoid repeating these):\n")
		for _, ev := range req.RecentEvents {
			sb.WriteString("- ")
			sb.WriteString(ev)
			sb.WriteString("\n")
		}
	}
	user = sb.String()
	return
}
