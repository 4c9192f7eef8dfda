package models

import "time"

// EventType categorizes a proposed meta event.
type EventType string

const (
	EventTypeEncounter   EventType = "encounter"
	EventTypeDiscovery   EventType = "discovery"
	EventTypeHazard      EventType = "hazard"
	EventTypeOpportunity EventType = "opportunity"
)

// EventSeverity grades how disruptive a meta event would be.
type EventSeverity string

const (
	SeverityMinor    EventSeverity = "minor"
	SeverityModerate EventSeverity = "moderate"
	SeverityMajor    EventSeverity = "major"
)

// EventDecision is the player's verdict on a single proposed event.
type EventDecision string

const (
	DecisionAccepted EventDecision = "accepted"
	DecisionRejected EventDecision = "rejected"
)

// MetaEvent is one candidate complication proposed for a pending action.
// A batch of these is generated together; the player accepts or rejects
// each before the probability roll decides which accepted events fire.
type MetaEvent struct {
	ID              string
	PendingActionID string
	SequenceNum     int
	Type            EventType
	Title           string
	Description     string
	Probability     float64 // closed interval [0,1]
	Severity        EventSeverity
	TriggersCombat  bool
	PlayerDecision  EventDecision // empty = undecided
	Triggered       bool          // set by the probability roll
	Resolved        bool          // set as the meta-event loop consumes it
	CreatedAt       time.Time
}

// Decided reports whether the player has ruled on this event.
func (e *MetaEvent) Decided() bool {
	return e.PlayerDecision != ""
}
