package phase

// Phase represents the stage of a session's turn pipeline.
type Phase string

const (
	Idle            Phase = "idle"
	Validating      Phase = "validating"
	MetaProposal    Phase = "meta_proposal"
	MetaReview      Phase = "meta_review"
	ProbabilityRoll Phase = "probability_roll"
	InMetaEvent     Phase = "in_meta_event"
	InCombat        Phase = "in_combat"
	ResolvingAction Phase = "resolving_action"
)

// All lists every phase in pipeline order.
var All = []Phase{
	Idle,
	Validating,
	MetaProposal,
	MetaReview,
	ProbabilityRoll,
	InMetaEvent,
	InCombat,
	ResolvingAction,
}

// transitions is the authoritative adjacency table. A phase maps to the
// set of phases it may legally move to.
var transitions = map[Phase][]Phase{
	Idle:            {Validating},
	Validating:      {Idle, MetaProposal},
	MetaProposal:    {MetaReview},
	MetaReview:      {MetaProposal, ProbabilityRoll},
	ProbabilityRoll: {InMetaEvent, ResolvingAction},
	InMetaEvent:     {InMetaEvent, InCombat, ResolvingAction},
	InCombat:        {InMetaEvent, ResolvingAction},
	ResolvingAction: {Idle},
}

// blocking phases reject new free-text player input outright. The
// remaining non-idle phases accept input through decisions/buttons only.
var blocking = map[Phase]bool{
	Validating:      true,
	MetaProposal:    true,
	ProbabilityRoll: true,
}

// Valid reports whether p is a known phase.
func Valid(p Phase) bool {
	_, ok := transitions[p]
	return ok
}

// CanTransition reports whether the move from one phase to another is in
// the adjacency table.
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsBlocking reports whether a phase forbids new free-text player input.
func IsBlocking(p Phase) bool {
	return blocking[p]
}
