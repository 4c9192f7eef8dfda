package phase

import "fmt"

// Signal carries a step-completion outcome into Next. Each phase that
// branches has its own signal type so callers can only pass the fields
// that phase actually consults.
type Signal interface {
	phaseSignal()
}

// ReviewOutcome is the player's aggregate verdict on a proposal batch.
type ReviewOutcome string

const (
	ReviewConfirmed  ReviewOutcome = "confirmed"
	ReviewRegenerate ReviewOutcome = "regenerate"
)

// ValidationDone signals completion of the validating step.
type ValidationDone struct {
	Passed bool
}

// ReviewDone signals the player finished reviewing the proposal batch.
type ReviewDone struct {
	Outcome ReviewOutcome
}

// RollDone signals completion of the probability roll.
type RollDone struct {
	AnyTriggered bool
}

// MetaEventStep signals progress inside the meta-event loop.
type MetaEventStep struct {
	AllResolved bool
}

// CombatDone signals the combat sub-loop ended. Leaving combat behaves
// like leaving the probability roll: back into the event loop if
// triggered events remain, otherwise on to resolution.
type CombatDone struct {
	AnyUnresolved bool
}

func (ValidationDone) phaseSignal() {}
func (ReviewDone) phaseSignal()     {}
func (RollDone) phaseSignal()       {}
func (MetaEventStep) phaseSignal()  {}
func (CombatDone) phaseSignal()     {}

// Next computes the canonical successor phase for a step-completion
// signal. It does not search for unresolved events; inside the
// meta-event loop the caller picks the next event and signals again.
func Next(current Phase, sig Signal) (Phase, error) {
	switch current {
	case Validating:
		s, ok := sig.(ValidationDone)
		if !ok {
			return "", signalMismatch(current, sig)
		}
		if s.Passed {
			return MetaProposal, nil
		}
		return Idle, nil
	case MetaProposal:
		return MetaReview, nil
	case MetaReview:
		s, ok := sig.(ReviewDone)
		if !ok {
			return "", signalMismatch(current, sig)
		}
		if s.Outcome == ReviewRegenerate {
			return MetaProposal, nil
		}
		return ProbabilityRoll, nil
	case ProbabilityRoll:
		s, ok := sig.(RollDone)
		if !ok {
			return "", signalMismatch(current, sig)
		}
		if s.AnyTriggered {
			return InMetaEvent, nil
		}
		return ResolvingAction, nil
	case InMetaEvent:
		s, ok := sig.(MetaEventStep)
		if !ok {
			return "", signalMismatch(current, sig)
		}
		if s.AllResolved {
			return ResolvingAction, nil
		}
		return InMetaEvent, nil
	case InCombat:
		s, ok := sig.(CombatDone)
		if !ok {
			return "", signalMismatch(current, sig)
		}
		if s.AnyUnresolved {
			return InMetaEvent, nil
		}
		return ResolvingAction, nil
	case ResolvingAction:
		return Idle, nil
	default:
		return "", fmt.Errorf("phase %q has no successor", current)
	}
}

func signalMismatch(p Phase, sig Signal) error {
	return fmt.Errorf("signal %T not valid for phase %q", sig, p)
}
