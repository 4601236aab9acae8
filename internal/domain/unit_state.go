package domain

import "fmt"

// UnitState tracks the lifecycle of a single prompt unit through the
// engine's generate-parse-retry pipeline. Success and Degraded are terminal:
// a unit always ends in one of them, which is how every requested facet is
// guaranteed to appear in the result set.
type UnitState int

const (
	// UnitPending means the unit has been built but not yet submitted.
	UnitPending UnitState = iota

	// UnitGenerating means an inference call is in flight.
	UnitGenerating

	// UnitParsing means raw output is being parsed into facet results.
	UnitParsing

	// UnitRetrying means the first parse failed and the unit is being
	// regenerated once with a stricter formatting instruction.
	UnitRetrying

	// UnitSucceeded is terminal: parsed results were accepted.
	UnitSucceeded

	// UnitDegraded is terminal: both attempts failed and the unit's
	// facets carry the deterministic fallback result.
	UnitDegraded
)

// String returns a human-readable state name for logs and metrics labels.
func (s UnitState) String() string {
	switch s {
	case UnitPending:
		return "pending"
	case UnitGenerating:
		return "generating"
	case UnitParsing:
		return "parsing"
	case UnitRetrying:
		return "retrying"
	case UnitSucceeded:
		return "succeeded"
	case UnitDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether the state is final.
func (s UnitState) Terminal() bool {
	return s == UnitSucceeded || s == UnitDegraded
}

// validTransitions encodes the allowed lifecycle:
// Pending -> Generating -> Parsing -> (Succeeded | Retrying -> Generating)
// with Degraded reachable from any non-terminal state on unrecoverable
// local failure (timeout, second parse failure).
var validTransitions = map[UnitState][]UnitState{
	UnitPending:    {UnitGenerating},
	UnitGenerating: {UnitParsing, UnitDegraded},
	UnitParsing:    {UnitSucceeded, UnitRetrying, UnitDegraded},
	UnitRetrying:   {UnitGenerating, UnitDegraded},
}

// CanTransition reports whether moving from s to next is a legal step.
func (s UnitState) CanTransition(next UnitState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next if the move is legal, or an error identifying the
// illegal step. Engine code uses this to keep the per-unit lifecycle honest.
func (s UnitState) Transition(next UnitState) (UnitState, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("illegal unit state transition %s -> %s", s, next)
	}
	return next, nil
}
