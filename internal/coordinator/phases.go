// Package coordinator drives the run: one sequential loop that picks a
// phase, picks a task, dispatches it to the phase executor and folds the
// result back into the run state. All mutation happens on this loop.
package coordinator

import "overseer/internal/logging"

// Phase names a stage of the development pipeline.
type Phase string

const (
	PhasePlanning        Phase = "planning"
	PhaseCoding          Phase = "coding"
	PhaseQA              Phase = "qa"
	PhaseDebugging       Phase = "debugging"
	PhaseDocumentation   Phase = "documentation"
	PhaseProjectPlanning Phase = "project_planning"
	PhaseFinalization    Phase = "finalization"
)

// phaseAdjacency lists the legal successors of each phase. Executor
// next-phase hints are validated against this map, nothing else is.
var phaseAdjacency = map[Phase][]Phase{
	PhasePlanning:        {PhaseCoding, PhaseDocumentation, PhaseProjectPlanning},
	PhaseCoding:          {PhaseCoding, PhaseQA, PhaseDebugging},
	PhaseQA:              {PhaseCoding, PhaseDebugging, PhaseDocumentation},
	PhaseDebugging:       {PhaseQA, PhaseCoding},
	PhaseDocumentation:   {PhasePlanning, PhaseProjectPlanning, PhaseFinalization},
	PhaseProjectPlanning: {PhasePlanning, PhaseFinalization},
	PhaseFinalization:    {},
}

// ValidPhase reports whether the name is a known phase.
func ValidPhase(p Phase) bool {
	_, ok := phaseAdjacency[p]
	return ok
}

// ValidTransition reports whether to is a legal successor of from.
func ValidTransition(from, to Phase) bool {
	for _, next := range phaseAdjacency[from] {
		if next == to {
			return true
		}
	}
	return false
}

// validateHint checks an executor's next-phase hint. Invalid hints are
// dropped with a warning; the executor advises, the coordinator decides.
func validateHint(from Phase, hint string) Phase {
	if hint == "" {
		return ""
	}
	to := Phase(hint)
	if !ValidPhase(to) {
		logging.Get(logging.CategoryCoordinator).Warn("Ignoring unknown phase hint %q", hint)
		return ""
	}
	if !ValidTransition(from, to) {
		logging.Get(logging.CategoryCoordinator).Warn("Ignoring non-adjacent phase hint %s -> %s", from, to)
		return ""
	}
	return to
}
