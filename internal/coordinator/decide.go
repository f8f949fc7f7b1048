package coordinator

import (
	"sort"
	"strings"
	"time"

	"overseer/internal/logging"
	"overseer/internal/state"
)

// decision is the outcome of phase selection: where to go and, when the
// phase works a task queue, which task to work.
type decision struct {
	phase Phase
	task  *state.Task
	done  bool // run is complete
}

// decidePhase picks the next phase. A valid executor hint wins if it has
// work; otherwise the strategic rules run in priority order, then the
// tactical status-count table.
func (c *Coordinator) decidePhase(st *state.RunState, obj *state.Objective) decision {
	// Consume a pending hint first. Hints are advisory: one that points
	// at a phase with nothing to do is dropped.
	if st.NextPhaseHint != "" {
		hinted := validateHint(c.lastPhase(st), st.NextPhaseHint)
		st.NextPhaseHint = ""
		if hinted != "" {
			if d, ok := c.phaseDecision(st, obj, hinted); ok {
				logging.CoordinatorDebug("Following phase hint to %s", hinted)
				return d
			}
			logging.CoordinatorDebug("Phase hint %s has no work, ignoring", hinted)
		}
	}

	// Strategic: open critical issues interrupt everything
	if len(st.OpenIssuesBySeverity(state.SeverityCritical)) > 0 {
		if d, ok := c.phaseDecision(st, obj, PhaseDebugging); ok {
			return d
		}
	}

	// Tactical decision table over task status counts
	for _, p := range []Phase{PhaseDebugging, PhaseQA, PhaseCoding, PhaseDocumentation} {
		if d, ok := c.phaseDecision(st, obj, p); ok {
			return d
		}
	}

	// No dispatchable tasks. Plan more work while the active objective
	// is incomplete, wrap up otherwise.
	if obj != nil && obj.Status.IsEligible() {
		return decision{phase: PhasePlanning}
	}

	if c.allObjectivesSettled(st) {
		return decision{phase: PhaseFinalization, done: true}
	}
	return decision{phase: PhaseProjectPlanning}
}

// phaseDecision returns a decision for the phase if it has an eligible
// task right now.
func (c *Coordinator) phaseDecision(st *state.RunState, obj *state.Objective, p Phase) (decision, bool) {
	switch p {
	case PhasePlanning, PhaseProjectPlanning, PhaseFinalization:
		// Generator phases carry no task
		return decision{phase: p}, true
	}
	if t := c.pickTask(st, obj, p); t != nil {
		return decision{phase: p, task: t}, true
	}
	return decision{}, false
}

// pickTask returns the best eligible task for a phase: highest priority
// first, ID as the deterministic tie-break. Tasks of the active objective
// outrank stragglers from other objectives.
func (c *Coordinator) pickTask(st *state.RunState, obj *state.Objective, p Phase) *state.Task {
	var candidates []*state.Task
	for _, t := range st.Tasks {
		if !c.taskEligible(st, t, p) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil
	}

	objID := ""
	if obj != nil {
		objID = obj.ID
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if objID != "" && (a.ObjectiveID == objID) != (b.ObjectiveID == objID) {
			return a.ObjectiveID == objID
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
	return candidates[0]
}

// taskEligible checks status fit for the phase, the attempt bound, task
// dependencies, retry backoff and pending escalations.
func (c *Coordinator) taskEligible(st *state.RunState, t *state.Task, p Phase) bool {
	switch p {
	case PhaseCoding:
		if t.Status != state.TaskPending && t.Status != state.TaskNew {
			return false
		}
		if isDocTask(t) {
			return false
		}
	case PhaseDocumentation:
		if (t.Status != state.TaskPending && t.Status != state.TaskNew) || !isDocTask(t) {
			return false
		}
	case PhaseQA:
		if t.Status != state.TaskQAPending {
			return false
		}
	case PhaseDebugging:
		if t.Status != state.TaskNeedsFixes {
			return false
		}
	default:
		return false
	}

	if !t.CanExecute() {
		return false
	}

	// Task dependencies must be completed
	for _, dep := range t.DependsOn {
		d, ok := st.Tasks[dep]
		if !ok || d.Status != state.TaskCompleted {
			return false
		}
	}

	// Respect retry backoff
	if t.NextRetryAt != "" {
		if at, err := time.Parse(time.RFC3339, t.NextRetryAt); err == nil && time.Now().Before(at) {
			return false
		}
	}

	// A pending escalation freezes the signature until decided
	if c.interventions.IsBlocked(st, string(p), taskSignature(p, t)) {
		return false
	}
	return true
}

// isDocTask routes documentation work away from the coding phase.
func isDocTask(t *state.Task) bool {
	if strings.HasSuffix(t.Target, ".md") || strings.HasSuffix(t.Target, ".rst") {
		return true
	}
	desc := strings.ToLower(t.Description)
	return strings.HasPrefix(desc, "document") || strings.Contains(desc, "write docs")
}

// taskSignature identifies a (phase, task) dispatch for intervention
// bookkeeping.
func taskSignature(p Phase, t *state.Task) string {
	return string(p) + ":" + t.ID + ":" + t.Target
}

// lastPhase returns the most recent phase, or planning on a fresh run.
func (c *Coordinator) lastPhase(st *state.RunState) Phase {
	if len(st.PhaseHistory) == 0 {
		return PhasePlanning
	}
	return Phase(st.PhaseHistory[len(st.PhaseHistory)-1])
}

// allObjectivesSettled reports whether every objective reached a terminal
// or blocked status. A run with no objectives at all is not settled, it
// has not been planned yet.
func (c *Coordinator) allObjectivesSettled(st *state.RunState) bool {
	if len(st.Objectives) == 0 {
		return false
	}
	for _, o := range st.Objectives {
		if o.Status.IsEligible() {
			return false
		}
	}
	return true
}
