package objective

import (
	"fmt"
	"sort"

	"overseer/internal/config"
	"overseer/internal/logging"
	"overseer/internal/state"
)

// Manager selects and tracks objectives. It is a pure policy layer: all
// durable data lives in the run state it is handed.
type Manager struct {
	scoring config.ScoringConfig
}

// NewManager creates an objective manager with the given scoring weights.
func NewManager(scoring config.ScoringConfig) *Manager {
	return &Manager{scoring: scoring}
}

// Score computes the selection score for an objective:
// readiness, level priority, inverse risk and urgency, weighted.
func (m *Manager) Score(st *state.RunState, obj *state.Objective) float64 {
	w := m.scoring
	return w.ReadinessWeight*m.readiness(st, obj) +
		w.PriorityWeight*w.LevelWeight(string(obj.Level)) +
		w.RiskWeight*(1-Risk(obj.Profile)) +
		w.UrgencyWeight*Urgency(obj.Profile)
}

// readiness blends dependency satisfaction with the fraction of the
// objective's own tasks already completed, weighted 0.6/0.4. Work in
// flight counts: a half-done objective outranks an untouched twin.
func (m *Manager) readiness(st *state.RunState, obj *state.Objective) float64 {
	depFactor := 1.0
	if len(obj.DependsOn) > 0 {
		done := 0
		for _, dep := range obj.DependsOn {
			if d, ok := st.Objectives[dep]; ok && isDone(d.Status) {
				done++
			}
		}
		depFactor = float64(done) / float64(len(obj.DependsOn))
	}

	taskFactor := 0.0
	if len(obj.TaskIDs) > 0 {
		completed := 0
		for _, tid := range obj.TaskIDs {
			if t, ok := st.Tasks[tid]; ok && t.Status == state.TaskCompleted {
				completed++
			}
		}
		taskFactor = float64(completed) / float64(len(obj.TaskIDs))
	}

	return 0.6*depFactor + 0.4*taskFactor
}

func isDone(s state.ObjectiveStatus) bool {
	return s == state.ObjectiveCompleted || s == state.ObjectiveDocumented
}

// depsSatisfied reports whether every dependency is completed.
func (m *Manager) depsSatisfied(st *state.RunState, obj *state.Objective) bool {
	for _, dep := range obj.DependsOn {
		d, ok := st.Objectives[dep]
		if !ok || !isDone(d.Status) {
			return false
		}
	}
	return true
}

// FindOptimal returns the best eligible objective, or nil. Eligible means
// not completed or blocked, with all dependencies satisfied. Ties break
// deterministically on the smaller ID.
func (m *Manager) FindOptimal(st *state.RunState) *state.Objective {
	ids := make([]string, 0, len(st.Objectives))
	for id := range st.Objectives {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var best *state.Objective
	var bestScore float64
	for _, id := range ids {
		obj := st.Objectives[id]
		if !obj.Status.IsEligible() || !m.depsSatisfied(st, obj) {
			continue
		}
		score := m.Score(st, obj)
		if best == nil || score > bestScore {
			best = obj
			bestScore = score
		}
	}
	if best != nil {
		logging.ObjectiveDebug("FindOptimal chose %s (score %.3f)", best.ID, bestScore)
	}
	return best
}

// SelectOrContinue returns the objective to work on. An already active
// objective is held unconditionally; selection only runs when nothing is
// active. Switching mid-objective wastes accumulated context.
func (m *Manager) SelectOrContinue(st *state.RunState) *state.Objective {
	if active := st.ActiveObjective(); active != nil {
		return active
	}

	next := m.FindOptimal(st)
	if next == nil {
		return nil
	}
	next.Status = state.ObjectiveActive
	next.UpdatedAt = state.Now()
	logging.Objective("Activated objective %s (%s, level %s)", next.ID, next.Name, next.Level)
	logging.Audit().LogObjective(logging.AuditObjectiveSelected, next.ID, next.Name)
	return next
}

// UpdateProgress recomputes completion from task status and advances the
// objective's lifecycle. Returns true when the objective completed and a
// new selection is due.
func (m *Manager) UpdateProgress(st *state.RunState, objID string) bool {
	obj, ok := st.Objectives[objID]
	if !ok {
		return false
	}

	total := len(obj.TaskIDs)
	if total == 0 {
		obj.CompletionPct = 0
		return false
	}

	var completed []string
	openCritical := false
	for _, tid := range obj.TaskIDs {
		t, ok := st.Tasks[tid]
		if !ok {
			continue
		}
		if t.Status == state.TaskCompleted {
			completed = append(completed, tid)
		}
	}
	for _, iss := range st.Issues {
		if iss.ObjectiveID == objID && iss.Severity == state.SeverityCritical && iss.Status.IsOpen() {
			openCritical = true
			break
		}
	}

	obj.CompletedTaskIDs = completed
	obj.CompletionPct = float64(len(completed)) / float64(total)
	obj.UpdatedAt = state.Now()

	switch {
	case obj.CompletionPct >= m.scoring.CompletionBar && openCritical:
		// Done by task count but a critical issue holds completion open
		obj.Status = state.ObjectiveCompleting
		return false
	case obj.CompletionPct >= m.scoring.CompletionBar:
		obj.Status = state.ObjectiveCompleted
		logging.Objective("Objective %s completed at %.0f%%", obj.ID, obj.CompletionPct*100)
		logging.Audit().LogObjective(logging.AuditObjectiveCompleted, obj.ID, obj.Name)
		return true
	case obj.CompletionPct > 0 && obj.Status == state.ObjectiveActive:
		obj.Status = state.ObjectiveInProgress
	}
	return false
}

// RecordOutcome folds one task outcome into the objective's rolling
// success rate and failure streak.
func (m *Manager) RecordOutcome(obj *state.Objective, success bool) {
	v := 0.0
	if success {
		v = 1.0
		obj.ConsecutiveFailures = 0
	} else {
		obj.ConsecutiveFailures++
	}

	// Rolling average weighted toward history, seeded by the first outcome
	if obj.OutcomeCount == 0 {
		obj.SuccessRate = v
	} else {
		obj.SuccessRate = 0.8*obj.SuccessRate + 0.2*v
	}
	obj.OutcomeCount++
	obj.UpdatedAt = state.Now()
}

// AnalyzeHealth classifies the objective's working condition. Health
// informs phase selection; it never forces the active objective out.
func (m *Manager) AnalyzeHealth(st *state.RunState, obj *state.Objective) state.Health {
	if !m.depsSatisfied(st, obj) {
		return state.HealthBlocked
	}

	if obj.ConsecutiveFailures >= m.scoring.CriticalFailures {
		return state.HealthCritical
	}
	for _, iss := range st.Issues {
		if iss.ObjectiveID == obj.ID && iss.Severity == state.SeverityCritical && iss.Status.IsOpen() {
			return state.HealthCritical
		}
	}

	// Grace period: no recorded outcomes yet means no evidence of trouble
	if obj.OutcomeCount == 0 {
		return state.HealthHealthy
	}
	if obj.SuccessRate < m.scoring.DegradedSuccessRate {
		return state.HealthDegrading
	}
	return state.HealthHealthy
}

// Block marks an objective blocked on unmet dependencies.
func (m *Manager) Block(st *state.RunState, objID string) error {
	obj, ok := st.Objectives[objID]
	if !ok {
		return fmt.Errorf("unknown objective %s", objID)
	}
	obj.Status = state.ObjectiveBlocked
	obj.UpdatedAt = state.Now()
	logging.Get(logging.CategoryObjective).Warn("Objective %s blocked", objID)
	logging.Audit().LogObjective(logging.AuditObjectiveBlocked, objID, obj.Name)
	return fmt.Errorf("objective %s: %w", objID, state.ErrDependencyUnmet)
}
