package objective

import (
	"fmt"
	"testing"

	"overseer/internal/config"
	"overseer/internal/state"
)

func newTestManager() *Manager {
	return NewManager(config.DefaultConfig().Scoring)
}

func addObjective(st *state.RunState, id string, level state.ObjectiveLevel, status state.ObjectiveStatus, deps ...string) *state.Objective {
	obj := &state.Objective{
		ID:        id,
		Name:      id,
		Level:     level,
		Status:    status,
		DependsOn: deps,
		Profile:   state.DimensionalProfile{Temporal: 0.5, Error: 0.2, State: 0.2, Integration: 0.2},
	}
	st.Objectives[id] = obj
	return obj
}

func addTask(st *state.RunState, obj *state.Objective, id string, status state.TaskStatus) *state.Task {
	t := &state.Task{ID: id, Status: status, ObjectiveID: obj.ID, MaxAttempts: 3}
	st.Tasks[id] = t
	obj.TaskIDs = append(obj.TaskIDs, id)
	return t
}

func TestFindOptimalPrefersPrimary(t *testing.T) {
	m := newTestManager()
	st := state.NewRunState("r")

	addObjective(st, "obj-secondary", state.LevelSecondary, state.ObjectiveApproved)
	addObjective(st, "obj-primary", state.LevelPrimary, state.ObjectiveApproved)
	addObjective(st, "obj-tertiary", state.LevelTertiary, state.ObjectiveApproved)

	best := m.FindOptimal(st)
	if best == nil || best.ID != "obj-primary" {
		t.Fatalf("expected obj-primary, got %+v", best)
	}
}

func TestFindOptimalDeterministic(t *testing.T) {
	m := newTestManager()
	st := state.NewRunState("r")

	// Identical objectives: the tie must break on ID, every time
	addObjective(st, "obj-b", state.LevelPrimary, state.ObjectiveApproved)
	addObjective(st, "obj-a", state.LevelPrimary, state.ObjectiveApproved)
	addObjective(st, "obj-c", state.LevelPrimary, state.ObjectiveApproved)

	for i := 0; i < 10; i++ {
		if best := m.FindOptimal(st); best == nil || best.ID != "obj-a" {
			t.Fatalf("iteration %d: expected obj-a, got %+v", i, best)
		}
	}
}

func TestFindOptimalPrefersPartialProgress(t *testing.T) {
	m := newTestManager()
	st := state.NewRunState("r")

	// Identical twins except one already has a task done
	fresh := addObjective(st, "obj-fresh", state.LevelSecondary, state.ObjectiveApproved)
	addTask(st, fresh, "f1", state.TaskPending)
	addTask(st, fresh, "f2", state.TaskPending)

	started := addObjective(st, "obj-started", state.LevelSecondary, state.ObjectiveApproved)
	addTask(st, started, "s1", state.TaskCompleted)
	addTask(st, started, "s2", state.TaskPending)

	if m.Score(st, started) <= m.Score(st, fresh) {
		t.Fatalf("partial progress must raise the score: started=%f fresh=%f",
			m.Score(st, started), m.Score(st, fresh))
	}
	if best := m.FindOptimal(st); best == nil || best.ID != "obj-started" {
		t.Fatalf("expected obj-started, got %+v", best)
	}
}

func TestFindOptimalSkipsUnmetDependencies(t *testing.T) {
	m := newTestManager()
	st := state.NewRunState("r")

	addObjective(st, "obj-base", state.LevelSecondary, state.ObjectiveApproved)
	addObjective(st, "obj-top", state.LevelPrimary, state.ObjectiveApproved, "obj-base")

	// Higher level but blocked on obj-base
	if best := m.FindOptimal(st); best == nil || best.ID != "obj-base" {
		t.Fatalf("expected obj-base while dependency unmet, got %+v", best)
	}

	st.Objectives["obj-base"].Status = state.ObjectiveCompleted
	if best := m.FindOptimal(st); best == nil || best.ID != "obj-top" {
		t.Fatalf("expected obj-top after dependency completed, got %+v", best)
	}
}

func TestFindOptimalSkipsCompletedAndBlocked(t *testing.T) {
	m := newTestManager()
	st := state.NewRunState("r")

	addObjective(st, "obj-done", state.LevelPrimary, state.ObjectiveCompleted)
	addObjective(st, "obj-stuck", state.LevelPrimary, state.ObjectiveBlocked)

	if best := m.FindOptimal(st); best != nil {
		t.Fatalf("expected no eligible objective, got %s", best.ID)
	}
}

func TestSelectOrContinueHoldsActive(t *testing.T) {
	m := newTestManager()
	st := state.NewRunState("r")

	low := addObjective(st, "obj-low", state.LevelTertiary, state.ObjectiveApproved)
	addTask(st, low, "t1", state.TaskPending)

	first := m.SelectOrContinue(st)
	if first == nil || first.ID != "obj-low" {
		t.Fatalf("expected obj-low activated, got %+v", first)
	}
	if first.Status != state.ObjectiveActive {
		t.Errorf("selected objective should be active, got %s", first.Status)
	}

	// A far better candidate appears mid-run
	addObjective(st, "obj-high", state.LevelPrimary, state.ObjectiveApproved)

	// The active objective must be held across iterations regardless
	for i := 0; i < 5; i++ {
		got := m.SelectOrContinue(st)
		if got == nil || got.ID != "obj-low" {
			t.Fatalf("iteration %d: active objective was dropped for %+v", i, got)
		}
	}
}

func TestSelectOrContinueReselectsAfterCompletion(t *testing.T) {
	m := newTestManager()
	st := state.NewRunState("r")

	first := addObjective(st, "obj-1", state.LevelPrimary, state.ObjectiveApproved)
	for i := 0; i < 5; i++ {
		addTask(st, first, fmt.Sprintf("t%d", i), state.TaskCompleted)
	}
	addObjective(st, "obj-2", state.LevelSecondary, state.ObjectiveApproved)

	active := m.SelectOrContinue(st)
	if active.ID != "obj-1" {
		t.Fatalf("expected obj-1 active, got %s", active.ID)
	}

	// 5/5 tasks complete crosses the completion bar
	if done := m.UpdateProgress(st, "obj-1"); !done {
		t.Fatal("expected obj-1 to complete")
	}
	if st.Objectives["obj-1"].Status != state.ObjectiveCompleted {
		t.Errorf("obj-1 status=%s, want completed", st.Objectives["obj-1"].Status)
	}

	next := m.SelectOrContinue(st)
	if next == nil || next.ID != "obj-2" {
		t.Fatalf("expected obj-2 selected after handoff, got %+v", next)
	}
}

func TestUpdateProgressBelowBar(t *testing.T) {
	m := newTestManager()
	st := state.NewRunState("r")

	obj := addObjective(st, "obj", state.LevelPrimary, state.ObjectiveActive)
	addTask(st, obj, "t1", state.TaskCompleted)
	addTask(st, obj, "t2", state.TaskCompleted)
	addTask(st, obj, "t3", state.TaskPending)
	addTask(st, obj, "t4", state.TaskPending)

	if done := m.UpdateProgress(st, "obj"); done {
		t.Fatal("2/4 tasks must not complete the objective")
	}
	if obj.CompletionPct != 0.5 {
		t.Errorf("completion=%f, want 0.5", obj.CompletionPct)
	}
	if obj.Status != state.ObjectiveInProgress {
		t.Errorf("status=%s, want in_progress", obj.Status)
	}
}

func TestUpdateProgressAtBar(t *testing.T) {
	m := newTestManager()
	st := state.NewRunState("r")

	obj := addObjective(st, "obj", state.LevelPrimary, state.ObjectiveActive)
	for i := 0; i < 4; i++ {
		addTask(st, obj, fmt.Sprintf("t%d", i), state.TaskCompleted)
	}
	addTask(st, obj, "t-last", state.TaskBlocked)

	// 4/5 = 80% reaches the bar even with one task blocked
	if done := m.UpdateProgress(st, "obj"); !done {
		t.Fatal("80% completion should hand off")
	}
}

func TestUpdateProgressHeldByCriticalIssue(t *testing.T) {
	m := newTestManager()
	st := state.NewRunState("r")

	obj := addObjective(st, "obj", state.LevelPrimary, state.ObjectiveActive)
	for i := 0; i < 5; i++ {
		addTask(st, obj, fmt.Sprintf("t%d", i), state.TaskCompleted)
	}
	st.Issues["i1"] = &state.Issue{
		ID: "i1", Severity: state.SeverityCritical, Status: state.IssueOpen, ObjectiveID: "obj",
	}

	if done := m.UpdateProgress(st, "obj"); done {
		t.Fatal("open critical issue must hold completion")
	}
	if obj.Status != state.ObjectiveCompleting {
		t.Errorf("status=%s, want completing", obj.Status)
	}

	st.Issues["i1"].Status = state.IssueClosed
	if done := m.UpdateProgress(st, "obj"); !done {
		t.Fatal("objective should complete once the issue closes")
	}
}

func TestRecordOutcome(t *testing.T) {
	m := newTestManager()
	obj := &state.Objective{ID: "obj"}

	m.RecordOutcome(obj, true)
	if obj.SuccessRate != 1.0 || obj.ConsecutiveFailures != 0 {
		t.Errorf("after success: rate=%f failures=%d", obj.SuccessRate, obj.ConsecutiveFailures)
	}

	m.RecordOutcome(obj, false)
	m.RecordOutcome(obj, false)
	if obj.ConsecutiveFailures != 2 {
		t.Errorf("failures=%d, want 2", obj.ConsecutiveFailures)
	}
	if obj.SuccessRate >= 1.0 {
		t.Errorf("rate should decay after failures, got %f", obj.SuccessRate)
	}

	m.RecordOutcome(obj, true)
	if obj.ConsecutiveFailures != 0 {
		t.Error("success must reset the failure streak")
	}
}

func TestAnalyzeHealth(t *testing.T) {
	m := newTestManager()
	st := state.NewRunState("r")

	obj := addObjective(st, "obj", state.LevelPrimary, state.ObjectiveActive)

	// Grace period: no outcomes, no judgement
	if h := m.AnalyzeHealth(st, obj); h != state.HealthHealthy {
		t.Errorf("fresh objective health=%s, want healthy", h)
	}

	obj.OutcomeCount = 10
	obj.SuccessRate = 0.4
	if h := m.AnalyzeHealth(st, obj); h != state.HealthDegrading {
		t.Errorf("low success rate health=%s, want degrading", h)
	}

	obj.ConsecutiveFailures = 3
	if h := m.AnalyzeHealth(st, obj); h != state.HealthCritical {
		t.Errorf("failure streak health=%s, want critical", h)
	}

	obj.ConsecutiveFailures = 0
	obj.SuccessRate = 0.9
	st.Issues["i1"] = &state.Issue{ID: "i1", Severity: state.SeverityCritical, Status: state.IssueOpen, ObjectiveID: "obj"}
	if h := m.AnalyzeHealth(st, obj); h != state.HealthCritical {
		t.Errorf("open critical issue health=%s, want critical", h)
	}

	delete(st.Issues, "i1")
	blocked := addObjective(st, "obj2", state.LevelPrimary, state.ObjectiveActive, "missing-dep")
	if h := m.AnalyzeHealth(st, blocked); h != state.HealthBlocked {
		t.Errorf("unmet dependency health=%s, want blocked", h)
	}
}
