package coordinator

import (
	"testing"
	"time"

	"overseer/internal/config"
	"overseer/internal/logging"
	"overseer/internal/loopdetect"
	"overseer/internal/objective"
	"overseer/internal/state"
)

// bareCoordinator builds a coordinator with policy components only, no
// files. Enough for decision logic.
func bareCoordinator() *Coordinator {
	cfg := config.DefaultConfig()
	return &Coordinator{
		cfg:           cfg,
		interventions: loopdetect.NewInterventionSystem(cfg.Intervention.MaxInterventions),
		objectives:    objective.NewManager(cfg.Scoring),
		audit:         logging.AuditWithRun("test"),
	}
}

func addTask(st *state.RunState, id string, status state.TaskStatus, target string, priority int) *state.Task {
	t := &state.Task{
		ID:        id,
		Status:    status,
		Target:    target,
		Priority:  priority,
		CreatedAt: state.Now(),
		UpdatedAt: state.Now(),
	}
	st.Tasks[id] = t
	return t
}

func addObjective(st *state.RunState, id string, status state.ObjectiveStatus) *state.Objective {
	o := &state.Objective{
		ID:     id,
		Name:   id,
		Level:  state.LevelPrimary,
		Status: status,
	}
	st.Objectives[id] = o
	return o
}

func TestDecidePhaseTable(t *testing.T) {
	tests := []struct {
		name  string
		setup func(st *state.RunState) *state.Objective
		want  Phase
		done  bool
	}{
		{
			name: "needs_fixes beats qa and coding",
			setup: func(st *state.RunState) *state.Objective {
				addTask(st, "a", state.TaskNeedsFixes, "a.go", 0)
				addTask(st, "b", state.TaskQAPending, "b.go", 0)
				addTask(st, "c", state.TaskPending, "c.go", 0)
				return nil
			},
			want: PhaseDebugging,
		},
		{
			name: "qa beats coding",
			setup: func(st *state.RunState) *state.Objective {
				addTask(st, "b", state.TaskQAPending, "b.go", 0)
				addTask(st, "c", state.TaskPending, "c.go", 0)
				return nil
			},
			want: PhaseQA,
		},
		{
			name: "pending code task goes to coding",
			setup: func(st *state.RunState) *state.Objective {
				addTask(st, "c", state.TaskPending, "c.go", 0)
				return nil
			},
			want: PhaseCoding,
		},
		{
			name: "doc-only pending work goes to documentation",
			setup: func(st *state.RunState) *state.Objective {
				addTask(st, "d", state.TaskPending, "README.md", 0)
				return nil
			},
			want: PhaseDocumentation,
		},
		{
			name: "no tasks with eligible objective plans more work",
			setup: func(st *state.RunState) *state.Objective {
				return addObjective(st, "obj-1", state.ObjectiveActive)
			},
			want: PhasePlanning,
		},
		{
			name: "no objectives at all goes to project planning",
			setup: func(st *state.RunState) *state.Objective {
				return nil
			},
			want: PhaseProjectPlanning,
		},
		{
			name: "everything settled finalizes",
			setup: func(st *state.RunState) *state.Objective {
				addObjective(st, "obj-1", state.ObjectiveCompleted)
				return nil
			},
			want: PhaseFinalization,
			done: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := bareCoordinator()
			st := state.NewRunState("r")
			obj := tt.setup(st)

			d := c.decidePhase(st, obj)
			if d.phase != tt.want {
				t.Errorf("phase = %s, want %s", d.phase, tt.want)
			}
			if d.done != tt.done {
				t.Errorf("done = %v, want %v", d.done, tt.done)
			}
		})
	}
}

func TestDecidePhaseCriticalIssueForcesDebugging(t *testing.T) {
	c := bareCoordinator()
	st := state.NewRunState("r")
	addTask(st, "fix", state.TaskNeedsFixes, "a.go", 0)
	qa := addTask(st, "review", state.TaskQAPending, "b.go", 10)
	iss := state.NewIssue("panic in handler", state.SeverityCritical, "fix", "")
	st.Issues[iss.ID] = iss

	d := c.decidePhase(st, nil)
	if d.phase != PhaseDebugging {
		t.Fatalf("phase = %s, want debugging despite higher priority qa task %s", d.phase, qa.ID)
	}
	if d.task == nil || d.task.ID != "fix" {
		t.Fatalf("task = %v, want fix", d.task)
	}
}

func TestDecidePhaseHint(t *testing.T) {
	t.Run("valid hint with work is followed", func(t *testing.T) {
		c := bareCoordinator()
		st := state.NewRunState("r")
		addTask(st, "fix", state.TaskNeedsFixes, "a.go", 0)
		addTask(st, "code", state.TaskPending, "c.go", 0)
		st.PhaseHistory = []string{string(PhaseQA)}
		st.NextPhaseHint = string(PhaseCoding)

		d := c.decidePhase(st, nil)
		if d.phase != PhaseCoding {
			t.Errorf("phase = %s, want coding from hint", d.phase)
		}
		if st.NextPhaseHint != "" {
			t.Error("hint should be consumed")
		}
	})

	t.Run("non-adjacent hint is dropped", func(t *testing.T) {
		c := bareCoordinator()
		st := state.NewRunState("r")
		addTask(st, "fix", state.TaskNeedsFixes, "a.go", 0)
		st.PhaseHistory = []string{string(PhaseCoding)}
		st.NextPhaseHint = string(PhaseFinalization)

		d := c.decidePhase(st, nil)
		if d.phase != PhaseDebugging {
			t.Errorf("phase = %s, want debugging after dropping hint", d.phase)
		}
	})

	t.Run("hint without work is dropped", func(t *testing.T) {
		c := bareCoordinator()
		st := state.NewRunState("r")
		addTask(st, "code", state.TaskPending, "c.go", 0)
		st.PhaseHistory = []string{string(PhaseCoding)}
		st.NextPhaseHint = string(PhaseQA)

		d := c.decidePhase(st, nil)
		if d.phase != PhaseCoding {
			t.Errorf("phase = %s, want coding", d.phase)
		}
	})
}

func TestPickTaskOrdering(t *testing.T) {
	c := bareCoordinator()
	st := state.NewRunState("r")
	obj := addObjective(st, "obj-1", state.ObjectiveActive)

	addTask(st, "z-low", state.TaskPending, "z.go", 1)
	addTask(st, "m-high", state.TaskPending, "m.go", 9)
	mine := addTask(st, "a-mine", state.TaskPending, "a.go", 0)
	mine.ObjectiveID = obj.ID

	got := c.pickTask(st, obj, PhaseCoding)
	if got == nil || got.ID != "a-mine" {
		t.Fatalf("pickTask = %v, want active-objective task a-mine", got)
	}

	mine.Status = state.TaskCompleted
	got = c.pickTask(st, obj, PhaseCoding)
	if got == nil || got.ID != "m-high" {
		t.Fatalf("pickTask = %v, want highest priority m-high", got)
	}
}

func TestTaskEligibleGates(t *testing.T) {
	c := bareCoordinator()
	st := state.NewRunState("r")

	t.Run("retry backoff defers the task", func(t *testing.T) {
		task := addTask(st, "t1", state.TaskPending, "t.go", 0)
		task.NextRetryAt = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		if c.taskEligible(st, task, PhaseCoding) {
			t.Error("task with future retry time should not be eligible")
		}
		task.NextRetryAt = time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
		if !c.taskEligible(st, task, PhaseCoding) {
			t.Error("task past its retry time should be eligible")
		}
	})

	t.Run("unmet dependency defers the task", func(t *testing.T) {
		dep := addTask(st, "dep", state.TaskPending, "d.go", 0)
		task := addTask(st, "t2", state.TaskPending, "t2.go", 0)
		task.DependsOn = []string{"dep"}
		if c.taskEligible(st, task, PhaseCoding) {
			t.Error("task with incomplete dependency should not be eligible")
		}
		dep.Status = state.TaskCompleted
		if !c.taskEligible(st, task, PhaseCoding) {
			t.Error("task with completed dependency should be eligible")
		}
	})

	t.Run("attempt bound excludes the task", func(t *testing.T) {
		task := addTask(st, "t3", state.TaskPending, "t3.go", 0)
		for i := 0; i < 3; i++ {
			task.RecordAttempt(false, "boom")
		}
		if c.taskEligible(st, task, PhaseCoding) {
			t.Error("task at attempt bound should not be eligible")
		}
	})

	t.Run("pending escalation freezes the signature", func(t *testing.T) {
		task := addTask(st, "t4", state.TaskPending, "t4.go", 0)
		sig := taskSignature(PhaseCoding, task)
		st.Escalations[loopdetect.Key(string(PhaseCoding), sig)] = &state.Escalation{ID: "esc-1"}
		if c.taskEligible(st, task, PhaseCoding) {
			t.Error("task with pending escalation should not be eligible")
		}
	})
}

func TestRetryExhaustionOpensHighIssue(t *testing.T) {
	c := bareCoordinator()
	st := state.NewRunState("r")
	obj := addObjective(st, "obj-1", state.ObjectiveActive)
	task := addTask(st, "t1", state.TaskPending, "t.go", 0)
	task.ObjectiveID = obj.ID

	for i := 0; i < 3; i++ {
		c.handleTaskFailure(st, PhaseCoding, task, errBoom)
	}

	if task.Status != state.TaskBlocked {
		t.Fatalf("status = %s, want blocked after exhausting retries", task.Status)
	}
	if task.NextRetryAt != "" {
		t.Error("blocked task should carry no retry time")
	}
	high := st.OpenIssuesBySeverity(state.SeverityHigh)
	if len(high) != 1 {
		t.Fatalf("open high issues = %d, want 1", len(high))
	}
	if high[0].TaskID != task.ID {
		t.Errorf("issue task = %s, want %s", high[0].TaskID, task.ID)
	}
	if len(obj.OpenIssueIDs) != 1 {
		t.Errorf("objective open issues = %d, want 1", len(obj.OpenIssueIDs))
	}
}

func TestClassifyTaskError(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"connection refused", "transient"},
		{"request timeout after 30s", "transient"},
		{"rate limit exceeded", "transient"},
		{"service temporarily unavailable", "transient"},
		{"undefined variable x", "logic"},
		{"assertion failed", "logic"},
	}
	for _, tt := range tests {
		if got := classifyTaskError(errString(tt.msg)); got != tt.want {
			t.Errorf("classifyTaskError(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
	if got := classifyTaskError(wrapTimeout()); got != "transient" {
		t.Errorf("wrapped timeout classified as %s, want transient", got)
	}
}

func TestComputeRetryBackoff(t *testing.T) {
	c := bareCoordinator()

	if got := c.computeRetryBackoff("transient", 1); got != 5*time.Second {
		t.Errorf("attempt 1 backoff = %v, want 5s", got)
	}
	if got := c.computeRetryBackoff("transient", 3); got != 20*time.Second {
		t.Errorf("attempt 3 backoff = %v, want 20s", got)
	}
	// Logic errors cap at 30s well below the general maximum
	if got := c.computeRetryBackoff("logic", 5); got != 30*time.Second {
		t.Errorf("logic attempt 5 backoff = %v, want 30s", got)
	}
	if got := c.computeRetryBackoff("transient", 50); got != 5*time.Minute {
		t.Errorf("huge attempt backoff = %v, want 5m cap", got)
	}
}
