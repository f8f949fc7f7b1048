package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"overseer/internal/config"
	"overseer/internal/loopdetect"
	"overseer/internal/state"
	"overseer/internal/tracker"
)

var errBoom = errors.New("boom")

type errString string

func (e errString) Error() string { return string(e) }

func wrapTimeout() error {
	return fmt.Errorf("dispatch coding timed out: %w", state.ErrTimeout)
}

// scriptedExecutor routes dispatches through a function.
type scriptedExecutor struct {
	fn func(req Request) (Result, error)
}

func (e *scriptedExecutor) Execute(_ context.Context, req Request) (Result, error) {
	return e.fn(req)
}

// scriptedDecider answers every escalation with a fixed decision.
type scriptedDecider struct {
	decision loopdetect.Decision
	asked    int
}

func (d *scriptedDecider) Decide(_ context.Context, _ *state.Escalation) (loopdetect.Decision, bool, error) {
	d.asked++
	return d.decision, true, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Executor.IdleInterval = "1ms"
	cfg.Executor.DispatchTimeout = "5s"
	cfg.Retry.BackoffBase = "1ms"
	cfg.Retry.BackoffMax = "2ms"
	return cfg
}

func writeObjectives(t *testing.T, ws, content string) {
	t.Helper()
	dir := filepath.Join(ws, ".overseer")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "objectives.yaml"), []byte(content), 0644))
}

const singleTaskObjectives = `
objectives:
  - id: obj-core
    name: Core feature
    level: primary
    tasks:
      - id: task-core
        description: implement the core handler
        target: core.go
`

func TestRunCompletesObjective(t *testing.T) {
	defer goleak.VerifyNone(t)

	ws := t.TempDir()
	writeObjectives(t, ws, singleTaskObjectives)

	exec := &scriptedExecutor{fn: func(req Request) (Result, error) {
		switch req.Phase {
		case PhaseCoding, PhaseQA, PhaseFinalization:
			return Result{Success: true, Message: string(req.Phase) + " ok"}, nil
		default:
			return Result{Success: true}, nil
		}
	}}

	c, err := New(testConfig(), Options{Workspace: ws, Executor: exec})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	st := c.State()
	task := st.Tasks["task-core"]
	require.NotNil(t, task)
	require.Equal(t, state.TaskCompleted, task.Status)

	obj := st.Objectives["obj-core"]
	require.NotNil(t, obj)
	require.Equal(t, state.ObjectiveCompleted, obj.Status)
	require.InDelta(t, 1.0, obj.CompletionPct, 1e-9)

	// The run went coding -> qa -> finalization
	require.Equal(t, []string{"coding", "qa", "finalization"}, st.PhaseHistory)

	// And the state survived on disk
	loaded, err := c.stateMgr.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, st.RunID, loaded.RunID)
}

func TestRunBlocksTaskAfterRetryExhaustion(t *testing.T) {
	defer goleak.VerifyNone(t)

	ws := t.TempDir()
	writeObjectives(t, ws, singleTaskObjectives)

	cfg := testConfig()
	cfg.Executor.MaxIterations = 15

	exec := &scriptedExecutor{fn: func(req Request) (Result, error) {
		if req.Phase == PhaseCoding {
			return Result{}, errBoom
		}
		return Result{Success: true}, nil
	}}

	c, err := New(cfg, Options{Workspace: ws, Executor: exec})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.ErrorIs(t, c.Run(ctx), ErrIterationLimit)

	task := c.State().Tasks["task-core"]
	require.NotNil(t, task)
	require.Equal(t, state.TaskBlocked, task.Status)
	require.Equal(t, 3, task.AttemptCount())
	require.Len(t, c.State().OpenIssuesBySeverity(state.SeverityHigh), 1)
}

func TestRunHonorsMaxIterations(t *testing.T) {
	defer goleak.VerifyNone(t)

	ws := t.TempDir()
	cfg := testConfig()
	cfg.Executor.MaxIterations = 4

	dispatches := 0
	exec := &scriptedExecutor{fn: func(req Request) (Result, error) {
		dispatches++
		return Result{Success: true}, nil
	}}

	c, err := New(cfg, Options{Workspace: ws, Executor: exec})
	require.NoError(t, err)
	defer c.Close()

	require.ErrorIs(t, c.Run(context.Background()), ErrIterationLimit)
	require.Equal(t, 4, c.State().Iteration)
	require.Equal(t, 4, dispatches)
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ws := t.TempDir()
	exec := &scriptedExecutor{fn: func(req Request) (Result, error) {
		return Result{Success: true}, nil
	}}

	c, err := New(testConfig(), Options{Workspace: ws, Executor: exec})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err = c.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestResumeKeepsRunIdentity(t *testing.T) {
	ws := t.TempDir()
	writeObjectives(t, ws, singleTaskObjectives)

	cfg := testConfig()
	cfg.Executor.MaxIterations = 1

	exec := &scriptedExecutor{fn: func(req Request) (Result, error) {
		return Result{Success: true}, nil
	}}

	c1, err := New(cfg, Options{Workspace: ws, Executor: exec})
	require.NoError(t, err)
	require.ErrorIs(t, c1.Run(context.Background()), ErrIterationLimit)
	runID := c1.State().RunID
	iter := c1.State().Iteration
	require.NoError(t, c1.Close())

	c2, err := New(cfg, Options{Workspace: ws, Executor: exec, Resume: true})
	require.NoError(t, err)
	defer c2.Close()
	require.Equal(t, runID, c2.State().RunID)
	require.Equal(t, iter, c2.State().Iteration)

	c3, err := New(cfg, Options{Workspace: ws, Executor: exec})
	require.NoError(t, err)
	defer c3.Close()
	require.NotEqual(t, runID, c3.State().RunID)
}

func TestCheckLoopsEscalatesAfterGuidance(t *testing.T) {
	ws := t.TempDir()
	exec := &scriptedExecutor{fn: func(req Request) (Result, error) {
		return Result{Success: true}, nil
	}}
	c, err := New(testConfig(), Options{Workspace: ws, Executor: exec})
	require.NoError(t, err)
	defer c.Close()

	// Five identical edits to one target trip both the action loop and
	// the modification loop at high severity.
	for i := 0; i < 5; i++ {
		require.NoError(t, c.tracker.Record(tracker.Action{
			Phase:  "coding",
			Tool:   "edit",
			Target: "core.go",
			Args:   "same fix",
		}))
	}

	st := c.State()
	task := &state.Task{ID: "task-core", Target: "core.go", Status: state.TaskPending}
	st.Tasks[task.ID] = task
	d := decision{phase: PhaseCoding, task: task}
	sig := dispatchSignature(d)

	// First two assessments issue guidance
	for attempt := 1; attempt <= 2; attempt++ {
		esc := c.checkLoops(st, d, sig)
		require.Nil(t, esc, "attempt %d should be guidance", attempt)
		require.NotNil(t, c.pendingGuidance)
		require.Equal(t, attempt, c.pendingGuidance.Attempt)
		c.pendingGuidance = nil
	}

	// Third hits the intervention bound and escalates
	esc := c.checkLoops(st, d, sig)
	require.NotNil(t, esc)
	require.Equal(t, task.ID, esc.TaskID)
	require.True(t, c.interventions.IsBlocked(st, string(PhaseCoding), sig))
	require.False(t, c.taskEligible(st, task, PhaseCoding))
}

func TestPendingEscalationGatesGeneratorDispatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	ws := t.TempDir()
	dispatched := 0
	exec := &scriptedExecutor{fn: func(req Request) (Result, error) {
		dispatched++
		return Result{Success: true}, nil
	}}

	c, err := New(testConfig(), Options{Workspace: ws, Executor: exec})
	require.NoError(t, err)
	defer c.Close()

	// Active objective with no tasks routes to planning, a generator
	// phase whose signature carries no task
	st := c.State()
	st.Objectives["obj-1"] = &state.Objective{
		ID: "obj-1", Name: "obj-1", Level: state.LevelPrimary, Status: state.ObjectiveActive,
	}

	sig := string(PhasePlanning) + ":generate"
	key := loopdetect.Key(string(PhasePlanning), sig)
	st.Escalations[key] = &state.Escalation{
		ID:        "esc-gen",
		Phase:     string(PhasePlanning),
		Signature: sig,
		CreatedAt: state.Now(),
	}

	// The action window is empty, so only the stored escalation can gate
	done, idle, err := c.iterate(context.Background())
	require.NoError(t, err)
	require.False(t, done)
	require.True(t, idle)
	require.Zero(t, dispatched, "frozen signature must not dispatch")
	require.NotNil(t, c.interventions.Pending(st, string(PhasePlanning), sig))

	// Once the escalation is decided the phase dispatches again
	delete(st.Escalations, key)
	_, _, err = c.iterate(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, dispatched)
}

func TestResolveEscalations(t *testing.T) {
	tests := []struct {
		decision   loopdetect.Decision
		wantStatus state.TaskStatus
	}{
		{loopdetect.DecisionRollback, state.TaskNeedsFixes},
		{loopdetect.DecisionAbandon, state.TaskSkipped},
		{loopdetect.DecisionContinue, state.TaskPending},
	}

	for _, tt := range tests {
		t.Run(string(tt.decision), func(t *testing.T) {
			c := bareCoordinator()
			c.st = state.NewRunState("r")
			c.decisions = &scriptedDecider{decision: tt.decision}

			task := addTask(c.st, "task-core", state.TaskPending, "core.go", 0)
			task.RecordAttempt(false, "boom")
			sig := taskSignature(PhaseCoding, task)
			key := loopdetect.Key(string(PhaseCoding), sig)
			c.st.Escalations[key] = &state.Escalation{
				ID:        "esc-1",
				Phase:     string(PhaseCoding),
				TaskID:    task.ID,
				Signature: sig,
			}
			c.st.InterventionCounts[key] = 3

			c.resolveEscalations(context.Background())

			require.Empty(t, c.st.Escalations)
			require.Equal(t, tt.wantStatus, task.Status)
			if tt.decision == loopdetect.DecisionRollback {
				require.Zero(t, task.AttemptCount(), "rollback clears the attempt slate")
			}
			if tt.decision == loopdetect.DecisionContinue {
				require.Zero(t, c.st.InterventionCounts[key], "continue resets the counter")
			}
		})
	}
}

func TestApplyResultMergesExecutorOutput(t *testing.T) {
	c := bareCoordinator()
	st := state.NewRunState("r")
	obj := addObjective(st, "obj-1", state.ObjectiveActive)

	res := Result{
		Success: true,
		NewTasks: []NewTaskSpec{
			{ID: "task-a", Description: "build the parser", Target: "parser.go", Priority: 5},
			{Description: "unnamed work gets an id"},
		},
		NewIssues: []NewIssueSpec{
			{Title: "flaky fixture", Severity: state.SeverityLow},
			{Title: "no severity defaults to medium"},
		},
		NextPhaseHint: string(PhaseCoding),
	}

	outcome := c.applyResult(st, decision{phase: PhasePlanning}, obj, res, nil)
	require.Equal(t, "completed", outcome)

	require.Len(t, st.Tasks, 2)
	require.Equal(t, state.TaskPending, st.Tasks["task-a"].Status)
	require.Equal(t, obj.ID, st.Tasks["task-a"].ObjectiveID)
	require.Len(t, obj.TaskIDs, 2)

	require.Len(t, st.Issues, 2)
	require.Len(t, st.OpenIssuesBySeverity(state.SeverityMedium), 1)
	require.Equal(t, string(PhaseCoding), st.NextPhaseHint)
}

func TestApplyResultTaskTransitions(t *testing.T) {
	tests := []struct {
		phase Phase
		want  state.TaskStatus
	}{
		{PhaseCoding, state.TaskQAPending},
		{PhaseDebugging, state.TaskQAPending},
		{PhaseQA, state.TaskCompleted},
		{PhaseDocumentation, state.TaskCompleted},
	}

	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			c := bareCoordinator()
			st := state.NewRunState("r")
			task := addTask(st, "t1", state.TaskInProgress, "t.go", 0)

			outcome := c.applyResult(st, decision{phase: tt.phase, task: task}, nil, Result{Success: true}, nil)
			require.Equal(t, "completed", outcome)
			require.Equal(t, tt.want, task.Status)
			require.Equal(t, 1, task.AttemptCount())
		})
	}
}

func TestQAPassClosesTaskIssues(t *testing.T) {
	c := bareCoordinator()
	st := state.NewRunState("r")
	obj := addObjective(st, "obj-1", state.ObjectiveActive)
	task := addTask(st, "t1", state.TaskQAPending, "t.go", 0)
	task.ObjectiveID = obj.ID

	iss := state.NewIssue("off by one", state.SeverityHigh, task.ID, obj.ID)
	st.Issues[iss.ID] = iss
	obj.OpenIssueIDs = append(obj.OpenIssueIDs, iss.ID)

	c.applyResult(st, decision{phase: PhaseQA, task: task}, obj, Result{Success: true}, nil)

	require.Equal(t, state.IssueResolved, iss.Status)
	require.Empty(t, obj.OpenIssueIDs)
	require.Equal(t, state.TaskCompleted, task.Status)
}

func TestDispatchTimeoutClassifiedTransient(t *testing.T) {
	defer goleak.VerifyNone(t)

	ws := t.TempDir()
	cfg := testConfig()
	cfg.Executor.DispatchTimeout = "10ms"

	exec := &scriptedExecutor{fn: func(req Request) (Result, error) {
		return Result{}, context.DeadlineExceeded
	}}

	c, err := New(cfg, Options{Workspace: ws, Executor: exec})
	require.NoError(t, err)
	defer c.Close()

	_, execErr := c.dispatch(context.Background(), decision{phase: PhaseCoding}, nil)
	require.ErrorIs(t, execErr, state.ErrTimeout)
	require.Equal(t, "transient", classifyTaskError(execErr))
}
