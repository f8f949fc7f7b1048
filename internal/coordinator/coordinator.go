package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"overseer/internal/config"
	"overseer/internal/logging"
	"overseer/internal/loopdetect"
	"overseer/internal/objective"
	"overseer/internal/state"
	"overseer/internal/store"
	"overseer/internal/tracker"
)

// phaseHistoryLimit bounds the persisted phase trail.
const phaseHistoryLimit = 500

// ErrIterationLimit is returned by Run when the iteration cap stops the
// run before every objective settled.
var ErrIterationLimit = errors.New("iteration limit reached")

// Options wires the coordinator's collaborators. Executor is required;
// a nil Decisions handler leaves escalations pending until one appears.
type Options struct {
	Workspace string
	Executor  PhaseExecutor
	Decisions DecisionHandler
	Resume    bool
}

// Coordinator owns the run loop. It is strictly sequential: one phase
// decision, one dispatch and one state save per iteration, so the run
// state never sees concurrent writers.
type Coordinator struct {
	cfg           *config.Config
	stateMgr      *state.Manager
	tracker       *tracker.Tracker
	detector      *loopdetect.Detector
	interventions *loopdetect.InterventionSystem
	objectives    *objective.Manager
	history       *store.HistoryStore
	executor      PhaseExecutor
	decisions     DecisionHandler
	watcher       *objective.Watcher
	audit         *logging.AuditLogger

	objectivesPath string
	st             *state.RunState

	// guidance issued this iteration, attached to the next dispatch
	pendingGuidance *loopdetect.Guidance
}

// New builds a coordinator over the workspace dot-dir. With Resume set
// an existing state file is loaded; otherwise a fresh run begins and the
// previous action log is archived.
func New(cfg *config.Config, opts Options) (*Coordinator, error) {
	if opts.Executor == nil {
		return nil, fmt.Errorf("%w: coordinator needs a phase executor", state.ErrValidation)
	}

	dataDir := filepath.Join(opts.Workspace, ".overseer")
	c := &Coordinator{
		cfg:            cfg,
		stateMgr:       state.NewManager(filepath.Join(dataDir, cfg.Paths.StateFile)),
		detector:       loopdetect.NewDetector(cfg.Detection),
		interventions:  loopdetect.NewInterventionSystem(cfg.Intervention.MaxInterventions),
		objectives:     objective.NewManager(cfg.Scoring),
		executor:       opts.Executor,
		decisions:      opts.Decisions,
		objectivesPath: filepath.Join(dataDir, cfg.Paths.ObjectivesFile),
	}

	if opts.Resume {
		st, err := c.stateMgr.Load()
		if err != nil {
			return nil, fmt.Errorf("resume run: %w", err)
		}
		c.st = st
	}
	if c.st == nil {
		c.st = state.NewRunState("run-" + uuid.NewString()[:8])
	}
	c.audit = logging.AuditWithRun(c.st.RunID)

	tr, err := tracker.New(filepath.Join(dataDir, cfg.Paths.ActionLog), 0)
	if err != nil {
		return nil, err
	}
	c.tracker = tr

	hist, err := store.NewHistoryStore(filepath.Join(dataDir, cfg.Paths.HistoryDB))
	if err != nil {
		tr.Close()
		return nil, err
	}
	c.history = hist

	// The watcher is best effort: without it objective edits are only
	// picked up on restart.
	w, err := objective.NewWatcher(c.objectivesPath)
	if err != nil {
		logging.Get(logging.CategoryCoordinator).Warn("Objectives watcher unavailable: %v", err)
	} else {
		c.watcher = w
	}

	defs, err := objective.LoadDefinitions(c.objectivesPath)
	if err != nil {
		c.Close()
		return nil, err
	}
	objective.Merge(c.st, defs)

	return c, nil
}

// State exposes the run state for inspection. Callers must not mutate
// it while Run is active.
func (c *Coordinator) State() *state.RunState {
	return c.st
}

// Tracker exposes the action recorder so executors can log their own
// fine-grained steps into the same detection window.
func (c *Coordinator) Tracker() *tracker.Tracker {
	return c.tracker
}

// Close releases files and database handles. Run state is saved by Run
// itself, not here.
func (c *Coordinator) Close() error {
	var first error
	if c.watcher != nil {
		if err := c.watcher.Close(); err != nil && first == nil {
			first = err
		}
	}
	if c.tracker != nil {
		if err := c.tracker.Close(); err != nil && first == nil {
			first = err
		}
	}
	if c.history != nil {
		if err := c.history.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Run executes iterations until the run finishes, the iteration cap is
// hit or the context is canceled. State is persisted every iteration and
// once more on the way out.
func (c *Coordinator) Run(ctx context.Context) error {
	logging.Coordinator("Run %s starting at iteration %d", c.st.RunID, c.st.Iteration)
	c.audit.Log(logging.AuditEvent{EventType: logging.AuditRunStart, Success: true})

	for {
		select {
		case <-ctx.Done():
			c.finishRun("canceled")
			return ctx.Err()
		default:
		}

		if max := c.cfg.Executor.MaxIterations; max > 0 && c.st.Iteration >= max {
			logging.Coordinator("Iteration cap %d reached", max)
			c.finishRun("iteration_cap")
			return fmt.Errorf("%w: %d iterations", ErrIterationLimit, max)
		}

		done, idle, err := c.iterate(ctx)
		if err != nil {
			c.finishRun("error")
			return err
		}
		if done {
			c.finishRun("completed")
			return nil
		}
		if idle {
			if err := sleepCtx(ctx, c.cfg.GetIdleInterval()); err != nil {
				c.finishRun("canceled")
				return err
			}
		}
	}
}

// iterate runs one full cycle: merge external edits, resolve pending
// escalations, pick a phase, check for loops, dispatch and fold the
// result back in.
func (c *Coordinator) iterate(ctx context.Context) (done, idle bool, err error) {
	start := time.Now()
	st := c.st
	st.Iteration++

	c.drainWatcher()
	c.resolveEscalations(ctx)

	obj := c.objectives.SelectOrContinue(st)
	d := c.decidePhase(st, obj)
	c.pushPhase(st, d.phase)
	logging.CoordinatorDebug("Iteration %d: phase=%s task=%s", st.Iteration, d.phase, taskIDOf(d.task))

	// A pending escalation freezes its signature outright. Task
	// signatures were already filtered in decidePhase; this catches
	// generator phases, whose detections may have aged out of the window.
	sig := dispatchSignature(d)
	if esc := c.interventions.Pending(st, string(d.phase), sig); esc != nil {
		logging.CoordinatorDebug("Dispatch %s gated by pending escalation %s", sig, esc.ID)
		c.archiveIteration(d, "escalated", escalationDetail(esc), start)
		return false, true, c.saveState()
	}
	if esc := c.checkLoops(st, d, sig); esc != nil {
		c.archiveIteration(d, "escalated", escalationDetail(esc), start)
		return false, true, c.saveState()
	}

	res, execErr := c.dispatch(ctx, d, obj)
	c.recordAction(d, res, execErr)

	outcome := c.applyResult(st, d, obj, res, execErr)
	c.archiveIteration(d, outcome, resultDetail(res, execErr), start)

	if err := c.saveState(); err != nil {
		return false, false, err
	}

	if d.done {
		return true, false, nil
	}
	// A generator phase that produced nothing has no work to offer yet
	idle = d.task == nil && len(res.NewTasks) == 0
	return false, idle, nil
}

// checkLoops runs detection over the recent action window and assesses
// findings against the dispatch signature. A non-nil return means a
// pending escalation gates this dispatch.
func (c *Coordinator) checkLoops(st *state.RunState, d decision, sig string) *state.Escalation {
	window := c.tracker.Window(c.cfg.Detection.WindowActions,
		time.Duration(c.cfg.Detection.WindowSeconds)*time.Second)
	detections := c.detector.Detect(window)
	if !loopdetect.ShouldIntervene(detections) {
		return nil
	}

	c.audit.Log(logging.AuditEvent{
		EventType: logging.AuditLoopDetected,
		Phase:     string(d.phase),
		TaskID:    taskIDOf(d.task),
		Message:   fmt.Sprintf("%d findings", len(detections)),
	})

	outcome := c.interventions.Assess(st, string(d.phase), taskIDOf(d.task), sig, detections)
	if outcome == nil {
		return nil
	}
	if outcome.Escalation != nil {
		c.audit.Log(logging.AuditEvent{
			EventType: logging.AuditEscalation,
			Phase:     string(d.phase),
			TaskID:    taskIDOf(d.task),
			Message:   outcome.Escalation.ID,
		})
		return outcome.Escalation
	}
	c.audit.Log(logging.AuditEvent{
		EventType: logging.AuditGuidanceIssued,
		Phase:     string(d.phase),
		TaskID:    taskIDOf(d.task),
		Success:   true,
		Message:   fmt.Sprintf("attempt %d", outcome.Guidance.Attempt),
	})
	c.pendingGuidance = outcome.Guidance
	return nil
}

// dispatch calls the executor with a bounded context. Deadline expiry is
// normalized to the timeout error class so retry policy can see it.
func (c *Coordinator) dispatch(ctx context.Context, d decision, obj *state.Objective) (Result, error) {
	if d.task != nil {
		d.task.Status = state.TaskInProgress
		d.task.UpdatedAt = state.Now()
		c.audit.LogTask(logging.AuditTaskDispatch, string(d.phase), d.task.ID, true, d.task.Description)
	}

	req := Request{
		Phase:     d.phase,
		Task:      d.task,
		Objective: obj,
		Guidance:  c.pendingGuidance,
		State:     c.st,
	}
	c.pendingGuidance = nil

	dctx, cancel := context.WithTimeout(ctx, c.cfg.GetDispatchTimeout())
	defer cancel()

	res, err := c.executor.Execute(dctx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("dispatch %s timed out: %w", d.phase, state.ErrTimeout)
	}
	return res, err
}

// recordAction logs the dispatch into the action stream feeding loop
// detection.
func (c *Coordinator) recordAction(d decision, res Result, execErr error) {
	a := tracker.Action{
		Phase:       string(d.phase),
		Tool:        string(d.phase),
		Args:        taskIDOf(d.task),
		Result:      res.Message,
		Success:     execErr == nil && res.Success,
		Refs:        res.Refs,
		StateDigest: res.StateDigest,
	}
	if d.task != nil {
		a.Target = d.task.Target
	}
	if err := c.tracker.Record(a); err != nil {
		logging.Get(logging.CategoryCoordinator).Warn("Could not record action: %v", err)
	}
}

// applyResult folds one dispatch result into the run state and returns
// the iteration outcome for the history archive.
func (c *Coordinator) applyResult(st *state.RunState, d decision, obj *state.Objective, res Result, execErr error) string {
	c.mergeNewTasks(st, obj, res.NewTasks)
	for _, spec := range res.NewIssues {
		sev := spec.Severity
		if sev == "" {
			sev = state.SeverityMedium
		}
		c.openIssue(st, state.NewIssue(spec.Title, sev, spec.TaskID, objIDOf(obj)))
	}
	if res.NextPhaseHint != "" {
		st.NextPhaseHint = res.NextPhaseHint
	}

	failed := execErr != nil || !res.Success
	if failed {
		if execErr == nil {
			execErr = fmt.Errorf("%s reported failure: %s", d.phase, truncate(res.Message, 200))
		}
		if d.task != nil {
			c.handleTaskFailure(st, d.phase, d.task, execErr)
			c.audit.LogTask(logging.AuditTaskFailed, string(d.phase), d.task.ID, false, execErr.Error())
		} else {
			logging.Get(logging.CategoryCoordinator).Warn("Phase %s failed: %v", d.phase, execErr)
		}
		if obj != nil {
			c.objectives.RecordOutcome(obj, false)
			if h := c.objectives.AnalyzeHealth(st, obj); h == state.HealthCritical {
				logging.Get(logging.CategoryObjective).Warn("Objective %s health is critical", obj.ID)
			}
		}
		if d.task != nil && d.task.Status == state.TaskBlocked {
			return "blocked"
		}
		return "failed"
	}

	if d.task != nil {
		d.task.RecordAttempt(true, "")
		d.task.NextRetryAt = ""
		d.task.Status = successStatus(d.phase)
		d.task.UpdatedAt = state.Now()
		c.audit.LogTask(logging.AuditTaskComplete, string(d.phase), d.task.ID, true, res.Message)
		c.interventions.ResetOnProgress(st, string(d.phase), taskSignature(d.phase, d.task))
		if d.phase == PhaseQA {
			c.closeTaskIssues(st, d.task.ID)
		}
	}
	if obj != nil {
		c.objectives.RecordOutcome(obj, true)
		c.objectives.UpdateProgress(st, obj.ID)
	}

	if d.task == nil && len(res.NewTasks) == 0 {
		return "idle"
	}
	return "completed"
}

// successStatus maps a successful dispatch to the task's next queue.
// Coding and debugging feed review; review and documentation finish.
func successStatus(p Phase) state.TaskStatus {
	switch p {
	case PhaseCoding, PhaseDebugging:
		return state.TaskQAPending
	default:
		return state.TaskCompleted
	}
}

// mergeNewTasks registers tasks an executor asked for, attached to the
// active objective.
func (c *Coordinator) mergeNewTasks(st *state.RunState, obj *state.Objective, specs []NewTaskSpec) {
	for _, spec := range specs {
		id := spec.ID
		if id == "" {
			id = newID("task")
		}
		if _, exists := st.Tasks[id]; exists {
			logging.CoordinatorDebug("Skipping duplicate task %s", id)
			continue
		}
		st.Tasks[id] = &state.Task{
			ID:          id,
			Description: spec.Description,
			Target:      spec.Target,
			Status:      state.TaskPending,
			Priority:    spec.Priority,
			DependsOn:   append([]string{}, spec.DependsOn...),
			ObjectiveID: objIDOf(obj),
			CreatedAt:   state.Now(),
			UpdatedAt:   state.Now(),
		}
		if obj != nil {
			obj.TaskIDs = appendUniqueID(obj.TaskIDs, id)
		}
		logging.Coordinator("Created task %s: %s", id, spec.Description)
	}
}

// closeTaskIssues resolves open issues tied to a task that just passed
// review.
func (c *Coordinator) closeTaskIssues(st *state.RunState, taskID string) {
	for _, iss := range st.Issues {
		if iss.TaskID != taskID || !iss.Status.IsOpen() {
			continue
		}
		iss.Status = state.IssueResolved
		iss.UpdatedAt = state.Now()
		if obj, ok := st.Objectives[iss.ObjectiveID]; ok {
			obj.OpenIssueIDs = removeID(obj.OpenIssueIDs, iss.ID)
			obj.CriticalIssueIDs = removeID(obj.CriticalIssueIDs, iss.ID)
		}
		c.audit.Log(logging.AuditEvent{
			EventType: logging.AuditIssueClosed,
			TaskID:    taskID,
			Success:   true,
			Message:   iss.Title,
		})
	}
}

// resolveEscalations asks the decision handler about every pending
// escalation. Unanswered escalations stay pending and keep their
// signatures frozen.
func (c *Coordinator) resolveEscalations(ctx context.Context) {
	if c.decisions == nil || len(c.st.Escalations) == 0 {
		return
	}

	keys := make([]string, 0, len(c.st.Escalations))
	for k := range c.st.Escalations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		esc := c.st.Escalations[k]
		dec, ok, err := c.decisions.Decide(ctx, esc)
		if err != nil {
			logging.Get(logging.CategoryCoordinator).Warn("Decision handler failed for %s: %v", esc.ID, err)
			continue
		}
		if !ok {
			continue
		}
		if _, err := c.interventions.Resolve(c.st, esc.Phase, esc.Signature, dec); err != nil {
			logging.Get(logging.CategoryCoordinator).Warn("Could not resolve escalation %s: %v", esc.ID, err)
			continue
		}
		c.applyDecision(esc, dec)
		c.audit.Log(logging.AuditEvent{
			EventType: logging.AuditEscalationReply,
			Phase:     esc.Phase,
			TaskID:    esc.TaskID,
			Success:   true,
			Message:   string(dec),
		})
	}
}

// applyDecision translates an operator decision into task state.
func (c *Coordinator) applyDecision(esc *state.Escalation, dec loopdetect.Decision) {
	task, ok := c.st.Tasks[esc.TaskID]
	if !ok {
		return
	}
	switch dec {
	case loopdetect.DecisionRollback:
		// Send the work back through fixes with a clean retry slate
		task.Status = state.TaskNeedsFixes
		task.NextRetryAt = ""
		task.Attempts = nil
	case loopdetect.DecisionAbandon:
		task.Status = state.TaskSkipped
	case loopdetect.DecisionContinue:
		// Counter already cleared; the task resumes where it was
		if task.Status == state.TaskInProgress {
			task.Status = state.TaskPending
		}
	}
	task.UpdatedAt = state.Now()
	logging.Coordinator("Escalation %s decided: %s (task %s)", esc.ID, dec, esc.TaskID)
}

// drainWatcher re-merges objective definitions after an external edit.
func (c *Coordinator) drainWatcher() {
	if c.watcher == nil {
		return
	}
	select {
	case <-c.watcher.Changes():
		defs, err := objective.LoadDefinitions(c.objectivesPath)
		if err != nil {
			logging.Get(logging.CategoryObjective).Warn("Ignoring objectives edit: %v", err)
			return
		}
		objective.Merge(c.st, defs)
	default:
	}
}

// saveState persists the run state. A serialization failure is logged
// and the run continues on the last good snapshot; anything else, an
// unwritable disk for instance, stops the run.
func (c *Coordinator) saveState() error {
	err := c.stateMgr.Save(c.st)
	if err == nil {
		return nil
	}
	if errors.Is(err, state.ErrSerialization) {
		logging.Get(logging.CategoryState).Error("State save failed: %v", err)
		c.audit.Log(logging.AuditEvent{EventType: logging.AuditStateError, Error: err.Error()})
		return nil
	}
	return fmt.Errorf("persist run state: %w", err)
}

// finishRun saves and emits the run-end audit record.
func (c *Coordinator) finishRun(reason string) {
	if err := c.saveState(); err != nil {
		logging.Get(logging.CategoryState).Error("Final state save failed: %v", err)
	}
	c.audit.Log(logging.AuditEvent{
		EventType: logging.AuditRunEnd,
		Success:   reason == "completed",
		Message:   reason,
		Fields:    map[string]interface{}{"iterations": c.st.Iteration},
	})
	logging.Coordinator("Run %s finished after %d iterations (%s)", c.st.RunID, c.st.Iteration, reason)
}

// archiveIteration writes one history row. The archive is advisory.
func (c *Coordinator) archiveIteration(d decision, outcome, detail string, start time.Time) {
	c.history.Append(store.IterationRecord{
		RunID:     c.st.RunID,
		Iteration: c.st.Iteration,
		Phase:     string(d.phase),
		TaskID:    taskIDOf(d.task),
		Outcome:   outcome,
		Detail:    truncate(detail, 500),
		Duration:  time.Since(start),
	})
}

func (c *Coordinator) pushPhase(st *state.RunState, p Phase) {
	st.PhaseHistory = append(st.PhaseHistory, string(p))
	if len(st.PhaseHistory) > phaseHistoryLimit {
		st.PhaseHistory = st.PhaseHistory[len(st.PhaseHistory)-phaseHistoryLimit:]
	}
}

// dispatchSignature names a dispatch for intervention bookkeeping. Task
// dispatches use the task signature; generator phases share one per phase.
func dispatchSignature(d decision) string {
	if d.task != nil {
		return taskSignature(d.phase, d.task)
	}
	return string(d.phase) + ":generate"
}

func escalationDetail(esc *state.Escalation) string {
	return fmt.Errorf("%w: escalation %s pending operator decision", state.ErrLoopDetected, esc.ID).Error()
}

func resultDetail(res Result, execErr error) string {
	if execErr != nil {
		return execErr.Error()
	}
	return res.Message
}

func taskIDOf(t *state.Task) string {
	if t == nil {
		return ""
	}
	return t.ID
}

func objIDOf(o *state.Objective) string {
	if o == nil {
		return ""
	}
	return o.ID
}

func appendUniqueID(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func removeID(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
