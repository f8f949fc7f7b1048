// Package state defines the persistent run model: tasks, issues, objectives
// and the aggregate RunState snapshot. Every field survives a JSON round trip
// so a run can be resumed from disk after a crash or restart.
package state

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskNew        TaskStatus = "new"
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskQAPending  TaskStatus = "qa_pending"
	TaskNeedsFixes TaskStatus = "needs_fixes"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskSkipped    TaskStatus = "skipped"
	TaskFailed     TaskStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskSkipped, TaskFailed:
		return true
	}
	return false
}

// TaskAttempt records one execution attempt against a task.
type TaskAttempt struct {
	Number    int    `json:"number"`
	Outcome   string `json:"outcome"` // "success" or "failure"
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// Task is a unit of work dispatched to a phase executor.
type Task struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	Target      string        `json:"target,omitempty"` // file or artifact the task touches
	Status      TaskStatus    `json:"status"`
	Attempts    []TaskAttempt `json:"attempts,omitempty"`
	MaxAttempts int           `json:"max_attempts"`
	DependsOn   []string      `json:"depends_on,omitempty"`
	Priority    int           `json:"priority"` // higher dispatches first
	ObjectiveID string        `json:"objective_id,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	NextRetryAt string        `json:"next_retry_at,omitempty"` // RFC3339; empty means no backoff
	CreatedAt   string        `json:"created_at"`
	UpdatedAt   string        `json:"updated_at"`
}

// AttemptCount returns the number of recorded attempts.
func (t *Task) AttemptCount() int {
	return len(t.Attempts)
}

// CanExecute reports whether the task is eligible for dispatch.
// Terminal and blocked tasks never execute; neither does a task at
// its attempt bound.
func (t *Task) CanExecute() bool {
	if t.Status.IsTerminal() || t.Status == TaskBlocked {
		return false
	}
	max := t.MaxAttempts
	if max <= 0 {
		max = 3
	}
	return len(t.Attempts) < max
}

// RecordAttempt appends an attempt and refreshes the update timestamp.
func (t *Task) RecordAttempt(success bool, errMsg string) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	t.Attempts = append(t.Attempts, TaskAttempt{
		Number:    len(t.Attempts) + 1,
		Outcome:   outcome,
		Timestamp: Now(),
		Error:     errMsg,
	})
	if !success {
		t.LastError = errMsg
	}
	t.UpdatedAt = Now()
}

// IssueSeverity ranks how urgently an issue needs attention.
type IssueSeverity string

const (
	SeverityCritical IssueSeverity = "critical"
	SeverityHigh     IssueSeverity = "high"
	SeverityMedium   IssueSeverity = "medium"
	SeverityLow      IssueSeverity = "low"
)

// IssueStatus tracks an issue through triage and resolution.
type IssueStatus string

const (
	IssueOpen       IssueStatus = "open"
	IssueAssigned   IssueStatus = "assigned"
	IssueInProgress IssueStatus = "in_progress"
	IssueResolved   IssueStatus = "resolved"
	IssueVerified   IssueStatus = "verified"
	IssueClosed     IssueStatus = "closed"
)

// IsOpen reports whether the issue still needs work.
func (s IssueStatus) IsOpen() bool {
	switch s {
	case IssueOpen, IssueAssigned, IssueInProgress:
		return true
	}
	return false
}

// Issue is a defect or blocker discovered during a run.
type Issue struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Severity    IssueSeverity `json:"severity"`
	Status      IssueStatus   `json:"status"`
	TaskID      string        `json:"task_id,omitempty"`
	ObjectiveID string        `json:"objective_id,omitempty"`
	CreatedAt   string        `json:"created_at"`
	UpdatedAt   string        `json:"updated_at"`
}

// NewIssue builds an open issue with a fresh ID.
func NewIssue(title string, severity IssueSeverity, taskID, objectiveID string) *Issue {
	return &Issue{
		ID:          "iss-" + uuid.NewString()[:8],
		Title:       title,
		Severity:    severity,
		Status:      IssueOpen,
		TaskID:      taskID,
		ObjectiveID: objectiveID,
		CreatedAt:   Now(),
		UpdatedAt:   Now(),
	}
}

// ObjectiveLevel ranks objectives by strategic priority.
type ObjectiveLevel string

const (
	LevelPrimary   ObjectiveLevel = "primary"
	LevelSecondary ObjectiveLevel = "secondary"
	LevelTertiary  ObjectiveLevel = "tertiary"
)

// ObjectiveStatus tracks an objective through its lifecycle.
type ObjectiveStatus string

const (
	ObjectiveProposed   ObjectiveStatus = "proposed"
	ObjectiveApproved   ObjectiveStatus = "approved"
	ObjectiveActive     ObjectiveStatus = "active"
	ObjectiveInProgress ObjectiveStatus = "in_progress"
	ObjectiveCompleting ObjectiveStatus = "completing"
	ObjectiveCompleted  ObjectiveStatus = "completed"
	ObjectiveDocumented ObjectiveStatus = "documented"
	ObjectiveBlocked    ObjectiveStatus = "blocked"
	ObjectiveDegrading  ObjectiveStatus = "degrading"
)

// IsEligible reports whether the objective can still be selected.
func (s ObjectiveStatus) IsEligible() bool {
	switch s {
	case ObjectiveCompleted, ObjectiveDocumented, ObjectiveBlocked:
		return false
	}
	return true
}

// DimensionalProfile characterizes an objective across seven concern
// dimensions, each in [0, 1].
type DimensionalProfile struct {
	Temporal    float64 `json:"temporal"`    // urgency over time
	Functional  float64 `json:"functional"`  // behavior-changing scope
	Data        float64 `json:"data"`        // data model impact
	State       float64 `json:"state"`       // runtime state complexity
	Error       float64 `json:"error"`       // failure handling exposure
	Context     float64 `json:"context"`     // cross-cutting context needs
	Integration float64 `json:"integration"` // external surface touched
}

// Objective is a strategic goal decomposed into tasks.
type Objective struct {
	ID                  string             `json:"id"`
	Name                string             `json:"name"`
	Level               ObjectiveLevel     `json:"level"`
	Status              ObjectiveStatus    `json:"status"`
	TaskIDs             []string           `json:"task_ids,omitempty"`
	CompletedTaskIDs    []string           `json:"completed_task_ids,omitempty"`
	CompletionPct       float64            `json:"completion_pct"`
	OpenIssueIDs        []string           `json:"open_issue_ids,omitempty"`
	CriticalIssueIDs    []string           `json:"critical_issue_ids,omitempty"`
	SuccessRate         float64            `json:"success_rate"`
	OutcomeCount        int                `json:"outcome_count"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	DependsOn           []string           `json:"depends_on,omitempty"`
	Profile             DimensionalProfile `json:"profile"`
	Acceptance          []string           `json:"acceptance,omitempty"`
	CreatedAt           string             `json:"created_at"`
	UpdatedAt           string             `json:"updated_at"`
}

// Health describes the working condition of an objective.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegrading Health = "degrading"
	HealthBlocked   Health = "blocked"
	HealthCritical  Health = "critical"
)

// Escalation is a pending decision surfaced to the operator after
// guidance failed to break a loop.
type Escalation struct {
	ID         string   `json:"id"`
	Phase      string   `json:"phase"`
	TaskID     string   `json:"task_id"`
	Signature  string   `json:"signature"`
	Detections []string `json:"detections,omitempty"`
	Options    []string `json:"options"`
	CreatedAt  string   `json:"created_at"`
}

// RunState is the full persisted snapshot of a run.
type RunState struct {
	RunID              string                 `json:"run_id"`
	StartedAt          string                 `json:"started_at"`
	Tasks              map[string]*Task       `json:"tasks"`
	Objectives         map[string]*Objective  `json:"objectives"`
	Issues             map[string]*Issue      `json:"issues"`
	PhaseHistory       []string               `json:"phase_history,omitempty"`
	FailureCounts      map[string]int         `json:"failure_counts,omitempty"`      // keyed phase|task
	InterventionCounts map[string]int         `json:"intervention_counts,omitempty"` // keyed phase|signature
	Escalations        map[string]*Escalation `json:"escalations,omitempty"`         // keyed phase|signature
	NextPhaseHint      string                 `json:"next_phase_hint,omitempty"`
	Iteration          int                    `json:"iteration"`
}

// NewRunState builds an empty state for a fresh run.
func NewRunState(runID string) *RunState {
	return &RunState{
		RunID:              runID,
		StartedAt:          Now(),
		Tasks:              make(map[string]*Task),
		Objectives:         make(map[string]*Objective),
		Issues:             make(map[string]*Issue),
		FailureCounts:      make(map[string]int),
		InterventionCounts: make(map[string]int),
		Escalations:        make(map[string]*Escalation),
	}
}

// ActiveObjective returns the single active objective, or nil.
func (s *RunState) ActiveObjective() *Objective {
	for _, o := range s.Objectives {
		if o.Status == ObjectiveActive || o.Status == ObjectiveInProgress || o.Status == ObjectiveCompleting {
			return o
		}
	}
	return nil
}

// TasksByStatus returns tasks holding the given status, unordered.
func (s *RunState) TasksByStatus(status TaskStatus) []*Task {
	var out []*Task
	for _, t := range s.Tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// OpenIssuesBySeverity returns open issues at the given severity.
func (s *RunState) OpenIssuesBySeverity(sev IssueSeverity) []*Issue {
	var out []*Issue
	for _, i := range s.Issues {
		if i.Severity == sev && i.Status.IsOpen() {
			out = append(out, i)
		}
	}
	return out
}

// Now returns the current time as an RFC3339 string, the only time
// representation stored in persisted records.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
