// Package logging audit support: structured run events appended as JSON lines.
// One event per line so the audit trail can be replayed or filtered with
// standard line tools after a run.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	// Run lifecycle
	AuditRunStart  AuditEventType = "run_start"
	AuditRunEnd    AuditEventType = "run_end"
	AuditIteration AuditEventType = "iteration"

	// Task lifecycle
	AuditTaskDispatch AuditEventType = "task_dispatch"
	AuditTaskComplete AuditEventType = "task_complete"
	AuditTaskFailed   AuditEventType = "task_failed"
	AuditTaskBlocked  AuditEventType = "task_blocked"

	// Loop detection
	AuditLoopDetected    AuditEventType = "loop_detected"
	AuditGuidanceIssued  AuditEventType = "guidance_issued"
	AuditEscalation      AuditEventType = "escalation"
	AuditEscalationReply AuditEventType = "escalation_reply"

	// Objectives
	AuditObjectiveSelected  AuditEventType = "objective_selected"
	AuditObjectiveCompleted AuditEventType = "objective_completed"
	AuditObjectiveBlocked   AuditEventType = "objective_blocked"

	// Issues
	AuditIssueOpened AuditEventType = "issue_opened"
	AuditIssueClosed AuditEventType = "issue_closed"

	// Persistence
	AuditStateSaved AuditEventType = "state_saved"
	AuditStateError AuditEventType = "state_error"
)

// AuditEvent represents a structured audit log entry.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`    // Unix milliseconds
	EventType  AuditEventType         `json:"event"` //
	RunID      string                 `json:"run,omitempty"`
	Phase      string                 `json:"phase,omitempty"`
	TaskID     string                 `json:"task,omitempty"`
	Objective  string                 `json:"objective,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger handles structured audit logging scoped to a run.
type AuditLogger struct {
	runID string
}

// InitAudit initializes the audit logging system
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithRun creates an audit logger scoped to a run
func AuditWithRun(runID string) *AuditLogger {
	return &AuditLogger{runID: runID}
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.RunID == "" && a.runID != "" {
		event.RunID = a.runID
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// LogTask is a shorthand for task lifecycle events.
func (a *AuditLogger) LogTask(eventType AuditEventType, phase, taskID string, success bool, msg string) {
	a.Log(AuditEvent{
		EventType: eventType,
		Phase:     phase,
		TaskID:    taskID,
		Success:   success,
		Message:   msg,
	})
}

// LogObjective is a shorthand for objective lifecycle events.
func (a *AuditLogger) LogObjective(eventType AuditEventType, objectiveID, msg string) {
	a.Log(AuditEvent{
		EventType: eventType,
		Objective: objectiveID,
		Success:   true,
		Message:   msg,
	})
}
