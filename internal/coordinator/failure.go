package coordinator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"overseer/internal/logging"
	"overseer/internal/state"
)

// handleTaskFailure records a failed attempt and applies retry policy.
// Below the attempt bound the task goes back to its queue with backoff;
// at the bound it is blocked and a high severity issue is opened.
func (c *Coordinator) handleTaskFailure(st *state.RunState, p Phase, task *state.Task, execErr error) {
	logging.Get(logging.CategoryCoordinator).Warn("Handling task failure: %s - %v", task.ID, execErr)

	errorType := classifyTaskError(execErr)
	task.RecordAttempt(false, execErr.Error())
	st.FailureCounts[string(p)+"|"+task.ID]++

	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.cfg.Retry.MaxAttempts
	}

	if task.AttemptCount() >= maxAttempts {
		blockErr := fmt.Errorf("%w: %d attempts on task %s", state.ErrRetryLimit, maxAttempts, task.ID)
		logging.Get(logging.CategoryCoordinator).Error("Blocking task: %v", blockErr)
		task.Status = state.TaskBlocked
		task.NextRetryAt = ""
		task.UpdatedAt = state.Now()

		c.openIssue(st, state.NewIssue(
			fmt.Sprintf("task %s exhausted retries: %s", task.ID, truncate(execErr.Error(), 120)),
			state.SeverityHigh, task.ID, task.ObjectiveID,
		))
		c.audit.LogTask(logging.AuditTaskBlocked, string(p), task.ID, false, blockErr.Error())
		return
	}

	// Back off before the next try to avoid tight failure loops.
	backoff := c.computeRetryBackoff(errorType, task.AttemptCount())
	task.NextRetryAt = time.Now().Add(backoff).UTC().Format(time.RFC3339)
	task.Status = requeueStatus(p)
	task.UpdatedAt = state.Now()
	logging.CoordinatorDebug("Task %s attempt %d failed (%s), retry after %v", task.ID, task.AttemptCount(), errorType, backoff)
}

// requeueStatus returns the queue a failed task goes back to. A QA
// failure means the work did not pass, so the task needs fixes rather
// than another review.
func requeueStatus(p Phase) state.TaskStatus {
	switch p {
	case PhaseQA, PhaseDebugging:
		return state.TaskNeedsFixes
	default:
		return state.TaskPending
	}
}

// classifyTaskError buckets errors into retry taxonomies.
func classifyTaskError(err error) string {
	if err == nil {
		return "logic"
	}
	if errors.Is(err, state.ErrTimeout) {
		return "transient"
	}
	msg := strings.ToLower(err.Error())
	transientHints := []string{
		"timeout",
		"context deadline",
		"rate limit",
		"too many requests",
		"temporar",
		"connection",
		"unavailable",
		"network",
		"i/o",
	}
	for _, h := range transientHints {
		if strings.Contains(msg, h) {
			return "transient"
		}
	}
	return "logic"
}

// computeRetryBackoff returns exponential backoff based on attempt number.
func (c *Coordinator) computeRetryBackoff(errorType string, attemptNum int) time.Duration {
	base := c.cfg.Retry.GetBackoffBase()
	maxBackoff := c.cfg.Retry.GetBackoffMax()

	shift := attemptNum - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 10 {
		shift = 10
	}
	backoff := base * time.Duration(1<<shift)

	// Logic errors rarely heal with waiting; cap their backoff lower.
	if errorType == "logic" && backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// openIssue registers an issue and links it to its objective.
func (c *Coordinator) openIssue(st *state.RunState, iss *state.Issue) {
	st.Issues[iss.ID] = iss
	if obj, ok := st.Objectives[iss.ObjectiveID]; ok {
		obj.OpenIssueIDs = append(obj.OpenIssueIDs, iss.ID)
		if iss.Severity == state.SeverityCritical {
			obj.CriticalIssueIDs = append(obj.CriticalIssueIDs, iss.ID)
		}
	}
	logging.Coordinator("Opened %s issue %s: %s", iss.Severity, iss.ID, iss.Title)
	c.audit.Log(logging.AuditEvent{
		EventType: logging.AuditIssueOpened,
		TaskID:    iss.TaskID,
		Objective: iss.ObjectiveID,
		Message:   iss.Title,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// newID returns a short unique identifier with a type prefix.
func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}
