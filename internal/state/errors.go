package state

import "errors"

// Sentinel errors for the recovery taxonomy. Callers wrap these with
// fmt.Errorf("...: %w", err) and branch with errors.Is.
var (
	// ErrValidation marks a record that failed a schema or content check.
	// The record is skipped; the run continues.
	ErrValidation = errors.New("validation failed")

	// ErrDependencyUnmet marks an objective whose prerequisites are not
	// satisfied. The objective is blocked, not retried.
	ErrDependencyUnmet = errors.New("dependency unmet")

	// ErrRetryLimit marks a task that exhausted its allowed attempts.
	ErrRetryLimit = errors.New("retry limit exceeded")

	// ErrLoopDetected marks a dispatch refused because of loop intervention.
	ErrLoopDetected = errors.New("loop detected")

	// ErrTimeout marks an executor dispatch that exceeded its deadline.
	// Counts as a failed attempt.
	ErrTimeout = errors.New("dispatch timed out")

	// ErrSerialization marks a snapshot that could not be encoded or
	// written. The previous snapshot on disk stays authoritative.
	ErrSerialization = errors.New("serialization failed")
)
