// Package tracker records every executor action taken during a run.
// Actions are held in a bounded in-memory buffer for loop detection and
// appended to a JSON-lines file for post-run forensics. The log from a
// previous run is archived, never replayed: detection windows must only
// see the current run.
package tracker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"overseer/internal/logging"
	"overseer/internal/state"
)

// Action is a single executor step, immutable once recorded.
type Action struct {
	Timestamp   time.Time `json:"timestamp"`
	Phase       string    `json:"phase"`
	Agent       string    `json:"agent,omitempty"`
	Tool        string    `json:"tool"`
	Args        string    `json:"args,omitempty"`
	Result      string    `json:"result,omitempty"`
	Target      string    `json:"target,omitempty"` // file or artifact acted on
	Success     bool      `json:"success"`
	Refs        []string  `json:"refs,omitempty"`         // resources this action depends on
	StateDigest string    `json:"state_digest,omitempty"` // hash of observable state after the action
}

const sigArgsLimit = 60

// Signature identifies what the action attempted, ignoring outcome.
// Two actions with the same signature are the same try.
func (a Action) Signature() string {
	args := a.Args
	if len(args) > sigArgsLimit {
		args = args[:sigArgsLimit]
	}
	return fmt.Sprintf("%s|%s|%s", a.Tool, a.Target, args)
}

// ContentHash fingerprints the action's result for conversation loop checks.
func (a Action) ContentHash() string {
	sum := sha256.Sum256([]byte(a.Result))
	return hex.EncodeToString(sum[:8])
}

// IsModification reports whether the action mutated its target.
func (a Action) IsModification() bool {
	switch a.Tool {
	case "write", "edit", "patch", "delete", "create", "append":
		return a.Target != ""
	}
	return false
}

// DefaultBufferSize bounds the in-memory action window.
const DefaultBufferSize = 1000

// Tracker is the append-only action recorder.
type Tracker struct {
	mu      sync.Mutex
	actions []Action
	maxSize int
	logPath string
	file    *os.File
}

// New creates a tracker writing to logPath. An existing log file is
// renamed with a timestamp suffix before the new log is opened.
func New(logPath string, bufferSize int) (*Tracker, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create action log directory: %w", err)
	}

	if _, err := os.Stat(logPath); err == nil {
		archived := fmt.Sprintf("%s.%s", logPath, time.Now().UTC().Format("20060102T150405Z"))
		if err := os.Rename(logPath, archived); err != nil {
			return nil, fmt.Errorf("archive previous action log: %w", err)
		}
		logging.Tracker("Archived previous action log to %s", filepath.Base(archived))
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open action log: %w", err)
	}

	return &Tracker{
		actions: make([]Action, 0, bufferSize),
		maxSize: bufferSize,
		logPath: logPath,
		file:    file,
	}, nil
}

// Record appends an action to the buffer and the log file.
// Actions without a tool name are rejected.
func (t *Tracker) Record(a Action) error {
	if a.Tool == "" {
		return fmt.Errorf("%w: action has no tool", state.ErrValidation)
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.actions = append(t.actions, a)
	if len(t.actions) > t.maxSize {
		t.actions = t.actions[len(t.actions)-t.maxSize:]
	}

	if t.file != nil {
		line, err := json.Marshal(a)
		if err != nil {
			logging.Get(logging.CategoryTracker).Warn("Could not encode action: %v", err)
			return nil
		}
		if _, err := t.file.Write(append(line, '\n')); err != nil {
			logging.Get(logging.CategoryTracker).Warn("Could not append action to log: %v", err)
		}
	}

	logging.TrackerDebug("Recorded action %s (phase=%s success=%v)", a.Signature(), a.Phase, a.Success)
	return nil
}

// Recent returns up to n most recent actions in insertion order.
// When phase is non-empty, only actions from that phase are returned.
func (t *Tracker) Recent(n int, phase string) []Action {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pool []Action
	if phase == "" {
		pool = t.actions
	} else {
		for _, a := range t.actions {
			if a.Phase == phase {
				pool = append(pool, a)
			}
		}
	}

	if n <= 0 || n > len(pool) {
		n = len(pool)
	}
	out := make([]Action, n)
	copy(out, pool[len(pool)-n:])
	return out
}

// Window returns actions recorded within the duration ending now, up to
// maxActions, in insertion order. This is the detector snapshot.
func (t *Tracker) Window(maxActions int, within time.Duration) []Action {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-within)
	var pool []Action
	for _, a := range t.actions {
		if within <= 0 || a.Timestamp.After(cutoff) {
			pool = append(pool, a)
		}
	}
	if maxActions > 0 && len(pool) > maxActions {
		pool = pool[len(pool)-maxActions:]
	}
	out := make([]Action, len(pool))
	copy(out, pool)
	return out
}

// Len returns the number of buffered actions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.actions)
}

// Close releases the log file handle.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}
