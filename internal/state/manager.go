package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"overseer/internal/logging"
)

// Manager persists RunState snapshots to a single JSON file. Writes go to
// a temp file in the same directory, are fsynced, then renamed over the
// target so readers never observe a partial snapshot.
type Manager struct {
	mu   sync.Mutex
	path string
}

// NewManager creates a state manager for the given file path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the state file location.
func (m *Manager) Path() string {
	return m.path
}

// Save writes the snapshot atomically. Only encoding failures carry
// ErrSerialization; filesystem failures surface as what they are, so
// callers can tell a bad snapshot from a bad disk.
func (m *Manager) Save(s *RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal run state: %v", ErrSerialization, err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}

	logging.StateDebug("Saved run state to %s (%d tasks, %d objectives)", m.path, len(s.Tasks), len(s.Objectives))
	return nil
}

// Load reads the snapshot from disk. A missing file is not an error;
// it returns (nil, nil) so the caller can start a fresh run.
func (m *Manager) Load() (*RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var s RunState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: parse run state: %v", ErrSerialization, err)
	}

	// Maps may be nil after decoding an older snapshot.
	if s.Tasks == nil {
		s.Tasks = make(map[string]*Task)
	}
	if s.Objectives == nil {
		s.Objectives = make(map[string]*Objective)
	}
	if s.Issues == nil {
		s.Issues = make(map[string]*Issue)
	}
	if s.FailureCounts == nil {
		s.FailureCounts = make(map[string]int)
	}
	if s.InterventionCounts == nil {
		s.InterventionCounts = make(map[string]int)
	}
	if s.Escalations == nil {
		s.Escalations = make(map[string]*Escalation)
	}

	logging.State("Loaded run state from %s (run %s, iteration %d)", m.path, s.RunID, s.Iteration)
	return &s, nil
}
