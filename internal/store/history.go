// Package store archives per-iteration run history in SQLite for post-run
// analysis. The archive is advisory: write failures are logged and the run
// continues, only the opening of the database is allowed to fail hard.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"overseer/internal/logging"
)

// IterationRecord is one row of run history.
type IterationRecord struct {
	RunID     string
	Iteration int
	Phase     string
	TaskID    string
	Outcome   string // completed, failed, blocked, skipped, idle
	Detail    string
	Duration  time.Duration
	Timestamp time.Time
}

// PhaseStats aggregates outcomes for one phase of a run.
type PhaseStats struct {
	Phase       string
	Iterations  int
	Failures    int
	AvgDuration time.Duration
}

// HistoryStore is the SQLite-backed iteration archive.
type HistoryStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// NewHistoryStore opens (or creates) the history database at path.
func NewHistoryStore(path string) (*HistoryStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewHistoryStore")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Get(logging.CategoryStore).Debug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Get(logging.CategoryStore).Debug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.Get(logging.CategoryStore).Debug("Failed to set sqlite synchronous: %v", err)
	}

	s := &HistoryStore{db: db, dbPath: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Get(logging.CategoryStore).Info("History store ready at %s", path)
	return s, nil
}

// Append records one iteration. Failures are logged, never fatal.
func (s *HistoryStore) Append(rec IterationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO iterations (run_id, iteration, phase, task_id, outcome, detail, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Iteration, rec.Phase, rec.TaskID, rec.Outcome, rec.Detail,
		rec.Duration.Milliseconds(), rec.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("Could not archive iteration %d: %v", rec.Iteration, err)
	}
}

// RunHistory returns all iterations of a run in order.
func (s *HistoryStore) RunHistory(runID string) ([]IterationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT run_id, iteration, phase, task_id, outcome, detail, duration_ms, created_at
		FROM iterations WHERE run_id = ? ORDER BY iteration`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run history: %w", err)
	}
	defer rows.Close()

	var out []IterationRecord
	for rows.Next() {
		var rec IterationRecord
		var durMs int64
		var ts string
		if err := rows.Scan(&rec.RunID, &rec.Iteration, &rec.Phase, &rec.TaskID,
			&rec.Outcome, &rec.Detail, &durMs, &ts); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		rec.Duration = time.Duration(durMs) * time.Millisecond
		rec.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats aggregates per-phase outcomes for a run.
func (s *HistoryStore) Stats(runID string) ([]PhaseStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT phase,
		       COUNT(*) AS n,
		       SUM(CASE WHEN outcome = 'failed' THEN 1 ELSE 0 END) AS failures,
		       AVG(duration_ms) AS avg_ms
		FROM iterations WHERE run_id = ?
		GROUP BY phase ORDER BY phase`, runID)
	if err != nil {
		return nil, fmt.Errorf("query phase stats: %w", err)
	}
	defer rows.Close()

	var out []PhaseStats
	for rows.Next() {
		var st PhaseStats
		var avgMs float64
		if err := rows.Scan(&st.Phase, &st.Iterations, &st.Failures, &avgMs); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		st.AvgDuration = time.Duration(avgMs) * time.Millisecond
		out = append(out, st)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *HistoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
