package store

import (
	"fmt"

	"overseer/internal/logging"
)

// Schema versions:
// v1: iterations table
const CurrentSchemaVersion = 1

// migrate brings the database up to the current schema version.
func (s *HistoryStore) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	row := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`)
	if err := row.Scan(&version); err != nil {
		// Fresh database
		version = 0
	}

	if version >= CurrentSchemaVersion {
		return nil
	}

	if version < 1 {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS iterations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL,
				iteration INTEGER NOT NULL,
				phase TEXT NOT NULL,
				task_id TEXT DEFAULT '',
				outcome TEXT NOT NULL,
				detail TEXT DEFAULT '',
				duration_ms INTEGER DEFAULT 0,
				created_at TEXT NOT NULL
			)`); err != nil {
			return fmt.Errorf("create iterations table: %w", err)
		}
		if _, err := s.db.Exec(`
			CREATE INDEX IF NOT EXISTS idx_iterations_run ON iterations(run_id, iteration)`); err != nil {
			return fmt.Errorf("create iterations index: %w", err)
		}
	}

	if _, err := s.db.Exec(`DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("clear schema version: %w", err)
	}
	if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	logging.Get(logging.CategoryStore).Info("History schema migrated %d -> %d", version, CurrentSchemaVersion)
	return nil
}
