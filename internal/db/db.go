// Package db provides the SQLite connection and schema used by roomd.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// Open opens the database and initializes the schema
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

func initSchema(db *sql.DB) error {
	// Human device names, persisted so a restart does not refetch every name.
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS name_cache (
			device_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_name_cache_expires ON name_cache(expires_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create name_cache table: %w", err)
	}

	// Accepted device commands, kept for auditing.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS command_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			outcome TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_command_log_device_ts ON command_log(device_id, timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to create command_log table: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
