// Package db provides the persistent local store for the offline engine.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the sql.DB with AgroPulse-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens the on-device SQLite database. The database is opened with:
// - WAL mode, so the foreground and the background proxy can read concurrently
// - foreign key constraints enabled
// - a single writer connection (SQLite does not support multiple writers)
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "agropulse.db")

	// modernc.org/sqlite: pure Go, no CGO
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// busy_timeout lets a write in one process wait out a short write from
	// the other instead of failing with SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &DB{db}, nil
}

// Migrate brings the schema up to date. Safe to run from every process that
// opens the store; applied versions are checksum-tracked and skipped.
func (db *DB) Migrate() error {
	m := NewMigrator(db.DB)
	if err := m.Initialize(); err != nil {
		return err
	}
	return m.Up()
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
