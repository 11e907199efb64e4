// Package store persists received change events in a local SQLite database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store manages the local event journal database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			directory TEXT NOT NULL,
			kind INTEGER NOT NULL,
			path TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			old_path TEXT NOT NULL DEFAULT '',
			old_name TEXT NOT NULL DEFAULT '',
			hash BLOB,
			size INTEGER NOT NULL DEFAULT 0,
			received_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			path TEXT PRIMARY KEY,
			hash BLOB NOT NULL,
			size INTEGER NOT NULL,
			seen_at TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_received ON events(received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_path ON events(path)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// SetMeta stores a key-value pair.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a value by key.
func (s *Store) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// RecordFile stores the latest fingerprint of a file and bumps its version.
func (s *Store) RecordFile(path string, hash []byte, size int64) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO files (path, hash, size, seen_at, version)
		 VALUES (?, ?, ?, ?, COALESCE((SELECT version FROM files WHERE path = ?), 0) + 1)`,
		path, hash, size, time.Now().UTC().Format(time.RFC3339Nano), path,
	)
	return err
}

// ForgetFile drops the fingerprint of a deleted or renamed file.
func (s *Store) ForgetFile(path string) error {
	_, err := s.db.Exec("DELETE FROM files WHERE path = ?", path)
	return err
}

// FileHash returns the last known hash for a file path, or nil.
func (s *Store) FileHash(path string) ([]byte, error) {
	var hash []byte
	err := s.db.QueryRow("SELECT hash FROM files WHERE path = ?", path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return hash, err
}

// FileVersion returns how many distinct contents were recorded for path.
func (s *Store) FileVersion(path string) (int, error) {
	var version int
	err := s.db.QueryRow("SELECT version FROM files WHERE path = ?", path).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return version, err
}
