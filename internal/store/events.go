package store

import (
	"fmt"
	"time"
)

// EventRecord is one journaled change event.
type EventRecord struct {
	ID         int64
	Directory  string
	Kind       int
	Path       string
	Name       string
	OldPath    string
	OldName    string
	Hash       []byte
	Size       int64
	ReceivedAt time.Time
}

// Append adds an event to the journal and returns its id.
func (s *Store) Append(rec EventRecord) (int64, error) {
	received := rec.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	result, err := s.db.Exec(
		`INSERT INTO events (directory, kind, path, name, old_path, old_name, hash, size, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Directory, rec.Kind, rec.Path, rec.Name, rec.OldPath, rec.OldName, rec.Hash, rec.Size,
		received.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return result.LastInsertId()
}

// Count returns the number of journaled events.
func (s *Store) Count() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&count)
	return count, err
}

// Recent returns up to limit events, newest first. An empty directory
// matches every directory.
func (s *Store) Recent(directory string, limit int) ([]EventRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, directory, kind, path, name, old_path, old_name, hash, size, received_at
		 FROM events WHERE (? = '' OR directory = ?) ORDER BY id DESC LIMIT ?`,
		directory, directory, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var rec EventRecord
		var receivedStr string
		if err := rows.Scan(&rec.ID, &rec.Directory, &rec.Kind, &rec.Path, &rec.Name,
			&rec.OldPath, &rec.OldName, &rec.Hash, &rec.Size, &receivedStr); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		rec.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedStr)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PurgeOld removes events older than the given duration.
func (s *Store) PurgeOld(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UTC().Format(time.RFC3339Nano)
	result, err := s.db.Exec("DELETE FROM events WHERE received_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Compact removes older entries for the same path and kind, keeping only the latest.
func (s *Store) Compact() (int64, error) {
	result, err := s.db.Exec(`
		DELETE FROM events WHERE id NOT IN (
			SELECT MAX(id) FROM events GROUP BY path, kind
		)
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
