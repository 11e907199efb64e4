// Package journal records change events received from the daemon.
package journal

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/orenleto/WS.Experiments/internal/store"
	"github.com/orenleto/WS.Experiments/internal/watcher"
)

// lastEventKey is the meta key holding the time of the latest journaled event.
const lastEventKey = "last_event_at"

// Recorder appends events to a store, fingerprinting file contents so that
// changes which leave the content untouched are skipped.
type Recorder struct {
	store  *store.Store
	logger *log.Logger
}

// NewRecorder creates a recorder writing to s.
func NewRecorder(s *store.Store, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Recorder{store: s, logger: logger}
}

// Record journals event observed below dir. It reports false when the
// event was skipped because the file content did not change.
func (r *Recorder) Record(dir string, event watcher.Event) (bool, error) {
	rec := store.EventRecord{
		Directory: dir,
		Kind:      int(event.Kind),
		Path:      event.FullPath,
		Name:      event.Name,
		OldPath:   event.OldFullPath,
		OldName:   event.OldName,
	}

	switch event.Kind {
	case watcher.Deleted:
		if err := r.store.ForgetFile(event.FullPath); err != nil {
			return false, fmt.Errorf("forget %s: %w", event.FullPath, err)
		}

	case watcher.Created, watcher.Changed, watcher.Renamed:
		if event.Kind == watcher.Renamed && event.OldFullPath != "" {
			if err := r.store.ForgetFile(event.OldFullPath); err != nil {
				return false, fmt.Errorf("forget %s: %w", event.OldFullPath, err)
			}
		}

		hash, size, ok := r.fingerprint(event.FullPath)
		if ok {
			previous, err := r.store.FileHash(event.FullPath)
			if err != nil {
				return false, fmt.Errorf("lookup %s: %w", event.FullPath, err)
			}
			if event.Kind == watcher.Changed && SameFingerprint(previous, hash) {
				return false, nil
			}
			if err := r.store.RecordFile(event.FullPath, hash, size); err != nil {
				return false, fmt.Errorf("record %s: %w", event.FullPath, err)
			}
			rec.Hash = hash
			rec.Size = size
			r.logger.Printf("%s: %s (blake3:%x, %d bytes)", event.Kind, event.FullPath, hash[:8], size)
		}
	}

	rec.ReceivedAt = time.Now().UTC()
	if _, err := r.store.Append(rec); err != nil {
		return false, err
	}
	if err := r.store.SetMeta(lastEventKey, rec.ReceivedAt.Format(time.RFC3339Nano)); err != nil {
		return true, fmt.Errorf("update %s: %w", lastEventKey, err)
	}
	return true, nil
}

// LastEvent returns when the latest event was journaled. ok is false for an
// empty journal.
func LastEvent(s *store.Store) (at time.Time, ok bool, err error) {
	value, err := s.GetMeta(lastEventKey)
	if err != nil || value == "" {
		return time.Time{}, false, err
	}
	at, err = time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse %s: %w", lastEventKey, err)
	}
	return at, true, nil
}

// fingerprint hashes regular files; directories and vanished paths are not hashed.
func (r *Recorder) fingerprint(path string) ([]byte, int64, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, 0, false
	}
	hash, size, err := FingerprintFile(path)
	if err != nil {
		r.logger.Printf("hash %s: %v", path, err)
		return nil, 0, false
	}
	return hash, size, true
}
