package watcher

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/orenleto/WS.Experiments/internal/metrics"
)

// renamePairWindow is how long a bare rename waits for the create of its new name.
const renamePairWindow = 50 * time.Millisecond

// Source produces raw events for one directory tree.
type Source interface {
	// Start begins watching dir recursively and returns once the watch is
	// able to observe changes. Events are passed to emit from a single
	// goroutine owned by the source.
	Start(dir string, emit func(Event)) error
	// Close stops the watch and waits for the event goroutine to exit.
	Close() error
}

// SourceFactory creates a fresh Source for every watch start.
type SourceFactory func(logger *log.Logger) Source

// NewFSNotifySource returns a Source backed by fsnotify. Subdirectories are
// watched individually, including directories created after Start.
func NewFSNotifySource(logger *log.Logger) Source {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &fsnotifySource{
		logger:  logger,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

type fsnotifySource struct {
	logger  *log.Logger
	dir     string
	watcher *fsnotify.Watcher
	emit    func(Event)

	done      chan struct{}
	stopped   chan struct{}
	started   bool
	closeOnce sync.Once
}

func (s *fsnotifySource) Start(dir string, emit func(Event)) error {
	if s.started {
		return errors.New("source already started")
	}

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := addRecursive(w, dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	s.dir = dir
	s.watcher = w
	s.emit = emit
	s.started = true

	ready := make(chan struct{})
	go s.run(ready)
	<-ready

	s.logger.Printf("watching %s", dir)
	return nil
}

func (s *fsnotifySource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.watcher == nil {
			close(s.stopped)
			return
		}
		err = s.watcher.Close()
		<-s.stopped
	})
	return err
}

func (s *fsnotifySource) run(ready chan<- struct{}) {
	defer close(s.stopped)

	var held *fsnotify.Event
	pairTimer := time.NewTimer(renamePairWindow)
	pairTimer.Stop()
	defer pairTimer.Stop()

	close(ready)

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}

			if held != nil {
				pairTimer.Stop()
				old := *held
				held = nil
				if event.Has(fsnotify.Create) {
					s.send(Event{
						Kind:        Renamed,
						FullPath:    event.Name,
						Name:        s.relative(event.Name),
						OldFullPath: old.Name,
						OldName:     s.relative(old.Name),
					})
					s.watchIfDir(event.Name)
					continue
				}
				s.send(s.convert(old.Name, Deleted))
			}

			if event.Has(fsnotify.Rename) && !event.Has(fsnotify.Create) {
				held = &event
				pairTimer.Reset(renamePairWindow)
				continue
			}

			kind, ok := kindOf(event.Op)
			if !ok {
				continue
			}
			s.send(s.convert(event.Name, kind))
			if kind == Created {
				s.watchIfDir(event.Name)
			}

		case <-pairTimer.C:
			if held != nil {
				s.send(s.convert(held.Name, Deleted))
				held = nil
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			metrics.WatcherErrors.Inc()
			s.logger.Printf("error on %s: %v", s.dir, err)
		}
	}
}

func (s *fsnotifySource) send(event Event) {
	if event.Name == "." || event.Name == "" {
		return
	}
	metrics.EventsObserved.WithLabelValues(event.Kind.String()).Inc()
	s.emit(event)
}

func (s *fsnotifySource) convert(path string, kind ChangeKind) Event {
	return Event{
		Kind:     kind,
		FullPath: path,
		Name:     s.relative(path),
	}
}

func (s *fsnotifySource) relative(path string) string {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil {
		return filepath.Base(path)
	}
	return rel
}

// watchIfDir extends the recursive watch to a directory that appeared below the root.
func (s *fsnotifySource) watchIfDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := addRecursive(s.watcher, path); err != nil {
		s.logger.Printf("watch new directory %s: %v", path, err)
	}
}

func kindOf(op fsnotify.Op) (ChangeKind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return Created, true
	case op.Has(fsnotify.Remove):
		return Deleted, true
	case op.Has(fsnotify.Write), op.Has(fsnotify.Chmod):
		return Changed, true
	default:
		return 0, false
	}
}

func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil // skip inaccessible
		}
		if info.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
