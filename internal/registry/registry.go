// Package registry maps client sessions to directory watchers.
//
// Every watched directory has at most one live watcher; sessions subscribe to
// it by adding a callback. Watchers whose last subscriber leaves stop
// themselves and are dropped from the registry, so the next subscriber to
// that directory gets a fresh one.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/orenleto/WS.Experiments/internal/metrics"
	"github.com/orenleto/WS.Experiments/internal/watcher"
)

// ErrRegistryClosed is returned by Subscribe after Close.
var ErrRegistryClosed = errors.New("registry closed")

// Session is a client that receives events for the directories it subscribed to.
type Session interface {
	ID() string
	Send(event watcher.Event)
}

// Watcher is the subset of watcher.DirectoryWatcher the registry depends on.
type Watcher interface {
	Directory() string
	AddCallback(cb *watcher.Callback) error
	RemoveCallback(cb *watcher.Callback) error
	Subscribers() int
	Close() error
}

// WatcherFactory creates watchers. onTerminate must be called once when the
// watcher stops on its own.
type WatcherFactory interface {
	NewWatcher(ctx context.Context, dir string, onTerminate func()) Watcher
}

// DirectoryWatcherFactory creates fsnotify-backed watchers.
type DirectoryWatcherFactory struct {
	Window    time.Duration
	Logger    *log.Logger
	NewSource watcher.SourceFactory
}

func (f DirectoryWatcherFactory) NewWatcher(ctx context.Context, dir string, onTerminate func()) Watcher {
	return watcher.New(ctx, dir, watcher.Options{
		Window:      f.Window,
		Logger:      f.Logger,
		NewSource:   f.NewSource,
		OnTerminate: func(*watcher.DirectoryWatcher) { onTerminate() },
	})
}

// Options configures a Registry.
type Options struct {
	// Factory creates watchers; a DirectoryWatcherFactory when nil.
	Factory WatcherFactory
	Logger  *log.Logger
	// Window is the dedup window handed to the default factory.
	Window time.Duration
}

type entry struct {
	dir     string
	watcher Watcher
	// edges counts recorded subscriptions. An entry is visible in byDir
	// exactly while edges > 0.
	edges   int
	retired bool
}

type subscription struct {
	entry    *entry
	callback *watcher.Callback
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Registry is the subscription manager.
type Registry struct {
	ctx     context.Context
	cancel  context.CancelFunc
	factory WatcherFactory
	logger  *log.Logger

	mu        sync.Mutex
	closed    bool
	byDir     map[string]*entry
	bySession map[string]map[string]*subscription
	// pending holds watchers being started for their first subscriber, so
	// concurrent first subscriptions share one watcher without exposing it.
	pending map[string]*entry

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

// New creates a registry. Watchers it creates stop when ctx ends.
func New(ctx context.Context, options Options) *Registry {
	logger := options.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	factory := options.Factory
	if factory == nil {
		factory = DirectoryWatcherFactory{Window: options.Window, Logger: logger}
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Registry{
		ctx:       ctx,
		cancel:    cancel,
		factory:   factory,
		logger:    logger,
		byDir:     make(map[string]*entry),
		bySession: make(map[string]map[string]*subscription),
		pending:   make(map[string]*entry),
		locks:     make(map[string]*sessionLock),
	}
}

// Normalize returns the absolute, cleaned form of dir used as the registry key.
func Normalize(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	return filepath.Clean(abs), nil
}

// Subscribe registers session for events below dir, starting a watcher if
// none is running. Subscribing twice to the same directory is a no-op. When
// the watch cannot be started nothing is recorded and the error is returned.
func (r *Registry) Subscribe(session Session, dir string) error {
	dir, err := Normalize(dir)
	if err != nil {
		return err
	}

	id := session.ID()
	unlock := r.lockSession(id)
	defer unlock()

	callback := watcher.NewCallback(session.Send)
	for {
		e, existing, err := r.acquire(id, dir)
		if err != nil {
			return err
		}
		if existing {
			return nil
		}

		err = e.watcher.AddCallback(callback)
		if errors.Is(err, watcher.ErrWatcherStopped) {
			// Drained between lookup and add; try again with a fresh watcher.
			r.retire(e)
			continue
		}
		if err != nil {
			r.retire(e)
			return err
		}

		err = r.record(id, dir, e, callback)
		if errors.Is(err, watcher.ErrWatcherStopped) {
			// Its last edge went while the callback was being added.
			_ = e.watcher.RemoveCallback(callback)
			continue
		}
		if err != nil {
			_ = e.watcher.RemoveCallback(callback)
			return err
		}
		r.logger.Printf("session %s subscribed to %s", id, dir)
		return nil
	}
}

// acquire returns the live entry for dir, creating it when needed. existing
// is true when the session already holds a subscription to it.
func (r *Registry) acquire(id, dir string) (*entry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.ctx.Err() != nil {
		return nil, false, ErrRegistryClosed
	}
	if sub, ok := r.bySession[id][dir]; ok {
		return sub.entry, true, nil
	}

	if e := r.byDir[dir]; e != nil && !e.retired {
		return e, false, nil
	}
	if e := r.pending[dir]; e != nil && !e.retired {
		return e, false, nil
	}
	e := &entry{dir: dir}
	e.watcher = r.factory.NewWatcher(r.ctx, dir, func() { r.retire(e) })
	r.pending[dir] = e
	return e, false, nil
}

func (r *Registry) record(id, dir string, e *entry, callback *watcher.Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if e.retired {
		return watcher.ErrWatcherStopped
	}
	subs := r.bySession[id]
	if subs == nil {
		subs = make(map[string]*subscription)
		r.bySession[id] = subs
	}
	subs[dir] = &subscription{entry: e, callback: callback}
	e.edges++
	if r.pending[dir] == e {
		delete(r.pending, dir)
	}
	r.byDir[dir] = e
	metrics.Subscriptions.Inc()
	return nil
}

// retire removes e from the directory index. Edges still pointing at it are
// dropped because their callbacks were cleared with the watcher.
func (r *Registry) retire(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.retired {
		return
	}
	r.retireLocked(e)
	for id, subs := range r.bySession {
		if sub, ok := subs[e.dir]; ok && sub.entry == e {
			r.dropEdgeLocked(id, e.dir)
		}
	}
}

func (r *Registry) retireLocked(e *entry) {
	e.retired = true
	if r.byDir[e.dir] == e {
		delete(r.byDir, e.dir)
	}
	if r.pending[e.dir] == e {
		delete(r.pending, e.dir)
	}
	r.logger.Printf("watcher for %s released", e.dir)
}

// dropEdgeLocked removes one edge and retires its watcher with the last one.
func (r *Registry) dropEdgeLocked(id, dir string) {
	subs := r.bySession[id]
	sub, ok := subs[dir]
	if !ok {
		return
	}
	delete(subs, dir)
	metrics.Subscriptions.Dec()
	if len(subs) == 0 {
		delete(r.bySession, id)
	}
	sub.entry.edges--
	if sub.entry.edges == 0 && !sub.entry.retired {
		r.retireLocked(sub.entry)
	}
}

// UnsubscribeAll removes every subscription held by session. Watchers left
// without subscribers leave the registry in the same step and then stop.
func (r *Registry) UnsubscribeAll(session Session) {
	id := session.ID()
	unlock := r.lockSession(id)
	defer unlock()

	r.mu.Lock()
	subs := maps.Clone(r.bySession[id])
	for dir := range subs {
		r.dropEdgeLocked(id, dir)
	}
	r.mu.Unlock()

	for dir, sub := range subs {
		err := sub.entry.watcher.RemoveCallback(sub.callback)
		if err != nil && !errors.Is(err, watcher.ErrCallbackNotFound) {
			r.logger.Printf("unsubscribe %s from %s: %v", id, dir, err)
		}
	}
	if len(subs) > 0 {
		r.logger.Printf("session %s unsubscribed from %d directories", id, len(subs))
	}
}

// Snapshot is a consistent copy of both registry indexes.
type Snapshot struct {
	// Watchers maps each watched directory to its subscriber count.
	Watchers map[string]int
	// Sessions maps each session id to its sorted subscribed directories.
	Sessions map[string][]string
}

// Subscriptions returns the number of session to directory edges.
func (s Snapshot) Subscriptions() int {
	n := 0
	for _, dirs := range s.Sessions {
		n += len(dirs)
	}
	return n
}

// Snapshot copies the registry indexes under a single lock.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Watchers: make(map[string]int, len(r.byDir)),
		Sessions: make(map[string][]string, len(r.bySession)),
	}
	for dir, e := range r.byDir {
		snap.Watchers[dir] = e.edges
	}
	for id, subs := range r.bySession {
		dirs := make([]string, 0, len(subs))
		for dir := range subs {
			dirs = append(dirs, dir)
		}
		slices.Sort(dirs)
		snap.Sessions[id] = dirs
	}
	return snap
}

// Directories returns the sorted list of watched directories.
func (r *Registry) Directories() []string {
	r.mu.Lock()
	dirs := make([]string, 0, len(r.byDir))
	for dir := range r.byDir {
		dirs = append(dirs, dir)
	}
	r.mu.Unlock()
	slices.Sort(dirs)
	return dirs
}

// Close disposes every watcher and clears both indexes.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.byDir)+len(r.pending))
	for _, e := range r.byDir {
		e.retired = true
		entries = append(entries, e)
	}
	for _, e := range r.pending {
		e.retired = true
		entries = append(entries, e)
	}
	edges := 0
	for _, subs := range r.bySession {
		edges += len(subs)
	}
	metrics.Subscriptions.Sub(float64(edges))
	r.byDir = make(map[string]*entry)
	r.bySession = make(map[string]map[string]*subscription)
	r.pending = make(map[string]*entry)
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close watcher for %s: %w", e.dir, err))
		}
	}
	r.cancel()
	return errors.Join(errs...)
}

func (r *Registry) lockSession(id string) func() {
	r.locksMu.Lock()
	lock := r.locks[id]
	if lock == nil {
		lock = &sessionLock{}
		r.locks[id] = lock
	}
	lock.refs++
	r.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		r.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(r.locks, id)
		}
		r.locksMu.Unlock()
	}
}
