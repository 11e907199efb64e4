package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orenleto/WS.Experiments/internal/metrics"
)

var (
	// ErrWatcherStopped is returned when adding a callback to a watcher that
	// already ran down to zero subscribers, failed to start, or was closed.
	ErrWatcherStopped = errors.New("watcher stopped")
	// ErrCallbackNotFound is returned when removing a callback that is not registered.
	ErrCallbackNotFound = errors.New("callback not registered")
)

// State is the lifecycle state of a DirectoryWatcher.
type State int32

const (
	// StateIdle means no OS watch and no subscribers yet.
	StateIdle State = iota
	// StateStarting means the OS watch is being established.
	StateStarting
	// StateRunning means the OS watch is active with at least one subscriber.
	StateRunning
	// StateStopped means the watcher ran down and will not start again.
	StateStopped
	// StateDisposed means the owner closed the watcher.
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Callback is a subscriber handle. Removal matches the pointer returned by
// NewCallback, not the function it wraps.
type Callback struct {
	fn func(Event)
}

// NewCallback wraps fn into a handle that can be added to and removed from a watcher.
func NewCallback(fn func(Event)) *Callback {
	return &Callback{fn: fn}
}

// Options controls DirectoryWatcher behavior.
type Options struct {
	// Window is the dedup window; DefaultWindow when zero.
	Window time.Duration
	Logger *log.Logger
	// NewSource creates the OS watch; NewFSNotifySource when nil.
	NewSource SourceFactory
	// OnTerminate is invoked once when the watcher stops on its own: the last
	// callback was removed, the start failed, or the parent context ended.
	OnTerminate func(*DirectoryWatcher)
}

// DirectoryWatcher owns one recursive OS watch and fans its deduplicated
// events out to every registered callback, in registration order.
type DirectoryWatcher struct {
	dir         string
	window      time.Duration
	logger      *log.Logger
	newSource   SourceFactory
	onTerminate func(*DirectoryWatcher)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	status    atomic.Uint64 // state in the high word, subscriber count in the low word
	callbacks atomic.Pointer[[]*Callback]
	source    Source
	dedup     *Deduplicator

	terminateOnce sync.Once
}

// New creates an idle watcher for dir. The watch starts with the first
// callback and stops when ctx ends or the last callback is removed.
func New(ctx context.Context, dir string, options Options) *DirectoryWatcher {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := options.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	newSource := options.NewSource
	if newSource == nil {
		newSource = NewFSNotifySource
	}
	window := options.Window
	if window <= 0 {
		window = DefaultWindow
	}

	derived, cancel := context.WithCancel(ctx)
	w := &DirectoryWatcher{
		dir:         dir,
		window:      window,
		logger:      logger,
		newSource:   newSource,
		onTerminate: options.OnTerminate,
		ctx:         derived,
		cancel:      cancel,
	}
	w.callbacks.Store(&[]*Callback{})
	context.AfterFunc(derived, w.handleCancel)
	return w
}

// Directory returns the watched directory.
func (w *DirectoryWatcher) Directory() string {
	return w.dir
}

// Subscribers returns the number of registered callbacks.
func (w *DirectoryWatcher) Subscribers() int {
	_, count := w.Status()
	return count
}

// State returns the current lifecycle state.
func (w *DirectoryWatcher) State() State {
	state, _ := w.Status()
	return state
}

// Status returns the state and subscriber count from a single read. A
// running watcher always has at least one subscriber and every other state
// has none.
func (w *DirectoryWatcher) Status() (State, int) {
	v := w.status.Load()
	return State(v >> 32), int(uint32(v))
}

// Done is closed once the watcher can no longer deliver events.
func (w *DirectoryWatcher) Done() <-chan struct{} {
	return w.ctx.Done()
}

// AddCallback registers cb. The first callback starts the OS watch and the
// call returns only after the watch is active. Adding a registered handle
// again is a no-op.
func (w *DirectoryWatcher) AddCallback(cb *Callback) error {
	if cb == nil || cb.fn == nil {
		return errors.New("callback is required")
	}

	w.mu.Lock()
	switch w.State() {
	case StateStopped, StateDisposed:
		w.mu.Unlock()
		return ErrWatcherStopped
	}
	if w.ctx.Err() != nil {
		// Cancelled, and the cancel handler has not run yet.
		w.mu.Unlock()
		return ErrWatcherStopped
	}

	current := w.loadCallbacks()
	if slices.Contains(current, cb) {
		w.mu.Unlock()
		return nil
	}

	if len(current) == 0 {
		if err := w.startLocked(); err != nil {
			w.publish(StateStopped, 0)
			w.cancel()
			w.mu.Unlock()
			w.terminate()
			return err
		}
	}

	next := append(slices.Clone(current), cb)
	w.callbacks.Store(&next)
	count := len(next)
	w.publish(StateRunning, count)
	w.mu.Unlock()

	w.logger.Printf("%s has new subscriber (total: %d)", w.dir, count)
	return nil
}

// RemoveCallback deregisters cb. Removing the last callback stops the OS
// watch, releases the deduplicator and fires OnTerminate.
func (w *DirectoryWatcher) RemoveCallback(cb *Callback) error {
	if cb == nil {
		return errors.New("callback is required")
	}

	w.mu.Lock()
	current := w.loadCallbacks()
	index := slices.Index(current, cb)
	if index < 0 {
		w.mu.Unlock()
		return ErrCallbackNotFound
	}

	next := slices.Delete(slices.Clone(current), index, index+1)
	w.callbacks.Store(&next)
	count := len(next)

	stopped := count == 0
	if stopped {
		w.stopLocked()
	} else {
		w.publish(StateRunning, count)
	}
	w.mu.Unlock()

	w.logger.Printf("%s lost subscriber (total: %d)", w.dir, count)
	if stopped {
		w.terminate()
	}
	return nil
}

// Close tears the watcher down without firing OnTerminate. It is idempotent.
func (w *DirectoryWatcher) Close() error {
	w.mu.Lock()
	if w.State() == StateDisposed {
		w.mu.Unlock()
		return nil
	}
	if w.State() == StateRunning {
		w.stopLocked()
	}
	w.callbacks.Store(&[]*Callback{})
	w.publish(StateDisposed, 0)
	w.mu.Unlock()

	w.cancel()
	w.logger.Printf("%s disposed", w.dir)
	return nil
}

// startLocked leaves the watcher in StateStarting; the caller publishes
// StateRunning together with the first subscriber.
func (w *DirectoryWatcher) startLocked() error {
	w.publish(StateStarting, 0)

	source := w.newSource(w.logger)
	dedup := NewDeduplicator(w.window, w.logger)
	if err := source.Start(w.dir, dedup.Enqueue); err != nil {
		dedup.Close()
		metrics.WatcherStartFailures.Inc()
		w.logger.Printf("start %s failed: %v", w.dir, err)
		return fmt.Errorf("start watch on %s: %w", w.dir, err)
	}

	w.source = source
	w.dedup = dedup
	go w.deliver(dedup)

	metrics.WatcherStarts.Inc()
	metrics.WatchersActive.Inc()
	w.logger.Printf("%s started", w.dir)
	return nil
}

// stopLocked releases the OS watch and deduplicator. The delivery loop exits
// on its own; it is not awaited because a callback may be the caller.
func (w *DirectoryWatcher) stopLocked() {
	w.callbacks.Store(&[]*Callback{})
	w.publish(StateStopped, 0)
	w.cancel()
	if w.source != nil {
		if err := w.source.Close(); err != nil {
			w.logger.Printf("close watch on %s: %v", w.dir, err)
		}
		w.source = nil
	}
	if w.dedup != nil {
		w.dedup.Close()
		w.dedup = nil
	}
	metrics.WatchersActive.Dec()
	w.logger.Printf("%s stopped", w.dir)
}

// handleCancel runs when the parent context ends.
func (w *DirectoryWatcher) handleCancel() {
	w.mu.Lock()
	switch w.State() {
	case StateStopped, StateDisposed:
		w.mu.Unlock()
		return
	case StateRunning:
		w.stopLocked()
	default:
		w.callbacks.Store(&[]*Callback{})
		w.publish(StateStopped, 0)
	}
	w.mu.Unlock()

	w.terminate()
}

func (w *DirectoryWatcher) deliver(dedup *Deduplicator) {
	for {
		event, ok := dedup.Dequeue(w.ctx)
		if !ok {
			return
		}
		for _, cb := range w.loadCallbacks() {
			w.invoke(cb, event)
		}
	}
}

func (w *DirectoryWatcher) invoke(cb *Callback, event Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CallbackPanics.Inc()
			w.logger.Printf("subscriber of %s panicked on %s %s: %v", w.dir, event.Kind, event.FullPath, r)
		}
	}()
	cb.fn(event)
	metrics.EventsDelivered.Inc()
}

func (w *DirectoryWatcher) terminate() {
	w.terminateOnce.Do(func() {
		if w.onTerminate != nil {
			w.onTerminate(w)
		}
	})
}

func (w *DirectoryWatcher) loadCallbacks() []*Callback {
	return *w.callbacks.Load()
}

// publish stores state and count in one write so lock-free readers never
// see one without the other.
func (w *DirectoryWatcher) publish(state State, count int) {
	w.status.Store(uint64(state)<<32 | uint64(uint32(count)))
}
