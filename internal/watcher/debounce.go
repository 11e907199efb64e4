package watcher

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/orenleto/WS.Experiments/internal/metrics"
)

// DefaultWindow is the dedup window used when none is configured.
const DefaultWindow = 500 * time.Millisecond

type pendingEntry struct {
	event    Event
	timer    *time.Timer
	deadline time.Time
	flushed  bool
}

// Deduplicator coalesces equivalent events that occur within a time window.
// Each distinct change is released once its window elapses without a new
// equivalent event; released events are read with Dequeue in FIFO order.
type Deduplicator struct {
	window time.Duration
	logger *log.Logger

	mu      sync.Mutex
	pending []*pendingEntry
	ready   []Event
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// NewDeduplicator creates a deduplicator with the given coalescing window.
func NewDeduplicator(window time.Duration, logger *log.Logger) *Deduplicator {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Deduplicator{
		window: window,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Window returns the coalescing window.
func (d *Deduplicator) Window() time.Duration {
	return d.window
}

// Enqueue registers an event. If an equivalent event is already pending its
// timer is restarted and the first-seen event is kept.
func (d *Deduplicator) Enqueue(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	for _, entry := range d.pending {
		if Equivalent(entry.event, event) {
			entry.deadline = time.Now().Add(d.window)
			entry.timer.Reset(d.window)
			metrics.EventsCoalesced.Inc()
			return
		}
	}

	entry := &pendingEntry{
		event:    event,
		deadline: time.Now().Add(d.window),
	}
	entry.timer = time.AfterFunc(d.window, func() {
		d.flush(entry)
	})
	d.pending = append(d.pending, entry)
}

// flush runs on the timer goroutine and moves an entry to the ready queue.
func (d *Deduplicator) flush(entry *pendingEntry) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if entry.flushed {
		d.mu.Unlock()
		d.logger.Printf("timer fired for already flushed %s %s", entry.event.Kind, entry.event.FullPath)
		return
	}
	// Reset raced with the expiry; the re-armed timer will fire again.
	if time.Now().Before(entry.deadline) {
		d.mu.Unlock()
		return
	}

	entry.flushed = true
	for i, candidate := range d.pending {
		if candidate == entry {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			break
		}
	}
	d.ready = append(d.ready, entry.event)
	d.mu.Unlock()

	d.signal()
}

func (d *Deduplicator) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Dequeue blocks until a deduplicated event is ready. It returns false once
// ctx is done or the deduplicator has been closed.
func (d *Deduplicator) Dequeue(ctx context.Context) (Event, bool) {
	for {
		if ctx.Err() != nil {
			return Event{}, false
		}

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return Event{}, false
		}
		if len(d.ready) > 0 {
			event := d.ready[0]
			d.ready[0] = Event{}
			d.ready = d.ready[1:]
			more := len(d.ready) > 0
			d.mu.Unlock()
			if more {
				d.signal()
			}
			return event, true
		}
		d.mu.Unlock()

		select {
		case <-d.wake:
		case <-d.done:
			return Event{}, false
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// Pending returns the number of events waiting for their window to elapse.
func (d *Deduplicator) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Ready returns the number of released events not yet dequeued.
func (d *Deduplicator) Ready() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ready)
}

// Close cancels all pending timers and wakes blocked readers.
func (d *Deduplicator) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	for _, entry := range d.pending {
		entry.timer.Stop()
	}
	d.pending = nil
	d.ready = nil
	close(d.done)
}
