package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orenleto/WS.Experiments/internal/protocol"
	"github.com/orenleto/WS.Experiments/internal/watcher"
)

// Subscription streams changes for one directory.
type Subscription struct {
	client *Client
	dir    string
	events chan watcher.Event

	mu   sync.Mutex
	conn *websocket.Conn
	err  error

	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(c *Client, dir string, conn *websocket.Conn) *Subscription {
	return &Subscription{
		client: c,
		dir:    dir,
		events: make(chan watcher.Event, c.opts.Buffer),
		conn:   conn,
		done:   make(chan struct{}),
	}
}

// Directory returns the subscribed directory as requested.
func (s *Subscription) Directory() string {
	return s.dir
}

// Events returns the change stream. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan watcher.Event {
	return s.events
}

// Err returns the error that ended the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel ends the subscription and closes its connection.
func (s *Subscription) Cancel() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		conn := s.current()
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = conn.Close()
		s.client.forget(s)
	})
	return err
}

// join sends the subscribe request and waits for the reply and the init
// message that follows it.
func (s *Subscription) join(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	deadline := time.Now().Add(s.client.opts.ReplyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}

	s.mu.Lock()
	err := conn.WriteJSON(protocol.Subscribe(s.dir))
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	confirmed := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for subscribe reply: %w", err)
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			return err
		}

		switch env.Type {
		case protocol.TypeError, protocol.TypeException:
			return env.Err()
		case protocol.TypeSuccess:
			confirmed = true
		case protocol.TypeMessage:
			if confirmed && env.ChangeType == watcher.All {
				return conn.SetReadDeadline(time.Time{})
			}
		}
	}
}

func (s *Subscription) readLoop() {
	defer close(s.events)
	defer s.client.forget(s)

	for {
		conn := s.current()
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.cancelled() {
				return
			}
			if s.client.opts.Reconnect && s.reconnect() {
				continue
			}
			s.setErr(fmt.Errorf("subscription %s: %w", s.dir, err))
			return
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			s.client.opts.Logger.Printf("%s: %v", s.dir, err)
			continue
		}

		switch env.Type {
		case protocol.TypeMessage:
			if env.ChangeType == watcher.All {
				continue
			}
			select {
			case s.events <- env.Event():
			case <-s.done:
				return
			}
		case protocol.TypeError, protocol.TypeException:
			s.client.opts.Logger.Printf("%s: %v", s.dir, env.Err())
		}
	}
}

func (s *Subscription) reconnect() bool {
	backoff := time.Second
	maxBackoff := 30 * time.Second
	logger := s.client.opts.Logger

	for {
		logger.Printf("%s: reconnecting in %v...", s.dir, backoff)
		select {
		case <-s.done:
			return false
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.client.opts.ReplyTimeout)
		conn, err := s.client.dial(ctx)
		if err == nil {
			err = s.join(ctx, conn)
			if err != nil {
				_ = conn.Close()
			}
		}
		cancel()

		if err != nil {
			logger.Printf("%s: reconnect failed: %v", s.dir, err)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		if s.cancelled() {
			_ = conn.Close()
			return false
		}
		logger.Printf("%s: reconnected", s.dir)
		return true
	}
}

func (s *Subscription) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Subscription) cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
