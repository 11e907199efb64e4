package server

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/orenleto/WS.Experiments/internal/metrics"
	"github.com/orenleto/WS.Experiments/internal/protocol"
	"github.com/orenleto/WS.Experiments/internal/registry"
	"github.com/orenleto/WS.Experiments/internal/watcher"
)

// Session is one connected client. It implements registry.Session.
type Session struct {
	id       string
	conn     *websocket.Conn
	registry *registry.Registry
	logger   *log.Logger

	writeTimeout time.Duration
	pingInterval time.Duration

	// gate holds fan-out back while a subscription is being confirmed, so
	// events never overtake the Success and Init messages.
	gate sync.Mutex
	out  chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, reg *registry.Registry, cfg Config) *Session {
	return &Session{
		id:           uuid.NewString(),
		conn:         conn,
		registry:     reg,
		logger:       cfg.Logger,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		out:          make(chan []byte, wsSendQueue),
		done:         make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

// Send queues a change notification. It blocks while the session confirms
// a subscription or the send queue is full, and returns once closed.
func (s *Session) Send(event watcher.Event) {
	s.gate.Lock()
	defer s.gate.Unlock()
	s.enqueue(protocol.NewMessage(protocol.MethodSubscribeChanges, event))
}

// run serves the connection until the peer disconnects.
func (s *Session) run() {
	defer s.close()

	go s.writeLoop()

	s.conn.SetReadLimit(wsReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				s.logger.Printf("session %s read: %v", s.id, err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		s.handle(data)
	}
}

func (s *Session) handle(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("session %s: panic handling request: %v", s.id, r)
			metrics.Requests.WithLabelValues("unknown", "exception").Inc()
			s.enqueue(protocol.NewException("", fmt.Errorf("%v", r), data))
		}
	}()

	req, err := protocol.DecodeRequest(data)
	if err != nil {
		s.logger.Printf("session %s: %v", s.id, err)
		method := req.Method
		if !errors.Is(err, protocol.ErrUnknownMethod) {
			method = ""
		}
		metrics.Requests.WithLabelValues(methodLabel(req.Method), "exception").Inc()
		s.enqueue(protocol.NewException(method, err, data))
		return
	}

	switch req.Method {
	case protocol.MethodSubscribeChanges:
		s.subscribe(req)
	}
}

func (s *Session) subscribe(req protocol.Request) {
	dir, err := registry.Normalize(req.Directory)
	if err == nil {
		var info os.FileInfo
		info, err = os.Stat(dir)
		if err == nil && !info.IsDir() {
			err = fmt.Errorf("%s is not a directory", dir)
		}
	}
	if err != nil {
		s.logger.Printf("session %s: subscribe on missing directory %s", s.id, req.Directory)
		metrics.Requests.WithLabelValues(req.Method, "error").Inc()
		s.enqueue(protocol.NewError(req, protocol.ErrDirectoryNotExist))
		return
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	if err := s.registry.Subscribe(s, dir); err != nil {
		s.logger.Printf("session %s: subscribe %s: %v", s.id, dir, err)
		metrics.Requests.WithLabelValues(req.Method, "error").Inc()
		s.enqueue(protocol.NewError(req, err.Error()))
		return
	}

	metrics.Requests.WithLabelValues(req.Method, "success").Inc()
	s.enqueue(protocol.NewSuccess(req))
	s.enqueue(protocol.NewMessage(req.Method, watcher.InitEvent(req.Directory)))
}

func (s *Session) enqueue(v any) {
	data, err := protocol.Encode(v)
	if err != nil {
		s.logger.Printf("session %s: %v", s.id, err)
		return
	}
	select {
	case s.out <- data:
	case <-s.done:
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-s.out:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				s.close()
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Printf("session %s write: %v", s.id, err)
				s.close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.writeTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func methodLabel(method string) string {
	if method == protocol.MethodSubscribeChanges {
		return method
	}
	return "unknown"
}
