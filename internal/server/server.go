// Package server exposes the directory registry over WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orenleto/WS.Experiments/internal/metrics"
	"github.com/orenleto/WS.Experiments/internal/registry"
)

// Config controls the HTTP and WebSocket surface.
type Config struct {
	Listen         string
	AuthToken      string
	AllowedOrigins []string
	Metrics        bool
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	Logger         *log.Logger
}

// Health is the /health response body.
type Health struct {
	Status        string `json:"status"`
	Sessions      int    `json:"sessions"`
	Watchers      int    `json:"watchers"`
	Subscriptions int    `json:"subscriptions"`
}

// Server accepts client sessions and routes their requests to a registry.
type Server struct {
	cfg      Config
	registry *registry.Registry
	upgrader *websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a server backed by reg.
func New(reg *registry.Registry, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = wsWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = wsPingInterval
	}
	return &Server{
		cfg:      cfg,
		registry: reg,
		upgrader: newUpgrader(cfg.AllowedOrigins),
		sessions: make(map[string]*Session),
	}
}

// Handler returns the HTTP routes: /ws, /health and, when enabled, /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	if s.cfg.Metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

// Serve listens on the configured address until ctx is done. It satisfies
// suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener serves on an existing listener until ctx is done.
func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		errc <- httpServer.Serve(listener)
	}()
	s.cfg.Logger.Printf("listening on %s", listener.Addr())

	select {
	case err := <-errc:
		s.closeSessions()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	s.closeSessions()
	s.cfg.Logger.Printf("stopped listening on %s", listener.Addr())
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return ctx.Err()
}

func (s *Server) String() string {
	return "server@" + s.cfg.Listen
}

// Sessions returns the number of connected clients.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Health reports the current counts.
func (s *Server) Health() Health {
	snap := s.registry.Snapshot()
	return Health{
		Status:        "ok",
		Sessions:      s.Sessions(),
		Watchers:      len(snap.Watchers),
		Subscriptions: snap.Subscriptions(),
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !validateToken(r, s.cfg.AuthToken) {
		s.cfg.Logger.Printf("rejected unauthorized connection from %s", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Printf("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	session := newSession(conn, s.registry, s.cfg)
	s.track(session)
	s.cfg.Logger.Printf("session %s connected from %s", session.ID(), r.RemoteAddr)

	session.run()

	s.registry.UnsubscribeAll(session)
	s.untrack(session)
	s.cfg.Logger.Printf("session %s disconnected", session.ID())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Health())
}

func (s *Server) track(session *Session) {
	s.mu.Lock()
	s.sessions[session.ID()] = session
	s.mu.Unlock()
	metrics.SessionsActive.Inc()
}

func (s *Server) untrack(session *Session) {
	s.mu.Lock()
	_, ok := s.sessions[session.ID()]
	delete(s.sessions, session.ID())
	s.mu.Unlock()
	if ok {
		metrics.SessionsActive.Dec()
	}
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	for _, session := range sessions {
		deadline := time.Now().Add(time.Second)
		_ = session.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		session.close()
	}
}
