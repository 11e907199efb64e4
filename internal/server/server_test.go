package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orenleto/WS.Experiments/internal/protocol"
	"github.com/orenleto/WS.Experiments/internal/registry"
	"github.com/orenleto/WS.Experiments/internal/watcher"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *registry.Registry, *httptest.Server) {
	t.Helper()
	reg := registry.New(context.Background(), registry.Options{Window: 50 * time.Millisecond})
	srv := New(reg, cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.closeSessions()
		ts.Close()
		_ = reg.Close()
	})
	return srv, reg, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return env
}

func subscribe(t *testing.T, conn *websocket.Conn, dir string) {
	t.Helper()
	if err := conn.WriteJSON(protocol.Subscribe(dir)); err != nil {
		t.Fatal(err)
	}
	if env := readEnvelope(t, conn); env.Type != protocol.TypeSuccess || env.Request == nil || env.Request.Directory != dir {
		t.Fatalf("expected success, got %+v", env)
	}
	init := readEnvelope(t, conn)
	if init.Type != protocol.TypeMessage || init.ChangeType != watcher.All || init.FullPath != dir {
		t.Fatalf("expected init message, got %+v", init)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// readFor collects envelopes until nothing arrives for quiet or the peer
// closes the connection.
func readFor(t *testing.T, conn *websocket.Conn, quiet time.Duration) []protocol.Envelope {
	t.Helper()
	var envs []protocol.Envelope
	for {
		if err := conn.SetReadDeadline(time.Now().Add(quiet)); err != nil {
			return envs
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return envs
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		envs = append(envs, env)
	}
}

// readCreated reads until a Created event for name arrives.
func readCreated(t *testing.T, conn *websocket.Conn, name string) protocol.Envelope {
	t.Helper()
	for {
		env := readEnvelope(t, conn)
		if env.Type == protocol.TypeMessage && env.ChangeType == watcher.Created && env.Name == name {
			return env
		}
	}
}

func TestSubscribeDeliversCreatedFiles(t *testing.T) {
	_, _, ts := newTestServer(t, Config{})
	dir := t.TempDir()
	conn := dial(t, ts, nil)
	subscribe(t, conn, dir)

	names := []string{"a.txt", "b.json", "c.bin"}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	created := map[string]bool{}
	check := func(env protocol.Envelope) {
		t.Helper()
		if env.Type != protocol.TypeMessage {
			t.Fatalf("unexpected envelope %+v", env)
		}
		if env.Method != protocol.MethodSubscribeChanges {
			t.Fatalf("method = %q", env.Method)
		}
		if env.ChangeType != watcher.Created {
			return
		}
		if created[env.Name] {
			t.Fatalf("duplicate created event for %s", env.Name)
		}
		created[env.Name] = true
		if env.FullPath != filepath.Join(dir, env.Name) {
			t.Fatalf("full path = %s", env.FullPath)
		}
	}
	for len(created) < len(names) {
		check(readEnvelope(t, conn))
	}
	// Anything still coalescing surfaces within a few dedup windows.
	for _, env := range readFor(t, conn, 250*time.Millisecond) {
		check(env)
	}
	for _, name := range names {
		if !created[name] {
			t.Fatalf("no created event for %s", name)
		}
	}
}

func TestWatcherReleasedAfterLastSession(t *testing.T) {
	_, reg, ts := newTestServer(t, Config{})
	dir := t.TempDir()

	first := dial(t, ts, nil)
	second := dial(t, ts, nil)
	subscribe(t, first, dir)
	subscribe(t, second, dir)

	if got := reg.Snapshot().Watchers[dir]; got != 2 {
		t.Fatalf("subscribers = %d, want 2", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "one.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	a, b := readCreated(t, first, "one.txt"), readCreated(t, second, "one.txt")
	if a.FullPath != b.FullPath || a.FullPath != filepath.Join(dir, "one.txt") {
		t.Fatalf("sessions saw different events: %+v / %+v", a, b)
	}

	// Closing handshake only; keep reading to see what the server still sends.
	deadline := time.Now().Add(time.Second)
	if err := first.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return reg.Snapshot().Watchers[dir] == 1 })

	if err := os.WriteFile(filepath.Join(dir, "two.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	readCreated(t, second, "two.txt")
	for _, env := range readFor(t, first, 250*time.Millisecond) {
		if env.Name == "two.txt" {
			t.Fatalf("cancelled session received %+v", env)
		}
	}

	_ = second.Close()
	waitFor(t, func() bool {
		snap := reg.Snapshot()
		_, ok := snap.Watchers[dir]
		return !ok && len(snap.Sessions) == 0
	})
}

func TestSubscribeMissingDirectory(t *testing.T) {
	_, reg, ts := newTestServer(t, Config{})
	conn := dial(t, ts, nil)

	missing := filepath.Join(t.TempDir(), "missing")
	if err := conn.WriteJSON(protocol.Subscribe(missing)); err != nil {
		t.Fatal(err)
	}
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeError {
		t.Fatalf("expected error envelope, got %+v", env)
	}
	if len(env.Errors) != 1 || env.Errors[0] != protocol.ErrDirectoryNotExist {
		t.Fatalf("errors = %v", env.Errors)
	}
	if env.Request == nil || env.Request.Directory != missing {
		t.Fatalf("request not echoed: %+v", env.Request)
	}
	if len(reg.Snapshot().Watchers) != 0 {
		t.Fatal("watcher created for missing directory")
	}
}

func TestMalformedRequestKeepsSession(t *testing.T) {
	_, _, ts := newTestServer(t, Config{})
	conn := dial(t, ts, nil)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeException || env.Payload != "not json" {
		t.Fatalf("expected exception echoing payload, got %+v", env)
	}

	if err := conn.WriteJSON(map[string]string{"Method": "Unsubscribe"}); err != nil {
		t.Fatal(err)
	}
	env = readEnvelope(t, conn)
	if env.Type != protocol.TypeException || env.Method != "Unsubscribe" {
		t.Fatalf("expected exception for unknown method, got %+v", env)
	}
	if !strings.Contains(env.Message, protocol.ErrUnknownMethod.Error()) {
		t.Fatalf("message = %q", env.Message)
	}

	subscribe(t, conn, t.TempDir())
}

func TestAuthToken(t *testing.T) {
	_, _, ts := newTestServer(t, Config{AuthToken: "secret"})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err == nil {
		t.Fatal("expected unauthorized dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected response: %+v", resp)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer secret")
	conn := dial(t, ts, header)
	subscribe(t, conn, t.TempDir())
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _, ts := newTestServer(t, Config{Metrics: true})
	dir := t.TempDir()
	conn := dial(t, ts, nil)
	subscribe(t, conn, dir)
	waitFor(t, func() bool { return srv.Sessions() == 1 })

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Sessions != 1 || health.Watchers != 1 || health.Subscriptions != 1 {
		t.Fatalf("unexpected health: %+v", health)
	}

	metricsResp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", metricsResp.StatusCode)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	reg := registry.New(context.Background(), registry.Options{})
	defer reg.Close()
	srv := New(reg, Config{Listen: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestOriginCheck(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		allowed []string
		want    bool
	}{
		{name: "no origin", want: true},
		{name: "same host", origin: "http://example.com", want: true},
		{name: "other host", origin: "http://evil.test", want: false},
		{name: "allow list", origin: "http://evil.test", allowed: []string{"evil.test"}, want: true},
		{name: "not in allow list", origin: "http://example.com", allowed: []string{"other.test"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://example.com:5000/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := isOriginAllowed(r, tt.allowed); got != tt.want {
				t.Fatalf("isOriginAllowed = %v, want %v", got, tt.want)
			}
		})
	}
}
