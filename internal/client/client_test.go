package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/orenleto/WS.Experiments/internal/registry"
	"github.com/orenleto/WS.Experiments/internal/server"
	"github.com/orenleto/WS.Experiments/internal/watcher"
)

func startDaemon(t *testing.T, token string) (string, *registry.Registry) {
	t.Helper()
	reg := registry.New(context.Background(), registry.Options{Window: 50 * time.Millisecond})
	srv := server.New(reg, server.Config{AuthToken: token})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.CloseClientConnections()
		ts.Close()
		_ = reg.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", reg
}

func TestSubscribeReceivesEvents(t *testing.T) {
	url, _ := startDaemon(t, "")
	c := New(url, Options{})
	defer c.Close()

	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := c.Subscribe(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Directory() != dir {
		t.Fatalf("directory = %s", sub.Directory())
	}

	if err := os.WriteFile(filepath.Join(dir, "note.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(3 * time.Second)
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				t.Fatalf("events closed: %v", sub.Err())
			}
			if event.Kind == watcher.All {
				t.Fatal("init sentinel leaked into the event stream")
			}
			if event.Kind == watcher.Created && event.Name == "note.txt" {
				return
			}
		case <-timeout:
			t.Fatal("no created event")
		}
	}
}

func TestSubscribeMissingDirectory(t *testing.T) {
	url, _ := startDaemon(t, "")
	c := New(url, Options{})
	defer c.Close()

	_, err := c.Subscribe(context.Background(), filepath.Join(t.TempDir(), "nope"))
	if err == nil || !strings.Contains(err.Error(), "Directory is not exist") {
		t.Fatalf("err = %v", err)
	}
}

func TestCancelReleasesWatcher(t *testing.T) {
	url, reg := startDaemon(t, "")
	c := New(url, Options{})
	defer c.Close()

	dir := t.TempDir()
	sub, err := c.Subscribe(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := reg.Snapshot().Watchers[dir]; got != 1 {
		t.Fatalf("subscribers = %d, want 1", got)
	}

	if err := sub.Cancel(); err != nil {
		t.Fatal(err)
	}
	select {
	case _, ok := <-sub.Events():
		for ok {
			_, ok = <-sub.Events()
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.Snapshot().Watchers[dir]; !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("watcher still registered after cancel")
}

func TestSubscribeWithToken(t *testing.T) {
	url, _ := startDaemon(t, "s3cret")

	if _, err := New(url, Options{Token: "wrong"}).Subscribe(context.Background(), t.TempDir()); err == nil {
		t.Fatal("expected unauthorized error")
	}

	c := New(url, Options{Token: "s3cret"})
	defer c.Close()
	if _, err := c.Subscribe(context.Background(), t.TempDir()); err != nil {
		t.Fatal(err)
	}
}

func TestClientClose(t *testing.T) {
	url, _ := startDaemon(t, "")
	c := New(url, Options{})

	sub, err := c.Subscribe(context.Background(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Subscribe(context.Background(), t.TempDir()); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("err = %v, want ErrClientClosed", err)
	}
	select {
	case <-sub.Events():
	case <-time.After(3 * time.Second):
		t.Fatal("subscription not ended by Close")
	}
}

func TestResolveToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("  from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
		path  string
		want  string
	}{
		{name: "flag wins", token: "flag", path: path, want: "flag"},
		{name: "file", path: path, want: "from-file"},
		{name: "missing file", path: filepath.Join(dir, "missing"), want: ""},
		{name: "nothing", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveToken(tt.token, tt.path)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("token = %q, want %q", got, tt.want)
			}
		})
	}
}
