package main

// Thin wrappers so main.go stays readable. Real logic lives in internal/.

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orenleto/WS.Experiments/internal/client"
	"github.com/orenleto/WS.Experiments/internal/config"
	"github.com/orenleto/WS.Experiments/internal/journal"
	"github.com/orenleto/WS.Experiments/internal/logging"
	"github.com/orenleto/WS.Experiments/internal/registry"
	"github.com/orenleto/WS.Experiments/internal/server"
	"github.com/orenleto/WS.Experiments/internal/store"
	"github.com/orenleto/WS.Experiments/internal/watcher"
)

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	v := config.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return config.Config{}, err
	}
	return config.Load(v, cfgFile)
}

func logOutput(cfg config.Config) (io.WriteCloser, error) {
	return logging.Output(logging.FileOptions{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
}

func newLogger(w io.Writer, component string) *log.Logger {
	return logging.New(w, component)
}

func newRegistry(ctx context.Context, cfg config.Config, w io.Writer) *registry.Registry {
	return registry.New(ctx, registry.Options{
		Logger: newLogger(w, "registry"),
		Factory: registry.DirectoryWatcherFactory{
			Window: cfg.DedupWindow,
			Logger: newLogger(w, "watcher"),
		},
	})
}

func newServer(reg *registry.Registry, cfg config.Config, w io.Writer) *server.Server {
	return server.New(reg, server.Config{
		Listen:         cfg.Listen,
		AuthToken:      cfg.AuthToken,
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        cfg.Metrics,
		WriteTimeout:   cfg.WriteTimeout,
		PingInterval:   cfg.PingInterval,
		Logger:         newLogger(w, "server"),
	})
}

func newClient(cfg config.Config, reconnect bool, w io.Writer) (*client.Client, error) {
	token, err := client.ResolveToken(cfg.AuthToken, client.DefaultTokenFile())
	if err != nil {
		return nil, err
	}
	return client.New(cfg.Server, client.Options{
		Token:     token,
		Logger:    newLogger(w, "client"),
		Reconnect: reconnect,
	}), nil
}

func openStore(path string) (*store.Store, error) {
	if err := ensureParent(path); err != nil {
		return nil, err
	}
	return store.Open(path)
}

// journalRecorder is nil when journaling is disabled.
type journalRecorder interface {
	Record(dir string, event watcher.Event) (bool, error)
}

func newRecorder(s *store.Store, w io.Writer) journalRecorder {
	return journal.NewRecorder(s, newLogger(w, "journal"))
}

// healthURL derives the /health endpoint from the daemon WebSocket URL.
func healthURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url %s: %w", server, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws") + "/health"
	u.RawQuery = ""
	return u.String(), nil
}
