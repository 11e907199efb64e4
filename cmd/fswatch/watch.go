package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/orenleto/WS.Experiments/internal/client"
	"github.com/orenleto/WS.Experiments/internal/watcher"
)

type dirEvent struct {
	dir   string
	event watcher.Event
}

// watchDirs subscribes to every directory and prints events until ctx ends,
// every subscription ends, or limit events were printed.
func watchDirs(ctx context.Context, c *client.Client, dirs []string, limit int, p *printer, rec journalRecorder) error {
	events := make(chan dirEvent)
	var wg sync.WaitGroup

	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		sub, err := c.Subscribe(ctx, abs)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", abs, err)
		}
		p.subscribed(abs)

		wg.Add(1)
		go func() {
			defer wg.Done()
			for event := range sub.Events() {
				select {
				case events <- dirEvent{dir: abs, event: event}:
				case <-ctx.Done():
					return
				}
			}
			if err := sub.Err(); err != nil {
				fmt.Fprintf(os.Stderr, "✗ %v\n", err)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(events)
	}()

	count := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case de, ok := <-events:
			if !ok {
				return nil
			}
			if rec != nil {
				if _, err := rec.Record(de.dir, de.event); err != nil {
					fmt.Fprintf(os.Stderr, "✗ journal: %v\n", err)
				}
			}
			p.print(de.event)
			count++
			if limit > 0 && count >= limit {
				return nil
			}
		}
	}
}

type printer struct {
	w    io.Writer
	json bool
	enc  *json.Encoder
}

// newPrinter prints human-readable lines on a terminal and JSON lines otherwise.
func newPrinter(f *os.File, forceJSON bool) *printer {
	tty := isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	return &printer{w: f, json: forceJSON || !tty, enc: json.NewEncoder(f)}
}

func (p *printer) subscribed(dir string) {
	if p.json {
		return
	}
	fmt.Fprintf(p.w, "👁 Watching %s\n", dir)
}

type eventLine struct {
	Time        time.Time `json:"time"`
	Kind        string    `json:"kind"`
	FullPath    string    `json:"full_path"`
	Name        string    `json:"name"`
	OldFullPath string    `json:"old_full_path,omitempty"`
	OldName     string    `json:"old_name,omitempty"`
}

func (p *printer) print(event watcher.Event) {
	if p.json {
		_ = p.enc.Encode(eventLine{
			Time:        time.Now().UTC(),
			Kind:        event.Kind.String(),
			FullPath:    event.FullPath,
			Name:        event.Name,
			OldFullPath: event.OldFullPath,
			OldName:     event.OldName,
		})
		return
	}
	if event.IsRename() {
		fmt.Fprintf(p.w, "%s  %-8s %s ← %s\n", time.Now().Format("15:04:05"), event.Kind, event.FullPath, event.OldName)
		return
	}
	fmt.Fprintf(p.w, "%s  %-8s %s\n", time.Now().Format("15:04:05"), event.Kind, event.FullPath)
}

func ensureParent(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	return nil
}
