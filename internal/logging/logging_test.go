package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewPrefix(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "watcher").Printf("watching %s", "/tmp")
	if !strings.Contains(buf.String(), "[watcher] watching /tmp") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestOutputRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "fswatch.log")
	out, err := Output(FileOptions{Path: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1})
	if err != nil {
		t.Fatal(err)
	}
	New(out, "server").Print("listening")
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[server] listening") {
		t.Fatalf("log file = %q", data)
	}
}

func TestOutputStderr(t *testing.T) {
	out, err := Output(FileOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutputUnwritableDirectory(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Output(FileOptions{Path: filepath.Join(blocker, "logs", "fswatch.log")}); err == nil {
		t.Fatal("expected error when the log directory cannot be created")
	}
}
