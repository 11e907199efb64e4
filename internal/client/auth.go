package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultTokenFile is the token location used when none is given.
func DefaultTokenFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".fswatch", "token")
}

// ResolveToken returns token when set, otherwise the trimmed contents of
// path. A missing file means no token.
func ResolveToken(token, path string) (string, error) {
	if token = strings.TrimSpace(token); token != "" {
		return token, nil
	}
	if path == "" {
		return "", nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
