// Package local writes crawl reports to the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

// DefaultBaseDir is where reports go when no directory is configured:
// $XDG_DATA_HOME/statecrawler/reports.
func DefaultBaseDir() string {
	return filepath.Join(xdg.DataHome, "statecrawler", "reports")
}

// BlobStore writes report objects below a base directory.
type BlobStore struct {
	baseDir string
}

// New prepares baseDir (created if missing) and checks that it is writable.
// An empty baseDir selects DefaultBaseDir.
func New(baseDir string) (*BlobStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		baseDir = DefaultBaseDir()
	}

	info, err := os.Stat(baseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create report directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat report directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("report directory %q is not a directory", baseDir)
	}

	probe, err := os.CreateTemp(baseDir, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("report directory is not writable: %w", err)
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		return nil, fmt.Errorf("close probe file: %w", err)
	}
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("remove probe file: %w", err)
	}

	return &BlobStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory.
func (s *BlobStore) BaseDir() string { return s.baseDir }

// PutObject writes data to baseDir/path and returns a file:// URI. The content
// type is ignored.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}

	root := filepath.Clean(s.baseDir)
	full := filepath.Clean(filepath.Join(root, path))
	if !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the report directory", path)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}

	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object data: %w", err)
	}
	if err := os.WriteFile(full, body, 0o600); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	return "file://" + full, nil
}
