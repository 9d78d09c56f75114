package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/JakeFAU/statecrawler/internal/browser"
)

// Store owns the two files that carry browser state across contexts: the
// session-storage snapshot and the engine storage-state file.
type Store struct {
	snapshotPath string
	statePath    string
}

// NewStore returns a Store for the given paths.
func NewStore(snapshotPath, statePath string) *Store {
	return &Store{snapshotPath: snapshotPath, statePath: statePath}
}

// StatePath is where the engine storage state lives.
func (s *Store) StatePath() string { return s.statePath }

// SnapshotPath is where the session-storage snapshot lives.
func (s *Store) SnapshotPath() string { return s.snapshotPath }

// LoadSnapshot reads the session-storage snapshot. A missing or empty file, the
// JSON string "" and a JSON object encoded inside a JSON string are all accepted.
func (s *Store) LoadSnapshot() (map[string]string, error) {
	out := map[string]string{}
	if s.snapshotPath == "" {
		return out, nil
	}
	raw, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("read session snapshot: %w", err)
	}
	return decodeSnapshot(raw)
}

func decodeSnapshot(raw []byte) (map[string]string, error) {
	out := map[string]string{}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return out, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return out, fmt.Errorf("decode session snapshot: %w", err)
		}
		return decodeSnapshot([]byte(inner))
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
		return out, fmt.Errorf("decode session snapshot: %w", err)
	}
	for k, v := range entries {
		var str string
		if err := json.Unmarshal(v, &str); err == nil {
			out[k] = str
			continue
		}
		out[k] = string(v)
	}
	return out, nil
}

// SaveSnapshot overwrites the snapshot file with entries as a JSON object.
func (s *Store) SaveSnapshot(entries map[string]string) error {
	if s.snapshotPath == "" {
		return nil
	}
	if entries == nil {
		entries = map[string]string{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode session snapshot: %w", err)
	}
	if err := browser.WriteFileAtomic(s.snapshotPath, raw); err != nil {
		return fmt.Errorf("write session snapshot: %w", err)
	}
	return nil
}
