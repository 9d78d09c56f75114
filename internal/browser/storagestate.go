package browser

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// StorageState is the engine storage snapshot in the layout Playwright uses for
// storageState files, so a file written by one driver can seed the other.
type StorageState struct {
	Cookies []Cookie `json:"cookies"`
	Origins []Origin `json:"origins"`
}

// Cookie is one persisted cookie. Expires is seconds since the epoch, -1 for
// session cookies.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Origin holds the localStorage entries of one origin.
type Origin struct {
	Origin       string      `json:"origin"`
	LocalStorage []NameValue `json:"localStorage"`
}

// NameValue is a single storage item.
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// LoadStorageState reads path. A missing file yields an empty state.
func LoadStorageState(path string) (StorageState, error) {
	var state StorageState
	if path == "" {
		return state, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("read storage state: %w", err)
	}
	if len(raw) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("decode storage state %s: %w", path, err)
	}
	return state, nil
}

// Save writes the state to path through a temp file and rename.
func (s StorageState) Save(path string) error {
	if s.Cookies == nil {
		s.Cookies = []Cookie{}
	}
	if s.Origins == nil {
		s.Origins = []Origin{}
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode storage state: %w", err)
	}
	return WriteFileAtomic(path, raw)
}

// SetOrigin replaces the localStorage items recorded for origin. Items are kept
// sorted by name so repeated saves are stable.
func (s *StorageState) SetOrigin(origin string, items map[string]string) {
	if origin == "" || origin == "null" {
		return
	}
	entries := make([]NameValue, 0, len(items))
	for k, v := range items {
		entries = append(entries, NameValue{Name: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	for i := range s.Origins {
		if s.Origins[i].Origin == origin {
			s.Origins[i].LocalStorage = entries
			return
		}
	}
	s.Origins = append(s.Origins, Origin{Origin: origin, LocalStorage: entries})
}

// WriteFileAtomic writes data next to path and renames it into place.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
