// Package store provides crash-safe instance persistence using JSON files.
//
// Each strategy instance is stored as a separate file under
// <data-root>/strategies/<id>.json. Writes use atomic file replacement
// (write to .tmp, then rename) so a crash mid-save never leaves a corrupt
// record. The manager saves after every state change and loads everything
// back on boot.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"dlmm-keeper/pkg/types"
)

// Store persists instance records to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string     // <data-root>/strategies
	mu  sync.Mutex // serializes all file operations
}

// Open creates a store rooted at dataRoot.
func Open(dataRoot string) (*Store, error) {
	dir := filepath.Join(dataRoot, "strategies")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// Save atomically persists one instance record. It writes to a .tmp file
// first, then renames over the target so the record is never left in a
// partial state.
func (s *Store) Save(inst *types.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst.ID == "" {
		return fmt.Errorf("save instance: empty id")
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}

	path := filepath.Join(s.dir, inst.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write instance: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load restores one instance record from disk.
// Returns nil, nil if no record exists.
func (s *Store) Load(id string) (*types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id)
}

func (s *Store) load(id string) (*types.Instance, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read instance: %w", err)
	}

	var inst types.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("unmarshal instance %s: %w", id, err)
	}
	return &inst, nil
}

// List loads every persisted record, ignoring leftover .tmp files from an
// interrupted save.
func (s *Store) List() ([]*types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}

	out := make([]*types.Instance, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		inst, err := s.load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		if inst != nil {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, id+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete instance: %w", err)
	}
	return nil
}
