package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore keeps every session in one JSON document, resourceID → Session.
// The whole document is rewritten on each change through a temp file and
// rename, so a crash leaves either the old or the new document.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a FileStore backed by path. The file is created on
// first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) load() (map[string]Session, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Session{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sessions %q: %w", f.path, err)
	}
	sessions := map[string]Session{}
	if len(data) == 0 {
		return sessions, nil
	}
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("parse sessions %q: %w", f.path, err)
	}
	return sessions, nil
}

func (f *FileStore) save(sessions map[string]Session) error {
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".sessions-*.json")
	if err != nil {
		return fmt.Errorf("create temp sessions file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write sessions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close sessions: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace sessions %q: %w", f.path, err)
	}
	return nil
}

// Get returns the session for resourceID or ErrNotFound.
func (f *FileStore) Get(_ context.Context, resourceID string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessions, err := f.load()
	if err != nil {
		return Session{}, err
	}
	s, ok := sessions[resourceID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

// Put inserts or replaces the session for s.ResourceID.
func (f *FileStore) Put(_ context.Context, s Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessions, err := f.load()
	if err != nil {
		return err
	}
	sessions[s.ResourceID] = s
	return f.save(sessions)
}

// Delete removes the session for resourceID. Deleting a missing session is
// not an error.
func (f *FileStore) Delete(_ context.Context, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessions, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := sessions[resourceID]; !ok {
		return nil
	}
	delete(sessions, resourceID)
	return f.save(sessions)
}

// List returns every session ordered by resource id.
func (f *FileStore) List(_ context.Context) ([]Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessions, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out, nil
}
