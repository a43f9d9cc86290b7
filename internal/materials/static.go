package materials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"
)

// Static serves materials from a JSON array on disk. The file is re-read when
// its size or modification time changes; a missing file is an empty catalog.
type Static struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
	byID    map[string]Material
}

// NewStatic returns a catalog backed by path.
func NewStatic(path string) *Static {
	return &Static{path: path, byID: map[string]Material{}}
}

// NewStaticFrom returns an in-memory catalog holding items.
func NewStaticFrom(items []Material) *Static {
	s := &Static{byID: make(map[string]Material, len(items))}
	for _, m := range items {
		s.byID[m.ID] = m
	}
	return s
}

// FindByIDs implements Lookup.
func (s *Static) FindByIDs(ctx context.Context, ids []string) ([]Material, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}
	ids = dedupe(ids)
	found := make(map[string]Material, len(ids))
	for _, id := range ids {
		if m, ok := s.byID[id]; ok {
			found[id] = m
		}
	}
	return order(ids, found), nil
}

func (s *Static) reloadLocked() error {
	if s.path == "" {
		return nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.byID = map[string]Material{}
			s.modTime, s.size = time.Time{}, 0
			return nil
		}
		return fmt.Errorf("stat material catalog: %w", err)
	}
	if info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read material catalog: %w", err)
	}
	var items []Material
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("parse material catalog %s: %w", s.path, err)
	}
	byID := make(map[string]Material, len(items))
	for _, m := range items {
		if m.ID == "" {
			continue
		}
		byID[m.ID] = m
	}
	s.byID = byID
	s.modTime, s.size = info.ModTime(), info.Size()
	return nil
}

// Close implements Lookup.
func (s *Static) Close() error { return nil }
