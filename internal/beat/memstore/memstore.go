// Package memstore implements beat.Store as an in-memory map, for
// tests and single-process deployments that don't need schedule
// entries to survive a restart.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/kidoz/dotcelery/internal/beat"
)

// Store is an in-memory beat.Store.
type Store struct {
	mu    sync.Mutex
	specs map[string]beat.EntrySpec
}

// New creates an empty in-memory schedule store.
func New() *Store {
	return &Store{specs: make(map[string]beat.EntrySpec)}
}

// Put adds or replaces a persisted entry; celerybeat uses it to seed
// the store from the schedule file at startup.
func (s *Store) Put(spec beat.EntrySpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[spec.Name] = spec
}

// Delete removes a persisted entry.
func (s *Store) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.specs, name)
}

func (s *Store) ListEnabled(ctx context.Context) ([]beat.EntrySpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]beat.EntrySpec, 0, len(s.specs))
	for _, spec := range s.specs {
		if spec.Enabled {
			out = append(out, spec)
		}
	}
	return out, nil
}

func (s *Store) UpdateLastRun(ctx context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.specs[name]
	if !ok {
		return nil
	}
	spec.LastRunTime = at
	s.specs[name] = spec
	return nil
}

func (s *Store) Close() error { return nil }
