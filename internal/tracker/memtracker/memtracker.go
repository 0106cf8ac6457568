// Package memtracker implements tracker.Tracker as an in-process
// compare-and-set map, grounded on the same mutex+map+expiry shape as
// internal/revocation.MemStore.
package memtracker

import (
	"context"
	"sync"
	"time"

	"github.com/kidoz/dotcelery/internal/tracker"
)

type record struct {
	taskID    string
	expiresAt time.Time
}

// Tracker is an in-memory execution tracker.
type Tracker struct {
	mu      sync.Mutex
	records map[string]record
	closeCh chan struct{}
}

// New creates an in-memory execution tracker with a background sweep
// of expired leases.
func New() *Tracker {
	t := &Tracker{
		records: make(map[string]record),
		closeCh: make(chan struct{}),
	}
	go t.cleanupLoop()
	return t
}

func (t *Tracker) TryStart(ctx context.Context, taskName, taskID, key string, timeout time.Duration) (bool, error) {
	k := tracker.Key(taskName, key)
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.records[k]
	if ok && existing.taskID != taskID && now.Before(existing.expiresAt) {
		return false, nil
	}
	t.records[k] = record{taskID: taskID, expiresAt: now.Add(timeout)}
	return true, nil
}

func (t *Tracker) Stop(ctx context.Context, taskName, taskID, key string) error {
	k := tracker.Key(taskName, key)
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.records[k]; ok && existing.taskID == taskID {
		delete(t.records, k)
	}
	return nil
}

func (t *Tracker) Extend(ctx context.Context, taskName, taskID, key string, extension time.Duration) error {
	k := tracker.Key(taskName, key)
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.records[k]; ok && existing.taskID == taskID {
		existing.expiresAt = existing.expiresAt.Add(extension)
		t.records[k] = existing
	}
	return nil
}

func (t *Tracker) Close() error {
	close(t.closeCh)
	return nil
}

func (t *Tracker) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-t.closeCh:
			return
		case now := <-ticker.C:
			t.mu.Lock()
			for k, rec := range t.records {
				if now.After(rec.expiresAt) {
					delete(t.records, k)
				}
			}
			t.mu.Unlock()
		}
	}
}
