// Package memdeadletter implements deadletter.Handler as an in-memory
// FIFO-ordered store, grounded on the same mutex+map shape used
// throughout the in-memory drivers (internal/revocation.MemStore,
// internal/tracker/memtracker.Tracker).
package memdeadletter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kidoz/dotcelery/internal/deadletter"
)

// Handler is an in-memory dead-letter store.
type Handler struct {
	mu          sync.Mutex
	entries     map[string]deadletter.Entry
	order       []string // FIFO order by insertion, oldest first
	maxMessages int
}

// New creates an in-memory DLQ. maxMessages <= 0 means unbounded.
func New(maxMessages int) *Handler {
	return &Handler{
		entries:     make(map[string]deadletter.Entry),
		maxMessages: maxMessages,
	}
}

func (h *Handler) Put(ctx context.Context, entry deadletter.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.entries[entry.ID]; !exists {
		h.order = append(h.order, entry.ID)
	}
	h.entries[entry.ID] = entry

	h.evictLocked()
	return nil
}

// evictLocked removes the oldest entries past maxMessages. Caller
// holds h.mu.
func (h *Handler) evictLocked() {
	if h.maxMessages <= 0 {
		return
	}
	for len(h.order) > h.maxMessages {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.entries, oldest)
	}
}

func (h *Handler) Get(ctx context.Context, id string) (*deadletter.Entry, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.entries[id]
	if !ok {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (h *Handler) List(ctx context.Context, offset, limit int) ([]deadletter.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= len(h.order) {
		return nil, nil
	}
	end := len(h.order)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]deadletter.Entry, 0, end-offset)
	for _, id := range h.order[offset:end] {
		out = append(out, h.entries[id])
	}
	return out, nil
}

func (h *Handler) Requeue(ctx context.Context, id string, republish func(ctx context.Context, queue string, payload []byte) error) error {
	h.mu.Lock()
	entry, ok := h.entries[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("memdeadletter: requeue: entry %s not found", id)
	}

	if err := republish(ctx, entry.Queue, entry.OriginalPayloadBytes); err != nil {
		return fmt.Errorf("memdeadletter: requeue: republish: %w", err)
	}

	return h.Delete(ctx, id)
}

func (h *Handler) Delete(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.entries[id]; !ok {
		return nil
	}
	delete(h.entries, id)
	for i, oid := range h.order {
		if oid == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	return nil
}

func (h *Handler) Purge(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = make(map[string]deadletter.Entry)
	h.order = nil
	return nil
}

func (h *Handler) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var removed int
	kept := h.order[:0:0]
	for _, id := range h.order {
		entry := h.entries[id]
		if entry.ExpiresAt != nil && now.After(*entry.ExpiresAt) {
			delete(h.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	h.order = kept
	return removed, nil
}

func (h *Handler) Close() error { return nil }
