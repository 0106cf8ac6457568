// Package progress implements the progress reporter (§4.11): clamps
// percentage to [0, 100], writes a Progress state update (with
// structured progress info) through the result backend, and dispatches
// a ProgressUpdated signal. Generalized from the teacher's
// internal/jobtracker.Tracker, which kept progress purely in memory;
// here the local cache is retained for fast reads but the backend
// write is authoritative, since cross-process waiters and CLI
// inspection need it durable (or at least cross-goroutine) rather than
// scoped to one worker process.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/kidoz/dotcelery/internal/message"
	"github.com/kidoz/dotcelery/internal/resultbackend"
)

// Info is the structured progress record carried in a Progress state
// update (§4.11).
type Info struct {
	Percent        float64   `json:"percent"`
	Message        string    `json:"message"`
	ItemsProcessed int       `json:"items_processed"`
	TotalItems     int       `json:"total_items"`
	Step           string    `json:"current_step"`
	Timestamp      time.Time `json:"timestamp"`
}

// SignalDispatcher emits out-of-band signals (e.g. ProgressUpdated) for
// cross-process observers. Optional; a nil dispatcher is a no-op.
type SignalDispatcher interface {
	Dispatch(ctx context.Context, taskID string, signal string, payload any)
}

// ProgressUpdated is the signal name dispatched on every Update call.
const ProgressUpdated = "progress_updated"

// Reporter implements registry.ProgressReporter, writing through to a
// ResultBackend and caching the latest value locally for fast reads.
type Reporter struct {
	backend resultbackend.ResultBackend
	signals SignalDispatcher

	mu     sync.RWMutex
	latest map[string]Info
}

// New creates a progress reporter backed by backend. signals may be
// nil.
func New(backend resultbackend.ResultBackend, signals SignalDispatcher) *Reporter {
	return &Reporter{
		backend: backend,
		signals: signals,
		latest:  make(map[string]Info),
	}
}

// Update implements registry.ProgressReporter. Safe to call from
// handler code concurrently with the pipeline's own state updates; the
// Progress -> Progress self-loop is explicitly legal in the state
// machine (message.ValidTransition).
func (r *Reporter) Update(taskID string, percent float64, msg string, itemsProcessed, totalItems int, step string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	info := Info{
		Percent:        percent,
		Message:        msg,
		ItemsProcessed: itemsProcessed,
		TotalItems:     totalItems,
		Step:           step,
		Timestamp:      time.Now(),
	}

	r.mu.Lock()
	r.latest[taskID] = info
	r.mu.Unlock()

	ctx := context.Background()
	metadata := map[string]any{
		"percent":         info.Percent,
		"message":         info.Message,
		"items_processed": info.ItemsProcessed,
		"total_items":     info.TotalItems,
		"current_step":    info.Step,
		"timestamp":       info.Timestamp,
	}
	_ = r.backend.UpdateState(ctx, taskID, message.StateProgress, metadata)

	if r.signals != nil {
		r.signals.Dispatch(ctx, taskID, ProgressUpdated, info)
	}
}

// Get returns the most recently reported progress for taskID from the
// local cache, without a backend round trip.
func (r *Reporter) Get(taskID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.latest[taskID]
	return info, ok
}

// Forget drops the cached entry for taskID. The pipeline does not call
// it; cached entries stay until a caller forgets them.
func (r *Reporter) Forget(taskID string) {
	r.mu.Lock()
	delete(r.latest, taskID)
	r.mu.Unlock()
}
