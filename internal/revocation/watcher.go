package revocation

import (
	"context"
	"sync"

	"github.com/kidoz/dotcelery/internal/queue"
)

// Watcher injects a cancellation signal into any in-flight dispatch
// whose task id is revoked with terminate=true, subscribing to a
// notifier channel for cross-goroutine (and, with a distributed
// notifier, cross-process) revocation events. Grounded on the
// teacher's eventbus subscribe-and-react pattern.
type Watcher struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewWatcher creates an empty revocation watcher.
func NewWatcher() *Watcher {
	return &Watcher{cancels: make(map[string]context.CancelFunc)}
}

// Track registers cancel to be invoked if taskID is terminate-revoked
// while in flight. Returns an untrack func to call when the dispatch
// completes normally.
func (w *Watcher) Track(taskID string, cancel context.CancelFunc) (untrack func()) {
	w.mu.Lock()
	w.cancels[taskID] = cancel
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.cancels, taskID)
		w.mu.Unlock()
	}
}

// Terminate fires the tracked cancellation for taskID, if any is
// currently in flight.
func (w *Watcher) Terminate(taskID string) {
	w.mu.Lock()
	cancel, ok := w.cancels[taskID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

// InFlight returns a snapshot of task ids currently tracked.
func (w *Watcher) InFlight() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.cancels))
	for id := range w.cancels {
		ids = append(ids, id)
	}
	return ids
}

// WatchNotifier subscribes to revocation notifications on notifier and
// calls onSignal for each one received, until ctx is done. The
// payload carried over the notifier channel is out of band (the
// notifier only signals "something changed"); callers pair this with
// an is_revoked poll or a side-channel task id, matching the
// teacher's Notifier contract (signal-only, not payload-carrying).
func WatchNotifier(ctx context.Context, notifier queue.Notifier, qt queue.QueueType, onSignal func()) {
	ch := notifier.Subscribe(ctx, qt)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				onSignal()
			}
		}
	}()
}
