// Package memresultbackend is an in-process ResultBackend, grounded on
// the teacher's internal/jobtracker.Tracker (map + mutex + TTL cleanup
// loop) generalized to also hold per-task rendezvous channels for
// WaitForResult.
package memresultbackend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kidoz/dotcelery/internal/message"
	"github.com/kidoz/dotcelery/internal/resultbackend"
)

type entry struct {
	result    *message.TaskResult
	state     message.State
	metadata  map[string]any
	expiresAt time.Time
}

// Backend is an in-memory ResultBackend suitable for tests and
// single-process deployments.
type Backend struct {
	mu      sync.Mutex
	entries map[string]*entry
	waiters map[string][]chan *message.TaskResult
	closeCh chan struct{}
}

const defaultCleanupInterval = 30 * time.Second

// New creates an in-memory result backend with a background expiry
// sweep, mirroring jobtracker.Tracker.cleanupLoop.
func New() *Backend {
	b := &Backend{
		entries: make(map[string]*entry),
		waiters: make(map[string][]chan *message.TaskResult),
		closeCh: make(chan struct{}),
	}
	go b.cleanupLoop()
	return b
}

func (b *Backend) StoreResult(ctx context.Context, result *message.TaskResult, expiry time.Duration) error {
	b.mu.Lock()
	e, ok := b.entries[result.TaskID]
	if ok && e.state.Terminal() && !message.ValidTransition(e.state, result.State) && e.state != result.State {
		b.mu.Unlock()
		return fmt.Errorf("memresultbackend: refusing to overwrite terminal state %s with %s for %s", e.state, result.State, result.TaskID)
	}
	var expiresAt time.Time
	if expiry > 0 {
		expiresAt = time.Now().Add(expiry)
	}
	b.entries[result.TaskID] = &entry{result: result, state: result.State, expiresAt: expiresAt}
	waiters := b.waiters[result.TaskID]
	delete(b.waiters, result.TaskID)
	b.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- result:
		default:
		}
	}
	return nil
}

func (b *Backend) GetResult(ctx context.Context, taskID string) (*message.TaskResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[taskID]
	if !ok || e.result == nil {
		return nil, nil
	}
	return e.result, nil
}

func (b *Backend) WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (*message.TaskResult, error) {
	// Fast path: result already present.
	if r, _ := b.GetResult(ctx, taskID); r != nil {
		return r, nil
	}

	ch := make(chan *message.TaskResult, 1)
	b.mu.Lock()
	// Re-check under lock: the result may have landed between the fast
	// path check above and acquiring the lock here.
	if e, ok := b.entries[taskID]; ok && e.result != nil {
		b.mu.Unlock()
		return e.result, nil
	}
	b.waiters[taskID] = append(b.waiters[taskID], ch)
	b.mu.Unlock()

	cleanup := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.waiters[taskID]
		for i, c := range list {
			if c == ch {
				b.waiters[taskID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.waiters[taskID]) == 0 {
			delete(b.waiters, taskID)
		}
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-ch:
		return r, nil
	case <-timeoutCh:
		cleanup()
		return nil, &resultbackend.ErrTimeout{TaskID: taskID, Timeout: timeout}
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

func (b *Backend) UpdateState(ctx context.Context, taskID string, state message.State, metadata map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[taskID]
	if !ok {
		b.entries[taskID] = &entry{state: state, metadata: metadata}
		return nil
	}
	if e.state.Terminal() {
		if e.state == state {
			return nil
		}
		// Refuse to overwrite a terminal state with a non-terminal one
		// (§4.1).
		return nil
	}
	if !message.ValidTransition(e.state, state) {
		return fmt.Errorf("memresultbackend: illegal transition %s -> %s for %s", e.state, state, taskID)
	}
	e.state = state
	if metadata != nil {
		e.metadata = metadata
	}
	return nil
}

func (b *Backend) GetState(ctx context.Context, taskID string) (message.State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[taskID]
	if !ok {
		return "", nil
	}
	return e.state, nil
}

// GetStateMetadata returns the metadata most recently attached via
// UpdateState for taskID (e.g. progress info), or nil if none exists.
func (b *Backend) GetStateMetadata(ctx context.Context, taskID string) (map[string]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[taskID]
	if !ok {
		return nil, false
	}
	return e.metadata, true
}

func (b *Backend) Close() error {
	close(b.closeCh)
	return nil
}

func (b *Backend) cleanupLoop() {
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.closeCh:
			return
		case now := <-ticker.C:
			b.mu.Lock()
			for id, e := range b.entries {
				if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
					delete(b.entries, id)
				}
			}
			b.mu.Unlock()
		}
	}
}
