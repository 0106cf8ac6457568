// Package resultbackend defines the abstract store/fetch/await contract
// for task outcomes and state (§4.3). This is distinct from the
// teacher's VM-lifecycle "backend" package, which this domain has no
// use for — see DESIGN.md.
package resultbackend

import (
	"context"
	"time"

	"github.com/kidoz/dotcelery/internal/message"
)

// ResultBackend persists results and exposes a rendezvous for waiters.
type ResultBackend interface {
	// StoreResult persists result and state, notifies any local waiter
	// for result.TaskID, and (driver-dependent) publishes on a pub/sub
	// channel for cross-process waiters. If expiry is non-zero the
	// result expires after that duration.
	StoreResult(ctx context.Context, result *message.TaskResult, expiry time.Duration) error

	// GetResult returns the stored result, or nil if none exists yet.
	GetResult(ctx context.Context, taskID string) (*message.TaskResult, error)

	// WaitForResult blocks until a result is stored for taskID or
	// timeout elapses (timeout<=0 means wait forever, bounded by ctx).
	// Implementations must re-check the store after registering a
	// waiter to close the register-after-arrival race, and must remove
	// the waiter on every exit path.
	WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (*message.TaskResult, error)

	// UpdateState transitions taskID's state, validating against the
	// state machine (message.ValidTransition). metadata is attached to
	// the state record (e.g. progress info).
	UpdateState(ctx context.Context, taskID string, state message.State, metadata map[string]any) error

	// GetState returns the task's current state, or "" if unknown.
	GetState(ctx context.Context, taskID string) (message.State, error)

	Close() error
}

// ErrTimeout is returned by WaitForResult when the timeout elapses
// before a result is stored.
type ErrTimeout struct {
	TaskID  string
	Timeout time.Duration
}

func (e *ErrTimeout) Error() string {
	return "resultbackend: wait for result " + e.TaskID + " timed out after " + e.Timeout.String()
}
