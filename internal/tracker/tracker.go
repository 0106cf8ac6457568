// Package tracker implements the execution tracker (§4.7): an
// at-most-one-per-(task_name, key) lease with auto-expiry, used by the
// pipeline's overlap gate to enforce prevent_overlapping.
package tracker

import (
	"context"
	"time"
)

// Tracker is the contract any overlap-prevention driver must satisfy.
type Tracker interface {
	// TryStart attempts to acquire the lease for (taskName, key).
	// Succeeds when no record exists, the existing record has expired,
	// or the existing record's task id equals taskID (re-entry for the
	// same task). On success the record expires at now+timeout unless
	// extended.
	TryStart(ctx context.Context, taskName, taskID, key string, timeout time.Duration) (bool, error)

	// Stop releases the lease iff the stored task id matches taskID.
	Stop(ctx context.Context, taskName, taskID, key string) error

	// Extend renews the lease's TTL iff the stored task id matches
	// taskID, for long-running handlers that self-report progress.
	Extend(ctx context.Context, taskName, taskID, key string, extension time.Duration) error

	Close() error
}

// Key composes the tracker record key from task name and overlap key.
// An empty key means the lease is scoped to the task name alone (every
// invocation of that task excludes every other invocation of it).
func Key(taskName, key string) string {
	if key == "" {
		return taskName
	}
	return taskName + ":" + key
}
