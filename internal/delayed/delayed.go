// Package delayed defines the time-indexed holding area for ETA/
// countdown messages (§4.4), plus a promoter loop that republishes due
// entries to the broker.
package delayed

import (
	"context"
	"time"

	"github.com/kidoz/dotcelery/internal/message"
)

// Store is the contract any delayed-message driver must satisfy.
type Store interface {
	// Add inserts message for delivery at deliverAt. Idempotent per
	// message.ID: a second Add for the same id replaces the earlier
	// entry rather than creating a duplicate.
	Add(ctx context.Context, msg *message.TaskMessage, deliverAt time.Time) error

	// GetDue atomically claims and removes up to batchSize entries
	// whose deliver_at <= now, so two promoters never claim the same
	// entry.
	GetDue(ctx context.Context, now time.Time, batchSize int) ([]*message.TaskMessage, error)

	// Remove cancels a delayed entry; returns false if it was already
	// promoted (or never existed).
	Remove(ctx context.Context, taskID string) (bool, error)

	PendingCount(ctx context.Context) (int, error)

	// NextDeliveryTime returns the earliest pending deliver_at, or the
	// zero time if the store is empty.
	NextDeliveryTime(ctx context.Context) (time.Time, error)

	Close() error
}
