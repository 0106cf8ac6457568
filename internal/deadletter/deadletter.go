// Package deadletter implements the dead-letter handler (§4.10): a
// durable holding area for terminally undeliverable messages, with
// metadata for operator triage and an FIFO max_messages cap.
package deadletter

import (
	"context"
	"time"
)

// Reason classifies why a message was dead-lettered (§4.9).
type Reason string

const (
	ReasonRejected           Reason = "rejected"
	ReasonExpired            Reason = "expired"
	ReasonUnknownTask        Reason = "unknown_task"
	ReasonMaxRetriesExceeded Reason = "max_retries_exceeded"
	ReasonRevoked            Reason = "revoked"
)

// Entry is one dead-lettered message (§4.10).
type Entry struct {
	ID                   string
	TaskID               string
	TaskName             string
	Queue                string
	OriginalPayloadBytes []byte
	Reason               Reason
	ExceptionType        string
	ExceptionMessage     string
	ExceptionStack       string
	Timestamp            time.Time
	ExpiresAt            *time.Time
}

// Handler is the contract any DLQ driver must satisfy.
type Handler interface {
	// Put stores entry, applying the configured max_messages FIFO
	// eviction if the cap would be exceeded.
	Put(ctx context.Context, entry Entry) error

	Get(ctx context.Context, id string) (*Entry, bool, error)

	// List returns up to limit entries starting at offset, ordered by
	// Timestamp ascending (oldest first, matching FIFO eviction order).
	List(ctx context.Context, offset, limit int) ([]Entry, error)

	// Requeue re-publishes the entry's original payload to republish
	// and deletes it from the DLQ. republish receives the queue name
	// and raw payload bytes and is responsible for putting the message
	// back on the broker.
	Requeue(ctx context.Context, id string, republish func(ctx context.Context, queue string, payload []byte) error) error

	Delete(ctx context.Context, id string) error

	Purge(ctx context.Context) error

	CleanupExpired(ctx context.Context, now time.Time) (int, error)

	Close() error
}

// Config controls DLQ admission and retention (§6).
type Config struct {
	Enabled     bool
	Reasons     map[Reason]bool
	MaxMessages int
	DefaultTTL  time.Duration
}

// Admits reports whether reason should be dead-lettered under cfg. An
// empty Reasons set admits every reason (the default).
func (c Config) Admits(reason Reason) bool {
	if !c.Enabled {
		return false
	}
	if len(c.Reasons) == 0 {
		return true
	}
	return c.Reasons[reason]
}
