// Package pgdelayed implements delayed.Store atop Postgres, grounded
// directly on the teacher's store.AcquireDueAsyncInvocations claim
// query: a correlated subquery with FOR UPDATE SKIP LOCKED ensures two
// promoters never claim the same entry (§4.4).
package pgdelayed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kidoz/dotcelery/internal/message"
)

// Store is a Postgres-backed delayed-message store.
type Store struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS delayed_messages (
	task_id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	deliver_at TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_delayed_messages_deliver_at ON delayed_messages (deliver_at);
`

// New opens a Postgres-backed delayed store and ensures its schema.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("pgdelayed: ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Add(ctx context.Context, msg *message.TaskMessage, deliverAt time.Time) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pgdelayed: marshal message: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO delayed_messages (task_id, queue, deliver_at, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id) DO UPDATE SET
			queue = EXCLUDED.queue,
			deliver_at = EXCLUDED.deliver_at,
			payload = EXCLUDED.payload
	`, msg.ID, msg.Queue, deliverAt, payload)
	if err != nil {
		return fmt.Errorf("pgdelayed: add: %w", err)
	}
	return nil
}

// GetDue atomically deletes and returns up to batchSize due entries in
// a single statement, mirroring AcquireDueAsyncInvocations's
// claim-by-update-returning shape (here a claim-by-delete-returning,
// since a promoted delayed entry has no further life in this table).
func (s *Store) GetDue(ctx context.Context, now time.Time, batchSize int) ([]*message.TaskMessage, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM delayed_messages
		WHERE task_id IN (
			SELECT task_id FROM delayed_messages
			WHERE deliver_at <= $1
			ORDER BY deliver_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		RETURNING payload
	`, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("pgdelayed: get due: %w", err)
	}
	defer rows.Close()

	var due []*message.TaskMessage
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("pgdelayed: scan due: %w", err)
		}
		var msg message.TaskMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		due = append(due, &msg)
	}
	return due, rows.Err()
}

func (s *Store) Remove(ctx context.Context, taskID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM delayed_messages WHERE task_id = $1`, taskID)
	if err != nil {
		return false, fmt.Errorf("pgdelayed: remove: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM delayed_messages`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pgdelayed: pending count: %w", err)
	}
	return count, nil
}

func (s *Store) NextDeliveryTime(ctx context.Context) (time.Time, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx, `SELECT min(deliver_at) FROM delayed_messages`).Scan(&t)
	if err != nil {
		if err == pgx.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("pgdelayed: next delivery time: %w", err)
	}
	if t == nil {
		return time.Time{}, nil
	}
	return *t, nil
}

func (s *Store) Close() error { return nil }
