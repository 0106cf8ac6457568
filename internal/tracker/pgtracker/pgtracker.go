// Package pgtracker implements tracker.Tracker atop Postgres, grounded
// on internal/delayed/pgdelayed's upsert-with-conditional-overwrite
// idiom: the lease row is claimed with an INSERT ... ON CONFLICT DO
// UPDATE whose WHERE clause encodes the same compare-and-set rule as
// the in-memory driver (expired lease or matching task id).
package pgtracker

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Tracker is a Postgres-backed execution tracker.
type Tracker struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS execution_leases (
	lease_key TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_leases_expires_at ON execution_leases (expires_at);
`

// New opens a Postgres-backed execution tracker and ensures its schema.
func New(ctx context.Context, pool *pgxpool.Pool) (*Tracker, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("pgtracker: ensure schema: %w", err)
	}
	return &Tracker{pool: pool}, nil
}

func (t *Tracker) TryStart(ctx context.Context, taskName, taskID, key string, timeout time.Duration) (bool, error) {
	leaseKey := leaseKeyFor(taskName, key)
	now := time.Now()
	tag, err := t.pool.Exec(ctx, `
		INSERT INTO execution_leases (lease_key, task_id, started_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lease_key) DO UPDATE SET
			task_id = EXCLUDED.task_id,
			started_at = EXCLUDED.started_at,
			expires_at = EXCLUDED.expires_at
		WHERE execution_leases.expires_at < $3
		   OR execution_leases.task_id = $2
	`, leaseKey, taskID, now, now.Add(timeout))
	if err != nil {
		return false, fmt.Errorf("pgtracker: try start: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *Tracker) Stop(ctx context.Context, taskName, taskID, key string) error {
	leaseKey := leaseKeyFor(taskName, key)
	_, err := t.pool.Exec(ctx, `
		DELETE FROM execution_leases WHERE lease_key = $1 AND task_id = $2
	`, leaseKey, taskID)
	if err != nil {
		return fmt.Errorf("pgtracker: stop: %w", err)
	}
	return nil
}

func (t *Tracker) Extend(ctx context.Context, taskName, taskID, key string, extension time.Duration) error {
	leaseKey := leaseKeyFor(taskName, key)
	_, err := t.pool.Exec(ctx, `
		UPDATE execution_leases SET expires_at = expires_at + $3
		WHERE lease_key = $1 AND task_id = $2
	`, leaseKey, taskID, extension)
	if err != nil {
		return fmt.Errorf("pgtracker: extend: %w", err)
	}
	return nil
}

func (t *Tracker) Close() error { return nil }

// CleanupExpired removes stale leases left by crashed workers past
// their grace period, for an operator-scheduled maintenance job.
func (t *Tracker) CleanupExpired(ctx context.Context, grace time.Duration) (int64, error) {
	tag, err := t.pool.Exec(ctx, `DELETE FROM execution_leases WHERE expires_at < $1`, time.Now().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("pgtracker: cleanup expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func leaseKeyFor(taskName, key string) string {
	if key == "" {
		return taskName
	}
	return taskName + ":" + key
}
