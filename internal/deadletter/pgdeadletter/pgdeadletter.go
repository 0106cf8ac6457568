// Package pgdeadletter implements deadletter.Handler atop Postgres,
// grounded on the teacher's
// MarkAsyncInvocationDLQ/RequeueAsyncInvocation status-transition
// idiom in internal/store/async_invocations.go, generalized to the
// richer DLQ entry schema and a FIFO max_messages eviction trigger.
package pgdeadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kidoz/dotcelery/internal/deadletter"
)

// Handler is a Postgres-backed dead-letter store.
type Handler struct {
	pool        *pgxpool.Pool
	maxMessages int
}

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	task_name TEXT NOT NULL,
	queue TEXT NOT NULL,
	original_payload BYTEA NOT NULL,
	reason TEXT NOT NULL,
	exception_type TEXT,
	exception_message TEXT,
	exception_stack TEXT,
	ts TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_ts ON dead_letters (ts);
CREATE INDEX IF NOT EXISTS idx_dead_letters_expires_at ON dead_letters (expires_at);
`

// New opens a Postgres-backed DLQ and ensures its schema.
// maxMessages <= 0 means unbounded.
func New(ctx context.Context, pool *pgxpool.Pool, maxMessages int) (*Handler, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("pgdeadletter: ensure schema: %w", err)
	}
	return &Handler{pool: pool, maxMessages: maxMessages}, nil
}

func (h *Handler) Put(ctx context.Context, entry deadletter.Entry) error {
	_, err := h.pool.Exec(ctx, `
		INSERT INTO dead_letters (
			id, task_id, task_name, queue, original_payload, reason,
			exception_type, exception_message, exception_stack, ts, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			reason = EXCLUDED.reason,
			exception_type = EXCLUDED.exception_type,
			exception_message = EXCLUDED.exception_message,
			exception_stack = EXCLUDED.exception_stack,
			ts = EXCLUDED.ts,
			expires_at = EXCLUDED.expires_at
	`, entry.ID, entry.TaskID, entry.TaskName, entry.Queue, entry.OriginalPayloadBytes,
		string(entry.Reason), entry.ExceptionType, entry.ExceptionMessage, entry.ExceptionStack,
		entry.Timestamp, entry.ExpiresAt)
	if err != nil {
		return fmt.Errorf("pgdeadletter: put: %w", err)
	}

	if h.maxMessages > 0 {
		if _, err := h.pool.Exec(ctx, `
			DELETE FROM dead_letters
			WHERE id IN (
				SELECT id FROM dead_letters
				ORDER BY ts DESC
				OFFSET $1
			)
		`, h.maxMessages); err != nil {
			return fmt.Errorf("pgdeadletter: evict over cap: %w", err)
		}
	}
	return nil
}

func (h *Handler) Get(ctx context.Context, id string) (*deadletter.Entry, bool, error) {
	entry, err := scanEntry(h.pool.QueryRow(ctx, `
		SELECT id, task_id, task_name, queue, original_payload, reason,
		       exception_type, exception_message, exception_stack, ts, expires_at
		FROM dead_letters WHERE id = $1
	`, id))
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pgdeadletter: get: %w", err)
	}
	return entry, true, nil
}

func (h *Handler) List(ctx context.Context, offset, limit int) ([]deadletter.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := h.pool.Query(ctx, `
		SELECT id, task_id, task_name, queue, original_payload, reason,
		       exception_type, exception_message, exception_stack, ts, expires_at
		FROM dead_letters ORDER BY ts ASC OFFSET $1 LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("pgdeadletter: list: %w", err)
	}
	defer rows.Close()

	var out []deadletter.Entry
	for rows.Next() {
		entry, err := scanEntryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("pgdeadletter: scan: %w", err)
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

func (h *Handler) Requeue(ctx context.Context, id string, republish func(ctx context.Context, queue string, payload []byte) error) error {
	entry, ok, err := h.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pgdeadletter: requeue: entry %s not found", id)
	}
	if err := republish(ctx, entry.Queue, entry.OriginalPayloadBytes); err != nil {
		return fmt.Errorf("pgdeadletter: requeue: republish: %w", err)
	}
	return h.Delete(ctx, id)
}

func (h *Handler) Delete(ctx context.Context, id string) error {
	if _, err := h.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id); err != nil {
		return fmt.Errorf("pgdeadletter: delete: %w", err)
	}
	return nil
}

func (h *Handler) Purge(ctx context.Context) error {
	if _, err := h.pool.Exec(ctx, `TRUNCATE dead_letters`); err != nil {
		return fmt.Errorf("pgdeadletter: purge: %w", err)
	}
	return nil
}

func (h *Handler) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := h.pool.Exec(ctx, `DELETE FROM dead_letters WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("pgdeadletter: cleanup expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (h *Handler) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row pgx.Row) (*deadletter.Entry, error) {
	return scanEntryRow(row)
}

func scanEntryRow(row rowScanner) (*deadletter.Entry, error) {
	var e deadletter.Entry
	var reason string
	var exceptionType, exceptionMessage, exceptionStack *string
	if err := row.Scan(
		&e.ID, &e.TaskID, &e.TaskName, &e.Queue, &e.OriginalPayloadBytes, &reason,
		&exceptionType, &exceptionMessage, &exceptionStack, &e.Timestamp, &e.ExpiresAt,
	); err != nil {
		return nil, err
	}
	e.Reason = deadletter.Reason(reason)
	if exceptionType != nil {
		e.ExceptionType = *exceptionType
	}
	if exceptionMessage != nil {
		e.ExceptionMessage = *exceptionMessage
	}
	if exceptionStack != nil {
		e.ExceptionStack = *exceptionStack
	}
	return &e, nil
}
