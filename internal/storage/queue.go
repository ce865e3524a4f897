package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// queueChannel is the NOTIFY channel the fetcher signals after enqueueing.
const queueChannel = "datafeed_queue"

// QueuedSnapshot is one pending raw snapshot awaiting processing.
type QueuedSnapshot struct {
	ID        uuid.UUID
	UpdatedAt time.Time
	Payload   []byte
	CreatedAt time.Time
}

// Enqueue inserts a raw snapshot into the queue and notifies listeners, in
// one transaction.
func (d *DB) Enqueue(ctx context.Context, updatedAt time.Time, payload []byte) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("new queue id: %w", err)
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO datafeed_queue (id, updated_at, payload)
		VALUES ($1, $2, $3)
	`, id, updatedAt, payload)
	if err != nil {
		return fmt.Errorf("insert queue row: %w", err)
	}

	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", queueChannel, id.String()); err != nil {
		return fmt.Errorf("notify queue: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	return nil
}

// OldestQueued claims the oldest pending snapshot, locking the row for the
// caller's transaction. Returns nil when the queue is empty.
func OldestQueued(ctx context.Context, q Querier) (*QueuedSnapshot, error) {
	var s QueuedSnapshot
	err := q.QueryRow(ctx, `
		SELECT id, updated_at, payload, created_at
		FROM datafeed_queue
		ORDER BY updated_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`).Scan(&s.ID, &s.UpdatedAt, &s.Payload, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim oldest queue row: %w", err)
	}
	return &s, nil
}

// DeleteQueued removes a consumed queue row.
func DeleteQueued(ctx context.Context, q Querier, id uuid.UUID) error {
	if _, err := q.Exec(ctx, "DELETE FROM datafeed_queue WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete queue row: %w", err)
	}
	return nil
}

// LastKnownUpdatedAt returns the newest snapshot time across queue and
// archive, or nil when both are empty. Seeds the fetcher's high-water mark
// on startup.
func (d *DB) LastKnownUpdatedAt(ctx context.Context) (*time.Time, error) {
	var ts *time.Time
	err := d.pool.QueryRow(ctx, `
		SELECT GREATEST(
			(SELECT MAX(updated_at) FROM datafeed_queue),
			(SELECT MAX(updated_at) FROM datafeed_archive)
		)
	`).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("query last known updated_at: %w", err)
	}
	return ts, nil
}

// QueueListener holds a dedicated connection subscribed to queue
// notifications.
type QueueListener struct {
	conn *pgxpool.Conn
}

// ListenQueue subscribes a dedicated pooled connection to the queue channel.
func (d *DB) ListenQueue(ctx context.Context) (*QueueListener, error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+queueChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", queueChannel, err)
	}
	return &QueueListener{conn: conn}, nil
}

// Wait blocks until a queue notification arrives or maxWait elapses.
// A timeout is a normal wake-up, not an error, so the drain loop still polls
// even if a notification is lost.
func (l *QueueListener) Wait(ctx context.Context, maxWait time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	_, err := l.conn.Conn().WaitForNotification(waitCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil
	}
	return err
}

// Close releases the listening connection.
func (l *QueueListener) Close() {
	l.conn.Release()
}
