// Package storage is the PostgreSQL layer for the ingestion pipeline: the
// snapshot queue, the compressed archive, the three session tables and the
// activity stats table.
//
// Pool-scoped operations are methods on DB. Operations that must run inside
// the reconciler's per-snapshot transaction take a Querier, satisfied by
// *pgxpool.Pool, *pgx.Conn and pgx.Tx alike.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Querier is the query surface shared by pools, connections and
// transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB wraps the connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// Open opens a connection pool and verifies connectivity.
func Open(ctx context.Context, url string, maxConns int32) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	poolCfg.MaxConns = maxConns
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &DB{pool: pool}, nil
}

// OpenRetry opens the pool with bounded startup retries, for processes that
// may race their database at boot. Gives up after maxWait.
func OpenRetry(ctx context.Context, url string, maxConns int32, maxWait time.Duration, log *zap.Logger) (*DB, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = maxWait

	var db *DB
	op := func() error {
		var err error
		db, err = Open(ctx, url, maxConns)
		if err != nil {
			log.Warn("database not reachable yet", zap.Error(err))
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// Close closes the connection pool.
func (d *DB) Close() {
	d.pool.Close()
}

// Pool returns the underlying connection pool.
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

// Begin starts a transaction.
func (d *DB) Begin(ctx context.Context) (pgx.Tx, error) {
	return d.pool.Begin(ctx)
}

// CreateSchema creates all tables, the active_span trigger, the partial
// unique indexes that enforce the one-active-row-per-key invariants, and the
// GIST indexes used by time-slice readers.
func (d *DB) CreateSchema(ctx context.Context) error {
	schema := `
	-- Pending snapshots, drained oldest-first by the processor.
	CREATE TABLE IF NOT EXISTS datafeed_queue (
		id          UUID PRIMARY KEY,
		updated_at  TIMESTAMPTZ NOT NULL,
		payload     JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_queue_created_at ON datafeed_queue(created_at);
	CREATE INDEX IF NOT EXISTS idx_queue_updated_at ON datafeed_queue(updated_at);

	-- Processed snapshots, retained permanently. updated_at uniqueness is
	-- the idempotency key for the whole pipeline.
	CREATE TABLE IF NOT EXISTS datafeed_archive (
		id                   UUID PRIMARY KEY,
		updated_at           TIMESTAMPTZ NOT NULL,
		payload_compressed   BYTEA NOT NULL,
		original_size_bytes  INTEGER NOT NULL,
		compression_algo     TEXT NOT NULL,
		processed_at         TIMESTAMPTZ NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_datafeed_archive_updated_at ON datafeed_archive(updated_at);

	-- The payload bytes are already compressed; keep TOAST from compressing
	-- them again.
	ALTER TABLE datafeed_archive ALTER COLUMN payload_compressed SET STORAGE EXTERNAL;

	CREATE TABLE IF NOT EXISTS callsign_sessions (
		id          UUID PRIMARY KEY,
		prefix      TEXT NOT NULL,
		suffix      TEXT NOT NULL,
		start_time  TIMESTAMPTZ NOT NULL,
		end_time    TIMESTAMPTZ,
		duration    INTERVAL,
		last_seen   TIMESTAMPTZ NOT NULL,
		is_active   BOOLEAN NOT NULL,
		active_span TSTZRANGE NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_callsign_sessions_active
		ON callsign_sessions(prefix, suffix) WHERE is_active;
	CREATE INDEX IF NOT EXISTS idx_callsign_sessions_active_span
		ON callsign_sessions USING GIST (active_span);

	CREATE TABLE IF NOT EXISTS position_sessions (
		id          UUID PRIMARY KEY,
		position_id TEXT NOT NULL,
		start_time  TIMESTAMPTZ NOT NULL,
		end_time    TIMESTAMPTZ,
		duration    INTERVAL,
		last_seen   TIMESTAMPTZ NOT NULL,
		is_active   BOOLEAN NOT NULL,
		active_span TSTZRANGE NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_position_sessions_active
		ON position_sessions(position_id) WHERE is_active;
	CREATE INDEX IF NOT EXISTS idx_position_sessions_active_span
		ON position_sessions USING GIST (active_span);

	CREATE TABLE IF NOT EXISTS controller_sessions (
		id                  UUID PRIMARY KEY,
		cid                 INTEGER NOT NULL,
		name                TEXT NOT NULL,
		user_rating         TEXT NOT NULL,
		requested_rating    TEXT NOT NULL,
		connected_callsign  TEXT NOT NULL,
		primary_position_id TEXT NOT NULL,
		login_time          TIMESTAMPTZ NOT NULL,
		is_observer         BOOLEAN NOT NULL,
		start_time          TIMESTAMPTZ NOT NULL,
		end_time            TIMESTAMPTZ,
		duration            INTERVAL,
		last_seen           TIMESTAMPTZ NOT NULL,
		is_active           BOOLEAN NOT NULL,
		active_span         TSTZRANGE NOT NULL,
		close_reason        TEXT,
		callsign_session_id UUID NOT NULL REFERENCES callsign_sessions(id),
		position_session_id UUID NOT NULL REFERENCES position_sessions(id),
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_controller_sessions_active
		ON controller_sessions(cid) WHERE is_active;
	CREATE INDEX IF NOT EXISTS idx_controller_sessions_active_span
		ON controller_sessions USING GIST (active_span);
	CREATE INDEX IF NOT EXISTS idx_controller_sessions_cid ON controller_sessions(cid);

	-- One row per processed snapshot: the observability time series.
	CREATE TABLE IF NOT EXISTS session_activity_stats (
		observed_at        TIMESTAMPTZ PRIMARY KEY,
		active_controllers INTEGER NOT NULL,
		active_callsigns   INTEGER NOT NULL,
		active_positions   INTEGER NOT NULL
	);

	-- active_span is derived database-side from (start_time, end_time) so
	-- range readers stay correct regardless of application bugs.
	CREATE OR REPLACE FUNCTION session_active_span() RETURNS trigger AS $fn$
	BEGIN
		NEW.active_span := tstzrange(NEW.start_time, COALESCE(NEW.end_time, 'infinity'::timestamptz), '[)');
		RETURN NEW;
	END;
	$fn$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS trg_callsign_sessions_active_span ON callsign_sessions;
	CREATE TRIGGER trg_callsign_sessions_active_span
		BEFORE INSERT OR UPDATE ON callsign_sessions
		FOR EACH ROW EXECUTE FUNCTION session_active_span();

	DROP TRIGGER IF EXISTS trg_position_sessions_active_span ON position_sessions;
	CREATE TRIGGER trg_position_sessions_active_span
		BEFORE INSERT OR UPDATE ON position_sessions
		FOR EACH ROW EXECUTE FUNCTION session_active_span();

	DROP TRIGGER IF EXISTS trg_controller_sessions_active_span ON controller_sessions;
	CREATE TRIGGER trg_controller_sessions_active_span
		BEFORE INSERT OR UPDATE ON controller_sessions
		FOR EACH ROW EXECUTE FUNCTION session_active_span();
	`

	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// processorLockKey is the well-known advisory lock key that enforces the
// single-processor-per-database assumption.
const processorLockKey int64 = 0x76415443 // "vATC"

// ErrLockHeld is returned when another processor already holds the
// singleton lock.
var ErrLockHeld = errors.New("processor advisory lock held by another session")

// SingletonLock is an advisory lock pinned to one pooled connection for the
// life of the processor.
type SingletonLock struct {
	conn *pgxpool.Conn
}

// AcquireSingletonLock takes the processor advisory lock, or fails
// immediately with ErrLockHeld if another session holds it.
func (d *DB) AcquireSingletonLock(ctx context.Context) (*SingletonLock, error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", processorLockKey).Scan(&locked); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, ErrLockHeld
	}
	return &SingletonLock{conn: conn}, nil
}

// Release unlocks and returns the connection to the pool.
func (l *SingletonLock) Release(ctx context.Context) {
	_, _ = l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", processorLockKey)
	l.conn.Release()
}

// IsUniqueViolation reports whether err is a unique constraint violation on
// the named constraint (or any unique violation when constraint is empty).
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
