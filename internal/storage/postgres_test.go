package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"datafeed_ingest/internal/codec"
	"datafeed_ingest/internal/feed"
)

// setupTestDB connects to the test database, creating the schema. Returns
// nil when no PostgreSQL connection is available.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}
	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		user = "datafeed"
	}
	password := os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		password = "datafeed"
	}
	database := os.Getenv("POSTGRES_DB")
	if database == "" {
		database = "datafeed_ingest"
	}

	ctx := context.Background()
	url := fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable", user, password, host, database)
	db, err := Open(ctx, url, 4)
	if err != nil {
		return nil
	}
	if err := db.CreateSchema(ctx); err != nil {
		db.Close()
		return nil
	}
	return db
}

func truncateAll(t *testing.T, db *DB) {
	t.Helper()
	_, err := db.pool.Exec(context.Background(), `
		TRUNCATE datafeed_queue, datafeed_archive, session_activity_stats,
		         controller_sessions, callsign_sessions, position_sessions
	`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
}

func TestQueueClaimAndDelete(t *testing.T) {
	db := setupTestDB(t)
	if db == nil {
		t.Skip("No PostgreSQL connection available")
	}
	defer db.Close()
	truncateAll(t, db)

	ctx := context.Background()
	t1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(15 * time.Second)

	// Enqueue out of order; the claim must still be oldest-first.
	if err := db.Enqueue(ctx, t2, []byte(`{"general":{"update_timestamp":"2025-01-01T00:00:15Z"}}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := db.Enqueue(ctx, t1, []byte(`{"general":{"update_timestamp":"2025-01-01T00:00:00Z"}}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback(ctx)

	claimed, err := OldestQueued(ctx, tx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || !claimed.UpdatedAt.Equal(t1) {
		t.Fatalf("claimed = %+v, want updated_at %v", claimed, t1)
	}
	if err := DeleteQueued(ctx, tx, claimed.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	tx2, err := db.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx2.Rollback(ctx)
	next, err := OldestQueued(ctx, tx2)
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || !next.UpdatedAt.Equal(t2) {
		t.Fatalf("next = %+v, want updated_at %v", next, t2)
	}
}

func TestOldestQueuedEmpty(t *testing.T) {
	db := setupTestDB(t)
	if db == nil {
		t.Skip("No PostgreSQL connection available")
	}
	defer db.Close()
	truncateAll(t, db)

	ctx := context.Background()
	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback(ctx)

	claimed, err := OldestQueued(ctx, tx)
	if err != nil {
		t.Fatalf("claim on empty queue: %v", err)
	}
	if claimed != nil {
		t.Errorf("claimed = %+v, want nil", claimed)
	}
}

func TestLastKnownUpdatedAt(t *testing.T) {
	db := setupTestDB(t)
	if db == nil {
		t.Skip("No PostgreSQL connection available")
	}
	defer db.Close()
	truncateAll(t, db)

	ctx := context.Background()

	ts, err := db.LastKnownUpdatedAt(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ts != nil {
		t.Errorf("empty db high water = %v, want nil", ts)
	}

	tQueue := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tArchive := tQueue.Add(time.Minute)
	if err := db.Enqueue(ctx, tQueue, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := InsertArchive(ctx, db.Pool(), tArchive, codec.Compress([]byte(`{}`)), time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	ts, err = db.LastKnownUpdatedAt(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ts == nil || !ts.Equal(tArchive) {
		t.Errorf("high water = %v, want %v", ts, tArchive)
	}
}

func TestArchiveIdempotencyKey(t *testing.T) {
	db := setupTestDB(t)
	if db == nil {
		t.Skip("No PostgreSQL connection available")
	}
	defer db.Close()
	truncateAll(t, db)

	ctx := context.Background()
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	raw := []byte(`{"general":{"update_timestamp":"2025-01-01T00:00:00Z"},"controllers":[]}`)

	if err := InsertArchive(ctx, db.Pool(), ts, codec.Compress(raw), time.Now().UTC()); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	err := InsertArchive(ctx, db.Pool(), ts, codec.Compress(raw), time.Now().UTC())
	if err == nil {
		t.Fatal("duplicate updated_at did not fail")
	}
	if !IsUniqueViolation(err, ArchiveUpdatedAtConstraint) {
		t.Errorf("error %v is not the archive unique violation", err)
	}

	// Round trip through compression.
	payload, err := db.ArchivedPayload(ctx, ts)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != string(raw) {
		t.Errorf("archived payload = %s, want %s", payload, raw)
	}
}

func TestActivitySampleConflictDoesNothing(t *testing.T) {
	db := setupTestDB(t)
	if db == nil {
		t.Skip("No PostgreSQL connection available")
	}
	defer db.Close()
	truncateAll(t, db)

	ctx := context.Background()
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := InsertActivitySample(ctx, db.Pool(), ActivitySample{ObservedAt: ts, ActiveControllers: 3, ActiveCallsigns: 2, ActivePositions: 2}); err != nil {
		t.Fatal(err)
	}
	// Second insert for the same observed_at must be a no-op, not an error.
	if err := InsertActivitySample(ctx, db.Pool(), ActivitySample{ObservedAt: ts, ActiveControllers: 9, ActiveCallsigns: 9, ActivePositions: 9}); err != nil {
		t.Fatal(err)
	}

	samples, err := db.ActivitySamples(ctx, ts, ts.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 || samples[0].ActiveControllers != 3 {
		t.Errorf("samples = %+v, want one row with the original counts", samples)
	}
}

func TestPartialUniqueIndexEnforcesOneActive(t *testing.T) {
	db := setupTestDB(t)
	if db == nil {
		t.Skip("No PostgreSQL connection available")
	}
	defer db.Close()
	truncateAll(t, db)

	ctx := context.Background()
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	key := feed.CallsignKey{Prefix: "SFO", Suffix: "TWR"}

	first, err := InsertCallsignSession(ctx, db.Pool(), key, ts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := InsertCallsignSession(ctx, db.Pool(), key, ts.Add(time.Second)); !IsUniqueViolation(err, "") {
		t.Errorf("second active row for the same key: err = %v, want unique violation", err)
	}

	// After closing the first, a new active row is allowed.
	if _, err := CloseCallsignSessions(ctx, db.Pool(), []uuid.UUID{first}, ts.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := InsertCallsignSession(ctx, db.Pool(), key, ts.Add(2*time.Minute)); err != nil {
		t.Errorf("insert after close failed: %v", err)
	}
}

func TestActiveSpanTrigger(t *testing.T) {
	db := setupTestDB(t)
	if db == nil {
		t.Skip("No PostgreSQL connection available")
	}
	defer db.Close()
	truncateAll(t, db)

	ctx := context.Background()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)

	id, err := InsertPositionSession(ctx, db.Pool(), "SFO_GND", start)
	if err != nil {
		t.Fatal(err)
	}

	var unbounded bool
	err = db.pool.QueryRow(ctx, `
		SELECT upper_inf(active_span) AND lower(active_span) = start_time
		FROM position_sessions WHERE id = $1
	`, id).Scan(&unbounded)
	if err != nil {
		t.Fatal(err)
	}
	if !unbounded {
		t.Error("active row span is not [start_time, infinity)")
	}

	if _, err := ClosePositionSessions(ctx, db.Pool(), []uuid.UUID{id}, end); err != nil {
		t.Fatal(err)
	}

	var bounded bool
	var durationSeconds float64
	err = db.pool.QueryRow(ctx, `
		SELECT active_span = tstzrange(start_time, end_time, '[)'),
		       EXTRACT(EPOCH FROM duration)
		FROM position_sessions WHERE id = $1
	`, id).Scan(&bounded, &durationSeconds)
	if err != nil {
		t.Fatal(err)
	}
	if !bounded {
		t.Error("closed row span was not recomputed to [start_time, end_time)")
	}
	if durationSeconds != 1800 {
		t.Errorf("duration = %vs, want 1800s", durationSeconds)
	}
}

func TestSingletonLock(t *testing.T) {
	db := setupTestDB(t)
	if db == nil {
		t.Skip("No PostgreSQL connection available")
	}
	defer db.Close()

	ctx := context.Background()
	lock, err := db.AcquireSingletonLock(ctx)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}

	// A second database session must be refused.
	db2 := setupTestDB(t)
	if db2 == nil {
		t.Skip("No PostgreSQL connection available")
	}
	defer db2.Close()

	if _, err := db2.AcquireSingletonLock(ctx); err != ErrLockHeld {
		t.Errorf("second lock err = %v, want ErrLockHeld", err)
	}

	lock.Release(ctx)
	lock2, err := db2.AcquireSingletonLock(ctx)
	if err != nil {
		t.Errorf("lock after release: %v", err)
	} else {
		lock2.Release(ctx)
	}
}

func TestQueueListenerNotifies(t *testing.T) {
	db := setupTestDB(t)
	if db == nil {
		t.Skip("No PostgreSQL connection available")
	}
	defer db.Close()
	truncateAll(t, db)

	ctx := context.Background()
	listener, err := db.ListenQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	done := make(chan error, 1)
	go func() {
		done <- listener.Wait(ctx, 5*time.Second)
	}()

	time.Sleep(100 * time.Millisecond)
	if err := db.Enqueue(ctx, time.Now().UTC(), []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("listener did not wake on notification")
	}
}
