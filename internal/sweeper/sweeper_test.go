package sweeper

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"datafeed_ingest/internal/feed"
	"datafeed_ingest/internal/storage"
)

func setupTestDB(t *testing.T) *storage.DB {
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
	db, err := storage.Open(ctx, url, 4)
	if err != nil {
		return nil
	}
	if err := db.CreateSchema(ctx); err != nil {
		db.Close()
		return nil
	}
	_, err = db.Pool().Exec(ctx, `
		TRUNCATE controller_sessions, callsign_sessions, position_sessions
	`)
	if err != nil {
		db.Close()
		return nil
	}
	return db
}

func TestSweepClosesStrandedSessions(t *testing.T) {
	db := setupTestDB(t)
	if db == nil {
		t.Skip("No PostgreSQL connection available")
	}
	defer db.Close()

	ctx := context.Background()

	// A session last seen ten minutes ago, with a 45s grace window.
	lastSeen := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Microsecond)
	start := lastSeen.Add(-time.Hour)

	callsignID, err := storage.InsertCallsignSession(ctx, db.Pool(), feed.CallsignKey{Prefix: "SFO", Suffix: "TWR"}, start)
	if err != nil {
		t.Fatal(err)
	}
	positionID, err := storage.InsertPositionSession(ctx, db.Pool(), "SFO_TWR", start)
	if err != nil {
		t.Fatal(err)
	}
	controllerID, err := storage.InsertControllerSession(ctx, db.Pool(), feed.Controller{
		CID:               100,
		Name:              "Jane Roe",
		Rating:            "Controller1",
		RequestedRating:   "Controller2",
		Callsign:          "SFO_TWR",
		PrimaryPositionID: "SFO_TWR",
		LoginTime:         start,
	}, start, callsignID, positionID)
	if err != nil {
		t.Fatal(err)
	}

	// Backdate last_seen; inserts stamp it with the session start, which is
	// even older, so bring it up to the intended value.
	for _, table := range []string{"callsign_sessions", "position_sessions", "controller_sessions"} {
		if _, err := db.Pool().Exec(ctx, "UPDATE "+table+" SET last_seen = $1", lastSeen); err != nil {
			t.Fatal(err)
		}
	}

	s := New(db, zap.NewNop(), time.Minute, 45*time.Second)
	if err := s.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	var isActive bool
	var end time.Time
	var reason *string
	err = db.Pool().QueryRow(ctx,
		"SELECT is_active, end_time, close_reason FROM controller_sessions WHERE id = $1",
		controllerID).Scan(&isActive, &end, &reason)
	if err != nil {
		t.Fatal(err)
	}
	if isActive {
		t.Error("stranded controller session still active after sweep")
	}
	if !end.Equal(lastSeen) {
		t.Errorf("end_time = %v, want last_seen %v (not sweep time)", end, lastSeen)
	}
	if reason == nil || *reason != storage.CloseReasonSwept {
		t.Errorf("close_reason = %v, want %q", reason, storage.CloseReasonSwept)
	}

	var remainingActive int
	if err := db.Pool().QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM callsign_sessions WHERE is_active)
		     + (SELECT COUNT(*) FROM position_sessions WHERE is_active)
	`).Scan(&remainingActive); err != nil {
		t.Fatal(err)
	}
	if remainingActive != 0 {
		t.Errorf("%d callsign/position sessions still active after sweep", remainingActive)
	}

	// Idempotent: a second sweep changes nothing.
	if err := s.Sweep(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	var endAfter time.Time
	if err := db.Pool().QueryRow(ctx, "SELECT end_time FROM controller_sessions WHERE id = $1", controllerID).Scan(&endAfter); err != nil {
		t.Fatal(err)
	}
	if !endAfter.Equal(end) {
		t.Error("second sweep moved end_time")
	}
}

func TestSweepSparesFreshSessions(t *testing.T) {
	db := setupTestDB(t)
	if db == nil {
		t.Skip("No PostgreSQL connection available")
	}
	defer db.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := storage.InsertCallsignSession(ctx, db.Pool(), feed.CallsignKey{Prefix: "OAK", Suffix: "CTR"}, now); err != nil {
		t.Fatal(err)
	}

	s := New(db, zap.NewNop(), time.Minute, 45*time.Second)
	if err := s.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	var active int
	if err := db.Pool().QueryRow(ctx, "SELECT COUNT(*) FROM callsign_sessions WHERE is_active").Scan(&active); err != nil {
		t.Fatal(err)
	}
	if active != 1 {
		t.Errorf("fresh session swept: active = %d, want 1", active)
	}
}
