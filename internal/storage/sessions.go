package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"datafeed_ingest/internal/feed"
)

// Close reasons recorded on controller sessions.
const (
	CloseReasonDisappeared = "disappeared"
	CloseReasonSwept       = "swept"
)

// CallsignSession is a continuous presence of a split callsign on the
// network.
type CallsignSession struct {
	ID        uuid.UUID
	Prefix    string
	Suffix    string
	StartTime time.Time
	EndTime   *time.Time
	LastSeen  time.Time
	IsActive  bool
}

// PositionSession is a continuous presence of a logical position id on the
// network.
type PositionSession struct {
	ID         uuid.UUID
	PositionID string
	StartTime  time.Time
	EndTime    *time.Time
	LastSeen   time.Time
	IsActive   bool
}

// ControllerSession is a continuous presence of one controller identity,
// holding non-owning references to the callsign and position sessions it
// currently occupies.
type ControllerSession struct {
	ID                uuid.UUID
	CID               int
	Name              string
	UserRating        string
	RequestedRating   string
	ConnectedCallsign string
	PrimaryPositionID string
	LoginTime         time.Time
	IsObserver        bool
	StartTime         time.Time
	EndTime           *time.Time
	LastSeen          time.Time
	IsActive          bool
	CallsignSessionID uuid.UUID
	PositionSessionID uuid.UUID
}

// ActiveCallsignSessions loads every active callsign session.
func ActiveCallsignSessions(ctx context.Context, q Querier) ([]CallsignSession, error) {
	rows, err := q.Query(ctx, `
		SELECT id, prefix, suffix, start_time, end_time, last_seen, is_active
		FROM callsign_sessions
		WHERE is_active
	`)
	if err != nil {
		return nil, fmt.Errorf("query active callsign sessions: %w", err)
	}
	defer rows.Close()

	var sessions []CallsignSession
	for rows.Next() {
		var s CallsignSession
		if err := rows.Scan(&s.ID, &s.Prefix, &s.Suffix, &s.StartTime, &s.EndTime, &s.LastSeen, &s.IsActive); err != nil {
			return nil, fmt.Errorf("scan callsign session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ActivePositionSessions loads every active position session.
func ActivePositionSessions(ctx context.Context, q Querier) ([]PositionSession, error) {
	rows, err := q.Query(ctx, `
		SELECT id, position_id, start_time, end_time, last_seen, is_active
		FROM position_sessions
		WHERE is_active
	`)
	if err != nil {
		return nil, fmt.Errorf("query active position sessions: %w", err)
	}
	defer rows.Close()

	var sessions []PositionSession
	for rows.Next() {
		var s PositionSession
		if err := rows.Scan(&s.ID, &s.PositionID, &s.StartTime, &s.EndTime, &s.LastSeen, &s.IsActive); err != nil {
			return nil, fmt.Errorf("scan position session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ActiveControllerSessions loads every active controller session.
func ActiveControllerSessions(ctx context.Context, q Querier) ([]ControllerSession, error) {
	rows, err := q.Query(ctx, `
		SELECT id, cid, name, user_rating, requested_rating, connected_callsign,
		       primary_position_id, login_time, is_observer, start_time, end_time,
		       last_seen, is_active, callsign_session_id, position_session_id
		FROM controller_sessions
		WHERE is_active
	`)
	if err != nil {
		return nil, fmt.Errorf("query active controller sessions: %w", err)
	}
	defer rows.Close()

	var sessions []ControllerSession
	for rows.Next() {
		var s ControllerSession
		err := rows.Scan(&s.ID, &s.CID, &s.Name, &s.UserRating, &s.RequestedRating,
			&s.ConnectedCallsign, &s.PrimaryPositionID, &s.LoginTime, &s.IsObserver,
			&s.StartTime, &s.EndTime, &s.LastSeen, &s.IsActive,
			&s.CallsignSessionID, &s.PositionSessionID)
		if err != nil {
			return nil, fmt.Errorf("scan controller session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// InsertCallsignSession opens a new callsign session at seenAt.
func InsertCallsignSession(ctx context.Context, q Querier, key feed.CallsignKey, seenAt time.Time) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("new callsign session id: %w", err)
	}
	// active_span is filled by the BEFORE INSERT trigger.
	_, err = q.Exec(ctx, `
		INSERT INTO callsign_sessions (id, prefix, suffix, start_time, end_time, duration, last_seen, is_active)
		VALUES ($1, $2, $3, $4, NULL, NULL, $4, TRUE)
	`, id, key.Prefix, key.Suffix, seenAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert callsign session: %w", err)
	}
	return id, nil
}

// InsertPositionSession opens a new position session at seenAt.
func InsertPositionSession(ctx context.Context, q Querier, positionID string, seenAt time.Time) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("new position session id: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO position_sessions (id, position_id, start_time, end_time, duration, last_seen, is_active)
		VALUES ($1, $2, $3, NULL, NULL, $3, TRUE)
	`, id, positionID, seenAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert position session: %w", err)
	}
	return id, nil
}

// InsertControllerSession opens a new controller session at seenAt, pointing
// at the callsign and position sessions it occupies.
func InsertControllerSession(ctx context.Context, q Querier, entry feed.Controller, seenAt time.Time, callsignID, positionID uuid.UUID) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("new controller session id: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO controller_sessions (
			id, cid, name, user_rating, requested_rating, connected_callsign,
			primary_position_id, login_time, is_observer, start_time, end_time,
			duration, last_seen, is_active, callsign_session_id, position_session_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL, NULL, $10, TRUE, $11, $12)
	`, id, entry.CID, entry.Name, entry.Rating, entry.RequestedRating, entry.Callsign,
		entry.PrimaryPositionID, entry.LoginTime, entry.IsObserver, seenAt, callsignID, positionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert controller session: %w", err)
	}
	return id, nil
}

// TouchCallsignSession refreshes last_seen on a live callsign session.
func TouchCallsignSession(ctx context.Context, q Querier, id uuid.UUID, seenAt time.Time) error {
	if _, err := q.Exec(ctx, "UPDATE callsign_sessions SET last_seen = $2 WHERE id = $1", id, seenAt); err != nil {
		return fmt.Errorf("touch callsign session: %w", err)
	}
	return nil
}

// TouchPositionSession refreshes last_seen on a live position session.
func TouchPositionSession(ctx context.Context, q Querier, id uuid.UUID, seenAt time.Time) error {
	if _, err := q.Exec(ctx, "UPDATE position_sessions SET last_seen = $2 WHERE id = $1", id, seenAt); err != nil {
		return fmt.Errorf("touch position session: %w", err)
	}
	return nil
}

// RefreshControllerSession refreshes a live controller session's volatile
// fields and re-points its callsign/position references.
func RefreshControllerSession(ctx context.Context, q Querier, id uuid.UUID, entry feed.Controller, seenAt time.Time, callsignID, positionID uuid.UUID) error {
	_, err := q.Exec(ctx, `
		UPDATE controller_sessions
		SET last_seen = $2,
		    name = $3,
		    user_rating = $4,
		    requested_rating = $5,
		    connected_callsign = $6,
		    primary_position_id = $7,
		    is_observer = $8,
		    callsign_session_id = $9,
		    position_session_id = $10
		WHERE id = $1
	`, id, seenAt, entry.Name, entry.Rating, entry.RequestedRating, entry.Callsign,
		entry.PrimaryPositionID, entry.IsObserver, callsignID, positionID)
	if err != nil {
		return fmt.Errorf("refresh controller session: %w", err)
	}
	return nil
}

// CloseCallsignSessions closes the given callsign sessions at endedAt. The
// active_span trigger recomputes the range from the new end_time.
func CloseCallsignSessions(ctx context.Context, q Querier, ids []uuid.UUID, endedAt time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := q.Exec(ctx, `
		UPDATE callsign_sessions
		SET is_active = FALSE,
		    end_time = $2,
		    duration = $2 - start_time,
		    last_seen = $2
		WHERE id = ANY($1)
	`, ids, endedAt)
	if err != nil {
		return 0, fmt.Errorf("close callsign sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClosePositionSessions closes the given position sessions at endedAt.
func ClosePositionSessions(ctx context.Context, q Querier, ids []uuid.UUID, endedAt time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := q.Exec(ctx, `
		UPDATE position_sessions
		SET is_active = FALSE,
		    end_time = $2,
		    duration = $2 - start_time,
		    last_seen = $2
		WHERE id = ANY($1)
	`, ids, endedAt)
	if err != nil {
		return 0, fmt.Errorf("close position sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CloseControllerSessions closes the given controller sessions at endedAt,
// recording why.
func CloseControllerSessions(ctx context.Context, q Querier, ids []uuid.UUID, endedAt time.Time, reason string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := q.Exec(ctx, `
		UPDATE controller_sessions
		SET is_active = FALSE,
		    end_time = $2,
		    duration = $2 - start_time,
		    last_seen = $2,
		    close_reason = $3
		WHERE id = ANY($1)
	`, ids, endedAt, reason)
	if err != nil {
		return 0, fmt.Errorf("close controller sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// sweepTable closes sessions in one table whose last_seen predates cutoff, using
// each row's own last_seen as the end time so durations reflect actual
// presence rather than sweep time.
func sweepTable(ctx context.Context, q Querier, table string, cutoff time.Time, reasonSet string) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE `+table+`
		SET is_active = FALSE,
		    end_time = last_seen,
		    duration = last_seen - start_time`+reasonSet+`
		WHERE is_active AND last_seen < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

// SweepCallsignSessions closes stranded callsign sessions.
func SweepCallsignSessions(ctx context.Context, q Querier, cutoff time.Time) (int64, error) {
	return sweepTable(ctx, q, "callsign_sessions", cutoff, "")
}

// SweepPositionSessions closes stranded position sessions.
func SweepPositionSessions(ctx context.Context, q Querier, cutoff time.Time) (int64, error) {
	return sweepTable(ctx, q, "position_sessions", cutoff, "")
}

// SweepControllerSessions closes stranded controller sessions.
func SweepControllerSessions(ctx context.Context, q Querier, cutoff time.Time) (int64, error) {
	return sweepTable(ctx, q, "controller_sessions", cutoff, ",\n\t\t    close_reason = '"+CloseReasonSwept+"'")
}
