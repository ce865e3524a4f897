package storage

import (
	"context"
	"fmt"
	"time"
)

// ActivitySample is one per-snapshot row of active-entity counts.
type ActivitySample struct {
	ObservedAt        time.Time
	ActiveControllers int
	ActiveCallsigns   int
	ActivePositions   int
}

// InsertActivitySample records the counts derived from one snapshot.
// ON CONFLICT DO NOTHING: a snapshot time can only be sampled once.
func InsertActivitySample(ctx context.Context, q Querier, s ActivitySample) error {
	_, err := q.Exec(ctx, `
		INSERT INTO session_activity_stats (observed_at, active_controllers, active_callsigns, active_positions)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (observed_at) DO NOTHING
	`, s.ObservedAt, s.ActiveControllers, s.ActiveCallsigns, s.ActivePositions)
	if err != nil {
		return fmt.Errorf("insert activity sample: %w", err)
	}
	return nil
}

// ActivitySamples returns samples in [start, end), oldest first.
func (d *DB) ActivitySamples(ctx context.Context, start, end time.Time) ([]ActivitySample, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT observed_at, active_controllers, active_callsigns, active_positions
		FROM session_activity_stats
		WHERE observed_at >= $1 AND observed_at < $2
		ORDER BY observed_at
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query activity samples: %w", err)
	}
	defer rows.Close()

	var samples []ActivitySample
	for rows.Next() {
		var s ActivitySample
		if err := rows.Scan(&s.ObservedAt, &s.ActiveControllers, &s.ActiveCallsigns, &s.ActivePositions); err != nil {
			return nil, fmt.Errorf("scan activity sample: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
