// Package sweeper closes sessions stranded by lost snapshots: rows whose
// last_seen lags more than a grace window behind the clock. This is the
// liveness backstop for network-wide outages, where every session disappears
// at once but no newer snapshot ever arrives to close them.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"datafeed_ingest/internal/storage"
)

// Sweeper periodically closes sessions unseen for longer than the grace
// window. Each close uses the row's own last_seen as the end time, so
// durations reflect actual presence rather than sweep time; that also makes
// the sweep idempotent.
type Sweeper struct {
	db       *storage.DB
	log      *zap.Logger
	interval time.Duration
	grace    time.Duration
}

// New creates a Sweeper.
func New(db *storage.DB, log *zap.Logger, interval, grace time.Duration) *Sweeper {
	return &Sweeper{db: db, log: log, interval: interval, grace: grace}
}

// Sweep runs one pass over all three session tables in a single
// transaction.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.grace)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin sweep: %w", err)
	}
	defer tx.Rollback(ctx)

	callsigns, err := storage.SweepCallsignSessions(ctx, tx, cutoff)
	if err != nil {
		return err
	}
	positions, err := storage.SweepPositionSessions(ctx, tx, cutoff)
	if err != nil {
		return err
	}
	controllers, err := storage.SweepControllerSessions(ctx, tx, cutoff)
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit sweep: %w", err)
	}

	if callsigns+positions+controllers > 0 {
		s.log.Info("swept stranded sessions",
			zap.Time("cutoff", cutoff),
			zap.Int64("callsigns", callsigns),
			zap.Int64("positions", positions),
			zap.Int64("controllers", controllers))
	}
	return nil
}

// Run sweeps on a timer until the context is cancelled. Sweep failures are
// logged and retried on the next tick; the task never terminates on a
// transient error.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}
