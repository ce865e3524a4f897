// Package reconciler turns dequeued feed snapshots into session history: one
// database transaction per snapshot that closes disappeared sessions, opens
// or refreshes present ones, archives the payload and samples activity
// counts. Either the whole reconciliation commits or none of it does.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"datafeed_ingest/internal/codec"
	"datafeed_ingest/internal/feed"
	"datafeed_ingest/internal/storage"
)

// Reconciler drains the snapshot queue and applies each snapshot to the
// session tables. At most one Reconciler may run per database; the caller
// enforces that with the storage singleton lock.
type Reconciler struct {
	db  *storage.DB
	log *zap.Logger

	mu            sync.Mutex
	lastProcessed *time.Time
}

// New creates a Reconciler.
func New(db *storage.DB, log *zap.Logger) *Reconciler {
	return &Reconciler{db: db, log: log}
}

// LastProcessed returns the updated_at of the most recently committed
// snapshot, or nil before the first one.
func (r *Reconciler) LastProcessed() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastProcessed
}

func (r *Reconciler) setLastProcessed(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastProcessed = &t
}

// ProcessNext claims and applies the oldest queued snapshot. Returns false
// when the queue is empty.
func (r *Reconciler) ProcessNext(ctx context.Context) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin reconciliation: %w", err)
	}
	defer tx.Rollback(ctx)

	queued, err := storage.OldestQueued(ctx, tx)
	if err != nil {
		return false, err
	}
	if queued == nil {
		return false, nil
	}

	snap, err := feed.Parse(queued.Payload)
	if err != nil {
		// One bad snapshot must not halt ingestion: drop it and move on.
		r.log.Warn("dropping unparseable snapshot",
			zap.Stringer("id", queued.ID),
			zap.Time("updated_at", queued.UpdatedAt),
			zap.Error(err))
		if err := storage.DeleteQueued(ctx, tx, queued.ID); err != nil {
			return false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("commit snapshot drop: %w", err)
		}
		return true, nil
	}

	snapTime := queued.UpdatedAt

	live, err := LoadLiveState(ctx, tx)
	if err != nil {
		return false, err
	}
	plan := BuildPlan(snap, live, r.log)

	// Close disappearances: callsigns and positions first so controllers
	// that merely changed callsign can be re-pointed below.
	if _, err := storage.CloseCallsignSessions(ctx, tx, plan.CloseCallsigns, snapTime); err != nil {
		return false, err
	}
	if _, err := storage.ClosePositionSessions(ctx, tx, plan.ClosePositions, snapTime); err != nil {
		return false, err
	}
	if _, err := storage.CloseControllerSessions(ctx, tx, plan.CloseControllers, snapTime, storage.CloseReasonDisappeared); err != nil {
		return false, err
	}

	for _, entry := range plan.Entries {
		if err := r.applyEntry(ctx, tx, entry, live, snapTime); err != nil {
			return false, err
		}
	}

	// Archive the payload. A duplicate updated_at aborts the whole
	// transaction: the snapshot was already processed, so only the queue
	// row needs to go.
	enc := codec.Compress(queued.Payload)
	if err := storage.InsertArchive(ctx, tx, snapTime, enc, time.Now().UTC()); err != nil {
		_ = tx.Rollback(ctx)
		if storage.IsUniqueViolation(err, storage.ArchiveUpdatedAtConstraint) {
			r.log.Warn("snapshot already archived, dropping queue row",
				zap.Stringer("id", queued.ID),
				zap.Time("updated_at", snapTime))
			if err := storage.DeleteQueued(ctx, r.db.Pool(), queued.ID); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, err
	}

	if err := storage.DeleteQueued(ctx, tx, queued.ID); err != nil {
		return false, err
	}

	if err := storage.InsertActivitySample(ctx, tx, storage.ActivitySample{
		ObservedAt:        snapTime,
		ActiveControllers: plan.ActiveControllers,
		ActiveCallsigns:   plan.ActiveCallsigns,
		ActivePositions:   plan.ActivePositions,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit reconciliation: %w", err)
	}

	r.setLastProcessed(snapTime)
	r.log.Info("processed snapshot",
		zap.Time("updated_at", snapTime),
		zap.Int("controllers", plan.ActiveControllers),
		zap.Int("opened_or_refreshed", len(plan.Entries)),
		zap.Int("closed_controllers", len(plan.CloseControllers)))
	return true, nil
}

// applyEntry upserts the sessions for one snapshot entry, in resolution
// order: callsign session, position session, then the controller session
// pointing at both.
func (r *Reconciler) applyEntry(ctx context.Context, q storage.Querier, entry Entry, live LiveState, snapTime time.Time) error {
	c := entry.Controller

	var callsignID uuid.UUID
	if s, ok := live.Callsigns[entry.Key]; ok {
		if err := storage.TouchCallsignSession(ctx, q, s.ID, snapTime); err != nil {
			return err
		}
		callsignID = s.ID
	} else {
		id, err := storage.InsertCallsignSession(ctx, q, entry.Key, snapTime)
		if err != nil {
			return err
		}
		live.Callsigns[entry.Key] = storage.CallsignSession{ID: id, Prefix: entry.Key.Prefix, Suffix: entry.Key.Suffix, StartTime: snapTime, LastSeen: snapTime, IsActive: true}
		callsignID = id
	}

	var positionID uuid.UUID
	if s, ok := live.Positions[c.PrimaryPositionID]; ok {
		if err := storage.TouchPositionSession(ctx, q, s.ID, snapTime); err != nil {
			return err
		}
		positionID = s.ID
	} else {
		id, err := storage.InsertPositionSession(ctx, q, c.PrimaryPositionID, snapTime)
		if err != nil {
			return err
		}
		live.Positions[c.PrimaryPositionID] = storage.PositionSession{ID: id, PositionID: c.PrimaryPositionID, StartTime: snapTime, LastSeen: snapTime, IsActive: true}
		positionID = id
	}

	if s, ok := live.Controllers[c.CID]; ok {
		return storage.RefreshControllerSession(ctx, q, s.ID, c, snapTime, callsignID, positionID)
	}
	_, err := storage.InsertControllerSession(ctx, q, c, snapTime, callsignID, positionID)
	return err
}

// Drain processes queued snapshots until the queue is empty. Returns the
// number processed.
func (r *Reconciler) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		processed, err := r.ProcessNext(ctx)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
}

// Run drains the backlog, then loops: wait for a queue notification (or the
// wake interval as a lost-notification fallback) and drain again. Transient
// database errors are retried with capped exponential backoff; integrity
// violations are programmer errors and surface.
func (r *Reconciler) Run(ctx context.Context, wake time.Duration) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0

	var listener *storage.QueueListener
	defer func() {
		if listener != nil {
			listener.Close()
		}
	}()

	for {
		if listener == nil {
			l, err := r.db.ListenQueue(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				delay := retry.NextBackOff()
				r.log.Warn("subscribe to queue notifications failed, retrying",
					zap.Error(err),
					zap.Duration("retry_in", delay))
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil
				}
				continue
			}
			listener = l
		}

		if _, err := r.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isIntegrityViolation(err) {
				return fmt.Errorf("drain queue: %w", err)
			}
			delay := retry.NextBackOff()
			r.log.Warn("drain failed, retrying",
				zap.Error(err),
				zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		retry.Reset()

		if err := listener.Wait(ctx, wake); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// The listening connection may be gone; drop it and
			// re-subscribe on the next pass.
			r.log.Warn("queue notification wait failed, re-subscribing", zap.Error(err))
			listener.Close()
			listener = nil
		}
	}
}

// isIntegrityViolation reports whether err is a Postgres integrity
// constraint violation (SQLSTATE class 23). Those indicate a bug rather than
// a transient failure.
func isIntegrityViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23"
}
