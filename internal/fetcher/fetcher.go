// Package fetcher polls the upstream datafeed on a fixed cadence, detects
// new snapshots by their update timestamp and enqueues them for the
// processor.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"datafeed_ingest/internal/feed"
)

// Store is the queue surface the fetcher needs; *storage.DB satisfies it.
type Store interface {
	// Enqueue inserts a novel raw snapshot.
	Enqueue(ctx context.Context, updatedAt time.Time, payload []byte) error
	// LastKnownUpdatedAt seeds the high-water mark on startup.
	LastKnownUpdatedAt(ctx context.Context) (*time.Time, error)
}

// Config holds the fetcher's tunables.
type Config struct {
	URL            string
	Interval       time.Duration
	Timeout        time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Status is a point-in-time view of the loop for the health endpoint.
type Status struct {
	LastAttempt *time.Time
	LastSuccess *time.Time
	LastError   string
	HighWater   *time.Time
}

// Fetcher is the polling loop. The high-water mark is process-wide state
// owned exclusively by the fetch task; the database stays authoritative and
// reseeds it on restart.
type Fetcher struct {
	store  Store
	client *http.Client
	log    *zap.Logger
	cfg    Config

	mu        sync.Mutex
	highWater *time.Time
	status    Status
}

// New creates a Fetcher.
func New(store Store, log *zap.Logger, cfg Config) *Fetcher {
	return &Fetcher{
		store:  store,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
		cfg:    cfg,
	}
}

// Status returns the loop's current health view.
func (f *Fetcher) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.status
	s.HighWater = f.highWater
	return s
}

func (f *Fetcher) recordAttempt(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.LastAttempt = &now
}

func (f *Fetcher) recordSuccess(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.LastSuccess = &now
	f.status.LastError = ""
}

func (f *Fetcher) recordError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.LastError = err.Error()
}

func (f *Fetcher) setHighWater(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.highWater = &t
}

// Run seeds the high-water mark, then polls until the context is cancelled.
// After a transient fetch or enqueue failure the loop sleeps for a capped
// exponential backoff (BackoffInitial growing up to BackoffMax) instead of
// the polling interval; the loop never terminates on them.
func (f *Fetcher) Run(ctx context.Context) error {
	seed, err := f.store.LastKnownUpdatedAt(ctx)
	if err != nil {
		return fmt.Errorf("seed high-water mark: %w", err)
	}
	if seed != nil {
		f.setHighWater(*seed)
		f.log.Info("seeded high-water mark", zap.Time("updated_at", *seed))
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = f.cfg.BackoffInitial
	retry.MaxInterval = f.cfg.BackoffMax
	retry.MaxElapsedTime = 0
	retry.Reset()

	for {
		sleep := f.cfg.Interval
		if err := f.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			sleep = retry.NextBackOff()
			f.recordError(err)
			f.log.Warn("fetch iteration failed",
				zap.Error(err),
				zap.Duration("retry_in", sleep))
		} else {
			retry.Reset()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

// pollOnce fetches the feed once and enqueues it if novel.
func (f *Fetcher) pollOnce(ctx context.Context) error {
	now := time.Now().UTC()
	f.recordAttempt(now)

	payload, err := f.fetch(ctx)
	if err != nil {
		return err
	}

	updatedAt, err := feed.UpdatedAt(payload)
	if err != nil {
		return fmt.Errorf("fingerprint snapshot: %w", err)
	}

	f.mu.Lock()
	highWater := f.highWater
	f.mu.Unlock()

	if highWater != nil && !updatedAt.After(*highWater) {
		f.log.Debug("snapshot not novel",
			zap.Time("updated_at", updatedAt),
			zap.Time("high_water", *highWater))
		f.recordSuccess(now)
		return nil
	}

	if err := f.store.Enqueue(ctx, updatedAt, payload); err != nil {
		return fmt.Errorf("enqueue snapshot: %w", err)
	}
	f.setHighWater(updatedAt)
	f.recordSuccess(now)
	f.log.Info("enqueued snapshot",
		zap.Time("updated_at", updatedAt),
		zap.Int("bytes", len(payload)))
	return nil
}

// fetch performs one upstream request with the configured hard timeout.
func (f *Fetcher) fetch(ctx context.Context) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed: unexpected status %s", resp.Status)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read feed body: %w", err)
	}
	return payload, nil
}
