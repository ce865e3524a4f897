// Command datafeed_processor drains the snapshot queue and maintains the
// session tables: it runs the reconciler, the stranded-session sweeper and a
// health endpoint.
//
// Exactly one processor may run per database. A well-known advisory lock is
// taken at startup and held for the life of the process; a second instance
// exits immediately.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"datafeed_ingest/internal/config"
	"datafeed_ingest/internal/health"
	"datafeed_ingest/internal/logging"
	"datafeed_ingest/internal/reconciler"
	"datafeed_ingest/internal/storage"
	"datafeed_ingest/internal/sweeper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "datafeed_processor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenRetry(ctx, cfg.DB.URL, int32(cfg.DB.PoolMaxConnections), time.Minute, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.CreateSchema(ctx); err != nil {
		return err
	}

	lock, err := db.AcquireSingletonLock(ctx)
	if err != nil {
		return err
	}
	defer lock.Release(context.Background())

	rec := reconciler.New(db, log)
	swp := sweeper.New(db, log, cfg.SweepInterval(), cfg.SweepGrace())

	log.Info("datafeed processor starting",
		zap.Duration("sweep_interval", cfg.SweepInterval()),
		zap.Duration("sweep_grace", cfg.SweepGrace()),
		zap.String("health_addr", cfg.Health.Addr))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rec.Run(ctx, cfg.FetchInterval()) })
	g.Go(func() error { return swp.Run(ctx) })
	g.Go(func() error { return health.Serve(ctx, cfg.Health.Addr, health.NewProcessorHandler(rec.LastProcessed)) })

	err = g.Wait()
	log.Info("datafeed processor stopped")
	return err
}
