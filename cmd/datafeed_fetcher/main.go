// Command datafeed_fetcher polls the upstream controller datafeed, detects
// new snapshots and enqueues them for the processor.
//
// Configuration comes from datafeed.toml plus DATAFEED_* environment
// overrides; see internal/config. Exits 0 on signal-initiated shutdown and
// non-zero on fatal startup failure.
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
	"datafeed_ingest/internal/fetcher"
	"datafeed_ingest/internal/health"
	"datafeed_ingest/internal/logging"
	"datafeed_ingest/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "datafeed_fetcher: %v\n", err)
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

	f := fetcher.New(db, log, fetcher.Config{
		URL:            cfg.Fetch.URL,
		Interval:       cfg.FetchInterval(),
		Timeout:        cfg.FetchTimeout(),
		BackoffInitial: cfg.BackoffInitial(),
		BackoffMax:     cfg.BackoffMax(),
	})

	log.Info("datafeed fetcher starting",
		zap.String("url", cfg.Fetch.URL),
		zap.Duration("interval", cfg.FetchInterval()),
		zap.String("health_addr", cfg.Health.Addr))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.Run(ctx) })
	g.Go(func() error { return health.Serve(ctx, cfg.Health.Addr, health.NewFetcherHandler(f.Status)) })

	err = g.Wait()
	log.Info("datafeed fetcher stopped")
	return err
}
