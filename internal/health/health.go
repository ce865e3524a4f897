// Package health serves the /health endpoints for the two ingestion
// processes. Health is inferred from ingestion freshness: the fetcher
// reports its last successful poll, the processor the time of the last
// snapshot it committed.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"datafeed_ingest/internal/fetcher"
)

// staleAfter is how old the last successful fetch may be before the fetcher
// reports unhealthy.
const staleAfter = 60 * time.Second

// NewFetcherHandler builds the fetcher's health router around a status
// snapshot function.
func NewFetcherHandler(status func() fetcher.Status) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		s := status()

		switch {
		case s.LastAttempt == nil:
			http.Error(w, "no attempted datafeed fetches yet", http.StatusInternalServerError)
		case s.LastSuccess == nil:
			http.Error(w, fmt.Sprintf(
				"datafeed has never been fetched successfully; last attempt %s, last error: %s",
				s.LastAttempt.Format(time.RFC3339), s.LastError), http.StatusInternalServerError)
		case time.Since(*s.LastSuccess) > staleAfter:
			http.Error(w, fmt.Sprintf(
				"datafeed not fetched in the last %s; last success %s, last error: %s",
				staleAfter, s.LastSuccess.Format(time.RFC3339), s.LastError), http.StatusInternalServerError)
		default:
			fmt.Fprintf(w, "datafeed last fetched %s", s.LastSuccess.Format(time.RFC3339))
		}
	})
	return r
}

// NewProcessorHandler builds the processor's health router around the
// last-processed snapshot time.
func NewProcessorHandler(lastProcessed func() *time.Time) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if t := lastProcessed(); t != nil {
			fmt.Fprintf(w, "last processed snapshot updated_at: %s", t.Format(time.RFC3339))
			return
		}
		fmt.Fprint(w, "no snapshots processed yet")
	})
	return r
}

// Serve runs an HTTP server on addr until the context is cancelled, then
// shuts it down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	}
}
