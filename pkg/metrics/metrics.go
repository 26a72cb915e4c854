// Package metrics exposes the harvester's Prometheus metrics over HTTP.
// Metrics are defined in the packages that record them (client, ratelimit,
// checkpoint, planner, pagination, harvest) and registered via promauto.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the registerer every harvester metric is registered with.
var Registry = prometheus.DefaultRegisterer

// Path is where metrics are served.
const Path = "/metrics"

// Handler returns the HTTP handler serving the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer returns an HTTP server exposing Path on addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(Path, Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Serve exposes metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	srv := NewServer(addr)
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("path", Path).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - harvest_requests_total{kind, status} (Counter): search requests by kind (count, page, catalogs) and HTTP status
//   - harvest_request_duration_seconds{kind} (Histogram): request duration including retries
//   - harvest_errors_total{class} (Counter): failed attempts by class (client, server, rate_limit, network, truncated)
//
// Retry Metrics (pkg/client):
//   - harvest_retries_total{error_class} (Counter)
//   - harvest_retry_backoff_seconds{error_class} (Histogram)
//   - harvest_retry_exhausted_total{error_class} (Counter)
//
// Pacing Metrics (pkg/ratelimit):
//   - harvest_rate_limit_wait_seconds (Histogram): time spent waiting for a request slot
//   - harvest_rate_limit_cooldowns_total (Counter): Retry-After pauses imposed by the API
//
// Checkpoint Metrics (pkg/checkpoint):
//   - harvest_checkpoint_writes_total{backend} (Counter)
//   - harvest_checkpoint_errors_total{backend, operation} (Counter)
//
// Planning Metrics (pkg/planner):
//   - harvest_planner_count_queries_total (Counter)
//   - harvest_planner_segments (Histogram): segments per plan
//   - harvest_planner_warnings_total{kind} (Counter)
//
// Fetch Metrics (pkg/pagination):
//   - harvest_pages_total{mode} (Counter)
//   - harvest_records_written_total{mode} (Counter)
//   - harvest_duplicates_total{mode} (Counter)
//   - harvest_window_rejections_total{mode} (Counter)
//
// Resource Metrics (pkg/harvest):
//   - harvest_resources_total{status} (Counter)
//   - harvest_resource_records{resource} (Gauge): records in the resource's log
//
// Example Prometheus Queries:
//
//   # Records written per second
//   sum(rate(harvest_records_written_total[5m]))
//
//   # Share of fetched records that were duplicates
//   sum(rate(harvest_duplicates_total[5m])) /
//   (sum(rate(harvest_duplicates_total[5m])) + sum(rate(harvest_records_written_total[5m])))
//
//   # API throttling
//   rate(harvest_rate_limit_cooldowns_total[15m]) > 0
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(harvest_request_duration_seconds_bucket[5m]))
