// Package metrics exposes operational counters for the polling engine on
// a Prometheus registry, served next to a liveness endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"issuepilot/pkg/logx"
)

// Metrics holds the instrument set. A single instance is shared by the
// polling engine, the orchestrator, and the API client.
type Metrics struct {
	registry *prometheus.Registry

	Cycles        prometheus.Counter
	CycleDuration prometheus.Histogram
	ItemsScanned  prometheus.Counter
	Transitions   *prometheus.CounterVec
	APIRetries    prometheus.Counter
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	StalledItems  prometheus.Gauge

	logger *logx.Logger
}

// New builds the instrument set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Cycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "issuepilot_cycles_total",
			Help: "Completed polling cycles.",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "issuepilot_cycle_duration_seconds",
			Help:    "Wall-clock duration of a polling cycle.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ItemsScanned: factory.NewCounter(prometheus.CounterOpts{
			Name: "issuepilot_items_scanned_total",
			Help: "Work items examined across all cycles.",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "issuepilot_transitions_total",
			Help: "Transition attempts by outcome.",
		}, []string{"result"}),
		APIRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "issuepilot_api_retries_total",
			Help: "External API calls retried after a transient failure.",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "issuepilot_cache_hits_total",
			Help: "Response cache hits.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "issuepilot_cache_misses_total",
			Help: "Response cache misses.",
		}),
		StalledItems: factory.NewGauge(prometheus.GaugeOpts{
			Name: "issuepilot_stalled_items",
			Help: "Items whose active step exceeded the stall threshold in the last cycle.",
		}),
		logger: logx.NewLogger("metrics"),
	}
}

// RecordTransition counts one transition attempt by its logged result.
func (m *Metrics) RecordTransition(result string) {
	m.Transitions.WithLabelValues(result).Inc()
}

// Serve exposes /metrics and /healthz on addr until ctx is canceled.
// The error from a clean shutdown is swallowed.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	m.logger.Info("metrics listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Registry exposes the underlying registry for scrape handlers and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
