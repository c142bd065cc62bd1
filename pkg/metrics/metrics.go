// Package metrics provides Prometheus metrics instrumentation for the conductor.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager manages all Prometheus metrics. It satisfies the metrics recorder
// interfaces of the orchestrator, request, batch and schedule packages and
// the event bus telemetry hook.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Request metrics
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	dispatches      *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec

	// Batch metrics
	batchSubmissions *prometheus.CounterVec
	batchDuration    *prometheus.HistogramVec
	batchItems       *prometheus.CounterVec
	batchItemRetries prometheus.Counter
	batchInFlight    prometheus.Gauge
	scheduleFires    *prometheus.CounterVec

	// Event bus metrics
	eventPublish    *prometheus.CounterVec
	eventRetries    prometheus.Counter
	eventDegraded   prometheus.Gauge
	eventOutages    prometheus.Counter
	eventRecoveries prometheus.Counter
	degraded        atomic.Bool

	// HTTP metrics
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpConnections prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	// Histogram bucket configurations
	RequestDurationBuckets  []float64
	DispatchDurationBuckets []float64
	BatchDurationBuckets    []float64
	HTTPDurationBuckets     []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		Port:                    9091,
		Path:                    "/metrics",
		RequestDurationBuckets:  []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		DispatchDurationBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		BatchDurationBuckets:    []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		HTTPDurationBuckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
}

// NewManager creates a new metrics manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}
	defaults := DefaultConfig()
	if len(cfg.RequestDurationBuckets) == 0 {
		cfg.RequestDurationBuckets = defaults.RequestDurationBuckets
	}
	if len(cfg.DispatchDurationBuckets) == 0 {
		cfg.DispatchDurationBuckets = defaults.DispatchDurationBuckets
	}
	if len(cfg.BatchDurationBuckets) == 0 {
		cfg.BatchDurationBuckets = defaults.BatchDurationBuckets
	}
	if len(cfg.HTTPDurationBuckets) == 0 {
		cfg.HTTPDurationBuckets = defaults.HTTPDurationBuckets
	}

	registry := prometheus.NewRegistry()

	// Register Go runtime metrics
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}

	m.initRequestMetrics(cfg)
	m.initBatchMetrics(cfg)
	m.initEventBusMetrics()
	m.initHTTPMetrics(cfg)

	return m
}

// Enabled returns whether metrics collection is enabled.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Registry returns the underlying registry, nil when disabled.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartServer starts the metrics HTTP server on the configured port.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return server.ListenAndServe()
}

// NoOpManager returns a no-op metrics manager for when metrics are disabled.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}
