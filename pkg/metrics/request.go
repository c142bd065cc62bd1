package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initRequestMetrics initializes request and dispatch metrics.
func (m *Manager) initRequestMetrics(cfg Config) {
	m.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total number of finished requests by terminal status",
		},
		[]string{"status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Request duration from creation to terminal status in seconds",
			Buckets: cfg.RequestDurationBuckets,
		},
		[]string{"status"},
	)

	m.dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "template_dispatch_total",
			Help: "Total number of template executions by service type and outcome",
		},
		[]string{"service_type", "outcome"},
	)

	m.dispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "template_dispatch_duration_seconds",
			Help:    "Template execution duration in seconds",
			Buckets: cfg.DispatchDurationBuckets,
		},
		[]string{"service_type"},
	)

	m.registry.MustRegister(m.requests)
	m.registry.MustRegister(m.requestDuration)
	m.registry.MustRegister(m.dispatches)
	m.registry.MustRegister(m.dispatchLatency)
}

// RecordRequest records a request reaching a terminal status.
func (m *Manager) RecordRequest(status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.requests.WithLabelValues(status).Inc()
	m.requestDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordDispatch records one template execution. outcome is "success" or an
// orchestration error code.
func (m *Manager) RecordDispatch(serviceType, outcome string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.dispatches.WithLabelValues(serviceType, outcome).Inc()
	m.dispatchLatency.WithLabelValues(serviceType).Observe(duration.Seconds())
}
