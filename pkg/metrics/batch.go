package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initBatchMetrics initializes batch and schedule metrics.
func (m *Manager) initBatchMetrics(cfg Config) {
	m.batchSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_submissions_total",
			Help: "Total number of accepted batches by strategy",
		},
		[]string{"strategy"},
	)

	m.batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batch_duration_seconds",
			Help:    "Batch processing duration in seconds by strategy and final status",
			Buckets: cfg.BatchDurationBuckets,
		},
		[]string{"strategy", "status"},
	)

	m.batchItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_items_total",
			Help: "Total number of batch items by outcome",
		},
		[]string{"status"},
	)

	m.batchItemRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_item_retries_total",
			Help: "Total number of batch item retry attempts",
		},
	)

	m.batchInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "batch_items_in_flight",
			Help: "Current number of batch executions in flight",
		},
	)

	m.scheduleFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedule_fires_total",
			Help: "Total number of scheduled job fires by outcome",
		},
		[]string{"outcome"},
	)

	m.registry.MustRegister(m.batchSubmissions)
	m.registry.MustRegister(m.batchDuration)
	m.registry.MustRegister(m.batchItems)
	m.registry.MustRegister(m.batchItemRetries)
	m.registry.MustRegister(m.batchInFlight)
	m.registry.MustRegister(m.scheduleFires)
}

// RecordBatchSubmitted records an accepted batch.
func (m *Manager) RecordBatchSubmitted(strategy string) {
	if !m.enabled {
		return
	}
	m.batchSubmissions.WithLabelValues(strategy).Inc()
}

// RecordBatchFinished records a batch reaching a terminal status.
func (m *Manager) RecordBatchFinished(strategy, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.batchDuration.WithLabelValues(strategy, status).Observe(duration.Seconds())
}

// RecordItemOutcome records the final outcome of one batch item.
func (m *Manager) RecordItemOutcome(status string) {
	if !m.enabled {
		return
	}
	m.batchItems.WithLabelValues(status).Inc()
}

// RecordItemRetry records one retry of a batch item.
func (m *Manager) RecordItemRetry() {
	if !m.enabled {
		return
	}
	m.batchItemRetries.Inc()
}

// IncItemsInFlight increments the in-flight batch execution count.
func (m *Manager) IncItemsInFlight() {
	if !m.enabled {
		return
	}
	m.batchInFlight.Inc()
}

// DecItemsInFlight decrements the in-flight batch execution count.
func (m *Manager) DecItemsInFlight() {
	if !m.enabled {
		return
	}
	m.batchInFlight.Dec()
}

// RecordScheduleFire records one scheduled job fire.
func (m *Manager) RecordScheduleFire(outcome string) {
	if !m.enabled {
		return
	}
	m.scheduleFires.WithLabelValues(outcome).Inc()
}
