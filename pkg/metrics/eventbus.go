package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initEventBusMetrics() {
	m.eventPublish = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_bus_publish_total",
			Help: "Total event bus publish attempts by event type and status",
		},
		[]string{"event_type", "status"},
	)

	m.eventRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "event_bus_publish_retries_total",
			Help: "Total number of event-bus publish retries",
		},
	)

	m.eventDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "event_bus_degraded",
			Help: "Whether event-bus path is currently in degraded mode (1=degraded)",
		},
	)

	m.eventOutages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "event_bus_outages_total",
			Help: "Total event-bus outage transitions",
		},
	)

	m.eventRecoveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "event_bus_recoveries_total",
			Help: "Total event-bus recovery transitions",
		},
	)

	m.registry.MustRegister(m.eventPublish)
	m.registry.MustRegister(m.eventRetries)
	m.registry.MustRegister(m.eventDegraded)
	m.registry.MustRegister(m.eventOutages)
	m.registry.MustRegister(m.eventRecoveries)
}

// RecordPublish records event-bus publish status.
func (m *Manager) RecordPublish(eventType, status string) {
	if !m.enabled {
		return
	}
	m.eventPublish.WithLabelValues(eventType, status).Inc()
}

// RecordRetry records event-bus publish retry.
func (m *Manager) RecordRetry() {
	if !m.enabled {
		return
	}
	m.eventRetries.Inc()
}

// SetDegradedMode sets the degraded gauge and counts outage and recovery
// transitions.
func (m *Manager) SetDegradedMode(active bool) {
	if !m.enabled {
		return
	}
	if m.degraded.Swap(active) == active {
		return
	}
	if active {
		m.eventDegraded.Set(1)
		m.eventOutages.Inc()
		return
	}
	m.eventDegraded.Set(0)
	m.eventRecoveries.Inc()
}
