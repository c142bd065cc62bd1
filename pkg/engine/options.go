package engine

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goclaw/conductor/pkg/metrics"
	"github.com/goclaw/conductor/pkg/notify"
	"github.com/goclaw/conductor/pkg/orchestrator"
	"github.com/goclaw/conductor/pkg/template"
)

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithMetrics sets the metrics manager every component records into.
func WithMetrics(m *metrics.Manager) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithRedisClient sets the shared Redis client used by the Redis context
// store and event transport. The engine does not close it.
func WithRedisClient(client redis.Cmdable) Option {
	return func(e *Engine) {
		if client != nil {
			e.redisClient = client
		}
	}
}

// WithClient maps a service type to a capability client, replacing any
// client built from the capabilities configuration.
func WithClient(st template.ServiceType, c orchestrator.Client) Option {
	return func(e *Engine) {
		if c != nil {
			e.clients[st] = c
		}
	}
}

// WithSink adds a notification sink next to the log and event bus sinks.
func WithSink(s notify.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.extraSinks = append(e.extraSinks, s)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}
