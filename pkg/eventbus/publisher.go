package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Transport publishes bytes to a subject.
type Transport interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Telemetry observes publish outcomes.
type Telemetry interface {
	RecordPublish(eventType, status string)
	RecordRetry()
	SetDegradedMode(active bool)
}

type nopTelemetry struct{}

func (nopTelemetry) RecordPublish(eventType, status string) {}
func (nopTelemetry) RecordRetry()                           {}
func (nopTelemetry) SetDegradedMode(active bool)            {}

// RetryConfig controls publish retries.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns the default publish retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2,
	}
}

// Event is a state change of a request, batch or notification.
type Event struct {
	Type     string
	EntityID string
	Status   string
	Snapshot any
}

// Emitter accepts events. Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(context.Context, Event) error { return nil }

// Publisher turns events into envelopes and publishes them with retry.
type Publisher struct {
	transport Transport
	nodeID    string
	retry     RetryConfig
	telemetry Telemetry
	router    *SchemaRouter
	now       func() time.Time

	mu        sync.Mutex
	sequences map[string]int64
	lastStamp map[string]map[string]time.Time
	degraded  bool
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithTelemetry sets the publish telemetry sink.
func WithTelemetry(t Telemetry) PublisherOption {
	return func(p *Publisher) {
		if t != nil {
			p.telemetry = t
		}
	}
}

// WithSchemaRouter validates outgoing envelopes against registered payload schemas.
func WithSchemaRouter(r *SchemaRouter) PublisherOption {
	return func(p *Publisher) { p.router = r }
}

// WithClock overrides the envelope clock.
func WithClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPublisher creates a publisher for nodeID over transport.
func NewPublisher(nodeID string, transport Transport, retry RetryConfig, opts ...PublisherOption) (*Publisher, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("eventbus: node id cannot be empty")
	}
	if transport == nil {
		return nil, fmt.Errorf("eventbus: transport cannot be nil")
	}
	if retry.MaxRetries < 0 {
		return nil, fmt.Errorf("eventbus: max retries cannot be negative")
	}
	if retry.InitialBackoff <= 0 || retry.MaxBackoff <= 0 || retry.BackoffFactor < 1 {
		return nil, fmt.Errorf("eventbus: invalid retry config")
	}
	p := &Publisher{
		transport: transport,
		nodeID:    nodeID,
		retry:     retry,
		telemetry: nopTelemetry{},
		now:       time.Now,
		sequences: make(map[string]int64),
		lastStamp: make(map[string]map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Emit publishes ev, discarding the envelope.
func (p *Publisher) Emit(ctx context.Context, ev Event) error {
	_, err := p.Publish(ctx, ev)
	return err
}

// Publish publishes ev and returns the envelope that was sent.
func (p *Publisher) Publish(ctx context.Context, ev Event) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}
	subject, err := Subject(ev.Type)
	if err != nil {
		return Envelope{}, err
	}
	seq, stamp := p.next(ev)

	envelope, err := buildEnvelope(p.nodeID, ev, seq, stamp)
	if err != nil {
		return Envelope{}, err
	}
	if p.router != nil {
		if err := p.router.ValidateOutgoing(envelope); err != nil {
			return Envelope{}, err
		}
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventbus: marshal envelope: %w", err)
	}

	backoff := p.retry.InitialBackoff
	var publishErr error
	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		publishErr = p.transport.Publish(ctx, subject, body)
		if publishErr == nil {
			p.telemetry.RecordPublish(ev.Type, "success")
			p.setDegraded(false)
			return envelope, nil
		}
		if attempt == p.retry.MaxRetries {
			break
		}
		p.telemetry.RecordRetry()
		p.setDegraded(true)

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, p.retry.MaxBackoff, p.retry.BackoffFactor)
	}

	p.telemetry.RecordPublish(ev.Type, "failed")
	p.setDegraded(true)
	return Envelope{}, fmt.Errorf("eventbus: publish %s for %s failed: %w", ev.Type, ev.EntityID, publishErr)
}

// Degraded reports whether the last publish attempt failed.
func (p *Publisher) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// next returns the per-entity sequence and a timestamp that strictly
// increases per (event type, entity), keeping dedup keys distinct.
func (p *Publisher) next(ev Event) (int64, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequences[ev.EntityID]++

	stamps := p.lastStamp[ev.EntityID]
	if stamps == nil {
		stamps = make(map[string]time.Time)
		p.lastStamp[ev.EntityID] = stamps
	}
	stamp := p.now().UTC()
	if last, ok := stamps[ev.Type]; ok && !stamp.After(last) {
		stamp = last.Add(time.Nanosecond)
	}
	stamps[ev.Type] = stamp
	return p.sequences[ev.EntityID], stamp
}

// Forget drops ordering state for an entity that will publish no more events.
func (p *Publisher) Forget(entityID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sequences, entityID)
	delete(p.lastStamp, entityID)
}

func (p *Publisher) setDegraded(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.degraded == active {
		return
	}
	p.degraded = active
	p.telemetry.SetDegradedMode(active)
}

func nextBackoff(current, max time.Duration, factor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
