package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"
)

// PayloadSchema lists the payload fields an event type must carry.
type PayloadSchema struct {
	SchemaVersion string
	EventType     string
	Required      []string
}

// SchemaRouter validates envelopes against registered payload schemas.
type SchemaRouter struct {
	mu      sync.RWMutex
	schemas map[string]PayloadSchema // key: version:eventType
}

// NewSchemaRouter creates an empty router.
func NewSchemaRouter() *SchemaRouter {
	return &SchemaRouter{schemas: make(map[string]PayloadSchema)}
}

// DefaultSchemaRouter requires a status on every request and batch event and a
// snapshot on terminal ones.
func DefaultSchemaRouter() *SchemaRouter {
	r := NewSchemaRouter()
	for _, t := range []string{RequestCreated, RequestStarted, BatchCreated, BatchStarted, BatchProgress} {
		_ = r.Register(PayloadSchema{SchemaVersion: SchemaVersionV1, EventType: t, Required: []string{"status"}})
	}
	for _, t := range []string{RequestCompleted, RequestFailed, BatchCompleted, BatchFailed, BatchCancelled} {
		_ = r.Register(PayloadSchema{SchemaVersion: SchemaVersionV1, EventType: t, Required: []string{"status", "snapshot"}})
	}
	return r
}

// Register adds or replaces a payload schema.
func (r *SchemaRouter) Register(schema PayloadSchema) error {
	if schema.SchemaVersion == "" || schema.EventType == "" {
		return fmt.Errorf("eventbus: schema version and event type are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schemaKey(schema.SchemaVersion, schema.EventType)] = schema
	return nil
}

// ValidateOutgoing checks an envelope before publishing.
func (r *SchemaRouter) ValidateOutgoing(env Envelope) error {
	return r.validate(env)
}

// ValidateIncoming checks a delivered envelope.
func (r *SchemaRouter) ValidateIncoming(env Envelope) error {
	return r.validate(env)
}

func (r *SchemaRouter) validate(env Envelope) error {
	if env.EventID == "" || env.EventType == "" || env.SchemaVersion == "" {
		return fmt.Errorf("eventbus: missing required envelope fields")
	}
	if env.EntityID == "" || env.NodeID == "" || env.Sequence <= 0 || env.Timestamp.IsZero() {
		return fmt.Errorf("eventbus: missing required identity/ordering fields")
	}

	r.mu.RLock()
	schema, ok := r.schemas[schemaKey(env.SchemaVersion, env.EventType)]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &fields); err != nil {
		return fmt.Errorf("eventbus: invalid payload json: %w", err)
	}
	for _, name := range schema.Required {
		if _, ok := fields[name]; !ok {
			return fmt.Errorf("eventbus: %s payload field %q missing", env.EventType, name)
		}
	}
	return nil
}

func schemaKey(version, eventType string) string {
	return version + ":" + eventType
}
