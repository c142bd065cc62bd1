// Package eventbus publishes request, batch and notification events with
// at-least-once delivery.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersionV1 is the current envelope schema.
const SchemaVersionV1 = "v1"

// Envelope wraps every published event.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EntityID      string          `json:"entity_id"`
	Timestamp     time.Time       `json:"timestamp"`
	SchemaVersion string          `json:"schema_version"`
	NodeID        string          `json:"node_id"`
	Sequence      int64           `json:"sequence"`
	Payload       json.RawMessage `json:"payload"`
}

// DedupKey identifies a logical event across redeliveries.
func (e Envelope) DedupKey() string {
	return e.EventType + "|" + e.EntityID + "|" + e.Timestamp.UTC().Format(time.RFC3339Nano)
}

// Payload is the body of an envelope.
type Payload struct {
	Status   string `json:"status,omitempty"`
	Snapshot any    `json:"snapshot,omitempty"`
}

func buildEnvelope(nodeID string, ev Event, seq int64, now time.Time) (Envelope, error) {
	if ev.Type == "" {
		return Envelope{}, fmt.Errorf("eventbus: event type is required")
	}
	if ev.EntityID == "" {
		return Envelope{}, fmt.Errorf("eventbus: entity id is required")
	}
	body, err := json.Marshal(Payload{Status: ev.Status, Snapshot: ev.Snapshot})
	if err != nil {
		return Envelope{}, fmt.Errorf("eventbus: marshal payload: %w", err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     ev.Type,
		EntityID:      ev.EntityID,
		Timestamp:     now.UTC(),
		SchemaVersion: SchemaVersionV1,
		NodeID:        nodeID,
		Sequence:      seq,
		Payload:       body,
	}, nil
}
