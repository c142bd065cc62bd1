package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Consumer decodes delivered envelopes and suppresses redeliveries of the same
// logical event, keyed by (event type, entity id, timestamp).
type Consumer struct {
	router *SchemaRouter

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	limit int
}

// NewConsumer creates a consumer remembering up to limit keys (0 means 10000).
func NewConsumer(router *SchemaRouter, limit int) *Consumer {
	if limit <= 0 {
		limit = 10000
	}
	return &Consumer{router: router, seen: make(map[string]struct{}), limit: limit}
}

// Decode parses raw and reports whether the event was already seen.
func (c *Consumer) Decode(raw []byte) (Envelope, bool, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, false, fmt.Errorf("eventbus: invalid envelope json: %w", err)
	}
	if c.router != nil {
		if err := c.router.ValidateIncoming(env); err != nil {
			return Envelope{}, false, err
		}
	}

	key := env.DedupKey()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[key]; dup {
		return env, true, nil
	}
	c.seen[key] = struct{}{}
	c.order = append(c.order, key)
	if len(c.order) > c.limit {
		delete(c.seen, c.order[0])
		c.order = c.order[1:]
	}
	return env, false, nil
}
