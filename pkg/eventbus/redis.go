package eventbus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTransport publishes envelopes on Redis Pub/Sub channels named after the subject.
type RedisTransport struct {
	client redis.Cmdable
}

// NewRedisTransport creates a transport over client.
func NewRedisTransport(client redis.Cmdable) *RedisTransport {
	return &RedisTransport{client: client}
}

// Publish sends payload to the channel named subject.
func (t *RedisTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	if subject == "" {
		return fmt.Errorf("eventbus: subject cannot be empty")
	}
	if err := t.client.Publish(ctx, subject, payload).Err(); err != nil {
		return fmt.Errorf("eventbus: redis publish %s: %w", subject, err)
	}
	return nil
}

// Healthy reports whether Redis answers a ping.
func (t *RedisTransport) Healthy(ctx context.Context) bool {
	return t.client.Ping(ctx).Err() == nil
}
