package execctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goclaw/conductor/pkg/ids"
	"github.com/goclaw/conductor/pkg/payload"
	"github.com/goclaw/conductor/pkg/storage"
	"github.com/goclaw/conductor/pkg/syncutil"
)

// DefaultRedisPrefix namespaces context keys.
const DefaultRedisPrefix = "conductor:ctx:"

// RedisStore persists contexts as JSON values, using key TTLs for retention.
// Writers are serialized per context id within the process.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	locks  *syncutil.KeyedMutex
	ids    *ids.Generator
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed store. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(client redis.Cmdable, prefix string, gen *ids.Generator) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if gen == nil {
		gen = ids.NewGenerator("store")
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		locks:  syncutil.NewKeyedMutex(),
		ids:    gen,
		now:    time.Now,
	}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Create(ctx context.Context, owner OwnerRef, initial map[string]any) (*Context, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	c := &Context{
		ID:        s.ids.New(ids.KindContext),
		Owner:     owner,
		Data:      payload.Clone(initial),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c.Data == nil {
		c.Data = make(map[string]any)
	}
	if err := s.write(ctx, c, 0); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, patch map[string]any) (*Context, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.read(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Data = payload.Merge(c.Data, patch)
	c.UpdatedAt = s.now()
	if err := s.write(ctx, c, redis.KeepTTL); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Context, error) {
	return s.read(ctx, id)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, id string, retention time.Duration) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if retention <= 0 {
		if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
			return &storage.StorageUnavailableError{Cause: err}
		}
		return nil
	}
	c, err := s.read(ctx, id)
	if err != nil {
		return err
	}
	expires := s.now().Add(retention)
	c.ExpiresAt = &expires
	return s.write(ctx, c, retention)
}

func (s *RedisStore) read(ctx context.Context, id string) (*Context, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	var c Context
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, &storage.SerializationError{Operation: "decode context", Cause: err}
	}
	if c.expired(s.now()) {
		return nil, &NotFoundError{ID: id}
	}
	return &c, nil
}

func (s *RedisStore) write(ctx context.Context, c *Context, ttl time.Duration) error {
	data, err := json.Marshal(c)
	if err != nil {
		return &storage.SerializationError{Operation: "encode context", Cause: err}
	}
	if err := s.client.Set(ctx, s.key(c.ID), data, ttl).Err(); err != nil {
		return &storage.StorageUnavailableError{Cause: fmt.Errorf("set %s: %w", c.ID, err)}
	}
	return nil
}
