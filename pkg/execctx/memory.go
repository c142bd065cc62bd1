package execctx

import (
	"context"
	"sync"
	"time"

	"github.com/goclaw/conductor/pkg/ids"
	"github.com/goclaw/conductor/pkg/payload"
	"github.com/goclaw/conductor/pkg/syncutil"
)

// MemoryStore keeps contexts in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	contexts map[string]*Context
	locks    *syncutil.KeyedMutex
	ids      *ids.Generator
	now      func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for timestamps and expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMemoryIDs sets the id generator for new contexts.
func WithMemoryIDs(g *ids.Generator) MemoryOption {
	return func(s *MemoryStore) {
		if g != nil {
			s.ids = g
		}
	}
}

// NewMemoryStore creates an empty in-memory context store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		contexts: make(map[string]*Context),
		locks:    syncutil.NewKeyedMutex(),
		ids:      ids.NewGenerator("store"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Create(_ context.Context, owner OwnerRef, initial map[string]any) (*Context, error) {
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

	s.mu.Lock()
	s.contexts[c.ID] = c
	s.mu.Unlock()
	return c.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, patch map[string]any) (*Context, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.load(id)
	if err != nil {
		return nil, err
	}
	next := c.Clone()
	next.Data = payload.Merge(c.Data, payload.Clone(patch))
	next.UpdatedAt = s.now()

	s.mu.Lock()
	s.contexts[id] = next
	s.mu.Unlock()
	return next.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Context, error) {
	c, err := s.load(id)
	if err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	delete(s.contexts, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Release(_ context.Context, id string, retention time.Duration) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.load(id)
	if err != nil {
		return err
	}
	if retention <= 0 {
		s.mu.Lock()
		delete(s.contexts, id)
		s.mu.Unlock()
		return nil
	}
	next := c.Clone()
	expires := s.now().Add(retention)
	next.ExpiresAt = &expires

	s.mu.Lock()
	s.contexts[id] = next
	s.mu.Unlock()
	return nil
}

// Sweep drops every context whose retention has elapsed at now and returns how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, c := range s.contexts {
		if c.expired(now) {
			delete(s.contexts, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored contexts, expired ones included until swept.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

// load returns the stored pointer; callers must not mutate it.
func (s *MemoryStore) load(id string) (*Context, error) {
	s.mu.RLock()
	c, ok := s.contexts[id]
	s.mu.RUnlock()
	if !ok || c.expired(s.now()) {
		return nil, &NotFoundError{ID: id}
	}
	return c, nil
}
