package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Message is a delivered bus message.
type Message struct {
	Subject   string
	Payload   []byte
	Timestamp time.Time
}

// Subscription receives messages matching a subject pattern.
type Subscription struct {
	id   uint64
	bus  *MemoryBus
	ch   chan Message
	once sync.Once
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan Message { return s.ch }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

type memorySub struct {
	pattern string
	ch      chan Message
}

// MemoryBus is an in-process transport. Slow subscribers drop messages rather
// than block publishers.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]memorySub
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uint64]memorySub)}
}

// Publish delivers payload to every subscription whose pattern matches subject.
func (b *MemoryBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if subject == "" {
		return fmt.Errorf("eventbus: subject cannot be empty")
	}
	msg := Message{Subject: subject, Payload: append([]byte(nil), payload...), Timestamp: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !subjectMatches(sub.pattern, subject) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers a pattern. Patterns support "*" for one segment and a
// trailing ">" for any remainder.
func (b *MemoryBus) Subscribe(pattern string, buffer int) (*Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("eventbus: subscription pattern cannot be empty")
	}
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = memorySub{pattern: pattern, ch: ch}
	b.mu.Unlock()

	return &Subscription{id: id, bus: b, ch: ch}, nil
}

func subjectMatches(pattern, subject string) bool {
	if pattern == subject || pattern == ">" {
		return true
	}
	pp := strings.Split(pattern, ".")
	sp := strings.Split(subject, ".")
	for i, seg := range pp {
		if seg == ">" {
			return i == len(pp)-1 && len(sp) > i
		}
		if i >= len(sp) {
			return false
		}
		if seg != "*" && seg != sp[i] {
			return false
		}
	}
	return len(pp) == len(sp)
}
