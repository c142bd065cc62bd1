package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/conductor/pkg/eventbus"
)

type recordingSink struct {
	mu          sync.Mutex
	completions []string
	errors      []string
	fail        error
	panics      bool
}

func (s *recordingSink) NotifyCompletion(_ context.Context, ownerID string, _ any) error {
	if s.panics {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions = append(s.completions, ownerID)
	return s.fail
}

func (s *recordingSink) NotifyError(_ context.Context, ownerID string, detail *ErrorDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, ownerID+":"+detail.Code)
	return s.fail
}

func TestDispatcher_FireAndForget(t *testing.T) {
	sink := &recordingSink{fail: errors.New("webhook down")}
	d := NewDispatcher(sink, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	d.Completion(ctx, "req_1", map[string]any{"ok": true})
	d.Error(ctx, "bat_1", &ErrorDetail{Code: "BATCH_PROCESSING_ERROR", Message: "template missing", EntityID: "bat_1"})
	cancel()
	d.Wait()

	assert.Equal(t, []string{"req_1"}, sink.completions)
	assert.Equal(t, []string{"bat_1:BATCH_PROCESSING_ERROR"}, sink.errors)
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	d := NewDispatcher(&recordingSink{panics: true}, time.Second, nil)
	d.Completion(context.Background(), "req_1", nil)
	d.Wait()
}

func TestMulti(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{fail: errors.New("b failed")}
	err := Multi{a, b, Nop{}}.NotifyCompletion(context.Background(), "req_1", nil)
	assert.EqualError(t, err, "b failed")
	assert.Equal(t, []string{"req_1"}, a.completions)
	assert.Equal(t, []string{"req_1"}, b.completions)
}

func TestBusSink(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	sub, err := bus.Subscribe(eventbus.DomainWildcardSubject(eventbus.DomainNotification), 4)
	require.NoError(t, err)
	defer sub.Close()

	pub, err := eventbus.NewPublisher("node-1", bus, eventbus.DefaultRetryConfig())
	require.NoError(t, err)
	sink := BusSink{Emitter: pub}

	require.NoError(t, sink.NotifyError(context.Background(), "req_1", &ErrorDetail{Code: "EXECUTION_FAILED", Message: "boom", EntityID: "req_1"}))

	select {
	case msg := <-sub.C():
		assert.Equal(t, eventbus.SubjectPrefix+".notification.error", msg.Subject)
		var env eventbus.Envelope
		require.NoError(t, json.Unmarshal(msg.Payload, &env))
		assert.Equal(t, "req_1", env.EntityID)
		assert.Contains(t, string(env.Payload), "EXECUTION_FAILED")
	case <-time.After(time.Second):
		t.Fatal("no notification published")
	}
}

func TestLogSink(t *testing.T) {
	var s Sink = LogSink{}
	assert.NoError(t, s.NotifyCompletion(context.Background(), "req_1", nil))
	assert.NoError(t, s.NotifyError(context.Background(), "req_1", &ErrorDetail{Code: "X"}))
}
