package request

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/conductor/pkg/eventbus"
	"github.com/goclaw/conductor/pkg/execctx"
	"github.com/goclaw/conductor/pkg/ids"
	"github.com/goclaw/conductor/pkg/notify"
	"github.com/goclaw/conductor/pkg/orchestrator"
	"github.com/goclaw/conductor/pkg/purpose"
	"github.com/goclaw/conductor/pkg/storage"
	"github.com/goclaw/conductor/pkg/template"
)

type memRepo struct {
	mu    sync.Mutex
	items map[string]*Request
	saves atomic.Int32
}

func newMemRepo() *memRepo { return &memRepo{items: make(map[string]*Request)} }

func (m *memRepo) SaveRequest(_ context.Context, r *Request) error {
	m.saves.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[r.ID] = r.Clone()
	return nil
}

func (m *memRepo) GetRequest(_ context.Context, id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "request", ID: id}
	}
	return r.Clone(), nil
}

func (m *memRepo) ListRequests(_ context.Context, f Filter) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for _, r := range m.items {
		if f.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (m *memRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type staticTemplates map[string]*template.ExecutionTemplate

func (s staticTemplates) GetByID(_ context.Context, id string) (*template.ExecutionTemplate, error) {
	t, ok := s[id]
	if !ok {
		return nil, &template.NotFoundError{TemplateID: id}
	}
	return t, nil
}

func (s staticTemplates) GetByPurpose(_ context.Context, purposeID, defaultID string) (*template.ExecutionTemplate, error) {
	for _, t := range s {
		if t.ServesPurpose(purposeID) {
			return t, nil
		}
	}
	if t, ok := s[defaultID]; ok {
		return t, nil
	}
	return nil, &template.NotFoundError{PurposeID: purposeID}
}

type countingClient struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (c *countingClient) ExecuteTemplate(_ context.Context, templateID string, _ map[string]any, data map[string]any) (any, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.err != nil {
		return nil, c.err
	}
	return map[string]any{"reply": "ok:" + templateID, "order": data["order_id"]}, nil
}

type capturingSink struct {
	mu          sync.Mutex
	completions []string
	failures    []string
}

func (s *capturingSink) NotifyCompletion(_ context.Context, ownerID string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions = append(s.completions, ownerID)
	return nil
}

func (s *capturingSink) NotifyError(_ context.Context, ownerID string, d *notify.ErrorDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, ownerID+":"+d.Code)
	return nil
}

type fixture struct {
	svc      *Service
	repo     *memRepo
	client   *countingClient
	contexts *execctx.MemoryStore
	sink     *capturingSink
	notifier *notify.Dispatcher
	events   *eventbus.MemoryBus
	sub      *eventbus.Subscription
}

const orderTemplateID = "tpl_seed_20260101000000_orderstatus1"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tpl := &template.ExecutionTemplate{
		ID:          orderTemplateID,
		ServiceType: template.ServiceCommunication,
		Version:     1,
		Status:      template.StatusActive,
		Parameters:  template.ParameterSchema{Required: []string{"order_id"}},
		PurposeIDs:  []string{"order-status"},
	}
	catalog := purpose.NewCatalog(&purpose.Purpose{
		ID:         "order-status",
		TemplateID: orderTemplateID,
		Keywords:   []purpose.Keyword{{Phrase: "order"}, {Phrase: "where is my", Weight: 2}},
	})

	client := &countingClient{}
	f := &fixture{
		repo:     newMemRepo(),
		client:   client,
		contexts: execctx.NewMemoryStore(),
		sink:     &capturingSink{},
		events:   eventbus.NewMemoryBus(),
	}
	f.notifier = notify.NewDispatcher(f.sink, time.Second, nil)

	sub, err := f.events.Subscribe(eventbus.DomainWildcardSubject(eventbus.DomainRequest), 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	f.sub = sub

	pub, err := eventbus.NewPublisher("test", f.events, eventbus.DefaultRetryConfig())
	require.NoError(t, err)

	f.svc = New(Deps{
		Repository: f.repo,
		Templates:  staticTemplates{orderTemplateID: tpl},
		Purposes:   purpose.NewResolver(catalog, 0),
		Executor:   orchestrator.New(map[template.ServiceType]orchestrator.Client{template.ServiceCommunication: client}),
		Contexts:   f.contexts,
	},
		WithEvents(pub),
		WithNotifier(f.notifier),
		WithContextRetention(time.Minute),
		WithIDGenerator(ids.NewGenerator("test")),
	)
	return f
}

func (f *fixture) eventTypes(t *testing.T, n int) []string {
	t.Helper()
	var out []string
	for len(out) < n {
		select {
		case msg := <-f.sub.C():
			out = append(out, msg.Subject[len(eventbus.SubjectPrefix)+1:])
		case <-time.After(time.Second):
			t.Fatalf("timed out after %v", out)
		}
	}
	return out
}

func TestProcess_ResolvesPurposeAndCompletes(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.Process(context.Background(), Input{
		Text: "Where is my order?",
		Data: map[string]any{"order_id": "A-17"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, "order-status", resp.PurposeID)
	assert.Equal(t, orderTemplateID, resp.TemplateID)
	assert.InDelta(t, 1.0, resp.Confidence, 1e-9)
	assert.True(t, ids.IsKind(resp.ID, ids.KindRequest))

	stored, err := f.svc.Get(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	require.NotNil(t, stored.StartedAt)
	assert.Equal(t, "A-17", stored.Result.(map[string]any)["order"])

	c, err := f.contexts.Get(context.Background(), stored.ContextID)
	require.NoError(t, err, "context survives within retention")
	assert.NotNil(t, c.ExpiresAt)
	assert.Contains(t, c.Data, ResultKey)

	f.notifier.Wait()
	assert.Equal(t, []string{resp.ID}, f.sink.completions)
	assert.Equal(t, []string{"request.created", "request.started", "request.completed"}, f.eventTypes(t, 3))
}

func TestProcess_MissingParameterFailsWithoutDispatch(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.Process(context.Background(), Input{PurposeID: "order-status", Data: map[string]any{}})

	var perr *ProcessingError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "MISSING_PARAMETERS", perr.Code)
	assert.False(t, perr.Retriable())
	assert.Equal(t, StatusFailed, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, resp.ID, resp.Error.EntityID)
	assert.Zero(t, f.client.calls.Load())

	f.notifier.Wait()
	assert.Equal(t, []string{resp.ID + ":MISSING_PARAMETERS"}, f.sink.failures)
}

func TestProcess_UnknownPurposePersistsNothing(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Process(context.Background(), Input{PurposeID: "refund", Data: map[string]any{"order_id": "1"}})
	var nf *purpose.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, 0, f.repo.count())
	assert.Equal(t, 0, f.contexts.Len())
	assert.Zero(t, f.client.calls.Load())
}

func TestProcess_UndetectablePurpose(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Process(context.Background(), Input{Text: "good morning"})
	var nf *purpose.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, 0, f.repo.count())
}

func TestProcess_UnknownTemplate(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Process(context.Background(), Input{TemplateID: "tpl_nope", Data: map[string]any{"order_id": "1"}})
	var nf *template.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, 0, f.repo.count())
}

func TestProcess_IdempotentOnRequestID(t *testing.T) {
	f := newFixture(t)
	in := Input{
		TemplateID: orderTemplateID,
		Data:       map[string]any{"order_id": "A-1"},
		Metadata:   InputMetadata{RequestID: "req_client_20260101000000_abcdefabcdef"},
	}

	first, err := f.svc.Process(context.Background(), in)
	require.NoError(t, err)
	second, err := f.svc.Process(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, f.client.calls.Load())
}

func TestProcess_ConcurrentDuplicatesCollapse(t *testing.T) {
	f := newFixture(t)
	f.client.delay = 50 * time.Millisecond
	in := Input{
		TemplateID: orderTemplateID,
		Data:       map[string]any{"order_id": "A-1"},
		Metadata:   InputMetadata{RequestID: "req_client_20260101000000_000000000001"},
	}

	var wg sync.WaitGroup
	results := make([]*Response, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.svc.Process(context.Background(), in)
			assert.NoError(t, err)
			results[i] = resp
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.client.calls.Load())
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, StatusCompleted, r.Status)
	}
}

func TestProcess_IdempotentReplayOfFailure(t *testing.T) {
	f := newFixture(t)
	f.client.err = &orchestrator.ServiceUnavailableError{Service: "sms"}
	in := Input{
		TemplateID: orderTemplateID,
		Data:       map[string]any{"order_id": "A-1"},
		Metadata:   InputMetadata{RequestID: "req_client_20260101000000_000000000002"},
	}

	_, err := f.svc.Process(context.Background(), in)
	var first *ProcessingError
	require.ErrorAs(t, err, &first)
	assert.True(t, first.Retriable())
	assert.Equal(t, "SERVICE_UNAVAILABLE", first.Code)

	f.client.err = nil
	resp, err := f.svc.Process(context.Background(), in)
	var second *ProcessingError
	require.ErrorAs(t, err, &second)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.EqualValues(t, 1, f.client.calls.Load())
}

func TestProcess_UnsettledRequestIDIsNotReplayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := "req_client_20260101000000_000000000003"
	require.NoError(t, f.repo.SaveRequest(ctx, &Request{
		ID:         id,
		TemplateID: orderTemplateID,
		Status:     StatusProcessing,
	}))

	in := Input{
		TemplateID: orderTemplateID,
		Data:       map[string]any{"order_id": "A-1"},
		Metadata:   InputMetadata{RequestID: id},
	}
	resp, err := f.svc.Process(ctx, in)
	var inProgress *InProgressError
	require.ErrorAs(t, err, &inProgress)
	assert.Equal(t, id, inProgress.RequestID)
	assert.Equal(t, StatusProcessing, inProgress.Status)
	require.NotNil(t, resp)
	assert.Equal(t, StatusProcessing, resp.Status)
	assert.Zero(t, f.client.calls.Load())

	_, err = f.svc.Cancel(ctx, id)
	require.NoError(t, err)
	resp, err = f.svc.Process(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, resp.Status)
}

func TestExecution_RetryInPlace(t *testing.T) {
	f := newFixture(t)
	f.client.err = errors.New("model overloaded")

	exec, err := f.svc.Begin(context.Background(), Input{
		TemplateID: orderTemplateID,
		Data:       map[string]any{"order_id": "A-1"},
		Metadata:   InputMetadata{BatchID: "bat_x", ItemID: "item-1"},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := exec.Attempt(context.Background())
		require.Error(t, err)
		assert.True(t, orchestrator.IsRetriable(err))
	}
	assert.Equal(t, 3, exec.Attempts())
	assert.Equal(t, 2, exec.Request().Metadata.RetryCount)

	resp, err := exec.Finish(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusFailed, resp.Status)

	_, err = exec.Attempt(context.Background())
	var te *TransitionError
	assert.ErrorAs(t, err, &te)

	again, _ := exec.Finish(context.Background())
	assert.Equal(t, resp, again)

	f.notifier.Wait()
	assert.Empty(t, f.sink.failures, "batch items notify through their batch")

	listed, err := f.svc.List(context.Background(), Filter{BatchID: "bat_x"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "item-1", listed[0].Metadata.ItemID)
}

func TestExecution_FinishWithoutAttemptCancels(t *testing.T) {
	f := newFixture(t)
	exec, err := f.svc.Begin(context.Background(), Input{TemplateID: orderTemplateID, Data: map[string]any{"order_id": "1"}})
	require.NoError(t, err)

	resp, err := exec.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, resp.Status)
	assert.Zero(t, f.client.calls.Load())
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	exec, err := f.svc.Begin(context.Background(), Input{TemplateID: orderTemplateID, Data: map[string]any{"order_id": "1"}})
	require.NoError(t, err)
	id := exec.Request().ID

	resp, err := f.svc.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, resp.Status)

	// The in-flight execution observes the cancellation when it finishes.
	_, _ = exec.Attempt(context.Background())
	final, err := exec.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)

	_, err = f.svc.Cancel(context.Background(), id)
	var te *TransitionError
	assert.ErrorAs(t, err, &te)

	_, err = f.svc.Cancel(context.Background(), "req_missing")
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestRequest_CompletedAtOnlyWhenTerminal(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := &Request{ID: "req_1", Status: StatusPending}

	require.NoError(t, r.transition(StatusProcessing, now))
	assert.Nil(t, r.CompletedAt)
	assert.NotNil(t, r.StartedAt)

	require.NoError(t, r.transition(StatusCompleted, now.Add(time.Second)))
	require.NotNil(t, r.CompletedAt)
	assert.Equal(t, now.Add(time.Second), *r.CompletedAt)

	assert.Error(t, r.transition(StatusFailed, now))
	assert.Error(t, (&Request{Status: StatusPending}).transition(StatusCompleted, now))
}
