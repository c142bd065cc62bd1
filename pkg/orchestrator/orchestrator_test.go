package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/goclaw/conductor/pkg/execctx"
	"github.com/goclaw/conductor/pkg/template"
)

type stubClient struct {
	calls atomic.Int32
	out   any
	err   error
}

func (s *stubClient) ExecuteTemplate(_ context.Context, templateID string, serviceTemplate map[string]any, data map[string]any) (any, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if s.out != nil {
		return s.out, nil
	}
	return map[string]any{"template": templateID, "echo": data}, nil
}

type recordedDispatch struct {
	serviceType string
	outcome     string
}

type recordingMetrics struct {
	mu       sync.Mutex
	dispatch []recordedDispatch
}

func (r *recordingMetrics) RecordDispatch(serviceType, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatch = append(r.dispatch, recordedDispatch{serviceType, outcome})
}

func testTemplate(st template.ServiceType) *template.ExecutionTemplate {
	return &template.ExecutionTemplate{
		ID:          "tpl_test_20260101000000_aaaaaaaaaaaa",
		ServiceType: st,
		Version:     1,
		Status:      template.StatusActive,
		ServiceTemplate: map[string]any{
			"prompt": "Summarize {{text}}",
		},
		Parameters: template.ParameterSchema{
			Required: []string{"text"},
			Optional: []string{"lang"},
			Rules:    map[string]string{"lang": "oneof=en de fr"},
		},
	}
}

func withData(data map[string]any) *execctx.Context {
	return &execctx.Context{ID: "ctx_test", Owner: execctx.ForRequest("req_test"), Data: data}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, map[template.ServiceType]*stubClient, *recordingMetrics, *tracetest.SpanRecorder) {
	t.Helper()
	clients := map[template.ServiceType]*stubClient{
		template.ServiceGenerative:    {},
		template.ServiceAnalysis:      {},
		template.ServiceCommunication: {},
	}
	table := make(map[template.ServiceType]Client, len(clients))
	for st, c := range clients {
		table[st] = c
	}
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	m := &recordingMetrics{}
	return New(table, WithMetrics(m), WithTracer(tp.Tracer("test"))), clients, m, rec
}

func TestExecute_DispatchesByServiceType(t *testing.T) {
	o, clients, _, _ := newTestOrchestrator(t)

	for _, st := range template.ServiceTypes() {
		res, err := o.Execute(context.Background(), testTemplate(st), withData(map[string]any{"text": "hi"}))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Nil(t, res.Error)
		assert.Equal(t, st, res.Metrics.ServiceType)
		assert.Equal(t, "tpl_test_20260101000000_aaaaaaaaaaaa", res.Metrics.TemplateID)
		assert.False(t, res.Metrics.StartedAt.IsZero())
	}
	for st, c := range clients {
		assert.EqualValues(t, 1, c.calls.Load(), "service %s", st)
	}
}

func TestExecute_MissingParametersNeverDispatch(t *testing.T) {
	o, clients, m, _ := newTestOrchestrator(t)

	res, err := o.Execute(context.Background(), testTemplate(template.ServiceGenerative), withData(map[string]any{"lang": "en"}))

	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, CodeMissingParameters, oe.Code)
	assert.Equal(t, []string{"text"}, oe.MissingFields)
	assert.True(t, oe.Permanent)
	assert.False(t, res.Success)
	assert.Same(t, oe, res.Error)
	assert.Zero(t, clients[template.ServiceGenerative].calls.Load())
	assert.Equal(t, []recordedDispatch{{"GENERATIVE", "MISSING_PARAMETERS"}}, m.dispatch)
}

func TestExecute_NilContextTreatedAsEmpty(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	_, err := o.Execute(context.Background(), testTemplate(template.ServiceAnalysis), nil)

	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, CodeMissingParameters, oe.Code)
}

func TestExecute_InvalidParameters(t *testing.T) {
	o, clients, _, _ := newTestOrchestrator(t)

	_, err := o.Execute(context.Background(), testTemplate(template.ServiceGenerative), withData(map[string]any{"text": "hi", "lang": "xx"}))

	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, CodeInvalidParameters, oe.Code)
	assert.Contains(t, oe.InvalidFields, "lang")
	assert.Zero(t, clients[template.ServiceGenerative].calls.Load())
}

func TestExecute_UnsupportedServiceType(t *testing.T) {
	o := New(map[template.ServiceType]Client{template.ServiceAnalysis: &stubClient{}})

	_, err := o.Execute(context.Background(), testTemplate(template.ServiceCommunication), withData(map[string]any{"text": "hi"}))

	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, CodeUnsupportedServiceType, oe.Code)
	assert.False(t, oe.Retriable())
}

func TestExecute_ErrorClassification(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		err       error
		wantCode  Code
		retriable bool
	}{
		{"unavailable", &ServiceUnavailableError{Service: "llm", Cause: boom}, CodeServiceUnavailable, true},
		{"business", boom, CodeExecutionFailed, true},
		{"permanent", Permanent(boom), CodeExecutionFailed, false},
		{"cancelled", context.Canceled, CodeCancelled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(map[template.ServiceType]Client{template.ServiceGenerative: &stubClient{err: tt.err}})
			res, err := o.Execute(context.Background(), testTemplate(template.ServiceGenerative), withData(map[string]any{"text": "hi"}))

			var oe *Error
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, tt.wantCode, oe.Code)
			assert.Equal(t, tt.retriable, oe.Retriable())
			assert.Equal(t, tt.retriable, IsRetriable(err))
			assert.Equal(t, "tpl_test_20260101000000_aaaaaaaaaaaa", oe.TemplateID)
			assert.NotEmpty(t, oe.Message)
			assert.ErrorIs(t, err, tt.err)
			require.NotNil(t, res)
			assert.False(t, res.Success)
		})
	}
}

func TestRegister_AddsServiceType(t *testing.T) {
	o := New(nil)
	assert.False(t, o.Supports(template.ServiceAnalysis))

	o.Register(template.ServiceAnalysis, func(_ context.Context, tpl *template.ExecutionTemplate, data map[string]any) (any, error) {
		return "scored " + data["text"].(string), nil
	})
	require.True(t, o.Supports(template.ServiceAnalysis))

	res, err := o.Execute(context.Background(), testTemplate(template.ServiceAnalysis), withData(map[string]any{"text": "x"}))
	require.NoError(t, err)
	assert.Equal(t, "scored x", res.Data)

	o.Register(template.ServiceAnalysis, nil)
	assert.False(t, o.Supports(template.ServiceAnalysis))
}

func TestExecute_RecordsSpan(t *testing.T) {
	o, _, _, rec := newTestOrchestrator(t)

	_, err := o.Execute(context.Background(), testTemplate(template.ServiceCommunication), withData(map[string]any{"text": "hi"}))
	require.NoError(t, err)
	_, _ = o.Execute(context.Background(), testTemplate(template.ServiceCommunication), withData(nil))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "orchestrator.execute", spans[0].Name())

	attrs := map[string]string{}
	for _, kv := range spans[1].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "COMMUNICATION", attrs["template.service_type"])
	assert.Equal(t, "MISSING_PARAMETERS", attrs["orchestrator.error_code"])
}
