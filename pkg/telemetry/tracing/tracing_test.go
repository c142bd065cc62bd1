package tracing

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/goclaw/conductor/config"
	"github.com/goclaw/conductor/pkg/logger"
)

type mockExporter struct {
	shutdownCalled bool
	failExports    bool
	exportCalls    int
}

func (m *mockExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error {
	m.exportCalls++
	if m.failExports {
		return errors.New("collector unavailable")
	}
	return nil
}

func (m *mockExporter) Shutdown(context.Context) error {
	m.shutdownCalled = true
	return nil
}

type blockingShutdownExporter struct{}

func (blockingShutdownExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error {
	return nil
}

func (blockingShutdownExporter) Shutdown(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

var testResource = Resource{ServiceName: "conductor", ServiceVersion: "test", Environment: "development"}

func stubExporter(t *testing.T, exp sdktrace.SpanExporter) *bool {
	t.Helper()
	orig := newOTLPExporter
	t.Cleanup(func() { newOTLPExporter = orig })

	called := false
	newOTLPExporter = func(context.Context, config.TracingConfig) (sdktrace.SpanExporter, error) {
		called = true
		return exp, nil
	}
	return &called
}

func enabledConfig() config.TracingConfig {
	return config.TracingConfig{
		Enabled:    true,
		Exporter:   "otlp",
		Endpoint:   "localhost:4317",
		Timeout:    time.Second,
		Sampler:    "always_on",
		SampleRate: 1,
	}
}

func TestInit_DisabledInstallsNoop(t *testing.T) {
	called := stubExporter(t, &mockExporter{})

	shutdown, err := Init(context.Background(), config.TracingConfig{}, testResource, logger.Discard())
	require.NoError(t, err)
	assert.False(t, *called)

	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_Validation(t *testing.T) {
	cfg := enabledConfig()
	cfg.Endpoint = ""
	_, err := Init(context.Background(), cfg, testResource, logger.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")

	cfg = enabledConfig()
	cfg.Timeout = 0
	_, err = Init(context.Background(), cfg, testResource, logger.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestInit_EnabledExportsAndShutsDown(t *testing.T) {
	exp := &mockExporter{}
	stubExporter(t, exp)

	cfg := enabledConfig()
	cfg.Endpoint = "http://localhost:4317/v1/traces"
	cfg.Headers = map[string]string{"x-tenant": "ops"}
	shutdown, err := Init(context.Background(), cfg, testResource, logger.Discard())
	require.NoError(t, err)

	_, span := otel.Tracer("conductor.runtime").Start(context.Background(), "batch.run")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, shutdown(ctx))
	assert.True(t, exp.shutdownCalled)
	assert.Positive(t, exp.exportCalls)
}

func TestInit_ExportFailureIsLoggedNotReturned(t *testing.T) {
	exp := &mockExporter{failExports: true}
	stubExporter(t, exp)

	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, logger.Config{Level: logger.WarnLevel})
	shutdown, err := Init(context.Background(), enabledConfig(), testResource, log)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "request.process")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, shutdown(ctx))
	assert.Positive(t, exp.exportCalls)
	assert.Contains(t, buf.String(), "span export failed")
	assert.Contains(t, buf.String(), "localhost:4317")
}

func TestShutdown_TimeoutIsBounded(t *testing.T) {
	stubExporter(t, blockingShutdownExporter{})

	cfg := enabledConfig()
	cfg.Timeout = 100 * time.Millisecond
	shutdown, err := Init(context.Background(), cfg, testResource, logger.Discard())
	require.NoError(t, err)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, shutdown(ctx))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSelectSampler(t *testing.T) {
	tests := []struct {
		sampler string
		want    string
	}{
		{"always_on", "alwaysonsampler"},
		{"ALWAYS_OFF", "alwaysoffsampler"},
		{"ratio", "parentbased"},
		{"", "parentbased"},
	}
	for _, tt := range tests {
		t.Run(tt.sampler, func(t *testing.T) {
			got := selectSampler(config.TracingConfig{Sampler: tt.sampler, SampleRate: 0.25}).Description()
			assert.Contains(t, strings.ToLower(got), tt.want)
		})
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := map[string]string{
		"localhost:4317":                  "localhost:4317",
		"http://localhost:4317/v1/traces": "localhost:4317",
		" otel:4317 ":                     "otel:4317",
		"":                                "",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeEndpoint(in), in)
	}
}
