package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/conductor/pkg/batch"
	"github.com/goclaw/conductor/pkg/eventbus"
	"github.com/goclaw/conductor/pkg/orchestrator"
	"github.com/goclaw/conductor/pkg/request"
	"github.com/goclaw/conductor/pkg/schedule"
)

var (
	_ orchestrator.MetricsRecorder = (*Manager)(nil)
	_ request.MetricsRecorder      = (*Manager)(nil)
	_ batch.MetricsRecorder        = (*Manager)(nil)
	_ schedule.MetricsRecorder     = (*Manager)(nil)
	_ eventbus.Telemetry           = (*Manager)(nil)
)

func TestNewManager(t *testing.T) {
	m := NewManager(DefaultConfig())
	require.NotNil(t, m)
	assert.True(t, m.Enabled())
	assert.NotNil(t, m.Registry())
}

func TestNewManager_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	m := NewManager(cfg)
	require.NotNil(t, m)
	assert.False(t, m.Enabled())
}

func TestNewManager_FillsMissingBuckets(t *testing.T) {
	m := NewManager(Config{Enabled: true})
	m.RecordBatchFinished("object", "COMPLETED", 2*time.Second)
	assert.Equal(t, 1, testutil.CollectAndCount(m.batchDuration))
}

func TestManager_RequestAndDispatch(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.RecordRequest("COMPLETED", 120*time.Millisecond)
	m.RecordRequest("COMPLETED", 80*time.Millisecond)
	m.RecordRequest("FAILED", time.Second)
	m.RecordDispatch("GENERATIVE", "success", 50*time.Millisecond)
	m.RecordDispatch("GENERATIVE", "SERVICE_UNAVAILABLE", 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("GENERATIVE", "SERVICE_UNAVAILABLE")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.dispatchLatency))
}

func TestManager_Batch(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.RecordBatchSubmitted("individual")
	m.RecordItemOutcome("succeeded")
	m.RecordItemOutcome("succeeded")
	m.RecordItemOutcome("failed")
	m.RecordItemRetry()
	m.RecordItemRetry()
	m.IncItemsInFlight()
	m.IncItemsInFlight()
	m.DecItemsInFlight()
	m.RecordScheduleFire("fired")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchSubmissions.WithLabelValues("individual")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.batchItems.WithLabelValues("succeeded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.batchItemRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scheduleFires.WithLabelValues("fired")))
}

func TestManager_EventBusDegradedTransitions(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.RecordPublish("batch.completed", "published")
	m.RecordRetry()
	m.SetDegradedMode(true)
	m.SetDegradedMode(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventDegraded))
	m.SetDegradedMode(false)
	m.SetDegradedMode(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventPublish.WithLabelValues("batch.completed", "published")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventRetries))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.eventDegraded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventOutages))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventRecoveries))
}

func TestMetricsHandler(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.RecordBatchSubmitted("combined")
	m.RecordRequest("COMPLETED", time.Second)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, metric := range []string{"batch_submissions_total", "requests_total", "request_duration_seconds", "go_goroutines"} {
		assert.Contains(t, body, metric)
	}
}

func TestMetricsHandler_Disabled(t *testing.T) {
	m := NoOpManager()

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartServer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 19091

	m := NewManager(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := m.StartServer(ctx, cfg.Port, cfg.Path); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get("http://localhost:19091/metrics")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		t.Errorf("server error: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNoOpManager(t *testing.T) {
	m := NoOpManager()
	assert.False(t, m.Enabled())

	assert.NotPanics(t, func() {
		m.RecordRequest("COMPLETED", time.Second)
		m.RecordDispatch("ANALYSIS", "success", time.Second)
		m.RecordBatchSubmitted("object")
		m.RecordBatchFinished("object", "COMPLETED", time.Second)
		m.RecordItemOutcome("failed")
		m.RecordItemRetry()
		m.IncItemsInFlight()
		m.DecItemsInFlight()
		m.RecordScheduleFire("fired")
		m.RecordPublish("request.created", "published")
		m.RecordRetry()
		m.SetDegradedMode(true)
		m.RecordHTTPRequest(context.Background(), "GET", "/healthz", "200", time.Millisecond)
	})
}

func BenchmarkRecordRequest(b *testing.B) {
	m := NewManager(DefaultConfig())
	d := 100 * time.Millisecond
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordRequest("COMPLETED", d)
	}
}

func BenchmarkRecordItemOutcome(b *testing.B) {
	m := NewManager(DefaultConfig())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordItemOutcome("succeeded")
	}
}
