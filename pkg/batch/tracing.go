package batch

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const runtimeTracerName = "conductor.runtime"

const (
	spanRun  = "batch.run"
	spanUnit = "batch.unit"
)

func runtimeTracer() trace.Tracer {
	return otel.Tracer(runtimeTracerName)
}

// MetricsRecorder records batch and item metrics.
type MetricsRecorder interface {
	RecordBatchSubmitted(strategy string)
	RecordBatchFinished(strategy, status string, duration time.Duration)
	RecordItemOutcome(status string)
	RecordItemRetry()
	IncItemsInFlight()
	DecItemsInFlight()
}

type nopMetricsRecorder struct{}

func (n *nopMetricsRecorder) RecordBatchSubmitted(strategy string)                                {}
func (n *nopMetricsRecorder) RecordBatchFinished(strategy, status string, duration time.Duration) {}
func (n *nopMetricsRecorder) RecordItemOutcome(status string)                                     {}
func (n *nopMetricsRecorder) RecordItemRetry()                                                    {}
func (n *nopMetricsRecorder) IncItemsInFlight()                                                   {}
func (n *nopMetricsRecorder) DecItemsInFlight()                                                   {}
