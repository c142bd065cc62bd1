package request

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const runtimeTracerName = "conductor.runtime"

const (
	spanProcess = "request.process"
	spanAttempt = "request.attempt"
)

func runtimeTracer() trace.Tracer {
	return otel.Tracer(runtimeTracerName)
}

// MetricsRecorder records finished requests by terminal status.
type MetricsRecorder interface {
	RecordRequest(status string, duration time.Duration)
}

type nopMetricsRecorder struct{}

func (n *nopMetricsRecorder) RecordRequest(status string, duration time.Duration) {}
