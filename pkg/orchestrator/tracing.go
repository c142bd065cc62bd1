package orchestrator

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const runtimeTracerName = "conductor.runtime"

const spanExecute = "orchestrator.execute"

func runtimeTracer() trace.Tracer {
	return otel.Tracer(runtimeTracerName)
}
