package orchestrator

import "time"

// MetricsRecorder records dispatch outcomes. outcome is "success" or an error code.
type MetricsRecorder interface {
	RecordDispatch(serviceType, outcome string, duration time.Duration)
}

type nopMetricsRecorder struct{}

func (n *nopMetricsRecorder) RecordDispatch(serviceType, outcome string, duration time.Duration) {}
