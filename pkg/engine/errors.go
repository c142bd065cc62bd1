package engine

import "fmt"

// EngineNotRunningError is returned when an operation requires the engine to be running.
type EngineNotRunningError struct {
	State State
}

func (e *EngineNotRunningError) Error() string {
	return fmt.Sprintf("engine is not running (state: %s)", e.State)
}

// ComponentError is returned when a component cannot be built from configuration.
type ComponentError struct {
	Component string
	Cause     error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("engine component %q: %v", e.Component, e.Cause)
}

func (e *ComponentError) Unwrap() error { return e.Cause }
