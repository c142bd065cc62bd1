// Package notify delivers completion and error notifications for requests and
// batches. Delivery is fire-and-forget: a failing sink never fails its owner.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goclaw/conductor/pkg/eventbus"
	"github.com/goclaw/conductor/pkg/logger"
)

// ErrorDetail is the user-visible description of a terminal failure.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	EntityID  string `json:"entity_id"`
	Retriable bool   `json:"retriable,omitempty"`
}

func (d *ErrorDetail) Error() string {
	return d.Code + ": " + d.Message
}

// Sink receives notifications about finished requests and batches.
type Sink interface {
	NotifyCompletion(ctx context.Context, ownerID string, result any) error
	NotifyError(ctx context.Context, ownerID string, detail *ErrorDetail) error
}

// Nop ignores every notification.
type Nop struct{}

func (Nop) NotifyCompletion(context.Context, string, any) error     { return nil }
func (Nop) NotifyError(context.Context, string, *ErrorDetail) error { return nil }

// Multi fans a notification out to several sinks, joining their errors.
type Multi []Sink

func (m Multi) NotifyCompletion(ctx context.Context, ownerID string, result any) error {
	var errs []error
	for _, s := range m {
		if err := s.NotifyCompletion(ctx, ownerID, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyError(ctx context.Context, ownerID string, detail *ErrorDetail) error {
	var errs []error
	for _, s := range m {
		if err := s.NotifyError(ctx, ownerID, detail); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes notifications to a logger.
type LogSink struct {
	Logger logger.Logger
}

func (s LogSink) log() logger.Logger {
	if s.Logger == nil {
		return logger.Global()
	}
	return s.Logger
}

func (s LogSink) NotifyCompletion(ctx context.Context, ownerID string, _ any) error {
	s.log().InfoContext(ctx, "owner completed", "owner_id", ownerID)
	return nil
}

func (s LogSink) NotifyError(ctx context.Context, ownerID string, detail *ErrorDetail) error {
	s.log().WarnContext(ctx, "owner failed", "owner_id", ownerID, "code", detail.Code, "error", detail.Message)
	return nil
}

// BusSink publishes notifications as notification.completion and
// notification.error events.
type BusSink struct {
	Emitter eventbus.Emitter
}

func (s BusSink) NotifyCompletion(ctx context.Context, ownerID string, result any) error {
	return s.Emitter.Emit(ctx, eventbus.Event{
		Type:     eventbus.NotificationCompletion,
		EntityID: ownerID,
		Status:   "completed",
		Snapshot: result,
	})
}

func (s BusSink) NotifyError(ctx context.Context, ownerID string, detail *ErrorDetail) error {
	return s.Emitter.Emit(ctx, eventbus.Event{
		Type:     eventbus.NotificationError,
		EntityID: ownerID,
		Status:   "error",
		Snapshot: detail,
	})
}

// Dispatcher runs sink calls in the background with a timeout and logs failures.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	logger  logger.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. A nil sink drops notifications.
func NewDispatcher(sink Sink, timeout time.Duration, log logger.Logger) *Dispatcher {
	if sink == nil {
		sink = Nop{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Global()
	}
	return &Dispatcher{sink: sink, timeout: timeout, logger: log}
}

// Completion notifies ownerID's completion without blocking the caller.
func (d *Dispatcher) Completion(ctx context.Context, ownerID string, result any) {
	d.run(ctx, ownerID, "completion", func(ctx context.Context) error {
		return d.sink.NotifyCompletion(ctx, ownerID, result)
	})
}

// Error notifies ownerID's failure without blocking the caller.
func (d *Dispatcher) Error(ctx context.Context, ownerID string, detail *ErrorDetail) {
	d.run(ctx, ownerID, "error", func(ctx context.Context) error {
		return d.sink.NotifyError(ctx, ownerID, detail)
	})
}

// Wait blocks until every dispatched notification returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, ownerID, kind string, fn func(context.Context) error) {
	d.wg.Add(1)
	// Detached from the caller: the owner may already be done with ctx.
	base := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(base, d.timeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				d.logger.ErrorContext(ctx, "notification sink panicked", "owner_id", ownerID, "kind", kind, "panic", r)
			}
		}()
		if err := fn(ctx); err != nil {
			d.logger.WarnContext(ctx, "notification failed", "owner_id", ownerID, "kind", kind, "error", err)
		}
	}()
}
