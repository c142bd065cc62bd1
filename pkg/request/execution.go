package request

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goclaw/conductor/pkg/eventbus"
	"github.com/goclaw/conductor/pkg/execctx"
	"github.com/goclaw/conductor/pkg/orchestrator"
	"github.com/goclaw/conductor/pkg/template"
)

// Error codes assigned by the request service itself.
const (
	CodeCancelled = "CANCELLED"
	CodeInternal  = "INTERNAL_ERROR"
)

// Execution is a request that has been persisted and can be attempted one or
// more times before it is finished. It is not safe for concurrent use.
type Execution struct {
	svc     *Service
	req     *Request
	tpl     *template.ExecutionTemplate
	started time.Time

	attempts int
	result   *orchestrator.Result
	err      error
	finished bool
}

// Request returns a copy of the request as currently known.
func (e *Execution) Request() *Request {
	return e.req.Clone()
}

// Template returns the template the request executes.
func (e *Execution) Template() *template.ExecutionTemplate {
	return e.tpl
}

// Attempts returns how many times the request has been attempted.
func (e *Execution) Attempts() int {
	return e.attempts
}

// Attempt dispatches the request once. The first attempt moves it to
// PROCESSING; later attempts increment its retry count.
func (e *Execution) Attempt(ctx context.Context) (*orchestrator.Result, error) {
	s := e.svc
	if e.finished || e.req.Status.IsTerminal() {
		return nil, &TransitionError{RequestID: e.req.ID, From: e.req.Status, To: StatusProcessing}
	}

	ctx, span := s.tracer.Start(ctx, spanAttempt, trace.WithAttributes(
		attribute.String("request.id", e.req.ID),
		attribute.Int("request.attempt", e.attempts+1),
	))
	defer span.End()

	if stored, err := s.repo.GetRequest(ctx, e.req.ID); err == nil && stored.Status.IsTerminal() {
		e.req = stored
		return nil, &TransitionError{RequestID: e.req.ID, From: stored.Status, To: StatusProcessing}
	}

	e.attempts++
	if e.attempts == 1 {
		if err := e.req.transition(StatusProcessing, s.now()); err != nil {
			return nil, err
		}
	} else {
		e.req.Metadata.RetryCount = e.attempts - 1
	}
	if err := s.repo.SaveRequest(ctx, e.req); err != nil {
		s.logger.ErrorContext(ctx, "request persistence failed", "request_id", e.req.ID, "error", err)
		e.result, e.err = nil, err
		return nil, err
	}
	if e.attempts == 1 {
		s.emit(ctx, eventbus.RequestStarted, e.req)
	}

	c, err := s.contexts.Get(ctx, e.req.ContextID)
	if err != nil {
		s.logger.WarnContext(ctx, "context unavailable, executing with request data", "request_id", e.req.ID, "error", err)
		c = &execctx.Context{ID: e.req.ContextID, Owner: execctx.ForRequest(e.req.ID), Data: e.req.Data}
	}

	res, err := s.exec.Execute(ctx, e.tpl, c)
	e.result, e.err = res, err
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if _, err := s.contexts.Update(ctx, c.ID, map[string]any{ResultKey: res.Data}); err != nil {
		s.logger.WarnContext(ctx, "context write-back failed", "request_id", e.req.ID, "error", err)
	}
	return res, nil
}

// Finish records the terminal status from the last attempt, releases the
// context, emits events and notifies. An execution never attempted ends
// CANCELLED. Finishing twice returns the same response.
func (e *Execution) Finish(ctx context.Context) (*Response, error) {
	s := e.svc
	if e.finished {
		return e.outcome()
	}

	// A concurrent Cancel wins over the attempt outcome.
	if stored, err := s.repo.GetRequest(ctx, e.req.ID); err == nil && stored.Status.IsTerminal() {
		e.req = stored
		e.finished = true
		return e.outcome()
	}

	now := s.now()
	switch {
	case e.attempts == 0:
		_ = e.req.transition(StatusCancelled, now)
		e.req.Error = &ErrorDetail{Code: CodeCancelled, Message: "request was never attempted", EntityID: e.req.ID}
	case e.err == nil && e.result != nil && e.result.Success:
		_ = e.req.transition(StatusCompleted, now)
		e.req.Result = e.result.Data
		e.req.Error = nil
	default:
		_ = e.req.transition(StatusFailed, now)
		e.req.Error = e.failure().Detail()
	}

	if err := s.repo.SaveRequest(ctx, e.req); err != nil {
		s.logger.ErrorContext(ctx, "request persistence failed", "request_id", e.req.ID, "status", e.req.Status, "error", err)
		return nil, err
	}
	e.finished = true
	s.release(ctx, e.req)
	s.metrics.RecordRequest(string(e.req.Status), now.Sub(e.started))

	resp := responseOf(e.req)
	standalone := e.req.Metadata.BatchID == ""
	if e.req.Status == StatusCompleted {
		s.emit(ctx, eventbus.RequestCompleted, e.req)
		if standalone {
			s.notifier.Completion(ctx, e.req.ID, resp.Result)
		}
	} else {
		s.emit(ctx, eventbus.RequestFailed, e.req)
		if standalone {
			s.notifier.Error(ctx, e.req.ID, e.req.Error)
		}
	}
	s.logger.InfoContext(ctx, "request finished",
		"request_id", e.req.ID,
		"template_id", e.req.TemplateID,
		"status", e.req.Status,
		"attempts", e.attempts,
	)
	return e.outcome()
}

func (e *Execution) outcome() (*Response, error) {
	resp := responseOf(e.req)
	if e.req.Status == StatusFailed && e.req.Error != nil {
		perr := processingErrorFrom(e.req.Error, e.req.TemplateID)
		perr.Cause = e.err
		return resp, perr
	}
	return resp, nil
}

func (e *Execution) failure() *ProcessingError {
	var oe *orchestrator.Error
	switch {
	case errors.As(e.err, &oe):
		return &ProcessingError{
			RequestID:  e.req.ID,
			TemplateID: e.tpl.ID,
			Code:       string(oe.Code),
			Message:    oe.Message,
			retriable:  oe.Retriable(),
			Cause:      e.err,
		}
	case e.err != nil:
		return &ProcessingError{RequestID: e.req.ID, TemplateID: e.tpl.ID, Code: CodeInternal, Message: e.err.Error(), Cause: e.err}
	default:
		return &ProcessingError{RequestID: e.req.ID, TemplateID: e.tpl.ID, Code: string(orchestrator.CodeExecutionFailed), Message: "execution returned no result"}
	}
}
