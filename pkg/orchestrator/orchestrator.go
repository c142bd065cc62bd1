// Package orchestrator routes a template and its execution context to the
// downstream capability serving the template's service type.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goclaw/conductor/pkg/execctx"
	"github.com/goclaw/conductor/pkg/logger"
	"github.com/goclaw/conductor/pkg/template"
)

// Client executes a template on a downstream capability.
type Client interface {
	ExecuteTemplate(ctx context.Context, templateID string, serviceTemplate map[string]any, data map[string]any) (any, error)
}

// Handler executes one template against caller data. Every service type maps
// to exactly one handler.
type Handler func(ctx context.Context, tpl *template.ExecutionTemplate, data map[string]any) (any, error)

// ClientHandler adapts a Client into a Handler.
func ClientHandler(c Client) Handler {
	return func(ctx context.Context, tpl *template.ExecutionTemplate, data map[string]any) (any, error) {
		return c.ExecuteTemplate(ctx, tpl.ID, tpl.ServiceTemplate, data)
	}
}

// Metrics describes one execution, whichever branch ran it.
type Metrics struct {
	TemplateID  string               `json:"template_id"`
	ServiceType template.ServiceType `json:"service_type"`
	StartedAt   time.Time            `json:"started_at"`
	Duration    time.Duration        `json:"duration"`
}

// Result is the normalized envelope of an execution.
type Result struct {
	Success bool    `json:"success"`
	Data    any     `json:"data,omitempty"`
	Metrics Metrics `json:"metrics"`
	Error   *Error  `json:"error,omitempty"`
}

// Orchestrator dispatches by service type through an explicit handler table.
type Orchestrator struct {
	mu       sync.RWMutex
	handlers map[template.ServiceType]Handler

	tracer  trace.Tracer
	metrics MetricsRecorder
	logger  logger.Logger
	now     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics sets the dispatch metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracer overrides the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithClock overrides the clock used for execution metrics.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an Orchestrator with one client per service type.
func New(clients map[template.ServiceType]Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		handlers: make(map[template.ServiceType]Handler, len(clients)),
		tracer:   runtimeTracer(),
		metrics:  &nopMetricsRecorder{},
		logger:   logger.Global(),
		now:      time.Now,
	}
	for st, c := range clients {
		if c != nil {
			o.handlers[st] = ClientHandler(c)
		}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register binds a handler to a service type, replacing any existing one.
func (o *Orchestrator) Register(st template.ServiceType, h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h == nil {
		delete(o.handlers, st)
		return
	}
	o.handlers[st] = h
}

// Supports reports whether a handler is registered for st.
func (o *Orchestrator) Supports(st template.ServiceType) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.handlers[st]
	return ok
}

func (o *Orchestrator) handler(st template.ServiceType) (Handler, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.handlers[st]
	return h, ok
}

// Execute validates c against the template parameters and dispatches it. A
// failure returns both a failure envelope and the *Error describing it. The
// orchestrator never retries.
func (o *Orchestrator) Execute(ctx context.Context, tpl *template.ExecutionTemplate, c *execctx.Context) (*Result, error) {
	started := o.now()
	var data map[string]any
	if c != nil {
		data = c.Data
	}

	ctx, span := o.tracer.Start(ctx, spanExecute, trace.WithAttributes(
		attribute.String("template.id", tpl.ID),
		attribute.String("template.service_type", string(tpl.ServiceType)),
		attribute.Int("template.version", tpl.Version),
	))
	defer span.End()

	res := &Result{Metrics: Metrics{TemplateID: tpl.ID, ServiceType: tpl.ServiceType, StartedAt: started}}
	fail := func(e *Error) (*Result, error) {
		res.Metrics.Duration = o.now().Sub(started)
		res.Error = e
		span.SetStatus(codes.Error, e.Message)
		span.SetAttributes(attribute.String("orchestrator.error_code", string(e.Code)))
		o.metrics.RecordDispatch(string(tpl.ServiceType), string(e.Code), res.Metrics.Duration)
		o.logger.WarnContext(ctx, "template execution failed",
			"template_id", tpl.ID,
			"service_type", tpl.ServiceType,
			"code", e.Code,
			"permanent", e.Permanent,
			"error", e.Message,
		)
		return res, e
	}

	h, ok := o.handler(tpl.ServiceType)
	if !ok {
		return fail(&Error{
			Code:       CodeUnsupportedServiceType,
			Message:    fmt.Sprintf("no capability registered for service type %q", tpl.ServiceType),
			TemplateID: tpl.ID,
			Permanent:  true,
		})
	}

	report := tpl.Parameters.Check(data)
	if len(report.Missing) > 0 {
		return fail(missingParameters(tpl.ID, report.Missing))
	}
	if len(report.Invalid) > 0 {
		return fail(invalidParameters(tpl.ID, report.Invalid))
	}

	out, err := h(ctx, tpl, data)
	if err != nil {
		span.RecordError(err)
		return fail(classify(ctx, tpl, err))
	}

	res.Success = true
	res.Data = out
	res.Metrics.Duration = o.now().Sub(started)
	span.SetStatus(codes.Ok, "")
	o.metrics.RecordDispatch(string(tpl.ServiceType), "success", res.Metrics.Duration)
	o.logger.DebugContext(ctx, "template executed", "template_id", tpl.ID, "duration", res.Metrics.Duration)
	return res, nil
}

func classify(ctx context.Context, tpl *template.ExecutionTemplate, err error) *Error {
	var unavailable *ServiceUnavailableError
	var permanent *PermanentError
	switch {
	case errors.As(err, &unavailable):
		return &Error{
			Code:       CodeServiceUnavailable,
			Message:    unavailable.Error(),
			TemplateID: tpl.ID,
			Cause:      err,
		}
	case errors.Is(err, context.Canceled) || ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return &Error{
			Code:       CodeCancelled,
			Message:    "execution cancelled",
			TemplateID: tpl.ID,
			Permanent:  true,
			Cause:      err,
		}
	case errors.As(err, &permanent):
		return &Error{
			Code:       CodeExecutionFailed,
			Message:    err.Error(),
			TemplateID: tpl.ID,
			Permanent:  true,
			Cause:      err,
		}
	default:
		return &Error{
			Code:       CodeExecutionFailed,
			Message:    err.Error(),
			TemplateID: tpl.ID,
			Cause:      err,
		}
	}
}
