package request

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/goclaw/conductor/pkg/eventbus"
	"github.com/goclaw/conductor/pkg/execctx"
	"github.com/goclaw/conductor/pkg/ids"
	"github.com/goclaw/conductor/pkg/logger"
	"github.com/goclaw/conductor/pkg/notify"
	"github.com/goclaw/conductor/pkg/orchestrator"
	"github.com/goclaw/conductor/pkg/payload"
	"github.com/goclaw/conductor/pkg/purpose"
	"github.com/goclaw/conductor/pkg/storage"
	"github.com/goclaw/conductor/pkg/template"
)

// ResultKey is the context data key the execution output is written back under.
const ResultKey = "_result"

// TemplateSource looks templates up by id or by purpose.
type TemplateSource interface {
	GetByID(ctx context.Context, id string) (*template.ExecutionTemplate, error)
	GetByPurpose(ctx context.Context, purposeID, defaultID string) (*template.ExecutionTemplate, error)
}

// PurposeResolver maps free text or an explicit id to a purpose.
type PurposeResolver interface {
	Detect(text string) (purpose.Match, error)
	Lookup(id string) (*purpose.Purpose, error)
}

// Executor runs a template against a context.
type Executor interface {
	Execute(ctx context.Context, tpl *template.ExecutionTemplate, c *execctx.Context) (*orchestrator.Result, error)
}

// Input is what a caller submits.
type Input struct {
	Text       string
	PurposeID  string
	TemplateID string
	Data       map[string]any
	Metadata   InputMetadata
}

// InputMetadata carries caller-supplied request attributes.
type InputMetadata struct {
	// RequestID makes Process idempotent: a terminal request with this id is
	// returned as stored instead of being executed again. A stored request that
	// has not settled yields an *InProgressError.
	RequestID  string
	Priority   int
	Tags       []string
	MaxRetries int
	Source     string
	BatchID    string
	ItemID     string
}

// Response is the caller-visible outcome of a request.
type Response struct {
	ID         string       `json:"id"`
	Status     Status       `json:"status"`
	Result     any          `json:"result,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
	TemplateID string       `json:"template_id"`
	PurposeID  string       `json:"purpose_id,omitempty"`
	Confidence float64      `json:"confidence,omitempty"`
}

func responseOf(r *Request) *Response {
	return &Response{
		ID:         r.ID,
		Status:     r.Status,
		Result:     r.Result,
		Error:      r.Error,
		TemplateID: r.TemplateID,
		PurposeID:  r.PurposeID,
		Confidence: r.Confidence,
	}
}

// Deps are the collaborators a Service cannot run without.
type Deps struct {
	Repository Repository
	Templates  TemplateSource
	Purposes   PurposeResolver
	Executor   Executor
	Contexts   execctx.Store
}

// Service processes single requests.
type Service struct {
	repo      Repository
	templates TemplateSource
	purposes  PurposeResolver
	exec      Executor
	contexts  execctx.Store

	events    eventbus.Emitter
	notifier  *notify.Dispatcher
	ids       *ids.Generator
	metrics   MetricsRecorder
	logger    logger.Logger
	tracer    trace.Tracer
	now       func() time.Time
	retention time.Duration

	flight singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithEvents sets the event emitter.
func WithEvents(e eventbus.Emitter) Option {
	return func(s *Service) {
		if e != nil {
			s.events = e
		}
	}
}

// WithNotifier sets the completion/error notification dispatcher.
func WithNotifier(d *notify.Dispatcher) Option {
	return func(s *Service) {
		if d != nil {
			s.notifier = d
		}
	}
}

// WithIDGenerator sets the generator for request ids.
func WithIDGenerator(g *ids.Generator) Option {
	return func(s *Service) {
		if g != nil {
			s.ids = g
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock overrides the service clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithContextRetention sets how long a context survives its request reaching a terminal state.
func WithContextRetention(d time.Duration) Option {
	return func(s *Service) { s.retention = d }
}

// New creates a Service.
func New(deps Deps, opts ...Option) *Service {
	s := &Service{
		repo:      deps.Repository,
		templates: deps.Templates,
		purposes:  deps.Purposes,
		exec:      deps.Executor,
		contexts:  deps.Contexts,
		events:    eventbus.Nop{},
		ids:       ids.NewGenerator(ids.DefaultSource),
		metrics:   &nopMetricsRecorder{},
		logger:    logger.Global(),
		tracer:    runtimeTracer(),
		now:       time.Now,
		retention: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = notify.NewDispatcher(nil, 0, s.logger)
	}
	return s
}

// Process runs a request end to end. Downstream failures return the failed
// response together with a *ProcessingError; purpose and template lookup
// failures return their own error and persist nothing.
func (s *Service) Process(ctx context.Context, in Input) (*Response, error) {
	id := in.Metadata.RequestID
	if id == "" {
		return s.process(ctx, in)
	}
	v, err, _ := s.flight.Do(id, func() (any, error) {
		return s.process(ctx, in)
	})
	resp, _ := v.(*Response)
	if resp != nil {
		cp := *resp
		resp = &cp
	}
	return resp, err
}

func (s *Service) process(ctx context.Context, in Input) (*Response, error) {
	ctx, span := s.tracer.Start(ctx, spanProcess)
	defer span.End()

	if id := in.Metadata.RequestID; id != "" {
		existing, err := s.repo.GetRequest(ctx, id)
		switch {
		case err == nil && !existing.Status.IsTerminal():
			span.SetAttributes(attribute.String("request.id", id))
			err := &InProgressError{RequestID: id, Status: existing.Status}
			span.SetStatus(codes.Error, err.Error())
			return responseOf(existing), err
		case err == nil:
			span.SetAttributes(attribute.String("request.id", id), attribute.Bool("request.replayed", true))
			return replay(existing)
		case !storage.IsNotFound(err):
			s.logger.ErrorContext(ctx, "request lookup failed", "request_id", id, "error", err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	exec, err := s.Begin(ctx, in)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("request.id", exec.req.ID), attribute.String("template.id", exec.tpl.ID))

	_, _ = exec.Attempt(ctx)
	resp, err := exec.Finish(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, err
}

func replay(r *Request) (*Response, error) {
	resp := responseOf(r)
	if r.Status == StatusFailed && r.Error != nil {
		return resp, processingErrorFrom(r.Error, r.TemplateID)
	}
	return resp, nil
}

// Begin resolves the purpose and template, creates the request context and
// persists the request as PENDING. Nothing is persisted when resolution fails.
func (s *Service) Begin(ctx context.Context, in Input) (*Execution, error) {
	purposeID, confidence, defaultTpl, err := s.resolvePurpose(in)
	if err != nil {
		s.logger.WarnContext(ctx, "purpose resolution failed", "purpose_id", in.PurposeID, "error", err)
		return nil, err
	}

	var tpl *template.ExecutionTemplate
	if in.TemplateID != "" {
		tpl, err = s.templates.GetByID(ctx, in.TemplateID)
	} else {
		tpl, err = s.templates.GetByPurpose(ctx, purposeID, defaultTpl)
	}
	if err == nil && tpl.Status == template.StatusArchived {
		err = &template.NotFoundError{TemplateID: tpl.ID}
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "template lookup failed",
			"template_id", in.TemplateID,
			"purpose_id", purposeID,
			"error", err,
		)
		return nil, err
	}

	id := in.Metadata.RequestID
	if id == "" {
		gen := s.ids
		if in.Metadata.Source != "" {
			gen = s.ids.WithSource(in.Metadata.Source)
		}
		id = gen.New(ids.KindRequest)
	}

	c, err := s.contexts.Create(ctx, execctx.ForRequest(id), in.Data)
	if err != nil {
		s.logger.ErrorContext(ctx, "context creation failed", "request_id", id, "error", err)
		return nil, err
	}

	req := &Request{
		ID:         id,
		TemplateID: tpl.ID,
		PurposeID:  purposeID,
		Confidence: confidence,
		ContextID:  c.ID,
		Data:       payload.Clone(in.Data),
		Status:     StatusPending,
		Metadata: Metadata{
			Priority:   in.Metadata.Priority,
			Tags:       append([]string(nil), in.Metadata.Tags...),
			MaxRetries: in.Metadata.MaxRetries,
			Source:     in.Metadata.Source,
			BatchID:    in.Metadata.BatchID,
			ItemID:     in.Metadata.ItemID,
		},
		CreatedAt: s.now(),
	}
	if err := s.repo.SaveRequest(ctx, req); err != nil {
		_ = s.contexts.Delete(ctx, c.ID)
		s.logger.ErrorContext(ctx, "request persistence failed", "request_id", id, "error", err)
		return nil, err
	}
	s.emit(ctx, eventbus.RequestCreated, req)

	return &Execution{svc: s, req: req, tpl: tpl, started: s.now()}, nil
}

func (s *Service) resolvePurpose(in Input) (string, float64, string, error) {
	switch {
	case in.PurposeID != "":
		p, err := s.purposes.Lookup(in.PurposeID)
		if err != nil {
			return "", 0, "", err
		}
		return p.ID, 1, p.TemplateID, nil
	case in.TemplateID != "":
		return "", 0, "", nil
	default:
		m, err := s.purposes.Detect(in.Text)
		if err != nil {
			return "", 0, "", err
		}
		p, err := s.purposes.Lookup(m.PurposeID)
		if err != nil {
			return "", 0, "", err
		}
		return m.PurposeID, m.Confidence, p.TemplateID, nil
	}
}

// Get returns the stored request.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	r, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, &NotFoundError{RequestID: id}
		}
		return nil, err
	}
	return r, nil
}

// List returns stored requests matching filter.
func (s *Service) List(ctx context.Context, filter Filter) ([]*Request, error) {
	return s.repo.ListRequests(ctx, filter)
}

// Cancel marks a request that has not finished as CANCELLED. An execution
// already in flight runs to completion but its outcome is discarded.
func (s *Service) Cancel(ctx context.Context, id string) (*Response, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.transition(StatusCancelled, s.now()); err != nil {
		return nil, err
	}
	r.Error = &ErrorDetail{Code: CodeCancelled, Message: "cancelled by caller", EntityID: r.ID}
	if err := s.repo.SaveRequest(ctx, r); err != nil {
		return nil, err
	}
	s.release(ctx, r)
	s.emit(ctx, eventbus.RequestFailed, r)
	return responseOf(r), nil
}

func (s *Service) release(ctx context.Context, r *Request) {
	if r.ContextID == "" {
		return
	}
	err := s.contexts.Release(ctx, r.ContextID, s.retention)
	var nf *execctx.NotFoundError
	if err != nil && !errors.As(err, &nf) {
		s.logger.WarnContext(ctx, "context release failed", "request_id", r.ID, "context_id", r.ContextID, "error", err)
	}
}

func (s *Service) emit(ctx context.Context, eventType string, r *Request) {
	err := s.events.Emit(ctx, eventbus.Event{
		Type:     eventType,
		EntityID: r.ID,
		Status:   string(r.Status),
		Snapshot: responseOf(r),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "event publish failed", "request_id", r.ID, "event_type", eventType, "error", err)
	}
}
