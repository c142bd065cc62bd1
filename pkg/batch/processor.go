package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/goclaw/conductor/pkg/eventbus"
	"github.com/goclaw/conductor/pkg/execctx"
	"github.com/goclaw/conductor/pkg/ids"
	"github.com/goclaw/conductor/pkg/logger"
	"github.com/goclaw/conductor/pkg/notify"
	"github.com/goclaw/conductor/pkg/orchestrator"
	"github.com/goclaw/conductor/pkg/payload"
	"github.com/goclaw/conductor/pkg/purpose"
	"github.com/goclaw/conductor/pkg/request"
	"github.com/goclaw/conductor/pkg/storage"
	"github.com/goclaw/conductor/pkg/template"
)

// Defaults applied to a zero Config.
const (
	DefaultMaxConcurrentItems = 100
	DefaultRetryLimit         = 3
	DefaultRetryBackoff       = 200 * time.Millisecond
	DefaultMaxRetryBackoff    = 5 * time.Second
)

// Config tunes a Processor.
type Config struct {
	// MaxConcurrentItems bounds in-flight executions per batch.
	MaxConcurrentItems int
	// RetryLimit is the total number of attempts per execution, first one included.
	RetryLimit      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	// ItemsPerSecond limits how fast executions of one batch start. Zero disables the limit.
	ItemsPerSecond float64
	// ProgressEvents emits batch.progress after every finished execution.
	ProgressEvents bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentItems: DefaultMaxConcurrentItems,
		RetryLimit:         DefaultRetryLimit,
		RetryBackoff:       DefaultRetryBackoff,
		MaxRetryBackoff:    DefaultMaxRetryBackoff,
	}
}

func (c Config) normalized() Config {
	if c.MaxConcurrentItems <= 0 {
		c.MaxConcurrentItems = DefaultMaxConcurrentItems
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = DefaultRetryLimit
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.MaxRetryBackoff < c.RetryBackoff {
		c.MaxRetryBackoff = c.RetryBackoff
	}
	return c
}

// Runner starts requests. *request.Service satisfies it.
type Runner interface {
	Begin(ctx context.Context, in request.Input) (*request.Execution, error)
}

// TemplateSource looks templates up by id.
type TemplateSource interface {
	GetByID(ctx context.Context, id string) (*template.ExecutionTemplate, error)
}

// Deps are the collaborators a Processor cannot run without.
type Deps struct {
	Repository Repository
	Runner     Runner
	Templates  TemplateSource
	Contexts   execctx.Store
}

// Report is the payload of a batch completion notification.
type Report struct {
	BatchID string       `json:"batch_id"`
	Status  Status       `json:"status"`
	Summary Summary      `json:"summary"`
	Results []ItemResult `json:"results"`
}

// Processor accepts batches and runs them in the background. It owns the
// registry of its active batches.
type Processor struct {
	repo      Repository
	runner    Runner
	templates TemplateSource
	contexts  execctx.Store
	cfgMu     sync.RWMutex
	cfg       Config

	events    eventbus.Emitter
	notifier  *notify.Dispatcher
	deliverer Deliverer
	ids       *ids.Generator
	metrics   MetricsRecorder
	logger    logger.Logger
	tracer    trace.Tracer
	now       func() time.Time
	retention time.Duration

	active *registry
	wg     sync.WaitGroup
}

// Option configures a Processor.
type Option func(*Processor)

// WithEvents sets the event emitter.
func WithEvents(e eventbus.Emitter) Option {
	return func(p *Processor) {
		if e != nil {
			p.events = e
		}
	}
}

// WithNotifier sets the completion/error notification dispatcher.
func WithNotifier(d *notify.Dispatcher) Option {
	return func(p *Processor) {
		if d != nil {
			p.notifier = d
		}
	}
}

// WithDeliverer sets the result delivery step.
func WithDeliverer(d Deliverer) Option {
	return func(p *Processor) {
		if d != nil {
			p.deliverer = d
		}
	}
}

// WithIDGenerator sets the generator for batch ids.
func WithIDGenerator(g *ids.Generator) Option {
	return func(p *Processor) {
		if g != nil {
			p.ids = g
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(p *Processor) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithLogger sets the processor logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithClock overrides the processor clock.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithContextRetention sets how long a batch context survives the batch.
func WithContextRetention(d time.Duration) Option {
	return func(p *Processor) { p.retention = d }
}

// New creates a Processor.
func New(deps Deps, cfg Config, opts ...Option) *Processor {
	p := &Processor{
		repo:      deps.Repository,
		runner:    deps.Runner,
		templates: deps.Templates,
		contexts:  deps.Contexts,
		cfg:       cfg.normalized(),
		events:    eventbus.Nop{},
		deliverer: nopDeliverer{},
		ids:       ids.NewGenerator(ids.DefaultSource),
		metrics:   &nopMetricsRecorder{},
		logger:    logger.Global(),
		tracer:    runtimeTracer(),
		now:       time.Now,
		retention: 10 * time.Minute,
		active:    newRegistry(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.notifier == nil {
		p.notifier = notify.NewDispatcher(nil, 0, p.logger)
	}
	return p
}

// Config returns the effective configuration.
func (p *Processor) Config() Config {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

// Tune changes the dispatch rate and progress events for batches that start
// dispatching afterwards.
func (p *Processor) Tune(itemsPerSecond float64, progressEvents bool) {
	if itemsPerSecond < 0 {
		itemsPerSecond = 0
	}
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()
	p.cfg.ItemsPerSecond = itemsPerSecond
	p.cfg.ProgressEvents = progressEvents
}

// ProcessBatch validates and persists a batch, then processes it in the
// background. The receipt is returned before any item runs.
func (p *Processor) ProcessBatch(ctx context.Context, sub Submission) (*Receipt, error) {
	items, err := validate(sub)
	if err != nil {
		return nil, err
	}
	if sub.Strategy == "" {
		sub.Strategy = StrategyIndividual
	}

	gen := p.ids
	if sub.Metadata.Source != "" {
		gen = p.ids.WithSource(sub.Metadata.Source)
	}
	job := &BatchJob{
		ID:         gen.New(ids.KindBatch),
		TemplateID: sub.TemplateID,
		Strategy:   sub.Strategy,
		Items:      items,
		Status:     StatusPending,
		ItemCount:  len(items),
		Results:    make(map[string]ItemOutcome, len(items)),
		Metadata:   sub.Metadata,
		CreatedAt:  p.now(),
	}
	job.Metadata.Tags = append([]string(nil), sub.Metadata.Tags...)
	for _, it := range items {
		job.Results[it.ID] = ItemOutcome{ItemID: it.ID, Status: ItemPending}
	}

	if err := p.repo.SaveBatch(ctx, job); err != nil {
		p.logger.ErrorContext(ctx, "batch persistence failed", "batch_id", job.ID, "error", err)
		return nil, err
	}

	listener := sub.Listener
	if listener == nil {
		listener = nopListener{}
	}
	a := &activeBatch{job: job, listener: listener, done: make(chan struct{})}
	p.active.add(a)
	p.metrics.RecordBatchSubmitted(string(job.Strategy))
	p.emit(ctx, eventbus.BatchCreated, job)
	p.logger.InfoContext(ctx, "batch accepted",
		"batch_id", job.ID,
		"strategy", job.Strategy,
		"template_id", job.TemplateID,
		"item_count", job.ItemCount,
	)

	receipt := &Receipt{BatchID: job.ID, Status: StatusPending, Summary: job.Summary()}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(context.WithoutCancel(ctx), a)
	}()
	return receipt, nil
}

func validate(sub Submission) ([]Item, error) {
	var problems []string
	strategy := sub.Strategy
	if strategy == "" {
		strategy = StrategyIndividual
	}
	if !strategy.Valid() {
		problems = append(problems, fmt.Sprintf("unknown strategy %q", sub.Strategy))
	}
	if len(sub.Items) == 0 {
		problems = append(problems, "items cannot be empty")
	}
	if strategy != StrategyIndividual && sub.TemplateID == "" {
		problems = append(problems, fmt.Sprintf("template_id is required for the %s strategy", strategy))
	}
	if strategy == StrategyCombined && sub.Metadata.GroupBy == "" {
		problems = append(problems, "group_by is required for the combined strategy")
	}

	items := make([]Item, len(sub.Items))
	seen := make(map[string]bool, len(sub.Items))
	for i, it := range sub.Items {
		if it.ID == "" {
			it.ID = fmt.Sprintf("item-%d", i+1)
		}
		if seen[it.ID] {
			problems = append(problems, fmt.Sprintf("duplicate item id %q", it.ID))
		}
		seen[it.ID] = true
		if strategy == StrategyIndividual && sub.TemplateID == "" && it.Text == "" && it.PurposeID == "" {
			problems = append(problems, fmt.Sprintf("item %q needs text or purpose_id when no template_id is given", it.ID))
		}
		it.Data = payload.Clone(it.Data)
		items[i] = it
	}
	if len(problems) > 0 {
		return nil, &InvalidRequestError{Problems: problems}
	}
	return items, nil
}

func (p *Processor) run(ctx context.Context, a *activeBatch) {
	job := a.job
	ctx, span := p.tracer.Start(ctx, spanRun, trace.WithAttributes(
		attribute.String("batch.id", job.ID),
		attribute.String("batch.strategy", string(job.Strategy)),
		attribute.Int("batch.item_count", job.ItemCount),
	))
	defer span.End()
	defer close(a.done)
	defer p.active.remove(job.ID)
	started := p.now()

	var tpl *template.ExecutionTemplate
	if job.TemplateID != "" {
		var err error
		tpl, err = p.templates.GetByID(ctx, job.TemplateID)
		if err == nil && tpl.Status == template.StatusArchived {
			err = &template.NotFoundError{TemplateID: tpl.ID}
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			p.fail(ctx, a, structural(job.ID, err), started)
			return
		}
	}

	c, err := p.contexts.Create(ctx, execctx.ForBatch(job.ID), map[string]any{
		"template_id": job.TemplateID,
		"strategy":    string(job.Strategy),
		"item_count":  job.ItemCount,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.fail(ctx, a, &ProcessingError{BatchID: job.ID, Code: CodeStorage, Message: "batch context unavailable", Cause: err}, started)
		return
	}

	a.mu.Lock()
	now := p.now()
	job.Status = StatusProcessing
	job.StartedAt = &now
	job.ContextID = c.ID
	snap := job.Clone()
	a.listener.OnBatchStarted(ctx, job)
	a.mu.Unlock()

	if err := p.repo.SaveBatch(ctx, snap); err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.fail(ctx, a, &ProcessingError{BatchID: job.ID, Code: CodeStorage, Message: "batch repository unavailable", Cause: err}, started)
		return
	}
	p.emit(ctx, eventbus.BatchStarted, snap)

	p.dispatch(ctx, a, tpl, partition(job))
	p.finish(ctx, a, started)
}

// dispatch schedules units under the concurrency bound until they are all
// started or the batch is cancelled, then waits for the started ones.
func (p *Processor) dispatch(ctx context.Context, a *activeBatch, tpl *template.ExecutionTemplate, units []unit) {
	cfg := p.Config()
	sem := semaphore.NewWeighted(int64(cfg.MaxConcurrentItems))
	var limiter *rate.Limiter
	if cfg.ItemsPerSecond > 0 {
		burst := int(cfg.ItemsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.ItemsPerSecond), burst)
	}

	var wg sync.WaitGroup
	for i, u := range units {
		if a.cancelled.Load() {
			p.skip(ctx, a, units[i:])
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			p.skip(ctx, a, units[i:])
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				sem.Release(1)
				p.skip(ctx, a, units[i:])
				break
			}
		}
		if a.cancelled.Load() {
			sem.Release(1)
			p.skip(ctx, a, units[i:])
			break
		}
		wg.Add(1)
		go func(u unit) {
			defer wg.Done()
			defer sem.Release(1)
			p.runUnit(ctx, a, tpl, u)
		}(u)
	}
	wg.Wait()
}

func (p *Processor) runUnit(ctx context.Context, a *activeBatch, tpl *template.ExecutionTemplate, u unit) {
	job := a.job
	cfg := p.Config()
	ctx, span := p.tracer.Start(ctx, spanUnit, trace.WithAttributes(
		attribute.String("batch.id", job.ID),
		attribute.String("batch.unit", u.key),
		attribute.Int("batch.unit_items", len(u.itemIDs)),
	))
	defer span.End()
	p.metrics.IncItemsInFlight()
	defer p.metrics.DecItemsInFlight()

	source := job.Metadata.Source
	if source == "" {
		source = "batch"
	}
	in := request.Input{
		Text:      u.text,
		PurposeID: u.purposeID,
		Data:      u.data,
		Metadata: request.InputMetadata{
			Priority:   job.Metadata.Priority,
			Tags:       job.Metadata.Tags,
			MaxRetries: cfg.RetryLimit,
			Source:     source,
			BatchID:    job.ID,
			ItemID:     u.key,
		},
	}
	if tpl != nil {
		in.TemplateID = tpl.ID
	}

	exec, err := p.runner.Begin(ctx, in)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.logger.WarnContext(ctx, "batch item could not start", "batch_id", job.ID, "item", u.key, "error", err)
		p.complete(ctx, a, u, ItemOutcome{Status: ItemFailed, Error: beginFailure(job.ID, err)})
		return
	}

	backoff := cfg.RetryBackoff
	for {
		_, err := exec.Attempt(ctx)
		if err == nil || !orchestrator.IsRetriable(err) || exec.Attempts() >= cfg.RetryLimit {
			break
		}
		p.metrics.RecordItemRetry()
		p.logger.DebugContext(ctx, "retrying batch item",
			"batch_id", job.ID,
			"item", u.key,
			"attempt", exec.Attempts(),
			"backoff", backoff,
			"error", err,
		)
		if !sleep(ctx, backoff) {
			break
		}
		backoff *= 2
		if backoff > cfg.MaxRetryBackoff {
			backoff = cfg.MaxRetryBackoff
		}
	}

	outcome := ItemOutcome{Attempts: exec.Attempts(), RequestID: exec.Request().ID}
	resp, err := exec.Finish(ctx)
	switch {
	case resp == nil:
		outcome.Status = ItemFailed
		outcome.Error = &notify.ErrorDetail{Code: CodeStorage, Message: err.Error(), EntityID: outcome.RequestID}
	case resp.Status == request.StatusCompleted:
		outcome.Status = ItemSucceeded
		outcome.Data = resp.Result
	default:
		outcome.Status = ItemFailed
		outcome.Error = resp.Error
	}
	if outcome.Status == ItemFailed {
		span.SetStatus(codes.Error, "item failed")
	}
	p.complete(ctx, a, u, outcome)
}

// complete records the outcome for every item of u.
func (p *Processor) complete(ctx context.Context, a *activeBatch, u unit, base ItemOutcome) {
	a.mu.Lock()
	job := a.job
	for _, id := range u.itemIDs {
		o := base
		o.ItemID = id
		if job.record(o) {
			p.metrics.RecordItemOutcome(string(o.Status))
			a.listener.OnItemFinished(ctx, job, o)
		}
	}
	progress := p.Config().ProgressEvents
	var report StatusReport
	if progress {
		report = reportOf(job)
	}
	a.mu.Unlock()

	if progress {
		p.emitReport(ctx, eventbus.BatchProgress, report)
	}
}

func (p *Processor) skip(ctx context.Context, a *activeBatch, units []unit) {
	detail := &notify.ErrorDetail{Code: CodeCancelled, Message: "batch was cancelled before the item started", EntityID: a.job.ID}
	for _, u := range units {
		p.complete(ctx, a, u, ItemOutcome{Status: ItemSkipped, Error: detail})
	}
}

func (p *Processor) finish(ctx context.Context, a *activeBatch, started time.Time) {
	a.mu.Lock()
	job := a.job
	now := p.now()
	eventType := eventbus.BatchCompleted
	if a.cancelled.Load() {
		job.Status = StatusCancelled
		job.Error = &notify.ErrorDetail{Code: CodeCancelled, Message: "batch was cancelled", EntityID: job.ID}
		eventType = eventbus.BatchCancelled
	} else {
		job.Status = StatusCompleted
	}
	job.CompletedAt = &now
	a.listener.OnBatchFinished(ctx, job)
	snap := job.Clone()
	a.mu.Unlock()

	p.settle(ctx, snap, eventType, started)
}

func (p *Processor) fail(ctx context.Context, a *activeBatch, perr *ProcessingError, started time.Time) {
	a.mu.Lock()
	job := a.job
	now := p.now()
	detail := perr.Detail()
	for _, it := range job.Items {
		job.record(ItemOutcome{ItemID: it.ID, Status: ItemSkipped, Error: detail})
	}
	job.Status = StatusFailed
	job.Error = detail
	job.CompletedAt = &now
	a.listener.OnBatchFinished(ctx, job)
	snap := job.Clone()
	a.mu.Unlock()

	p.logger.ErrorContext(ctx, "batch failed",
		"batch_id", job.ID,
		"template_id", job.TemplateID,
		"strategy", job.Strategy,
		"code", perr.Code,
		"error", perr,
	)
	p.settle(ctx, snap, eventbus.BatchFailed, started)
}

// settle persists a terminal batch and runs the post-completion steps.
func (p *Processor) settle(ctx context.Context, job *BatchJob, eventType string, started time.Time) {
	if err := p.repo.SaveBatch(ctx, job); err != nil {
		p.logger.ErrorContext(ctx, "batch persistence failed", "batch_id", job.ID, "status", job.Status, "error", err)
	}
	if job.ContextID != "" {
		var nf *execctx.NotFoundError
		if err := p.contexts.Release(ctx, job.ContextID, p.retention); err != nil && !errors.As(err, &nf) {
			p.logger.WarnContext(ctx, "batch context release failed", "batch_id", job.ID, "error", err)
		}
	}
	p.metrics.RecordBatchFinished(string(job.Strategy), string(job.Status), p.now().Sub(started))
	p.emit(ctx, eventType, job)

	if job.Status == StatusCompleted {
		p.notifier.Completion(ctx, job.owner(), Report{
			BatchID: job.ID,
			Status:  job.Status,
			Summary: job.Summary(),
			Results: resultsOf(job),
		})
	} else {
		p.notifier.Error(ctx, job.owner(), job.Error)
	}
	if err := p.deliverer.Deliver(ctx, job); err != nil {
		p.logger.WarnContext(ctx, "batch result delivery failed", "batch_id", job.ID, "error", err)
	}

	s := job.Summary()
	p.logger.InfoContext(ctx, "batch finished",
		"batch_id", job.ID,
		"status", job.Status,
		"total", s.Total,
		"succeeded", s.Succeeded,
		"failed", s.Failed,
		"skipped", s.Skipped,
	)
}

// GetBatchStatus returns the status and progress of a batch.
func (p *Processor) GetBatchStatus(ctx context.Context, id string) (*StatusReport, error) {
	if a, ok := p.active.get(id); ok {
		a.mu.Lock()
		r := reportOf(a.job)
		a.mu.Unlock()
		return &r, nil
	}
	job, err := p.load(ctx, id)
	if err != nil {
		return nil, err
	}
	r := reportOf(job)
	return &r, nil
}

// GetBatchResults returns per-item results in input order.
func (p *Processor) GetBatchResults(ctx context.Context, id string) ([]ItemResult, error) {
	if a, ok := p.active.get(id); ok {
		a.mu.Lock()
		defer a.mu.Unlock()
		return resultsOf(a.job), nil
	}
	job, err := p.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return resultsOf(job), nil
}

// Get returns a copy of the batch.
func (p *Processor) Get(ctx context.Context, id string) (*BatchJob, error) {
	if a, ok := p.active.get(id); ok {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.job.Clone(), nil
	}
	return p.load(ctx, id)
}

// List returns stored batches matching filter.
func (p *Processor) List(ctx context.Context, filter Filter) ([]*BatchJob, error) {
	return p.repo.ListBatches(ctx, filter)
}

// CancelBatch stops scheduling new work for a batch. Executions already in
// flight finish and keep their results; the batch ends CANCELLED once no
// further item can start. A stored batch no processor is running is
// cancelled in place.
func (p *Processor) CancelBatch(ctx context.Context, id string) (*StatusReport, error) {
	if a, ok := p.active.get(id); ok {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.job.Status.IsTerminal() {
			return nil, &AlreadyTerminalError{BatchID: id, Status: a.job.Status}
		}
		if a.cancelled.CompareAndSwap(false, true) {
			p.logger.InfoContext(ctx, "batch cancellation requested", "batch_id", id)
		}
		r := reportOf(a.job)
		return &r, nil
	}

	job, err := p.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, &AlreadyTerminalError{BatchID: id, Status: job.Status}
	}
	detail := &notify.ErrorDetail{Code: CodeCancelled, Message: "batch was cancelled", EntityID: id}
	for _, it := range job.Items {
		job.record(ItemOutcome{ItemID: it.ID, Status: ItemSkipped, Error: detail})
	}
	now := p.now()
	job.Status = StatusCancelled
	job.Error = detail
	job.CompletedAt = &now
	if err := p.repo.SaveBatch(ctx, job); err != nil {
		return nil, err
	}
	p.emit(ctx, eventbus.BatchCancelled, job)
	r := reportOf(job)
	return &r, nil
}

// Wait blocks until the batch is no longer active and returns its final state.
func (p *Processor) Wait(ctx context.Context, id string) (*BatchJob, error) {
	if a, ok := p.active.get(id); ok {
		select {
		case <-a.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.load(ctx, id)
}

// Active returns the number of batches currently running.
func (p *Processor) Active() int {
	return p.active.len()
}

// Close cancels every active batch and waits for them to settle.
func (p *Processor) Close(ctx context.Context) error {
	for _, a := range p.active.all() {
		a.cancelled.Store(true)
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) load(ctx context.Context, id string) (*BatchJob, error) {
	job, err := p.repo.GetBatch(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, &NotFoundError{BatchID: id}
		}
		return nil, err
	}
	return job, nil
}

func (p *Processor) emit(ctx context.Context, eventType string, job *BatchJob) {
	p.emitReport(ctx, eventType, reportOf(job))
}

func (p *Processor) emitReport(ctx context.Context, eventType string, r StatusReport) {
	err := p.events.Emit(ctx, eventbus.Event{
		Type:     eventType,
		EntityID: r.BatchID,
		Status:   string(r.Status),
		Snapshot: r,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "event publish failed", "batch_id", r.BatchID, "event_type", eventType, "error", err)
	}
}

func reportOf(job *BatchJob) StatusReport {
	r := StatusReport{
		BatchID:  job.ID,
		Status:   job.Status,
		Progress: job.Progress(),
		Summary:  job.Summary(),
	}
	if job.Error != nil {
		e := *job.Error
		r.Error = &e
	}
	return r
}

func resultsOf(job *BatchJob) []ItemResult {
	out := make([]ItemResult, 0, len(job.Items))
	for _, it := range job.Items {
		o, ok := job.Results[it.ID]
		if !ok {
			o = ItemOutcome{ItemID: it.ID, Status: ItemPending}
		}
		out = append(out, resultOf(o))
	}
	return out
}

func structural(batchID string, err error) *ProcessingError {
	var nf *template.NotFoundError
	if errors.As(err, &nf) || storage.IsNotFound(err) {
		return &ProcessingError{BatchID: batchID, Code: CodeTemplateNotFound, Message: err.Error(), Cause: err}
	}
	return &ProcessingError{BatchID: batchID, Code: CodeStorage, Message: err.Error(), Cause: err}
}

func beginFailure(batchID string, err error) *notify.ErrorDetail {
	var pnf *purpose.NotFoundError
	var tnf *template.NotFoundError
	code := CodeInternal
	switch {
	case errors.As(err, &pnf):
		code = CodePurposeNotFound
	case errors.As(err, &tnf):
		code = CodeTemplateNotFound
	}
	return &notify.ErrorDetail{Code: code, Message: err.Error(), EntityID: batchID}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type activeBatch struct {
	mu        sync.Mutex
	job       *BatchJob
	listener  Listener
	cancelled atomic.Bool
	done      chan struct{}
}

type registry struct {
	mu      sync.RWMutex
	batches map[string]*activeBatch
}

func newRegistry() *registry {
	return &registry{batches: make(map[string]*activeBatch)}
}

func (r *registry) add(a *activeBatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[a.job.ID] = a
}

func (r *registry) get(id string) (*activeBatch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.batches[id]
	return a, ok
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.batches, id)
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.batches)
}

func (r *registry) all() []*activeBatch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*activeBatch, 0, len(r.batches))
	for _, a := range r.batches {
		out = append(out, a)
	}
	return out
}
