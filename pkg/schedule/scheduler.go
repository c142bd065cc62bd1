// Package schedule fires batch jobs on daily, weekly or monthly cadences and
// keeps per-execution statistics.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goclaw/conductor/pkg/batch"
	"github.com/goclaw/conductor/pkg/ids"
	"github.com/goclaw/conductor/pkg/logger"
	"github.com/goclaw/conductor/pkg/payload"
	"github.com/goclaw/conductor/pkg/storage"
)

// DefaultTickInterval is how often due schedules are checked.
const DefaultTickInterval = 30 * time.Second

// Descriptor is a persisted schedule. The next fire time is derived from the
// cadence and LastFiredAt, never stored.
type Descriptor struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	Name        string         `json:"name"`
	TemplateID  string         `json:"template_id"`
	Strategy    batch.Strategy `json:"strategy"`
	GroupBy     string         `json:"group_by,omitempty"`
	Items       []batch.Item   `json:"items,omitempty"`
	ItemSource  string         `json:"item_source,omitempty"`
	PurposeID   string         `json:"purpose_id,omitempty"`
	Cadence     string         `json:"cadence"`
	CreatedAt   time.Time      `json:"created_at"`
	LastFiredAt *time.Time     `json:"last_fired_at,omitempty"`
	Cancelled   bool           `json:"cancelled"`
	CancelledAt *time.Time     `json:"cancelled_at,omitempty"`
	// NextFireAt is filled in by ListJobs and is not persisted.
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`
}

// Clone returns a copy safe to mutate.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.Items = make([]batch.Item, len(d.Items))
	for i, it := range d.Items {
		it.Data = payload.Clone(it.Data)
		c.Items[i] = it
	}
	for _, p := range []**time.Time{&c.LastFiredAt, &c.CancelledAt, &c.NextFireAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &c
}

// Repository persists schedules. GetSchedule returns a *storage.NotFoundError for unknown ids.
type Repository interface {
	SaveSchedule(ctx context.Context, d *Descriptor) error
	GetSchedule(ctx context.Context, id string) (*Descriptor, error)
	ListSchedules(ctx context.Context) ([]*Descriptor, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// NotFoundError is returned for unknown schedule ids.
type NotFoundError struct {
	ScheduleID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("schedule not found: %s", e.ScheduleID)
}

// ItemSource produces the items of a scheduled batch at fire time.
type ItemSource interface {
	Items(ctx context.Context, d *Descriptor) ([]batch.Item, error)
}

// ItemSourceFunc adapts a function to ItemSource.
type ItemSourceFunc func(ctx context.Context, d *Descriptor) ([]batch.Item, error)

func (f ItemSourceFunc) Items(ctx context.Context, d *Descriptor) ([]batch.Item, error) {
	return f(ctx, d)
}

// Submitter accepts batches. *batch.Processor satisfies it.
type Submitter interface {
	ProcessBatch(ctx context.Context, sub batch.Submission) (*batch.Receipt, error)
}

// Spec describes a job to schedule.
type Spec struct {
	// JobID groups executions in the statistics. Defaults to Name.
	JobID      string
	Name       string
	TemplateID string
	Strategy   batch.Strategy
	GroupBy    string
	// Items are submitted on every fire unless ItemSource names a registered source.
	Items      []batch.Item
	ItemSource string
	PurposeID  string
	Cadence    string
}

// MetricsRecorder records schedule fires.
type MetricsRecorder interface {
	RecordScheduleFire(outcome string)
}

type nopMetricsRecorder struct{}

func (n *nopMetricsRecorder) RecordScheduleFire(outcome string) {}

// Config tunes a Scheduler.
type Config struct {
	TickInterval time.Duration
	// Location evaluates cadences. Nil means UTC.
	Location *time.Location
}

// Scheduler fires due schedules into a Submitter.
type Scheduler struct {
	repo      Repository
	submitter Submitter
	stats     *Statistics
	cfg       Config

	ids     *ids.Generator
	metrics MetricsRecorder
	logger  logger.Logger
	now     func() time.Time

	srcMu   sync.RWMutex
	sources map[string]ItemSource

	tickMu  sync.Mutex
	// saveMu serializes read-modify-write cycles on stored descriptors.
	saveMu  sync.Mutex
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithIDGenerator sets the generator for schedule and execution ids.
func WithIDGenerator(g *ids.Generator) Option {
	return func(s *Scheduler) {
		if g != nil {
			s.ids = g
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the scheduler clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Scheduler.
func New(repo Repository, submitter Submitter, stats *Statistics, cfg Config, opts ...Option) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Scheduler{
		repo:      repo,
		submitter: submitter,
		stats:     stats,
		cfg:       cfg,
		ids:       ids.NewGenerator("scheduler"),
		metrics:   &nopMetricsRecorder{},
		logger:    logger.Global(),
		now:       time.Now,
		sources:   make(map[string]ItemSource),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Statistics returns the statistics service executions are recorded in.
func (s *Scheduler) Statistics() *Statistics {
	return s.stats
}

// RegisterSource makes src available to schedules under name.
func (s *Scheduler) RegisterSource(name string, src ItemSource) {
	s.srcMu.Lock()
	defer s.srcMu.Unlock()
	if src == nil {
		delete(s.sources, name)
		return
	}
	s.sources[name] = src
}

func (s *Scheduler) source(name string) (ItemSource, bool) {
	s.srcMu.RLock()
	defer s.srcMu.RUnlock()
	src, ok := s.sources[name]
	return src, ok
}

// ScheduleJob validates and persists a schedule and returns its id.
func (s *Scheduler) ScheduleJob(ctx context.Context, spec Spec) (string, error) {
	cadence, err := ParseCadence(spec.Cadence, s.cfg.Location)
	if err != nil {
		return "", err
	}
	var problems []string
	if spec.Name == "" && spec.JobID == "" {
		problems = append(problems, "name is required")
	}
	if spec.TemplateID == "" {
		problems = append(problems, "template_id is required")
	}
	switch {
	case spec.ItemSource != "":
		if _, ok := s.source(spec.ItemSource); !ok {
			problems = append(problems, fmt.Sprintf("item source %q is not registered", spec.ItemSource))
		}
	case len(spec.Items) == 0:
		problems = append(problems, "items or item_source is required")
	}
	if spec.Strategy == "" {
		spec.Strategy = batch.StrategyIndividual
	}
	if !spec.Strategy.Valid() {
		problems = append(problems, fmt.Sprintf("unknown strategy %q", spec.Strategy))
	}
	if len(problems) > 0 {
		return "", &batch.InvalidRequestError{Problems: problems}
	}

	jobID := spec.JobID
	if jobID == "" {
		jobID = spec.Name
	}
	d := &Descriptor{
		ID:         s.ids.New(ids.KindSchedule),
		JobID:      jobID,
		Name:       spec.Name,
		TemplateID: spec.TemplateID,
		Strategy:   spec.Strategy,
		GroupBy:    spec.GroupBy,
		Items:      spec.Items,
		ItemSource: spec.ItemSource,
		PurposeID:  spec.PurposeID,
		Cadence:    cadence.String(),
		CreatedAt:  s.now(),
	}
	if err := s.repo.SaveSchedule(ctx, d.Clone()); err != nil {
		s.logger.ErrorContext(ctx, "schedule persistence failed", "job_id", jobID, "error", err)
		return "", err
	}
	s.logger.InfoContext(ctx, "job scheduled",
		"schedule_id", d.ID,
		"job_id", jobID,
		"cadence", d.Cadence,
		"next_fire_at", cadence.Next(d.CreatedAt),
	)
	return d.ID, nil
}

// CancelJob stops a schedule from firing again. Executions already started
// are unaffected.
func (s *Scheduler) CancelJob(ctx context.Context, id string) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	d, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if d.Cancelled {
		return nil
	}
	now := s.now()
	d.Cancelled = true
	d.CancelledAt = &now
	if err := s.repo.SaveSchedule(ctx, d); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "job cancelled", "schedule_id", id, "job_id", d.JobID)
	return nil
}

// ListJobs returns the schedules that can still fire, with their next fire
// time, ordered by next fire time.
func (s *Scheduler) ListJobs(ctx context.Context) ([]*Descriptor, error) {
	all, err := s.repo.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Descriptor, 0, len(all))
	for _, d := range all {
		if d.Cancelled {
			continue
		}
		c, err := ParseCadence(d.Cadence, s.cfg.Location)
		if err != nil {
			continue
		}
		next := c.Next(d.base())
		d.NextFireAt = &next
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextFireAt.Equal(*out[j].NextFireAt) {
			return out[i].NextFireAt.Before(*out[j].NextFireAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// base is the reference time the next slot is computed from.
func (d *Descriptor) base() time.Time {
	if d.LastFiredAt != nil {
		return *d.LastFiredAt
	}
	return d.CreatedAt
}

// Start checks for due schedules every tick interval until ctx is done or
// Stop is called. The first check runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()

		for {
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.WarnContext(ctx, "scheduler tick failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// Stop halts the tick loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Tick fires every schedule that is due at the current time and returns the
// number fired. Windows missed while the process was down collapse into one
// fire.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	all, err := s.repo.ListSchedules(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	fired := 0
	var errs []error
	for _, d := range all {
		if d.Cancelled {
			continue
		}
		c, err := ParseCadence(d.Cadence, s.cfg.Location)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		slot, due := c.Latest(d.base(), now)
		if !due {
			continue
		}
		claimed, ok, err := s.claim(ctx, d.ID, slot)
		if err != nil {
			s.metrics.RecordScheduleFire("error")
			s.logger.ErrorContext(ctx, "schedule persistence failed", "schedule_id", d.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		if err := s.fire(ctx, claimed, slot); err != nil {
			errs = append(errs, err)
			continue
		}
		fired++
	}
	return fired, errors.Join(errs...)
}

// claim reloads the schedule and persists slot as its last fire time. It
// reports false when the schedule was cancelled or the slot already claimed
// since it was listed. The slot is persisted before dispatch so a restart
// never fires it again.
func (s *Scheduler) claim(ctx context.Context, id string, slot time.Time) (*Descriptor, bool, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	d, err := s.get(ctx, id)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if d.Cancelled || (d.LastFiredAt != nil && !d.LastFiredAt.Before(slot)) {
		return nil, false, nil
	}
	d.LastFiredAt = &slot
	d.NextFireAt = nil
	if err := s.repo.SaveSchedule(ctx, d); err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func (s *Scheduler) fire(ctx context.Context, d *Descriptor, slot time.Time) error {
	execID := s.ids.New(ids.KindExecution)
	log := s.logger.With("schedule_id", d.ID, "job_id", d.JobID, "execution_id", execID)

	items := d.Items
	if d.ItemSource != "" {
		src, ok := s.source(d.ItemSource)
		if !ok {
			err := fmt.Errorf("item source %q is not registered", d.ItemSource)
			s.abort(ctx, d, execID, 0, err)
			return err
		}
		var err error
		if items, err = src.Items(ctx, d.Clone()); err != nil {
			s.abort(ctx, d, execID, 0, err)
			return err
		}
	}

	if _, err := s.stats.RecordExecutionStart(ctx, d.JobID, execID, len(items), d.PurposeID); err != nil {
		s.metrics.RecordScheduleFire("error")
		log.ErrorContext(ctx, "execution start could not be recorded", "error", err)
		return err
	}
	if len(items) == 0 {
		_, err := s.stats.RecordExecutionComplete(ctx, d.JobID, execID, ExecutionCompleted, Progress{}, "")
		s.metrics.RecordScheduleFire("empty")
		log.InfoContext(ctx, "scheduled job fired with no items", "slot", slot)
		return err
	}

	receipt, err := s.submitter.ProcessBatch(ctx, batch.Submission{
		Strategy:   d.Strategy,
		TemplateID: d.TemplateID,
		Items:      items,
		Metadata:   batch.Metadata{Source: "scheduler", GroupBy: d.GroupBy, Owner: d.JobID},
		Listener:   &statsListener{stats: s.stats, jobID: d.JobID, executionID: execID, logger: log},
	})
	if err != nil {
		_, _ = s.stats.RecordExecutionComplete(ctx, d.JobID, execID, ExecutionFailed, Progress{}, err.Error())
		s.metrics.RecordScheduleFire("error")
		log.ErrorContext(ctx, "scheduled batch submission failed", "error", err)
		return err
	}
	s.metrics.RecordScheduleFire("fired")
	log.InfoContext(ctx, "scheduled job fired", "slot", slot, "batch_id", receipt.BatchID, "items", len(items))
	return nil
}

func (s *Scheduler) abort(ctx context.Context, d *Descriptor, execID string, expected int, cause error) {
	s.metrics.RecordScheduleFire("error")
	if _, err := s.stats.RecordExecutionStart(ctx, d.JobID, execID, expected, d.PurposeID); err == nil {
		_, _ = s.stats.RecordExecutionComplete(ctx, d.JobID, execID, ExecutionFailed, Progress{}, cause.Error())
	}
	s.logger.ErrorContext(ctx, "scheduled job could not load items", "schedule_id", d.ID, "job_id", d.JobID, "error", cause)
}

func (s *Scheduler) get(ctx context.Context, id string) (*Descriptor, error) {
	d, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, &NotFoundError{ScheduleID: id}
		}
		return nil, err
	}
	return d, nil
}

// statsListener mirrors a scheduled batch into its execution statistics.
type statsListener struct {
	stats       *Statistics
	jobID       string
	executionID string
	logger      logger.Logger
}

func (l *statsListener) OnBatchStarted(ctx context.Context, job *batch.BatchJob) {
	l.update(ctx, job)
}

func (l *statsListener) OnItemFinished(ctx context.Context, job *batch.BatchJob, _ batch.ItemOutcome) {
	l.update(ctx, job)
}

func (l *statsListener) OnBatchFinished(ctx context.Context, job *batch.BatchJob) {
	status := ExecutionCompleted
	switch job.Status {
	case batch.StatusFailed:
		status = ExecutionFailed
	case batch.StatusCancelled:
		status = ExecutionCancelled
	}
	var msg string
	if job.Error != nil {
		msg = job.Error.Message
	}
	if _, err := l.stats.RecordExecutionComplete(ctx, l.jobID, l.executionID, status, progressOf(job), msg); err != nil {
		l.logger.WarnContext(ctx, "execution completion could not be recorded", "batch_id", job.ID, "error", err)
	}
}

func (l *statsListener) update(ctx context.Context, job *batch.BatchJob) {
	if _, err := l.stats.UpdateExecutionProgress(ctx, l.jobID, l.executionID, progressOf(job)); err != nil {
		l.logger.WarnContext(ctx, "execution progress could not be recorded", "batch_id", job.ID, "error", err)
	}
}

func progressOf(job *batch.BatchJob) Progress {
	return Progress{BatchID: job.ID, Succeeded: job.ItemsProcessed, Failed: job.ItemsFailed}
}
