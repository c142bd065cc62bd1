package engine

import (
	"context"
	"fmt"

	"github.com/goclaw/conductor/config"
	"github.com/goclaw/conductor/pkg/batch"
	"github.com/goclaw/conductor/pkg/eventbus"
	"github.com/goclaw/conductor/pkg/logger"
	"github.com/goclaw/conductor/pkg/purpose"
	"github.com/goclaw/conductor/pkg/request"
	"github.com/goclaw/conductor/pkg/schedule"
	"github.com/goclaw/conductor/pkg/template"
)

// Process runs one request end to end.
func (e *Engine) Process(ctx context.Context, in request.Input) (*request.Response, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	return e.requests.Process(ctx, in)
}

// GetRequest returns a stored request.
func (e *Engine) GetRequest(ctx context.Context, id string) (*request.Request, error) {
	return e.requests.Get(ctx, id)
}

// ListRequests returns stored requests matching filter.
func (e *Engine) ListRequests(ctx context.Context, filter request.Filter) ([]*request.Request, error) {
	return e.requests.List(ctx, filter)
}

// CancelRequest cancels a request that has not reached a terminal status.
func (e *Engine) CancelRequest(ctx context.Context, id string) (*request.Response, error) {
	return e.requests.Cancel(ctx, id)
}

// BatchOptions are the optional parts of a batch submission.
type BatchOptions struct {
	// Strategy defaults to individual.
	Strategy batch.Strategy
	Metadata batch.Metadata
	Listener batch.Listener
}

// ProcessBatch accepts a batch and returns as soon as it is persisted.
func (e *Engine) ProcessBatch(ctx context.Context, templateID string, items []batch.Item, opts BatchOptions) (*batch.Receipt, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	return e.batches.ProcessBatch(ctx, batch.Submission{
		Strategy:   opts.Strategy,
		TemplateID: templateID,
		Items:      items,
		Metadata:   opts.Metadata,
		Listener:   opts.Listener,
	})
}

// GetBatchStatus returns the status and counters of a batch.
func (e *Engine) GetBatchStatus(ctx context.Context, id string) (*batch.StatusReport, error) {
	return e.batches.GetBatchStatus(ctx, id)
}

// GetBatchResults returns the per-item results recorded so far.
func (e *Engine) GetBatchResults(ctx context.Context, id string) ([]batch.ItemResult, error) {
	return e.batches.GetBatchResults(ctx, id)
}

// GetBatch returns the full stored batch.
func (e *Engine) GetBatch(ctx context.Context, id string) (*batch.BatchJob, error) {
	return e.batches.Get(ctx, id)
}

// ListBatches returns stored batches matching filter.
func (e *Engine) ListBatches(ctx context.Context, filter batch.Filter) ([]*batch.BatchJob, error) {
	return e.batches.List(ctx, filter)
}

// CancelBatch cancels a batch. Items already started run to completion.
func (e *Engine) CancelBatch(ctx context.Context, id string) (*batch.StatusReport, error) {
	return e.batches.CancelBatch(ctx, id)
}

// WaitBatch blocks until the batch settles or ctx is done.
func (e *Engine) WaitBatch(ctx context.Context, id string) (*batch.BatchJob, error) {
	return e.batches.Wait(ctx, id)
}

// ScheduleBatchJob schedules jobName to submit the items produced by the
// registered itemSource on cadence, and returns the schedule id.
func (e *Engine) ScheduleBatchJob(ctx context.Context, jobName, templateID, itemSource, cadence string) (string, error) {
	if itemSource == "" {
		return "", fmt.Errorf("item source cannot be empty")
	}
	return e.ScheduleJob(ctx, schedule.Spec{
		Name:       jobName,
		TemplateID: templateID,
		ItemSource: itemSource,
		Cadence:    cadence,
	})
}

// ScheduleJob schedules a fully described job.
func (e *Engine) ScheduleJob(ctx context.Context, spec schedule.Spec) (string, error) {
	if err := e.running(); err != nil {
		return "", err
	}
	return e.scheduler.ScheduleJob(ctx, spec)
}

// CancelScheduledJob stops future fires of a schedule.
func (e *Engine) CancelScheduledJob(ctx context.Context, scheduleID string) error {
	return e.scheduler.CancelJob(ctx, scheduleID)
}

// ListScheduledJobs returns every schedule with its next fire time.
func (e *Engine) ListScheduledJobs(ctx context.Context) ([]*schedule.Descriptor, error) {
	return e.scheduler.ListJobs(ctx)
}

// RegisterItemSource makes src available to schedules under name.
func (e *Engine) RegisterItemSource(name string, src schedule.ItemSource) {
	e.scheduler.RegisterSource(name, src)
}

// TriggerSchedules fires every due schedule now and returns how many fired.
func (e *Engine) TriggerSchedules(ctx context.Context) (int, error) {
	if err := e.running(); err != nil {
		return 0, err
	}
	return e.scheduler.Tick(ctx)
}

// JobHistory returns the executions of a scheduled job, oldest first.
func (e *Engine) JobHistory(ctx context.Context, jobID string) ([]*schedule.JobStatistics, error) {
	return e.stats.History(ctx, jobID)
}

// AggregateByPurpose sums job statistics per purpose.
func (e *Engine) AggregateByPurpose(ctx context.Context) (map[string]schedule.Aggregate, error) {
	return e.stats.AggregateByPurpose(ctx)
}

// Templates returns the template registry.
func (e *Engine) Templates() *template.Registry {
	return e.templates
}

// Purposes returns the purpose resolver.
func (e *Engine) Purposes() *purpose.Resolver {
	return e.purposes
}

// Subscribe returns a subscription to events published on the in-process bus.
// It fails when events are disabled or travel over Redis.
func (e *Engine) Subscribe(pattern string, buffer int) (*eventbus.Subscription, error) {
	if e.bus == nil {
		return nil, fmt.Errorf("events are not published in process")
	}
	return e.bus.Subscribe(pattern, buffer)
}

// ReloadPurposes replaces the purpose catalog with the one at path. The
// current catalog stays in place when the file cannot be loaded.
func (e *Engine) ReloadPurposes(path string) error {
	purposes, err := purpose.LoadFile(path)
	if err != nil {
		return err
	}
	e.purposes.Catalog().Replace(purposes)
	e.logger.Info("purpose catalog reloaded", "path", path, "count", e.purposes.Catalog().Len())
	return nil
}

// ApplyHotReload applies the configuration values that change without a restart.
func (e *Engine) ApplyHotReload(prev, next config.HotReloadableConfig) error {
	if prev.LogLevel != next.LogLevel {
		e.logger.SetLevel(logger.ParseLevel(next.LogLevel))
	}
	if prev.PurposesThreshold != next.PurposesThreshold {
		e.purposes.SetThreshold(next.PurposesThreshold)
	}
	if prev.ItemsPerSecond != next.ItemsPerSecond || prev.ProgressEvents != next.ProgressEvents {
		e.batches.Tune(next.ItemsPerSecond, next.ProgressEvents)
	}
	if next.PurposesCatalog != "" && prev.PurposesCatalog != next.PurposesCatalog {
		return e.ReloadPurposes(next.PurposesCatalog)
	}
	return nil
}
