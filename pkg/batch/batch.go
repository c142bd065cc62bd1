// Package batch runs lists of items through the request service under one
// of three strategies, with a per-batch concurrency bound, transparent
// retries and cooperative cancellation.
package batch

import (
	"context"
	"time"

	"github.com/goclaw/conductor/pkg/notify"
	"github.com/goclaw/conductor/pkg/payload"
)

// Strategy selects how items are partitioned into downstream executions.
type Strategy string

const (
	// StrategyIndividual runs every item as its own request.
	StrategyIndividual Strategy = "individual"
	// StrategyObject merges all items into one request.
	StrategyObject Strategy = "object"
	// StrategyCombined merges items per group and runs one request per group.
	StrategyCombined Strategy = "combined"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyIndividual, StrategyObject, StrategyCombined:
		return true
	}
	return false
}

// Status is the lifecycle status of a batch.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether the batch can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ItemStatus is the per-item outcome.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

// Item is one unit of caller data in a batch.
type Item struct {
	ID        string         `json:"id"`
	Data      map[string]any `json:"data,omitempty"`
	Text      string         `json:"text,omitempty"`
	PurposeID string         `json:"purpose_id,omitempty"`
	// Destination names where this item's result is delivered. Empty means
	// the batch owner.
	Destination string `json:"destination,omitempty"`
}

// ItemOutcome records what happened to one item.
type ItemOutcome struct {
	ItemID    string              `json:"item_id"`
	Status    ItemStatus          `json:"status"`
	RequestID string              `json:"request_id,omitempty"`
	Attempts  int                 `json:"attempts"`
	Data      any                 `json:"data,omitempty"`
	Error     *notify.ErrorDetail `json:"error,omitempty"`
}

// Metadata carries caller attributes of a batch.
type Metadata struct {
	Source   string   `json:"source,omitempty"`
	GroupBy  string   `json:"group_by,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Priority int      `json:"priority,omitempty"`
	// Owner receives the completion or error notification; defaults to the batch id.
	Owner string `json:"owner,omitempty"`
}

// BatchJob is the persisted state of a batch.
type BatchJob struct {
	ID             string                 `json:"id"`
	TemplateID     string                 `json:"template_id,omitempty"`
	Strategy       Strategy               `json:"strategy"`
	Items          []Item                 `json:"items"`
	Status         Status                 `json:"status"`
	ItemCount      int                    `json:"item_count"`
	ItemsProcessed int                    `json:"items_processed"`
	ItemsFailed    int                    `json:"items_failed"`
	ItemsSkipped   int                    `json:"items_skipped"`
	Results        map[string]ItemOutcome `json:"results"`
	ContextID      string                 `json:"context_id,omitempty"`
	Error          *notify.ErrorDetail    `json:"error,omitempty"`
	Metadata       Metadata               `json:"metadata"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// Clone returns a copy safe to mutate.
func (j *BatchJob) Clone() *BatchJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Items = make([]Item, len(j.Items))
	for i, it := range j.Items {
		it.Data = payload.Clone(it.Data)
		c.Items[i] = it
	}
	c.Results = make(map[string]ItemOutcome, len(j.Results))
	for k, v := range j.Results {
		if v.Error != nil {
			e := *v.Error
			v.Error = &e
		}
		c.Results[k] = v
	}
	c.Metadata.Tags = append([]string(nil), j.Metadata.Tags...)
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Summary reports the batch counts. It is present in every batch response.
func (j *BatchJob) Summary() Summary {
	s := Summary{
		Total:     j.ItemCount,
		Succeeded: j.ItemsProcessed,
		Failed:    j.ItemsFailed,
		Skipped:   j.ItemsSkipped,
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Total)
	}
	return s
}

// Progress reports how far processing has got. Skipped items count as
// settled, so a cancelled batch reaches 100 percent.
func (j *BatchJob) Progress() Progress {
	p := Progress{Total: j.ItemCount, Completed: j.ItemsProcessed, Failed: j.ItemsFailed, Skipped: j.ItemsSkipped}
	if p.Total > 0 {
		p.Percent = float64(p.Completed+p.Failed+p.Skipped) * 100 / float64(p.Total)
	}
	return p
}

func (j *BatchJob) owner() string {
	if j.Metadata.Owner != "" {
		return j.Metadata.Owner
	}
	return j.ID
}

// record stores o and updates the counters. Items already terminal are left alone.
func (j *BatchJob) record(o ItemOutcome) bool {
	if prev, ok := j.Results[o.ItemID]; ok && prev.Status != ItemPending {
		return false
	}
	j.Results[o.ItemID] = o
	switch o.Status {
	case ItemSucceeded:
		j.ItemsProcessed++
	case ItemFailed:
		j.ItemsFailed++
	case ItemSkipped:
		j.ItemsSkipped++
	}
	return true
}

// Summary is the always-present count block of a batch response.
type Summary struct {
	Total       int     `json:"total"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	SuccessRate float64 `json:"success_rate"`
}

// Progress is the progress block of a status report.
type Progress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	Percent   float64 `json:"percent"`
}

// StatusReport is returned by Processor.GetBatchStatus.
type StatusReport struct {
	BatchID  string              `json:"batch_id"`
	Status   Status              `json:"status"`
	Progress Progress            `json:"progress"`
	Summary  Summary             `json:"summary"`
	Error    *notify.ErrorDetail `json:"error,omitempty"`
}

// ItemResult is one entry of Processor.GetBatchResults.
type ItemResult struct {
	ItemID string              `json:"item_id"`
	Status ItemStatus          `json:"status"`
	Data   any                 `json:"data,omitempty"`
	Error  *notify.ErrorDetail `json:"error,omitempty"`
}

// Submission is a request to process a batch.
type Submission struct {
	Strategy   Strategy
	TemplateID string
	Items      []Item
	Metadata   Metadata
	// Listener observes this batch only. Optional.
	Listener Listener
}

// Receipt is returned as soon as a batch is accepted.
type Receipt struct {
	BatchID string  `json:"batch_id"`
	Status  Status  `json:"status"`
	Summary Summary `json:"summary"`
}

// Filter narrows ListBatches. Zero fields match everything.
type Filter struct {
	Status Status
}

// Matches reports whether j satisfies the filter.
func (f Filter) Matches(j *BatchJob) bool {
	return f.Status == "" || j.Status == f.Status
}

// Repository persists batches. GetBatch returns a *storage.NotFoundError for unknown ids.
type Repository interface {
	SaveBatch(ctx context.Context, j *BatchJob) error
	GetBatch(ctx context.Context, id string) (*BatchJob, error)
	ListBatches(ctx context.Context, filter Filter) ([]*BatchJob, error)
}

// Listener observes one batch. Calls for a batch are serialized and receive
// snapshots that must not be retained past the call.
type Listener interface {
	OnBatchStarted(ctx context.Context, job *BatchJob)
	OnItemFinished(ctx context.Context, job *BatchJob, outcome ItemOutcome)
	OnBatchFinished(ctx context.Context, job *BatchJob)
}

type nopListener struct{}

func (nopListener) OnBatchStarted(context.Context, *BatchJob)              {}
func (nopListener) OnItemFinished(context.Context, *BatchJob, ItemOutcome) {}
func (nopListener) OnBatchFinished(context.Context, *BatchJob)             {}
