package schedule

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goclaw/conductor/pkg/logger"
	"github.com/goclaw/conductor/pkg/syncutil"
)

// ExecutionStatus is the status of one scheduled execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the execution is closed.
func (s ExecutionStatus) IsTerminal() bool {
	return s != ExecutionRunning
}

// JobStatistics is the record of one execution of a scheduled job.
type JobStatistics struct {
	JobID       string          `json:"job_id"`
	ExecutionID string          `json:"execution_id"`
	PurposeID   string          `json:"purpose_id,omitempty"`
	BatchID     string          `json:"batch_id,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Expected    int             `json:"expected"`
	Processed   int             `json:"processed"`
	Succeeded   int             `json:"succeeded"`
	Failed      int             `json:"failed"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a copy safe to mutate.
func (s *JobStatistics) Clone() *JobStatistics {
	if s == nil {
		return nil
	}
	c := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Progress is a progress update of an execution. Counts are absolute.
type Progress struct {
	BatchID   string
	Succeeded int
	Failed    int
}

// Aggregate sums executions of one purpose.
type Aggregate struct {
	Executions int `json:"executions"`
	Expected   int `json:"expected"`
	Processed  int `json:"processed"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
}

// StatsRepository stores job statistics. AppendExecution returns a
// *storage.DuplicateKeyError for an existing (job, execution) pair and
// GetExecution a *storage.NotFoundError for an unknown one.
type StatsRepository interface {
	AppendExecution(ctx context.Context, s *JobStatistics) error
	SaveExecution(ctx context.Context, s *JobStatistics) error
	GetExecution(ctx context.Context, jobID, executionID string) (*JobStatistics, error)
	// ListExecutions returns a job's executions ordered by start time.
	ListExecutions(ctx context.Context, jobID string) ([]*JobStatistics, error)
	ListAllExecutions(ctx context.Context) ([]*JobStatistics, error)
}

// ExecutionClosedError is returned when mutating a completed execution.
type ExecutionClosedError struct {
	JobID       string
	ExecutionID string
	Status      ExecutionStatus
}

func (e *ExecutionClosedError) Error() string {
	return fmt.Sprintf("execution %s of job %s is %s and can no longer change", e.ExecutionID, e.JobID, e.Status)
}

// Statistics records scheduled executions. Updates to one execution are
// serialized; different executions never contend.
type Statistics struct {
	repo   StatsRepository
	locks  *syncutil.KeyedMutex
	now    func() time.Time
	logger logger.Logger
}

// NewStatistics creates a Statistics service.
func NewStatistics(repo StatsRepository, log logger.Logger) *Statistics {
	if log == nil {
		log = logger.Global()
	}
	return &Statistics{repo: repo, locks: syncutil.NewKeyedMutex(), now: time.Now, logger: log}
}

func executionKey(jobID, executionID string) string {
	return jobID + "/" + executionID
}

// RecordExecutionStart appends a running execution.
func (s *Statistics) RecordExecutionStart(ctx context.Context, jobID, executionID string, expected int, purposeID string) (*JobStatistics, error) {
	unlock := s.locks.Lock(executionKey(jobID, executionID))
	defer unlock()

	now := s.now()
	st := &JobStatistics{
		JobID:       jobID,
		ExecutionID: executionID,
		PurposeID:   purposeID,
		Status:      ExecutionRunning,
		Expected:    expected,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.AppendExecution(ctx, st); err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// UpdateExecutionProgress sets the counters of a running execution.
func (s *Statistics) UpdateExecutionProgress(ctx context.Context, jobID, executionID string, p Progress) (*JobStatistics, error) {
	return s.mutate(ctx, jobID, executionID, func(st *JobStatistics) {
		apply(st, p)
	})
}

// RecordExecutionComplete closes an execution. It cannot change afterwards.
func (s *Statistics) RecordExecutionComplete(ctx context.Context, jobID, executionID string, status ExecutionStatus, p Progress, errMsg string) (*JobStatistics, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("schedule: %q is not a terminal execution status", status)
	}
	return s.mutate(ctx, jobID, executionID, func(st *JobStatistics) {
		apply(st, p)
		now := s.now()
		st.Status = status
		st.Error = errMsg
		st.CompletedAt = &now
	})
}

func apply(st *JobStatistics, p Progress) {
	if p.BatchID != "" {
		st.BatchID = p.BatchID
	}
	st.Succeeded = p.Succeeded
	st.Failed = p.Failed
	st.Processed = p.Succeeded + p.Failed
}

func (s *Statistics) mutate(ctx context.Context, jobID, executionID string, fn func(*JobStatistics)) (*JobStatistics, error) {
	unlock := s.locks.Lock(executionKey(jobID, executionID))
	defer unlock()

	st, err := s.repo.GetExecution(ctx, jobID, executionID)
	if err != nil {
		return nil, err
	}
	if st.Status.IsTerminal() {
		return nil, &ExecutionClosedError{JobID: jobID, ExecutionID: executionID, Status: st.Status}
	}
	fn(st)
	st.UpdatedAt = s.now()
	if err := s.repo.SaveExecution(ctx, st); err != nil {
		s.logger.ErrorContext(ctx, "job statistics persistence failed", "job_id", jobID, "execution_id", executionID, "error", err)
		return nil, err
	}
	return st.Clone(), nil
}

// History returns a job's executions ordered by start time.
func (s *Statistics) History(ctx context.Context, jobID string) ([]*JobStatistics, error) {
	return s.repo.ListExecutions(ctx, jobID)
}

// AggregateByPurpose sums every execution per purpose. Executions without a
// purpose are reported under the empty key.
func (s *Statistics) AggregateByPurpose(ctx context.Context) (map[string]Aggregate, error) {
	all, err := s.repo.ListAllExecutions(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Aggregate)
	for _, st := range all {
		a := out[st.PurposeID]
		a.Executions++
		a.Expected += st.Expected
		a.Processed += st.Processed
		a.Succeeded += st.Succeeded
		a.Failed += st.Failed
		out[st.PurposeID] = a
	}
	return out, nil
}

// SortByStart orders executions by start time, then id.
func SortByStart(list []*JobStatistics) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].StartedAt.Before(list[j].StartedAt)
		}
		return list[i].ExecutionID < list[j].ExecutionID
	})
}
