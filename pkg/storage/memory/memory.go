// Package memory provides an in-memory implementation of every conductor repository.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/goclaw/conductor/pkg/batch"
	"github.com/goclaw/conductor/pkg/request"
	"github.com/goclaw/conductor/pkg/schedule"
	"github.com/goclaw/conductor/pkg/storage"
	"github.com/goclaw/conductor/pkg/template"
)

// MemoryStorage keeps templates, requests, batches, schedules and job
// statistics in maps. Values are copied on the way in and out.
type MemoryStorage struct {
	mu         sync.RWMutex
	templates  map[string]*template.ExecutionTemplate
	requests   map[string]*request.Request
	batches    map[string]*batch.BatchJob
	schedules  map[string]*schedule.Descriptor
	executions map[string]map[string]*schedule.JobStatistics // jobID -> executionID -> stats
}

// NewMemoryStorage creates an empty in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		templates:  make(map[string]*template.ExecutionTemplate),
		requests:   make(map[string]*request.Request),
		batches:    make(map[string]*batch.BatchJob),
		schedules:  make(map[string]*schedule.Descriptor),
		executions: make(map[string]map[string]*schedule.JobStatistics),
	}
}

// SaveTemplate stores a template.
func (m *MemoryStorage) SaveTemplate(ctx context.Context, t *template.ExecutionTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t.Clone()
	return nil
}

// GetTemplate retrieves a template by ID.
func (m *MemoryStorage) GetTemplate(ctx context.Context, id string) (*template.ExecutionTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "template", ID: id}
	}
	return t.Clone(), nil
}

// ListTemplates lists templates matching filter, ordered by ID.
func (m *MemoryStorage) ListTemplates(ctx context.Context, filter template.Filter) ([]*template.ExecutionTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*template.ExecutionTemplate, 0, len(m.templates))
	for _, t := range m.templates {
		if filter.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveRequest stores a request.
func (m *MemoryStorage) SaveRequest(ctx context.Context, r *request.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = r.Clone()
	return nil
}

// GetRequest retrieves a request by ID.
func (m *MemoryStorage) GetRequest(ctx context.Context, id string) (*request.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "request", ID: id}
	}
	return r.Clone(), nil
}

// ListRequests lists requests matching filter, oldest first.
func (m *MemoryStorage) ListRequests(ctx context.Context, filter request.Filter) ([]*request.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*request.Request, 0)
	for _, r := range m.requests {
		if filter.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SaveBatch stores a batch.
func (m *MemoryStorage) SaveBatch(ctx context.Context, j *batch.BatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[j.ID] = j.Clone()
	return nil
}

// GetBatch retrieves a batch by ID.
func (m *MemoryStorage) GetBatch(ctx context.Context, id string) (*batch.BatchJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.batches[id]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "batch", ID: id}
	}
	return j.Clone(), nil
}

// ListBatches lists batches matching filter, oldest first.
func (m *MemoryStorage) ListBatches(ctx context.Context, filter batch.Filter) ([]*batch.BatchJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*batch.BatchJob, 0)
	for _, j := range m.batches {
		if filter.Matches(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

// SaveSchedule stores a schedule.
func (m *MemoryStorage) SaveSchedule(ctx context.Context, d *schedule.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := d.Clone()
	c.NextFireAt = nil
	m.schedules[d.ID] = c
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (m *MemoryStorage) GetSchedule(ctx context.Context, id string) (*schedule.Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.schedules[id]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "schedule", ID: id}
	}
	return d.Clone(), nil
}

// ListSchedules lists every schedule ordered by ID.
func (m *MemoryStorage) ListSchedules(ctx context.Context) ([]*schedule.Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schedule.Descriptor, 0, len(m.schedules))
	for _, d := range m.schedules {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteSchedule removes a schedule.
func (m *MemoryStorage) DeleteSchedule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return &storage.NotFoundError{EntityType: "schedule", ID: id}
	}
	delete(m.schedules, id)
	return nil
}

// AppendExecution stores a new execution record.
func (m *MemoryStorage) AppendExecution(ctx context.Context, s *schedule.JobStatistics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byJob, ok := m.executions[s.JobID]
	if !ok {
		byJob = make(map[string]*schedule.JobStatistics)
		m.executions[s.JobID] = byJob
	}
	if _, exists := byJob[s.ExecutionID]; exists {
		return &storage.DuplicateKeyError{EntityType: "execution", ID: s.JobID + "/" + s.ExecutionID}
	}
	byJob[s.ExecutionID] = s.Clone()
	return nil
}

// SaveExecution overwrites an existing execution record.
func (m *MemoryStorage) SaveExecution(ctx context.Context, s *schedule.JobStatistics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byJob, ok := m.executions[s.JobID]
	if !ok || byJob[s.ExecutionID] == nil {
		return &storage.NotFoundError{EntityType: "execution", ID: s.JobID + "/" + s.ExecutionID}
	}
	byJob[s.ExecutionID] = s.Clone()
	return nil
}

// GetExecution retrieves one execution record.
func (m *MemoryStorage) GetExecution(ctx context.Context, jobID, executionID string) (*schedule.JobStatistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.executions[jobID][executionID]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "execution", ID: jobID + "/" + executionID}
	}
	return s.Clone(), nil
}

// ListExecutions lists a job's executions ordered by start time.
func (m *MemoryStorage) ListExecutions(ctx context.Context, jobID string) ([]*schedule.JobStatistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schedule.JobStatistics, 0, len(m.executions[jobID]))
	for _, s := range m.executions[jobID] {
		out = append(out, s.Clone())
	}
	schedule.SortByStart(out)
	return out, nil
}

// ListAllExecutions lists every execution record ordered by start time.
func (m *MemoryStorage) ListAllExecutions(ctx context.Context) ([]*schedule.JobStatistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schedule.JobStatistics, 0)
	for _, byJob := range m.executions {
		for _, s := range byJob {
			out = append(out, s.Clone())
		}
	}
	schedule.SortByStart(out)
	return out, nil
}

// Close is a no-op.
func (m *MemoryStorage) Close() error {
	return nil
}
