// Package storagetest provides a conformance suite every storage backend must pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/conductor/pkg/batch"
	"github.com/goclaw/conductor/pkg/request"
	"github.com/goclaw/conductor/pkg/schedule"
	"github.com/goclaw/conductor/pkg/storage"
	"github.com/goclaw/conductor/pkg/template"
)

// Backend is the full set of repositories a storage backend implements.
type Backend interface {
	template.Repository
	request.Repository
	batch.Repository
	schedule.Repository
	schedule.StatsRepository
}

// Run exercises newBackend against the repository contracts. Every subtest
// gets a fresh backend.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b Backend)
	}{
		{"Templates", testTemplates},
		{"Requests", testRequests},
		{"Batches", testBatches},
		{"Schedules", testSchedules},
		{"Executions", testExecutions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testTemplates(t *testing.T, b Backend) {
	ctx := context.Background()
	_, err := b.GetTemplate(ctx, "tpl_missing")
	assert.True(t, storage.IsNotFound(err))

	sms := &template.ExecutionTemplate{
		ID: "tpl_a", ServiceType: template.ServiceCommunication, Version: 1, Status: template.StatusActive,
		ServiceTemplate: map[string]any{"channel": "sms"},
		Parameters:      template.ParameterSchema{Required: []string{"phone"}, Rules: map[string]string{"phone": "e164"}},
		PurposeIDs:      []string{"reminder"}, CreatedAt: base, UpdatedAt: base,
	}
	gen := &template.ExecutionTemplate{
		ID: "tpl_b", ServiceType: template.ServiceGenerative, Version: 2, Status: template.StatusDraft,
		PurposeIDs: []string{"summary"}, CreatedAt: base, UpdatedAt: base,
	}
	require.NoError(t, b.SaveTemplate(ctx, sms))
	require.NoError(t, b.SaveTemplate(ctx, gen))

	got, err := b.GetTemplate(ctx, "tpl_a")
	require.NoError(t, err)
	assert.Equal(t, "sms", got.ServiceTemplate["channel"])
	assert.Equal(t, []string{"phone"}, got.Parameters.Required)
	assert.Equal(t, "e164", got.Parameters.Rules["phone"])
	assert.True(t, got.CreatedAt.Equal(base))

	got.PurposeIDs[0] = "mutated"
	again, err := b.GetTemplate(ctx, "tpl_a")
	require.NoError(t, err)
	assert.Equal(t, "reminder", again.PurposeIDs[0])

	all, err := b.ListTemplates(ctx, template.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "tpl_a", all[0].ID)

	byPurpose, err := b.ListTemplates(ctx, template.Filter{PurposeID: "summary"})
	require.NoError(t, err)
	require.Len(t, byPurpose, 1)
	assert.Equal(t, "tpl_b", byPurpose[0].ID)

	byType, err := b.ListTemplates(ctx, template.Filter{ServiceType: template.ServiceCommunication, Status: template.StatusActive})
	require.NoError(t, err)
	require.Len(t, byType, 1)
}

func testRequests(t *testing.T, b Backend) {
	ctx := context.Background()
	_, err := b.GetRequest(ctx, "req_missing")
	assert.True(t, storage.IsNotFound(err))

	done := base.Add(time.Second)
	reqs := []*request.Request{
		{ID: "req_1", TemplateID: "tpl_a", Status: request.StatusCompleted, Data: map[string]any{"n": "1"}, Result: "ok",
			Metadata: request.Metadata{BatchID: "bat_1", ItemID: "i1"}, CreatedAt: base, CompletedAt: &done},
		{ID: "req_2", TemplateID: "tpl_a", Status: request.StatusFailed,
			Error:    &request.ErrorDetail{Code: "EXECUTION_FAILED", Message: "boom", EntityID: "req_2", Retriable: true},
			Metadata: request.Metadata{BatchID: "bat_1", ItemID: "i2", RetryCount: 2}, CreatedAt: base.Add(time.Millisecond)},
		{ID: "req_3", TemplateID: "tpl_b", Status: request.StatusPending, CreatedAt: base.Add(-time.Hour)},
	}
	for _, r := range reqs {
		require.NoError(t, b.SaveRequest(ctx, r))
	}

	got, err := b.GetRequest(ctx, "req_2")
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, "EXECUTION_FAILED", got.Error.Code)
	assert.True(t, got.Error.Retriable)
	assert.Equal(t, 2, got.Metadata.RetryCount)
	assert.Nil(t, got.CompletedAt)

	all, err := b.ListRequests(ctx, request.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "req_3", all[0].ID, "oldest first")

	inBatch, err := b.ListRequests(ctx, request.Filter{BatchID: "bat_1"})
	require.NoError(t, err)
	require.Len(t, inBatch, 2)
	assert.Equal(t, "req_1", inBatch[0].ID)

	failed, err := b.ListRequests(ctx, request.Filter{BatchID: "bat_1", Status: request.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "req_2", failed[0].ID)

	reqs[2].Status = request.StatusCancelled
	require.NoError(t, b.SaveRequest(ctx, reqs[2]))
	got, err = b.GetRequest(ctx, "req_3")
	require.NoError(t, err)
	assert.Equal(t, request.StatusCancelled, got.Status)
}

func testBatches(t *testing.T, b Backend) {
	ctx := context.Background()
	_, err := b.GetBatch(ctx, "bat_missing")
	assert.True(t, storage.IsNotFound(err))

	job := &batch.BatchJob{
		ID: "bat_1", TemplateID: "tpl_a", Strategy: batch.StrategyIndividual, Status: batch.StatusPending,
		Items:     []batch.Item{{ID: "i1", Data: map[string]any{"k": "v"}}, {ID: "i2"}},
		ItemCount: 2,
		Results: map[string]batch.ItemOutcome{
			"i1": {ItemID: "i1", Status: batch.ItemPending},
			"i2": {ItemID: "i2", Status: batch.ItemPending},
		},
		CreatedAt: base,
	}
	require.NoError(t, b.SaveBatch(ctx, job))
	other := &batch.BatchJob{ID: "bat_2", Strategy: batch.StrategyObject, Status: batch.StatusPending, CreatedAt: base.Add(time.Second),
		Results: map[string]batch.ItemOutcome{}}
	require.NoError(t, b.SaveBatch(ctx, other))

	job.Status = batch.StatusCompleted
	job.ItemsProcessed, job.ItemsFailed = 1, 1
	job.Results["i1"] = batch.ItemOutcome{ItemID: "i1", Status: batch.ItemSucceeded, Attempts: 1, Data: "done"}
	job.Results["i2"] = batch.ItemOutcome{ItemID: "i2", Status: batch.ItemFailed, Attempts: 3}
	require.NoError(t, b.SaveBatch(ctx, job))

	got, err := b.GetBatch(ctx, "bat_1")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.Results["i2"].Attempts)
	assert.Equal(t, "v", got.Items[0].Data["k"])
	assert.InDelta(t, 0.5, got.Summary().SuccessRate, 1e-9)

	pending, err := b.ListBatches(ctx, batch.Filter{Status: batch.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1, "status change must leave no stale index entry")
	assert.Equal(t, "bat_2", pending[0].ID)

	completed, err := b.ListBatches(ctx, batch.Filter{Status: batch.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)

	all, err := b.ListBatches(ctx, batch.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "bat_1", all[0].ID)
}

func testSchedules(t *testing.T, b Backend) {
	ctx := context.Background()
	_, err := b.GetSchedule(ctx, "sch_missing")
	assert.True(t, storage.IsNotFound(err))
	assert.True(t, storage.IsNotFound(b.DeleteSchedule(ctx, "sch_missing")))

	next := base.Add(24 * time.Hour)
	d := &schedule.Descriptor{
		ID: "sch_1", JobID: "nightly", Name: "nightly", TemplateID: "tpl_a",
		Strategy: batch.StrategyIndividual, Items: []batch.Item{{ID: "a"}},
		Cadence: "daily@09:00", CreatedAt: base, NextFireAt: &next,
	}
	require.NoError(t, b.SaveSchedule(ctx, d))
	require.NoError(t, b.SaveSchedule(ctx, &schedule.Descriptor{ID: "sch_0", JobID: "weekly", Cadence: "weekly@mon@08:00", CreatedAt: base}))

	got, err := b.GetSchedule(ctx, "sch_1")
	require.NoError(t, err)
	assert.Nil(t, got.NextFireAt, "next fire time is derived, not stored")
	assert.Nil(t, got.LastFiredAt)

	fired := base.Add(24 * time.Hour)
	got.LastFiredAt = &fired
	require.NoError(t, b.SaveSchedule(ctx, got))
	got, err = b.GetSchedule(ctx, "sch_1")
	require.NoError(t, err)
	require.NotNil(t, got.LastFiredAt)
	assert.True(t, got.LastFiredAt.Equal(fired))

	all, err := b.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "sch_0", all[0].ID)

	require.NoError(t, b.DeleteSchedule(ctx, "sch_0"))
	all, err = b.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testExecutions(t *testing.T, b Backend) {
	ctx := context.Background()
	_, err := b.GetExecution(ctx, "nightly", "exe_missing")
	assert.True(t, storage.IsNotFound(err))

	second := &schedule.JobStatistics{JobID: "nightly", ExecutionID: "exe_2", PurposeID: "p", Status: schedule.ExecutionRunning, Expected: 3, StartedAt: base.Add(time.Hour)}
	first := &schedule.JobStatistics{JobID: "nightly", ExecutionID: "exe_1", PurposeID: "p", Status: schedule.ExecutionRunning, Expected: 3, StartedAt: base}
	otherJob := &schedule.JobStatistics{JobID: "nightly-eu", ExecutionID: "exe_3", Status: schedule.ExecutionRunning, StartedAt: base}

	require.NoError(t, b.AppendExecution(ctx, second))
	require.NoError(t, b.AppendExecution(ctx, first))
	require.NoError(t, b.AppendExecution(ctx, otherJob))
	assert.True(t, storage.IsDuplicate(b.AppendExecution(ctx, first)))

	missing := &schedule.JobStatistics{JobID: "nightly", ExecutionID: "exe_9"}
	assert.True(t, storage.IsNotFound(b.SaveExecution(ctx, missing)))

	first.Status = schedule.ExecutionCompleted
	first.Processed, first.Succeeded = 3, 3
	require.NoError(t, b.SaveExecution(ctx, first))
	got, err := b.GetExecution(ctx, "nightly", "exe_1")
	require.NoError(t, err)
	assert.Equal(t, schedule.ExecutionCompleted, got.Status)
	assert.Equal(t, 3, got.Succeeded)

	history, err := b.ListExecutions(ctx, "nightly")
	require.NoError(t, err)
	require.Len(t, history, 2, "executions of other jobs are excluded")
	assert.Equal(t, "exe_1", history[0].ExecutionID)
	assert.Equal(t, "exe_2", history[1].ExecutionID)

	all, err := b.ListAllExecutions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
