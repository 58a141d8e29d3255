package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

func sampleRecord(executionID, workflowID string, status schema.ExecutionStatus, startedAt time.Time) *schema.ExecutionRecord {
	return &schema.ExecutionRecord{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Status:      status,
		Input:       map[string]any{"x": float64(1)},
		StepStates: []*schema.StepState{
			{StepID: "A", Status: schema.StepStatusCompleted, Output: map[string]any{"a": float64(2)}},
		},
		Logs:      []schema.LogEntry{},
		StartedAt: startedAt,
	}
}

func TestMemoryStore_PersistAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	record := sampleRecord("ex-1", "wf-1", schema.ExecutionStatusRunning, time.Now().UTC())
	require.NoError(t, s.PersistExecution(ctx, record))

	got, err := s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, schema.ExecutionStatusRunning, got.Status)
	require.NotNil(t, got.StepStateFor("A"))
	assert.Equal(t, map[string]any{"a": float64(2)}, got.StepStateFor("A").Output)

	// Upsert replaces the snapshot.
	record.Status = schema.ExecutionStatusCompleted
	require.NoError(t, s.PersistExecution(ctx, record))
	got, err = s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
}

func TestMemoryStore_GetUnknownExecution(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.GetExecution(context.Background(), "missing")
	require.Error(t, err)

	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeNotFound, ferr.Code)
}

func TestMemoryStore_SnapshotIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	record := sampleRecord("ex-1", "wf-1", schema.ExecutionStatusRunning, time.Now().UTC())
	require.NoError(t, s.PersistExecution(ctx, record))

	// Mutating the caller's record after persisting must not leak into
	// the stored snapshot, and neither must mutating a returned copy.
	record.StepStates[0].Status = schema.StepStatusFailed

	got, err := s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusCompleted, got.StepStateFor("A").Status)

	got.StepStateFor("A").Output["a"] = "mutated"
	again, err := s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, float64(2), again.StepStateFor("A").Output["a"])
}

func TestMemoryStore_ListExecutions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.PersistExecution(ctx, sampleRecord("ex-1", "wf-a", schema.ExecutionStatusCompleted, base.Add(-2*time.Hour))))
	require.NoError(t, s.PersistExecution(ctx, sampleRecord("ex-2", "wf-a", schema.ExecutionStatusFailed, base.Add(-time.Hour))))
	require.NoError(t, s.PersistExecution(ctx, sampleRecord("ex-3", "wf-b", schema.ExecutionStatusCompleted, base)))

	all, err := s.ListExecutions(ctx, ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first.
	assert.Equal(t, "ex-3", all[0].ExecutionID)

	byWorkflow, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: "wf-a"})
	require.NoError(t, err)
	assert.Len(t, byWorkflow, 2)

	failed := schema.ExecutionStatusFailed
	byStatus, err := s.ListExecutions(ctx, ExecutionFilter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "ex-2", byStatus[0].ExecutionID)

	since := base.Add(-90 * time.Minute)
	recent, err := s.ListExecutions(ctx, ExecutionFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	limited, err := s.ListExecutions(ctx, ExecutionFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "ex-3", limited[0].ExecutionID)
}

func TestMemoryStore_Flags(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	assert.False(t, s.IsPaused(ctx, "ex-1"))
	assert.False(t, s.IsCancelled(ctx, "ex-1"))

	require.NoError(t, s.SetPaused(ctx, "ex-1", true))
	assert.True(t, s.IsPaused(ctx, "ex-1"))

	require.NoError(t, s.SetPaused(ctx, "ex-1", false))
	assert.False(t, s.IsPaused(ctx, "ex-1"))

	require.NoError(t, s.SetCancelled(ctx, "ex-1"))
	assert.True(t, s.IsCancelled(ctx, "ex-1"))

	require.NoError(t, s.SetPaused(ctx, "ex-1", true))
	require.NoError(t, s.ClearExecutionFlags(ctx, "ex-1"))
	assert.False(t, s.IsPaused(ctx, "ex-1"))
	assert.False(t, s.IsCancelled(ctx, "ex-1"))
}

func TestMemoryStore_TriggerCRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	trigger := &Trigger{
		ID:             "trig-1",
		CronExpression: "*/5 * * * *",
		Definition: &schema.WorkflowDefinition{
			ID:    "nightly",
			Steps: []schema.StepDefinition{{ID: "A"}},
		},
		Input:   map[string]any{"x": float64(1)},
		Enabled: true,
	}
	require.NoError(t, s.CreateTrigger(ctx, trigger))

	// Duplicate ids conflict.
	err := s.CreateTrigger(ctx, trigger)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeConflict, ferr.Code)

	got, err := s.GetTrigger(ctx, "trig-1")
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", got.CronExpression)
	assert.Equal(t, "nightly", got.Definition.ID)
	assert.False(t, got.CreatedAt.IsZero())

	// Update timestamps and status.
	now := time.Now().UTC()
	disabled := false
	require.NoError(t, s.UpdateTrigger(ctx, "trig-1", TriggerUpdate{
		Enabled:       &disabled,
		LastRunAt:     &now,
		NextRunAt:     &now,
		LastRunStatus: "success",
	}))
	got, err = s.GetTrigger(ctx, "trig-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "success", got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)

	// Filter by enabled.
	enabled := true
	list, err := s.ListTriggers(ctx, TriggerFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.DeleteTrigger(ctx, "trig-1"))
	_, err = s.GetTrigger(ctx, "trig-1")
	require.Error(t, err)
	require.Error(t, s.DeleteTrigger(ctx, "trig-1"))
	require.Error(t, s.UpdateTrigger(ctx, "trig-1", TriggerUpdate{LastRunStatus: "x"}))
}
