package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/internal/engine"
	"github.com/stepflow-io/stepflow/internal/scheduler"
	"github.com/stepflow-io/stepflow/internal/state"
	"github.com/stepflow-io/stepflow/internal/validation"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// newTestServer wires a full in-memory stack behind the MCP handlers.
func newTestServer(t *testing.T) (*StepflowServer, state.Store) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := state.NewMemoryStore()

	executor := engine.NewActionExecutor()
	require.NoError(t, engine.RegisterBuiltins(executor))

	validator, err := validation.NewWorkflowValidator()
	require.NoError(t, err)

	orch := engine.NewOrchestrator(st, executor, engine.NewEmitter(nil, logger), logger, engine.Config{
		PausePollInterval: 5 * time.Millisecond,
	})
	pool := engine.NewWorkerPool(4)
	svc := engine.NewService(orch, st, validator, pool, logger)
	t.Cleanup(svc.Shutdown)

	sched := scheduler.NewScheduler(st, svc, logger)

	s := NewStepflowServer(StepflowServerDeps{
		Service:   svc,
		Store:     st,
		Scheduler: sched,
		Logger:    logger,
	})
	return s, st
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func simpleDefinition() map[string]any {
	return map[string]any{
		"id": "greet",
		"steps": []any{
			map[string]any{
				"id":     "hello",
				"action": "emit",
				"params": map[string]any{"greeting": "hi"},
			},
		},
	}
}

// --- Tests ---

func TestRunTool_Sync(t *testing.T) {
	s, _ := newTestServer(t)

	req := buildRequest("stepflow.run", map[string]any{
		"definition": simpleDefinition(),
	})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	var runResult schema.RunResult
	unmarshalResult(t, result, &runResult)
	assert.Equal(t, schema.ExecutionStatusCompleted, runResult.Status)
	assert.NotEmpty(t, runResult.ExecutionID)
	assert.Equal(t, "hi", runResult.Output["greeting"])
}

func TestRunTool_Async(t *testing.T) {
	s, st := newTestServer(t)

	req := buildRequest("stepflow.run", map[string]any{
		"definition": simpleDefinition(),
		"async":      true,
	})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var ack struct {
		ExecutionID string `json:"execution_id"`
		Status      string `json:"status"`
	}
	unmarshalResult(t, result, &ack)
	require.NotEmpty(t, ack.ExecutionID)
	assert.Equal(t, string(schema.ExecutionStatusRunning), ack.Status)

	require.Eventually(t, func() bool {
		record, getErr := st.GetExecution(context.Background(), ack.ExecutionID)
		return getErr == nil && record.Status == schema.ExecutionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunTool_MissingDefinition(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleRun(context.Background(), buildRequest("stepflow.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunTool_InvalidDefinition(t *testing.T) {
	s, _ := newTestServer(t)

	req := buildRequest("stepflow.run", map[string]any{
		"definition": map[string]any{
			"id": "bad",
			"steps": []any{
				map[string]any{"id": "A", "depends_on": []any{"A"}},
			},
		},
	})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "depends on itself")
}

func TestRunTool_FailedWorkflowIsStillAResult(t *testing.T) {
	s, _ := newTestServer(t)

	req := buildRequest("stepflow.run", map[string]any{
		"definition": map[string]any{
			"id": "doomed",
			"steps": []any{
				map[string]any{
					"id":     "boom",
					"action": "fail",
					"params": map[string]any{"message": "exploded"},
				},
			},
		},
	})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError, "a failed run is a result, not a tool error")

	var runResult schema.RunResult
	unmarshalResult(t, result, &runResult)
	assert.Equal(t, schema.ExecutionStatusFailed, runResult.Status)
	assert.Contains(t, runResult.Error, "exploded")
}

func TestStatusTool(t *testing.T) {
	s, st := newTestServer(t)

	record := &schema.ExecutionRecord{
		ExecutionID: "ex-1",
		WorkflowID:  "greet",
		Status:      schema.ExecutionStatusCompleted,
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.PersistExecution(context.Background(), record))

	req := buildRequest("stepflow.status", map[string]any{"execution_id": "ex-1"})
	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "ex-1")
	assert.Contains(t, text, "greet")
}

func TestStatusTool_MissingID(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleStatus(context.Background(), buildRequest("stepflow.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool_NotFound(t *testing.T) {
	s, _ := newTestServer(t)

	req := buildRequest("stepflow.status", map[string]any{"execution_id": "missing"})
	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestFlagTools(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	record := &schema.ExecutionRecord{
		ExecutionID: "ex-1",
		WorkflowID:  "greet",
		Status:      schema.ExecutionStatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.PersistExecution(ctx, record))

	result, err := s.handlePause(ctx, buildRequest("stepflow.pause", map[string]any{"execution_id": "ex-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.True(t, st.IsPaused(ctx, "ex-1"))

	result, err = s.handleResume(ctx, buildRequest("stepflow.resume", map[string]any{"execution_id": "ex-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.False(t, st.IsPaused(ctx, "ex-1"))

	result, err = s.handleCancel(ctx, buildRequest("stepflow.cancel", map[string]any{"execution_id": "ex-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.True(t, st.IsCancelled(ctx, "ex-1"))

	// Unknown execution surfaces as a tool error.
	result, err = s.handlePause(ctx, buildRequest("stepflow.pause", map[string]any{"execution_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// Missing execution_id surfaces as a tool error.
	result, err = s.handleCancel(ctx, buildRequest("stepflow.cancel", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryExecutions(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := []*schema.ExecutionRecord{
		{ExecutionID: "ex-1", WorkflowID: "wf-a", Status: schema.ExecutionStatusCompleted, StartedAt: now.Add(-2 * time.Hour)},
		{ExecutionID: "ex-2", WorkflowID: "wf-a", Status: schema.ExecutionStatusFailed, StartedAt: now.Add(-time.Hour)},
		{ExecutionID: "ex-3", WorkflowID: "wf-b", Status: schema.ExecutionStatusCompleted, StartedAt: now},
	}
	for _, r := range seed {
		require.NoError(t, st.PersistExecution(ctx, r))
	}

	req := buildRequest("stepflow.query", map[string]any{"resource": "executions"})
	result, err := s.handleQuery(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload struct {
		Executions []*schema.ExecutionRecord `json:"executions"`
	}
	unmarshalResult(t, result, &payload)
	assert.Len(t, payload.Executions, 3)

	req = buildRequest("stepflow.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"workflow_id": "wf-a", "status": "failed"},
	})
	result, err = s.handleQuery(ctx, req)
	require.NoError(t, err)
	unmarshalResult(t, result, &payload)
	require.Len(t, payload.Executions, 1)
	assert.Equal(t, "ex-2", payload.Executions[0].ExecutionID)

	req = buildRequest("stepflow.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"since": now.Add(-90 * time.Minute).Format(time.RFC3339), "limit": float64(10)},
	})
	result, err = s.handleQuery(ctx, req)
	require.NoError(t, err)
	unmarshalResult(t, result, &payload)
	assert.Len(t, payload.Executions, 2)
}

func TestQueryTriggers(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, st.CreateTrigger(ctx, &state.Trigger{
		ID:             "trig-1",
		CronExpression: "*/5 * * * *",
		Definition:     &schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{{ID: "A"}}},
		Enabled:        true,
	}))
	require.NoError(t, st.CreateTrigger(ctx, &state.Trigger{
		ID:             "trig-2",
		CronExpression: "0 3 * * *",
		Definition:     &schema.WorkflowDefinition{ID: "wf", Steps: []schema.StepDefinition{{ID: "A"}}},
		Enabled:        false,
	}))

	req := buildRequest("stepflow.query", map[string]any{
		"resource": "triggers",
		"filter":   map[string]any{"enabled": true},
	})
	result, err := s.handleQuery(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload struct {
		Triggers []*state.Trigger `json:"triggers"`
	}
	unmarshalResult(t, result, &payload)
	require.Len(t, payload.Triggers, 1)
	assert.Equal(t, "trig-1", payload.Triggers[0].ID)
}

func TestQueryUnknownResource(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleQuery(context.Background(), buildRequest("stepflow.query", map[string]any{
		"resource": "invalid",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleQuery(context.Background(), buildRequest("stepflow.query", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestScheduleTool(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	req := buildRequest("stepflow.schedule", map[string]any{
		"cron":       "*/5 * * * *",
		"definition": simpleDefinition(),
		"input":      map[string]any{"source": "cron"},
	})
	result, err := s.handleSchedule(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var ack struct {
		TriggerID string `json:"trigger_id"`
		NextRunAt string `json:"next_run_at"`
		Enabled   bool   `json:"enabled"`
	}
	unmarshalResult(t, result, &ack)
	require.NotEmpty(t, ack.TriggerID)
	assert.True(t, ack.Enabled)

	trigger, err := st.GetTrigger(ctx, ack.TriggerID)
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", trigger.CronExpression)
	assert.Equal(t, "greet", trigger.Definition.ID)
	require.NotNil(t, trigger.NextRunAt)
}

func TestScheduleTool_InvalidCron(t *testing.T) {
	s, _ := newTestServer(t)

	req := buildRequest("stepflow.schedule", map[string]any{
		"cron":       "not a cron",
		"definition": simpleDefinition(),
	})
	result, err := s.handleSchedule(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "invalid cron expression")
}

func TestScheduleTool_MissingParams(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleSchedule(context.Background(), buildRequest("stepflow.schedule", map[string]any{
		"definition": simpleDefinition(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleSchedule(context.Background(), buildRequest("stepflow.schedule", map[string]any{
		"cron": "*/5 * * * *",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestScheduleTool_SchedulerDisabled(t *testing.T) {
	s, _ := newTestServer(t)
	s.scheduler = nil

	req := buildRequest("stepflow.schedule", map[string]any{
		"cron":       "*/5 * * * *",
		"definition": simpleDefinition(),
	})
	result, err := s.handleSchedule(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "scheduling is not enabled")
}

func TestExtractInt(t *testing.T) {
	assert.Equal(t, 50, extractInt(nil, "limit", 50))
	assert.Equal(t, 50, extractInt(map[string]any{}, "limit", 50))
	assert.Equal(t, 7, extractInt(map[string]any{"limit": float64(7)}, "limit", 50))
	assert.Equal(t, 7, extractInt(map[string]any{"limit": 7}, "limit", 50))
	assert.Equal(t, 7, extractInt(map[string]any{"limit": "7"}, "limit", 50))
	assert.Equal(t, 50, extractInt(map[string]any{"limit": "nope"}, "limit", 50))
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
