package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stepflow-io/stepflow/internal/state"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// handleRun executes a workflow definition, synchronously by default.
func (s *StepflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := parseDefinition(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	runReq := &schema.RunRequest{
		Definition: def,
		Input:      mcp.ParseStringMap(req, "input", nil),
		Options: schema.RunOptions{
			RequestID: req.GetString("request_id", ""),
			TimeoutMs: int64(req.GetFloat("timeout_ms", 0)),
		},
	}

	if req.GetBool("async", false) {
		executionID, submitErr := s.service.Submit(ctx, runReq)
		if submitErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", submitErr)), nil
		}
		return marshalResult(map[string]any{
			"execution_id": executionID,
			"status":       schema.ExecutionStatusRunning,
		})
	}

	result, runErr := s.service.Run(ctx, runReq)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
	}
	return marshalResult(result)
}

// handleStatus returns the current execution record.
func (s *StepflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	record, statusErr := s.service.Status(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(record)
}

// handlePause requests suspension of a running execution.
func (s *StepflowServer) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleFlag(ctx, req, "pause", s.service.Pause)
}

// handleResume clears the pause flag of a paused execution.
func (s *StepflowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleFlag(ctx, req, "resume", s.service.Resume)
}

// handleCancel requests cancellation of an execution.
func (s *StepflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleFlag(ctx, req, "cancel", s.service.Cancel)
}

// handleFlag is the shared shape of the pause/resume/cancel tools.
func (s *StepflowServer) handleFlag(ctx context.Context, req mcp.CallToolRequest, op string, apply func(context.Context, string) error) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if applyErr := apply(ctx, executionID); applyErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, applyErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
		"operation":    op,
	})
}

// handleQuery lists executions or triggers based on filters.
func (s *StepflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "triggers":
		return s.queryTriggers(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleSchedule registers a cron trigger.
func (s *StepflowServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	def, defErr := parseDefinition(req)
	if defErr != nil {
		return mcp.NewToolResultError(defErr.Error()), nil
	}
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduling is not enabled"), nil
	}

	now := time.Now().UTC()
	nextRun, cronErr := s.scheduler.CalculateNextRun(cronExpr, now)
	if cronErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", cronErr)), nil
	}

	trigger := &state.Trigger{
		ID:             uuid.New().String(),
		CronExpression: cronExpr,
		Definition:     def,
		Input:          mcp.ParseStringMap(req, "input", nil),
		Enabled:        req.GetBool("enabled", true),
		NextRunAt:      &nextRun,
		CreatedAt:      now,
	}

	if createErr := s.store.CreateTrigger(ctx, trigger); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create trigger: %v", createErr)), nil
	}

	return marshalResult(map[string]any{
		"trigger_id":  trigger.ID,
		"next_run_at": nextRun.Format(time.RFC3339),
		"enabled":     trigger.Enabled,
	})
}

// --- Query helpers ---

func (s *StepflowServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := state.ExecutionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if workflowID, ok := filter["workflow_id"].(string); ok {
		ef.WorkflowID = workflowID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		es := schema.ExecutionStatus(status)
		ef.Status = &es
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	executions, err := s.service.List(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *StepflowServer) queryTriggers(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	tf := state.TriggerFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		tf.Enabled = &enabled
	}

	triggers, err := s.store.ListTriggers(ctx, tf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"triggers": triggers})
}

// --- Internal helpers ---

// parseDefinition decodes the "definition" argument into a
// WorkflowDefinition.
func parseDefinition(req mcp.CallToolRequest) (*schema.WorkflowDefinition, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return nil, fmt.Errorf("definition is required")
	}

	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid definition: %v", err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return nil, fmt.Errorf("invalid definition: %v", err)
	}
	return &def, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
