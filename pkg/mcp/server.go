package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stepflow-io/stepflow/internal/engine"
	"github.com/stepflow-io/stepflow/internal/scheduler"
	"github.com/stepflow-io/stepflow/internal/state"
)

// StepflowServerDeps holds the dependencies for creating a StepflowServer.
type StepflowServerDeps struct {
	Service   *engine.Service
	Store     state.Store
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger
}

// StepflowServer wraps an MCP server with stepflow tool handlers.
type StepflowServer struct {
	service   *engine.Service
	store     state.Store
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewStepflowServer creates a StepflowServer with all tools registered.
func NewStepflowServer(deps StepflowServerDeps) *StepflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StepflowServer{
		service:   deps.Service,
		store:     deps.Store,
		scheduler: deps.Scheduler,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow executes declarative step workflows. Use stepflow.run to execute a workflow definition, stepflow.status to inspect an execution, stepflow.pause/resume/cancel to steer a running execution, stepflow.query to list executions and triggers, and stepflow.schedule to register a cron trigger."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *StepflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *StepflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *StepflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: pauseTool(), Handler: s.handlePause},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("stepflow.run",
		mcp.WithDescription("Execute a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (id, steps)")),
		mcp.WithObject("input", mcp.Description("Workflow input values")),
		mcp.WithNumber("timeout_ms", mcp.Description("Wall-clock budget in milliseconds (0 = unlimited)")),
		mcp.WithBoolean("async", mcp.Description("Return immediately with the execution id instead of waiting for the result")),
		mcp.WithString("request_id", mcp.Description("Caller correlation id")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get the current state of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func pauseTool() mcp.Tool {
	return mcp.NewTool("stepflow.pause",
		mcp.WithDescription("Suspend a running execution at its next scheduling tick"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to pause")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("stepflow.resume",
		mcp.WithDescription("Resume a paused execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to resume")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("stepflow.cancel",
		mcp.WithDescription("Cancel a running or paused execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("stepflow.query",
		mcp.WithDescription("Query executions or triggers"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "triggers"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, status, since, enabled, limit)")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("stepflow.schedule",
		mcp.WithDescription("Register a cron trigger that launches a workflow on schedule"),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Cron expression (5-field, minute granularity)")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition to run")),
		mcp.WithObject("input", mcp.Description("Workflow input values")),
		mcp.WithBoolean("enabled", mcp.Description("Create the trigger enabled (default: true)")),
	)
}
