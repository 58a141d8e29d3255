package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/stepflow-io/stepflow/internal/engine"
	"github.com/stepflow-io/stepflow/internal/logging"
	"github.com/stepflow-io/stepflow/internal/scheduler"
	"github.com/stepflow-io/stepflow/internal/state"
	"github.com/stepflow-io/stepflow/internal/streaming"
	"github.com/stepflow-io/stepflow/internal/validation"
	"github.com/stepflow-io/stepflow/pkg/mcp"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var err error
	switch os.Args[1] {
	case "serve":
		err = serve(cfg, logger)
	case "run":
		err = runOnce(cfg, logger, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `stepflow - workflow execution engine

Usage:
  stepflow serve               Start the MCP server on stdio
  stepflow run <workflow.json> [input.json]
                               Execute a workflow definition once and
                               print the result as JSON`)
}

// newLogger builds the stderr JSON logger with correlation IDs
// injected from context. Stdout is reserved for the MCP transport and
// run output.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// openStore creates the configured state store and runs migrations.
func openStore(ctx context.Context, cfg Config) (state.Store, error) {
	if cfg.Store == "memory" {
		return state.NewMemoryStore(), nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := state.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

// buildService wires the executor, orchestrator and run service.
func buildService(st state.Store, hub streaming.EventHub, logger *slog.Logger, poolSize int) (*engine.Service, error) {
	executor := engine.NewActionExecutor()
	if err := engine.RegisterBuiltins(executor); err != nil {
		return nil, err
	}

	validator, err := validation.NewWorkflowValidator()
	if err != nil {
		return nil, fmt.Errorf("build validator: %w", err)
	}

	emitter := engine.NewEmitter(hub, logger)
	orch := engine.NewOrchestrator(st, executor, emitter, logger, engine.Config{})
	pool := engine.NewWorkerPool(poolSize)
	return engine.NewService(orch, st, validator, pool, logger), nil
}

// serve runs the MCP stdio server, with the cron scheduler alongside
// when enabled, until SIGINT/SIGTERM or stdin closes.
func serve(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	hub := streaming.NewMemoryHub()
	svc, err := buildService(st, hub, logger, cfg.PoolSize)
	if err != nil {
		return err
	}
	defer svc.Shutdown()

	var sched *scheduler.Scheduler
	if cfg.Scheduler {
		sched = scheduler.NewScheduler(st, svc, logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("trigger recovery failed", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = sched.Stop() }()
	}

	srv := mcp.NewStepflowServer(mcp.StepflowServerDeps{
		Service:   svc,
		Store:     st,
		Scheduler: sched,
		Logger:    logger,
	})

	logger.Info("stepflow serving on stdio",
		slog.String("store", cfg.Store),
		slog.Int("pool_size", cfg.PoolSize),
	)
	return srv.Serve(ctx)
}

// runOnce executes a single workflow definition from a file and prints
// the result to stdout.
func runOnce(cfg Config, logger *slog.Logger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("run requires a workflow definition file")
	}

	defBytes, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read definition: %w", err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}

	var input map[string]any
	if len(args) > 1 {
		inputBytes, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if err := json.Unmarshal(inputBytes, &input); err != nil {
			return fmt.Errorf("parse input: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := buildService(st, nil, logger, 1)
	if err != nil {
		return err
	}
	defer svc.Shutdown()

	result, err := svc.Run(ctx, &schema.RunRequest{Definition: &def, Input: input})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if result.Status == schema.ExecutionStatusFailed {
		os.Exit(1)
	}
	return nil
}
