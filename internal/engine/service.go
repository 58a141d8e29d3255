package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/internal/logging"
	"github.com/stepflow-io/stepflow/internal/state"
	"github.com/stepflow-io/stepflow/internal/validation"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// Service is the execution control surface: it validates and launches
// runs on a bounded worker pool, and exposes the pause/resume/cancel
// flags and status reads that external callers use to steer in-flight
// executions.
type Service struct {
	orchestrator *Orchestrator
	store        state.Store
	validator    validation.Validator
	pool         *WorkerPool
	logger       *slog.Logger
}

// NewService creates a Service. validator may be nil to skip
// pre-flight definition validation.
func NewService(orch *Orchestrator, st state.Store, v validation.Validator, pool *WorkerPool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if pool == nil {
		pool = NewWorkerPool(1)
	}
	return &Service{
		orchestrator: orch,
		store:        st,
		validator:    v,
		pool:         pool,
		logger:       logger,
	}
}

// Run validates the request and executes it synchronously, occupying a
// pool slot for the duration.
func (s *Service) Run(ctx context.Context, req *schema.RunRequest) (*schema.RunResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	var result *schema.RunResult
	var runErr error
	done := make(chan struct{})
	err := s.pool.Submit(ctx, func(ctx context.Context) error {
		defer close(done)
		result, runErr = s.orchestrator.Run(ctx, req)
		return runErr
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConflict, "submit run").WithCause(err)
	}
	<-done
	return result, runErr
}

// Submit validates the request and launches it asynchronously,
// returning the pre-assigned execution id. The run's outcome is
// observed through Status and the event hub.
func (s *Service) Submit(ctx context.Context, req *schema.RunRequest) (string, error) {
	if err := s.validate(req); err != nil {
		return "", err
	}

	if req.Options.ExecutionID == "" {
		req.Options.ExecutionID = uuid.New().String()
	}
	executionID := req.Options.ExecutionID

	// The run outlives the submission call; it is bounded by its own
	// timeout option and the pool shutdown, not the caller's context.
	runCtx := logging.WithIDs(context.Background(), executionID, req.Definition.ID, "")
	err := s.pool.Submit(ctx, func(context.Context) error {
		_, err := s.orchestrator.Run(runCtx, req)
		if err != nil {
			s.logger.ErrorContext(runCtx, "background run failed", slog.String("error", err.Error()))
		}
		return err
	})
	if err != nil {
		return "", schema.NewError(schema.ErrCodeConflict, "submit run").WithCause(err)
	}
	return executionID, nil
}

// Status returns the current execution record.
func (s *Service) Status(ctx context.Context, executionID string) (*schema.ExecutionRecord, error) {
	return s.store.GetExecution(ctx, executionID)
}

// List returns execution records matching the filter.
func (s *Service) List(ctx context.Context, filter state.ExecutionFilter) ([]*schema.ExecutionRecord, error) {
	return s.store.ListExecutions(ctx, filter)
}

// Pause requests suspension of a running execution. The orchestrator
// honors the flag at its next poll; steps already dispatched run to
// completion first.
func (s *Service) Pause(ctx context.Context, executionID string) error {
	if err := s.requireActive(ctx, executionID); err != nil {
		return err
	}
	return s.store.SetPaused(ctx, executionID, true)
}

// Resume clears the pause flag of a paused execution.
func (s *Service) Resume(ctx context.Context, executionID string) error {
	if err := s.requireActive(ctx, executionID); err != nil {
		return err
	}
	return s.store.SetPaused(ctx, executionID, false)
}

// Cancel requests cancellation of a running or paused execution. The
// flag is observed once per scheduling tick.
func (s *Service) Cancel(ctx context.Context, executionID string) error {
	if err := s.requireActive(ctx, executionID); err != nil {
		return err
	}
	return s.store.SetCancelled(ctx, executionID)
}

// Metrics returns the worker pool counters.
func (s *Service) Metrics() PoolMetrics {
	return s.pool.Metrics()
}

// Shutdown stops accepting runs and waits for in-flight ones.
func (s *Service) Shutdown() {
	s.pool.Shutdown()
}

func (s *Service) validate(req *schema.RunRequest) error {
	if req == nil || req.Definition == nil {
		return schema.NewError(schema.ErrCodeValidation, "run request missing workflow definition")
	}
	if s.validator == nil {
		return nil
	}
	return s.validator.ValidateDefinition(req.Definition)
}

// requireActive rejects flag changes on unknown or finished executions.
func (s *Service) requireActive(ctx context.Context, executionID string) error {
	record, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if record.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s already %s", executionID, record.Status)
	}
	return nil
}
