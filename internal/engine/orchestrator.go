package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/internal/logging"
	"github.com/stepflow-io/stepflow/internal/state"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// StepExecutor performs the actual work of one step. It is opaque to
// the orchestrator beyond this contract: it may run subprocesses,
// containers, or remote calls, and may block for a long time.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, executionID string, step *schema.StepDefinition, input map[string]any) (map[string]any, error)
}

// DefaultPausePollInterval is the sleep between pause-flag polls while
// an execution is paused.
const DefaultPausePollInterval = 150 * time.Millisecond

// Config holds orchestrator tuning knobs.
type Config struct {
	PausePollInterval time.Duration // 0 = DefaultPausePollInterval
}

// Orchestrator drives workflow runs: it computes step readiness,
// dispatches ready steps through the StepExecutor, applies
// retry/error-branch resolution, and reacts to pause/cancel/timeout.
// One Run call owns its execution's mutable state end to end; the
// state store is the only resource shared across concurrent runs.
type Orchestrator struct {
	store     state.Store
	executor  StepExecutor
	emitter   *Emitter
	logger    *slog.Logger
	pausePoll time.Duration
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(st state.Store, executor StepExecutor, emitter *Emitter, logger *slog.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = NewEmitter(nil, logger)
	}
	poll := cfg.PausePollInterval
	if poll <= 0 {
		poll = DefaultPausePollInterval
	}
	return &Orchestrator{
		store:     st,
		executor:  executor,
		emitter:   emitter,
		logger:    logger,
		pausePoll: poll,
	}
}

// runState is the per-run mutable state carried across ticks.
type runState struct {
	def       *schema.WorkflowDefinition
	record    *schema.ExecutionRecord
	states    map[string]*schema.StepState  // keyed view of record.StepStates
	branches  map[string]schema.ErrorBranch // parsed once at init
	outputs   map[string]map[string]any     // registered step outputs
	satisfied map[string]struct{}           // completed or skipped step ids
	failed    bool
	flowErr   string // first workflow-level error, never overwritten
	started   time.Time
	timeout   time.Duration // 0 = unlimited
}

// Run executes a workflow to a terminal status and returns its result.
// Ordinary step and dependency failures do not produce a Go error; they
// are reported through the result's status and error string, with
// partial step outputs preserved. A Go error is returned only for an
// unusable request or an initial persistence failure.
func (o *Orchestrator) Run(ctx context.Context, req *schema.RunRequest) (*schema.RunResult, error) {
	if req == nil || req.Definition == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "run request missing workflow definition")
	}
	if len(req.Definition.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	executionID := req.Options.ExecutionID
	if executionID == "" {
		executionID = uuid.New().String()
	}
	ctx = logging.WithIDs(ctx, executionID, req.Definition.ID, "")

	run := o.initRun(executionID, req)
	if err := o.persist(ctx, run); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "persist initial execution").WithCause(err)
	}
	o.appendEvent(ctx, run, schema.EventExecutionStarted, EventParams{
		Message: fmt.Sprintf("workflow %s started", run.def.ID),
	})

	for {
		// Wall-clock budget, checked first so a paused run can still
		// time out.
		if o.checkTimeout(run) {
			break
		}

		// Cancellation is observed once per tick, not mid-step. A dead
		// caller context counts as a cancel request.
		if ctx.Err() != nil || o.store.IsCancelled(ctx, executionID) {
			return o.finalizeCancelled(ctx, run), nil
		}

		// Pause polling: flip the record once, then sleep without
		// making progress until the flag drops.
		if o.store.IsPaused(ctx, executionID) {
			if run.record.Status != schema.ExecutionStatusPaused {
				run.record.Status = schema.ExecutionStatusPaused
				o.persistBestEffort(ctx, run)
				o.appendLog(ctx, run, "info", EventParams{Message: "execution paused"})
			}
			sleep(ctx, o.pausePoll)
			continue
		}
		if run.record.Status == schema.ExecutionStatusPaused {
			run.record.Status = schema.ExecutionStatusRunning
			o.persistBestEffort(ctx, run)
			o.appendLog(ctx, run, "info", EventParams{Message: "execution resumed"})
		}

		progressed := o.sweep(ctx, run)

		// The budget is re-checked before declaring success so a run
		// whose last step outlived the budget still reports the timeout.
		if run.failed || o.checkTimeout(run) {
			break
		}
		if o.allTerminal(run) {
			break
		}
		if !progressed {
			// No step changed state this tick: a cyclic or dangling
			// dependency that can never resolve.
			run.failed = true
			o.recordFlowErr(run, "workflow stuck: unresolved dependencies or unsupported cycle")
			break
		}
	}

	return o.finalize(ctx, run), nil
}

// initRun builds the initial run state and execution record.
func (o *Orchestrator) initRun(executionID string, req *schema.RunRequest) *runState {
	def := req.Definition
	started := time.Now().UTC()

	stepStates := make([]*schema.StepState, 0, len(def.Steps))
	states := make(map[string]*schema.StepState, len(def.Steps))
	branches := make(map[string]schema.ErrorBranch, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		ss := &schema.StepState{StepID: step.ID, Status: schema.StepStatusPending}
		stepStates = append(stepStates, ss)
		states[step.ID] = ss
		branches[step.ID] = schema.ParseErrorBranch(step)
	}

	record := &schema.ExecutionRecord{
		ExecutionID: executionID,
		WorkflowID:  def.ID,
		Status:      schema.ExecutionStatusRunning,
		Input:       req.Input,
		StepStates:  stepStates,
		Logs:        []schema.LogEntry{},
		StartedAt:   started,
		RequestID:   req.Options.RequestID,
		TriggerID:   req.Options.TriggerID,
		IsReplay:    req.Options.IsReplay,
	}

	return &runState{
		def:       def,
		record:    record,
		states:    states,
		branches:  branches,
		outputs:   make(map[string]map[string]any),
		satisfied: make(map[string]struct{}),
		started:   started,
		timeout:   time.Duration(req.Options.TimeoutMs) * time.Millisecond,
	}
}

// sweep performs one ordered pass over all steps, advancing whichever
// are ready. Returns true if any step changed state.
func (o *Orchestrator) sweep(ctx context.Context, run *runState) bool {
	progressed := false

	for i := range run.def.Steps {
		step := &run.def.Steps[i]
		ss := run.states[step.ID]
		if ss.Status != schema.StepStatusPending {
			continue
		}

		// A long-running earlier step may already have burnt the budget.
		if o.checkTimeout(run) {
			return progressed
		}

		if failedDep := o.failedDependency(run, step); failedDep != "" {
			o.handleBlockedStep(ctx, run, step, ss)
			progressed = true
			if run.failed {
				return progressed
			}
			continue
		}

		if !o.ready(run, step) {
			continue
		}

		o.dispatch(ctx, run, step, ss)
		progressed = true
		if run.failed {
			return progressed
		}
	}

	return progressed
}

// failedDependency returns the id of an unresolved failed dependency,
// or "". A dependency that failed but was resolved by its continue
// branch sits in the satisfied set and does not block dependents.
func (o *Orchestrator) failedDependency(run *runState, step *schema.StepDefinition) string {
	for _, dep := range step.DependsOn {
		ds, ok := run.states[dep]
		if !ok || ds.Status != schema.StepStatusFailed {
			continue
		}
		if _, resolved := run.satisfied[dep]; !resolved {
			return dep
		}
	}
	return ""
}

// ready reports whether every dependency is completed or skipped.
func (o *Orchestrator) ready(run *runState, step *schema.StepDefinition) bool {
	for _, dep := range step.DependsOn {
		if _, ok := run.satisfied[dep]; !ok {
			return false
		}
	}
	return true
}

// handleBlockedStep resolves a pending step whose dependency failed:
// optional steps are skipped and count as satisfied for their own
// dependents; the rest fail with a synthetic message and go through the
// same error-branch resolution as an execution failure.
func (o *Orchestrator) handleBlockedStep(ctx context.Context, run *runState, step *schema.StepDefinition, ss *schema.StepState) {
	now := time.Now().UTC()

	if step.Optional {
		ss.Status = schema.StepStatusSkipped
		ss.Error = "skipped: dependency failed"
		ss.CompletedAt = &now
		run.satisfied[step.ID] = struct{}{}
		o.persistBestEffort(ctx, run)
		o.appendEvent(ctx, run, schema.EventStepCompleted, EventParams{
			StepID:  step.ID,
			Message: fmt.Sprintf("step %s skipped (optional, dependency failed)", step.ID),
		})
		o.appendProgress(ctx, run)
		return
	}

	// The synthetic message deliberately does not carry the upstream
	// error text; the root cause stays on the upstream step's state.
	msg := fmt.Sprintf("step %s blocked by failed dependency", step.ID)
	ss.Status = schema.StepStatusFailed
	ss.Error = msg
	ss.RetryCount++
	ss.CompletedAt = &now
	o.appendEvent(ctx, run, schema.EventStepFailed, EventParams{
		StepID: step.ID,
		Error:  msg,
	})

	o.resolveBranch(ctx, run, step, ss, msg)
	o.persistBestEffort(ctx, run)
	o.appendProgress(ctx, run)
}

// dispatch runs one ready step through the executor with the
// configured retry budget. Retries are immediate, with no backoff.
func (o *Orchestrator) dispatch(ctx context.Context, run *runState, step *schema.StepDefinition, ss *schema.StepState) {
	stepCtx := logging.WithStepID(ctx, step.ID)
	startedAt := time.Now().UTC()

	ss.Status = schema.StepStatusRunning
	ss.StartedAt = &startedAt
	ss.Input = BuildStepInput(step, run.record.Input, run.outputs)
	o.persistBestEffort(ctx, run)
	o.appendEvent(stepCtx, run, schema.EventStepStarted, EventParams{
		StepID:  step.ID,
		Message: fmt.Sprintf("step %s started", step.ID),
	})

	var output map[string]any
	var execErr error
	for attempt := 0; attempt <= step.Retry; attempt++ {
		output, execErr = o.executor.ExecuteStep(stepCtx, run.record.ExecutionID, step, ss.Input)
		if execErr == nil {
			break
		}
		ss.RetryCount++
		if attempt < step.Retry {
			o.appendLog(stepCtx, run, "warn", EventParams{
				StepID:  step.ID,
				Message: fmt.Sprintf("retrying step %s (attempt %d/%d)", step.ID, attempt+1, step.Retry),
				Error:   execErr.Error(),
			})
		}
	}

	completedAt := time.Now().UTC()
	ss.CompletedAt = &completedAt

	if execErr == nil {
		ss.Status = schema.StepStatusCompleted
		ss.Output = output
		run.outputs[step.ID] = output
		run.satisfied[step.ID] = struct{}{}
		o.persistBestEffort(ctx, run)
		o.appendEvent(stepCtx, run, schema.EventStepCompleted, EventParams{
			StepID:  step.ID,
			Message: fmt.Sprintf("step %s completed", step.ID),
			Data:    output,
		})
		o.appendProgress(ctx, run)
		return
	}

	ss.Status = schema.StepStatusFailed
	ss.Error = execErr.Error()
	o.persistBestEffort(ctx, run)
	o.appendEvent(stepCtx, run, schema.EventStepFailed, EventParams{
		StepID: step.ID,
		Error:  execErr.Error(),
	})

	o.resolveBranch(ctx, run, step, ss, execErr.Error())
	o.persistBestEffort(ctx, run)
	o.appendProgress(ctx, run)
}

// resolveBranch applies the step's parsed error branch to a failure,
// shared by the dependency-blocked and own-failure paths.
func (o *Orchestrator) resolveBranch(ctx context.Context, run *runState, step *schema.StepDefinition, ss *schema.StepState, errMsg string) {
	switch run.branches[step.ID] {
	case schema.BranchFallback:
		// Promote failed → completed with the preconfigured output; the
		// step's dependents proceed as if it had succeeded.
		output := step.FallbackOutput
		if output == nil {
			output = map[string]any{}
		}
		ss.Status = schema.StepStatusCompleted
		ss.Output = output
		ss.Error = ""
		run.outputs[step.ID] = output
		run.satisfied[step.ID] = struct{}{}
		o.appendLog(ctx, run, "warn", EventParams{
			StepID:  step.ID,
			Message: fmt.Sprintf("step %s failed, using fallback output", step.ID),
		})

	case schema.BranchContinue:
		// Satisfied without output; the first continue-failure message
		// is retained on the record even if the run completes.
		run.satisfied[step.ID] = struct{}{}
		o.recordFlowErr(run, errMsg)

	default: // BranchStop
		run.failed = true
		o.recordFlowErr(run, errMsg)
	}
}

// checkTimeout applies the wall-clock budget; returns true if exceeded.
func (o *Orchestrator) checkTimeout(run *runState) bool {
	if run.failed {
		return true
	}
	if run.timeout <= 0 || time.Since(run.started) <= run.timeout {
		return false
	}
	run.failed = true
	o.recordFlowErr(run, fmt.Sprintf("workflow timeout exceeded after %dms", run.timeout.Milliseconds()))
	return true
}

// allTerminal reports whether every step has reached a final status.
func (o *Orchestrator) allTerminal(run *runState) bool {
	for _, ss := range run.record.StepStates {
		if !ss.Status.Terminal() {
			return false
		}
	}
	return true
}

// recordFlowErr keeps the first workflow-level error message.
func (o *Orchestrator) recordFlowErr(run *runState, msg string) {
	if run.flowErr == "" {
		run.flowErr = msg
	}
}

// progress is the fraction of steps in a terminal status.
func (o *Orchestrator) progress(run *runState) float64 {
	if len(run.record.StepStates) == 0 {
		return 0
	}
	terminal := 0
	for _, ss := range run.record.StepStates {
		if ss.Status.Terminal() {
			terminal++
		}
	}
	return float64(terminal) / float64(len(run.record.StepStates))
}

// resolveBlocked settles steps left Pending when a Stop-branch failure
// aborted the run: anything downstream of a failed step is marked
// blocked (or skipped when optional), transitively, so the final record
// never reports a dependent of a failed step as still waiting.
func (o *Orchestrator) resolveBlocked(ctx context.Context, run *runState) {
	for changed := true; changed; {
		changed = false
		for i := range run.def.Steps {
			step := &run.def.Steps[i]
			ss := run.states[step.ID]
			if ss.Status != schema.StepStatusPending {
				continue
			}
			if o.failedDependency(run, step) == "" {
				continue
			}
			o.handleBlockedStep(ctx, run, step, ss)
			changed = true
		}
	}
}

// finalize closes out a run that ended by completion, failure, timeout,
// or deadlock, and returns the result.
func (o *Orchestrator) finalize(ctx context.Context, run *runState) *schema.RunResult {
	if run.failed {
		o.resolveBlocked(ctx, run)
	}

	finalOutput := o.buildFinalOutput(run)

	status := schema.ExecutionStatusCompleted
	eventType := schema.EventExecutionCompleted
	if run.failed {
		status = schema.ExecutionStatusFailed
		eventType = schema.EventExecutionFailed
	}

	completedAt := time.Now().UTC()
	run.record.Status = status
	run.record.Output = finalOutput
	run.record.Error = run.flowErr
	run.record.CompletedAt = &completedAt
	o.persistBestEffort(ctx, run)
	o.clearFlags(ctx, run)
	o.appendEvent(ctx, run, eventType, EventParams{
		Message: fmt.Sprintf("workflow %s %s", run.def.ID, status),
		Error:   run.flowErr,
		Data:    finalOutput,
	})

	return o.result(run, completedAt)
}

// finalizeCancelled closes out a run on an observed cancel request.
// Partial step states are preserved in the result.
func (o *Orchestrator) finalizeCancelled(ctx context.Context, run *runState) *schema.RunResult {
	completedAt := time.Now().UTC()
	run.record.Status = schema.ExecutionStatusCancelled
	run.record.Error = run.flowErr
	run.record.CompletedAt = &completedAt
	o.persistBestEffort(ctx, run)
	o.clearFlags(ctx, run)
	o.appendEvent(ctx, run, schema.EventExecutionCancelled, EventParams{
		Message: fmt.Sprintf("workflow %s cancelled", run.def.ID),
	})
	return o.result(run, completedAt)
}

// buildFinalOutput registers each step output both nested under its
// step id and flattened into the top level, last write wins across
// steps in definition order.
func (o *Orchestrator) buildFinalOutput(run *runState) map[string]any {
	finalOutput := make(map[string]any)
	for i := range run.def.Steps {
		stepID := run.def.Steps[i].ID
		output, ok := run.outputs[stepID]
		if !ok {
			continue
		}
		finalOutput[stepID] = output
		for k, v := range output {
			finalOutput[k] = v
		}
	}
	return finalOutput
}

func (o *Orchestrator) result(run *runState, completedAt time.Time) *schema.RunResult {
	return &schema.RunResult{
		ExecutionID: run.record.ExecutionID,
		Status:      run.record.Status,
		Output:      run.record.Output,
		StepStates:  run.record.StepStates,
		Error:       run.record.Error,
		StartedAt:   run.record.StartedAt,
		CompletedAt: completedAt,
	}
}

// --- Persistence and emission helpers ---

func (o *Orchestrator) persist(ctx context.Context, run *runState) error {
	return o.store.PersistExecution(ctx, run.record)
}

// persistBestEffort snapshots the record; a store failure is logged and
// the run continues rather than corrupting its in-memory state.
func (o *Orchestrator) persistBestEffort(ctx context.Context, run *runState) {
	if err := o.store.PersistExecution(ctx, run.record); err != nil {
		o.logger.WarnContext(ctx, "persist execution snapshot failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) clearFlags(ctx context.Context, run *runState) {
	if err := o.store.ClearExecutionFlags(ctx, run.record.ExecutionID); err != nil {
		o.logger.WarnContext(ctx, "clear execution flags failed", slog.String("error", err.Error()))
	}
}

// appendEvent emits an event and appends its log entry to the record.
func (o *Orchestrator) appendEvent(ctx context.Context, run *runState, eventType string, p EventParams) {
	entry := o.emitter.Event(ctx, eventType, run.record.ExecutionID, run.record.WorkflowID, o.progress(run), p)
	run.record.Logs = append(run.record.Logs, entry)
}

// appendLog emits a log line and appends it to the record.
func (o *Orchestrator) appendLog(ctx context.Context, run *runState, level string, p EventParams) {
	entry := o.emitter.Log(ctx, level, run.record.ExecutionID, run.record.WorkflowID, o.progress(run), p)
	run.record.Logs = append(run.record.Logs, entry)
}

// appendProgress emits the per-step progress event.
func (o *Orchestrator) appendProgress(ctx context.Context, run *runState) {
	o.appendEvent(ctx, run, schema.EventExecutionProgress, EventParams{
		Message: fmt.Sprintf("progress %.0f%%", o.progress(run)*100),
	})
}

// sleep waits for the given duration or until the context is done.
func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
