package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stepflow-io/stepflow/internal/state"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// WorkflowRunner executes a workflow run to completion on behalf of a
// trigger. Satisfied by the engine service (kept as an interface to
// avoid an import cycle).
type WorkflowRunner interface {
	Run(ctx context.Context, req *schema.RunRequest) (*schema.RunResult, error)
}

// Scheduler polls the store for due cron triggers and launches their
// workflows. One execution per trigger at a time: a firing holds the
// trigger's in-flight slot until the run reaches a terminal status, so
// a trigger whose previous run is still executing is skipped at the
// next cron boundary instead of overlapping it. Firings run on their
// own goroutines, so one long trigger never stalls the others.
type Scheduler struct {
	store  state.Store
	runner WorkflowRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	fires  sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger IDs currently executing
}

// NewScheduler creates a Scheduler. Uses the standard 5-field cron
// format (minute granularity).
func NewScheduler(st state.Store, runner WorkflowRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    st,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled triggers and launches those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	triggers, err := s.store.ListTriggers(ctx, state.TriggerFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list triggers", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, trigger := range triggers {
		if trigger.NextRunAt == nil || !trigger.NextRunAt.After(now) {
			s.launch(ctx, trigger, now)
		}
	}
}

// launch fires a due trigger on its own goroutine, holding the
// in-flight slot for the whole run. Returns false when the trigger's
// previous run has not finished yet.
func (s *Scheduler) launch(ctx context.Context, trigger *state.Trigger, now time.Time) bool {
	if !s.tryAcquire(trigger.ID) {
		return false // previous run still executing
	}

	s.fires.Add(1)
	go func() {
		defer s.fires.Done()
		defer s.release(trigger.ID)
		if err := s.fire(ctx, trigger, now); err != nil {
			s.logger.Error("failed to fire trigger",
				slog.String("trigger_id", trigger.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return true
}

// fire executes one run for a due trigger, blocking until the run
// reaches a terminal status, then updates the trigger's timestamps.
func (s *Scheduler) fire(ctx context.Context, trigger *state.Trigger, now time.Time) error {
	s.logger.Info("firing trigger",
		slog.String("trigger_id", trigger.ID),
		slog.String("workflow_id", trigger.Definition.ID),
	)

	req := &schema.RunRequest{
		Definition: trigger.Definition,
		Input:      trigger.Input,
		Options:    schema.RunOptions{TriggerID: trigger.ID},
	}

	result, err := s.runner.Run(ctx, req)
	status := "success"
	switch {
	case err != nil:
		status = "error"
		s.logger.Error("trigger run failed to launch",
			slog.String("trigger_id", trigger.ID),
			slog.String("error", err.Error()),
		)
	case result.Status != schema.ExecutionStatusCompleted:
		status = "error"
		s.logger.Warn("trigger run ended without completing",
			slog.String("trigger_id", trigger.ID),
			slog.String("execution_id", result.ExecutionID),
			slog.String("status", string(result.Status)),
		)
	default:
		s.logger.Info("trigger run completed",
			slog.String("trigger_id", trigger.ID),
			slog.String("execution_id", result.ExecutionID),
		)
	}

	return s.updateTriggerStatus(ctx, trigger, now, status)
}

func (s *Scheduler) updateTriggerStatus(ctx context.Context, trigger *state.Trigger, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(trigger.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for trigger %q: %w", trigger.ID, err)
	}

	return s.store.UpdateTrigger(ctx, trigger.ID, state.TriggerUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire marks the trigger as in-flight if it is not already.
func (s *Scheduler) tryAcquire(triggerID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[triggerID]; ok {
		return false
	}
	s.inflight[triggerID] = struct{}{}
	return true
}

// release removes the trigger from the in-flight set.
func (s *Scheduler) release(triggerID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, triggerID)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler: the loop exits and any
// in-flight firings run to completion before Stop returns.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.fires.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed fires triggers whose next_run_at passed while the
// process was down, once each. Firings run in the background; the call
// returns after launching them.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	triggers, err := s.store.ListTriggers(ctx, state.TriggerFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed triggers: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, trigger := range triggers {
		if trigger.NextRunAt != nil && trigger.NextRunAt.Before(now) {
			if s.launch(ctx, trigger, now) {
				recovered++
			}
		}
	}

	if recovered > 0 {
		s.logger.Info("recovering missed triggers", slog.Int("count", recovered))
	}
	return nil
}
