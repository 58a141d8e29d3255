package state

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// executionEntry bundles the latest snapshot with its control flags.
type executionEntry struct {
	record    *schema.ExecutionRecord
	paused    bool
	cancelled bool
}

// MemoryStore is an in-memory Store backed by a synchronized map.
// Snapshots are deep-copied on write and read, so a caller mutating a
// record after PersistExecution can never be observed mid-change.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*executionEntry
	triggers   map[string]*Trigger
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*executionEntry),
		triggers:   make(map[string]*Trigger),
	}
}

// PersistExecution upserts the full record snapshot by execution ID.
func (s *MemoryStore) PersistExecution(_ context.Context, record *schema.ExecutionRecord) error {
	if record == nil || record.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "record missing execution id")
	}
	snapshot, err := cloneRecord(record)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "snapshot record").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.executions[record.ExecutionID]
	if !ok {
		entry = &executionEntry{}
		s.executions[record.ExecutionID] = entry
	}
	entry.record = snapshot
	return nil
}

// GetExecution returns a copy of the latest snapshot for the execution.
func (s *MemoryStore) GetExecution(_ context.Context, executionID string) (*schema.ExecutionRecord, error) {
	s.mu.RLock()
	entry, ok := s.executions[executionID]
	s.mu.RUnlock()
	if !ok || entry.record == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", executionID)
	}
	return cloneRecord(entry.record)
}

// ListExecutions returns snapshots matching the filter, newest first.
func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*schema.ExecutionRecord, error) {
	s.mu.RLock()
	records := make([]*schema.ExecutionRecord, 0, len(s.executions))
	for _, entry := range s.executions {
		if entry.record == nil {
			continue
		}
		r := entry.record
		if filter.WorkflowID != "" && r.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && r.StartedAt.Before(*filter.Since) {
			continue
		}
		clone, err := cloneRecord(r)
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		records = append(records, clone)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records, nil
}

// SetPaused sets or clears the pause flag for an execution.
func (s *MemoryStore) SetPaused(_ context.Context, executionID string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.executions[executionID]
	if !ok {
		entry = &executionEntry{}
		s.executions[executionID] = entry
	}
	entry.paused = paused
	return nil
}

// SetCancelled sets the cancel flag for an execution.
func (s *MemoryStore) SetCancelled(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.executions[executionID]
	if !ok {
		entry = &executionEntry{}
		s.executions[executionID] = entry
	}
	entry.cancelled = true
	return nil
}

// IsPaused reports the pause flag for an execution.
func (s *MemoryStore) IsPaused(_ context.Context, executionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.executions[executionID]
	return ok && entry.paused
}

// IsCancelled reports the cancel flag for an execution.
func (s *MemoryStore) IsCancelled(_ context.Context, executionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.executions[executionID]
	return ok && entry.cancelled
}

// ClearExecutionFlags drops pause/cancel bookkeeping for an execution.
func (s *MemoryStore) ClearExecutionFlags(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.executions[executionID]; ok {
		entry.paused = false
		entry.cancelled = false
	}
	return nil
}

// CreateTrigger registers a new cron trigger.
func (s *MemoryStore) CreateTrigger(_ context.Context, trigger *Trigger) error {
	if trigger == nil || trigger.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "trigger missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.triggers[trigger.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "trigger already exists: %s", trigger.ID)
	}
	clone := *trigger
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	s.triggers[trigger.ID] = &clone
	return nil
}

// GetTrigger returns a trigger by id.
func (s *MemoryStore) GetTrigger(_ context.Context, id string) (*Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "trigger not found: %s", id)
	}
	clone := *t
	return &clone, nil
}

// ListTriggers returns triggers matching the filter.
func (s *MemoryStore) ListTriggers(_ context.Context, filter TriggerFilter) ([]*Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		if filter.Enabled != nil && t.Enabled != *filter.Enabled {
			continue
		}
		clone := *t
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// UpdateTrigger applies the update to an existing trigger.
func (s *MemoryStore) UpdateTrigger(_ context.Context, id string, update TriggerUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "trigger not found: %s", id)
	}
	if update.Enabled != nil {
		t.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		t.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		t.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		t.LastRunStatus = update.LastRunStatus
	}
	return nil
}

// DeleteTrigger removes a trigger.
func (s *MemoryStore) DeleteTrigger(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "trigger not found: %s", id)
	}
	delete(s.triggers, id)
	return nil
}

// Migrate is a no-op for the in-memory store.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// cloneRecord deep-copies a record through JSON so stored snapshots and
// returned copies share no mutable state with the caller.
func cloneRecord(r *schema.ExecutionRecord) (*schema.ExecutionRecord, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var clone schema.ExecutionRecord
	if err := json.Unmarshal(b, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}
