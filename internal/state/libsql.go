package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded
// SQLite fork). The whole execution record is written as one JSON
// snapshot column, so a reader always sees either the previous or the
// new snapshot, never a partial one.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Executions ---

func (s *LibSQLStore) PersistExecution(ctx context.Context, record *schema.ExecutionRecord) error {
	if record == nil || record.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "record missing execution id")
	}
	snapshot, err := json.Marshal(record)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal record").WithCause(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (execution_id, workflow_id, status, record, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
		   status = excluded.status,
		   record = excluded.record,
		   completed_at = excluded.completed_at,
		   updated_at = CURRENT_TIMESTAMP`,
		record.ExecutionID, record.WorkflowID, string(record.Status), string(snapshot),
		record.StartedAt, nullTime(record.CompletedAt),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "persist execution").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, executionID string) (*schema.ExecutionRecord, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM executions WHERE execution_id = ?`, executionID,
	).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", executionID)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "get execution").WithCause(err)
	}
	record := &schema.ExecutionRecord{}
	if err := json.Unmarshal([]byte(snapshot), record); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "unmarshal record").WithCause(err)
	}
	return record, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionRecord, error) {
	query := `SELECT record FROM executions`
	var conds []string
	var args []any
	if filter.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		conds = append(conds, "started_at >= ?")
		args = append(args, *filter.Since)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list executions").WithCause(err)
	}
	defer rows.Close()

	var records []*schema.ExecutionRecord
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan execution").WithCause(err)
		}
		record := &schema.ExecutionRecord{}
		if err := json.Unmarshal([]byte(snapshot), record); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "unmarshal record").WithCause(err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// --- Flags ---

func (s *LibSQLStore) SetPaused(ctx context.Context, executionID string, paused bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_flags (execution_id, paused) VALUES (?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET paused = excluded.paused`,
		executionID, boolInt(paused),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "set paused flag").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) SetCancelled(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_flags (execution_id, cancelled) VALUES (?, 1)
		 ON CONFLICT(execution_id) DO UPDATE SET cancelled = 1`,
		executionID,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "set cancelled flag").WithCause(err)
	}
	return nil
}

// IsPaused reads the pause flag. A read error reports false: the poll is
// best-effort and must not abort an otherwise healthy run.
func (s *LibSQLStore) IsPaused(ctx context.Context, executionID string) bool {
	var paused int
	err := s.db.QueryRowContext(ctx,
		`SELECT paused FROM execution_flags WHERE execution_id = ?`, executionID,
	).Scan(&paused)
	return err == nil && paused != 0
}

// IsCancelled reads the cancel flag, best-effort like IsPaused.
func (s *LibSQLStore) IsCancelled(ctx context.Context, executionID string) bool {
	var cancelled int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancelled FROM execution_flags WHERE execution_id = ?`, executionID,
	).Scan(&cancelled)
	return err == nil && cancelled != 0
}

func (s *LibSQLStore) ClearExecutionFlags(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_flags WHERE execution_id = ?`, executionID,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "clear execution flags").WithCause(err)
	}
	return nil
}

// --- Triggers ---

func (s *LibSQLStore) CreateTrigger(ctx context.Context, trigger *Trigger) error {
	if trigger == nil || trigger.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "trigger missing id")
	}
	def, err := json.Marshal(trigger.Definition)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal trigger definition").WithCause(err)
	}
	input, err := json.Marshal(trigger.Input)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal trigger input").WithCause(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO triggers (id, cron_expression, definition, input, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trigger.ID, trigger.CronExpression, string(def), string(input), boolInt(trigger.Enabled),
		nullTime(trigger.LastRunAt), nullTime(trigger.NextRunAt), nullStr(trigger.LastRunStatus),
		timeOrNow(trigger.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return schema.NewErrorf(schema.ErrCodeConflict, "trigger already exists: %s", trigger.ID)
		}
		return schema.NewError(schema.ErrCodeStore, "create trigger").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, cron_expression, definition, input, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM triggers WHERE id = ?`, id,
	)
	t, err := scanTrigger(row.Scan)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "trigger not found: %s", id)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "get trigger").WithCause(err)
	}
	return t, nil
}

func (s *LibSQLStore) ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error) {
	query := `SELECT id, cron_expression, definition, input, enabled, last_run_at, next_run_at, last_run_status, created_at FROM triggers`
	var args []any
	if filter.Enabled != nil {
		query += " WHERE enabled = ?"
		args = append(args, boolInt(*filter.Enabled))
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list triggers").WithCause(err)
	}
	defer rows.Close()

	var triggers []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows.Scan)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan trigger").WithCause(err)
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

func (s *LibSQLStore) UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "update trigger").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "trigger not found: %s", id)
	}
	return nil
}

func (s *LibSQLStore) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "delete trigger").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "trigger not found: %s", id)
	}
	return nil
}

// --- Scan and null helpers ---

func scanTrigger(scan func(dest ...any) error) (*Trigger, error) {
	t := &Trigger{}
	var (
		defJSON           string
		inputJSON, status sql.NullString
		enabled           int
		lastRun, nextRun  sql.NullTime
	)
	if err := scan(&t.ID, &t.CronExpression, &defJSON, &inputJSON, &enabled, &lastRun, &nextRun, &status, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Enabled = enabled != 0
	t.LastRunStatus = status.String
	if err := json.Unmarshal([]byte(defJSON), &t.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal trigger definition: %w", err)
	}
	if inputJSON.Valid && inputJSON.String != "" {
		_ = json.Unmarshal([]byte(inputJSON.String), &t.Input)
	}
	if lastRun.Valid {
		t.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		t.NextRunAt = &nextRun.Time
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
