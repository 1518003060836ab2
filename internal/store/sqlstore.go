package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/maestro/pkg/schema"
)

// SQLStore implements Store over database/sql. The same queries serve the
// embedded libSQL driver and Postgres (pgx); dialect covers the differences.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// DB returns the underlying *sql.DB.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect reports the configured driver name ("libsql" or "postgres").
func (s *SQLStore) Dialect() string { return s.d.name }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, s.d)
}

func (s *SQLStore) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.d.rebind(query), args...)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// --- Pipelines ---

// UpsertPipeline inserts or replaces a pipeline definition. The strategy of a
// pipeline that already has steps cannot change.
func (s *SQLStore) UpsertPipeline(ctx context.Context, p *schema.PipelineDefinition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var (
		existingStrategy string
		existingDef      string
		createdAt        time.Time
	)
	err = s.queryRow(ctx, tx,
		`SELECT strategy, definition, created_at FROM pipelines WHERE id = ?`+s.d.forUpdate, p.ID,
	).Scan(&existingStrategy, &existingDef, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		createdAt = timeOrNow(p.CreatedAt)
	case err != nil:
		return err
	default:
		var prev schema.PipelineDefinition
		if err := json.Unmarshal([]byte(existingDef), &prev); err != nil {
			return fmt.Errorf("unmarshal pipeline: %w", err)
		}
		if len(prev.Steps) > 0 && existingStrategy != string(p.Strategy) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"pipeline %q: strategy is immutable (%s -> %s)", p.ID, existingStrategy, p.Strategy)
		}
	}
	p.CreatedAt = createdAt
	p.UpdatedAt = now

	def, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pipeline: %w", err)
	}
	if _, err := s.exec(ctx, tx,
		`INSERT INTO pipelines (id, name, strategy, definition, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, strategy=excluded.strategy, definition=excluded.definition, updated_at=excluded.updated_at`,
		p.ID, p.Name, string(p.Strategy), string(def), createdAt, now,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) GetPipeline(ctx context.Context, id string) (*schema.PipelineDefinition, error) {
	var def string
	err := s.queryRow(ctx, s.db, `SELECT definition FROM pipelines WHERE id = ?`, id).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("pipeline", id)
	}
	if err != nil {
		return nil, err
	}
	p := &schema.PipelineDefinition{}
	if err := json.Unmarshal([]byte(def), p); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline: %w", err)
	}
	return p, nil
}

func (s *SQLStore) ListPipelines(ctx context.Context) ([]*schema.PipelineDefinition, error) {
	rows, err := s.query(ctx, s.db, `SELECT definition FROM pipelines ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.PipelineDefinition
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, err
		}
		p := &schema.PipelineDefinition{}
		if err := json.Unmarshal([]byte(def), p); err != nil {
			return nil, fmt.Errorf("unmarshal pipeline: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Executions ---

const executionColumns = `id, pipeline_id, pipeline, status, input, output, error, source_execution_id, start_from_step, created_at, started_at, completed_at, updated_at`

// CreateExecution inserts the execution together with any StepResults it
// already carries (results copied by replay).
func (s *SQLStore) CreateExecution(ctx context.Context, exec *schema.Execution) error {
	pipeline, err := json.Marshal(exec.Pipeline)
	if err != nil {
		return fmt.Errorf("marshal pipeline snapshot: %w", err)
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = exec.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.exec(ctx, tx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.PipelineID, string(pipeline), string(exec.Status), inputText(exec.Input),
		nullStr(exec.Output), nullStr(exec.Error), nullStr(exec.SourceExecutionID), exec.StartFromStep,
		exec.CreatedAt, nullTime(exec.StartedAt), nullTime(exec.CompletedAt), exec.UpdatedAt,
	); err != nil {
		return err
	}
	for i := range exec.StepResults {
		if err := s.upsertStepResult(ctx, tx, exec.ID, &exec.StepResults[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	exec, err := scanExecution(s.queryRow(ctx, s.db, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	if exec.StepResults, err = s.listStepResults(ctx, id); err != nil {
		return nil, err
	}
	if exec.StepFailures, err = s.listStepFailures(ctx, id); err != nil {
		return nil, err
	}
	return exec, nil
}

// TransitionExecution applies update only if the execution is currently in
// status from. A mismatch yields a CONFLICT error, a missing row NOT_FOUND.
// Nothing is truncated unless the status change commits.
func (s *SQLStore) TransitionExecution(ctx context.Context, id string, from schema.ExecutionStatus, update ExecutionUpdate) error {
	sets := []string{"status = ?"}
	args := []any{string(update.Status)}

	if update.Reopen {
		sets = append(sets, "output = NULL", "error = NULL", "completed_at = NULL")
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, *update.Output)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, update.StartedAt.UTC())
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id, string(from))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ? AND status = ?", strings.Join(sets, ", "))
	res, err := s.exec(ctx, tx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		if update.TruncateFrom != nil {
			for _, table := range []string{"step_results", "step_failures"} {
				if _, err := s.exec(ctx, tx,
					`DELETE FROM `+table+` WHERE execution_id = ? AND step_index >= ?`, id, *update.TruncateFrom,
				); err != nil {
					return err
				}
			}
		}
		return tx.Commit()
	}

	var current string
	err = s.queryRow(ctx, tx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("execution", id)
	}
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"execution %q is %s, expected %s", id, current, from).
		WithDetails(map[string]any{"current_status": current})
}

func (s *SQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) (*ExecutionPage, error) {
	filter.Normalize()

	var where []string
	var args []any
	if filter.PipelineID != "" {
		where = append(where, "pipeline_id = ?")
		args = append(args, filter.PipelineID)
	}
	if filter.Search != "" {
		like := "%" + strings.ToLower(filter.Search) + "%"
		where = append(where, "(LOWER(id) LIKE ? OR LOWER(input) LIKE ? OR LOWER(COALESCE(output, '')) LIKE ?)")
		args = append(args, like, like, like)
	}

	page := &ExecutionPage{Page: filter.Page, Limit: filter.Limit, Counts: map[string]int{"all": 0}}
	for _, st := range schema.AllExecutionStatuses {
		page.Counts[string(st)] = 0
	}

	countQuery := "SELECT status, COUNT(*) FROM executions"
	if len(where) > 0 {
		countQuery += " WHERE " + strings.Join(where, " AND ")
	}
	countQuery += " GROUP BY status"
	rows, err := s.query(ctx, s.db, countQuery, args...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		page.Counts[status] = n
		page.Counts["all"] += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
		page.Total = page.Counts[string(filter.Status)]
	} else {
		page.Total = page.Counts["all"]
	}

	query := "SELECT " + executionColumns + " FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, (filter.Page-1)*filter.Limit)

	rows, err = s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page.Items = []*schema.Execution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, exec)
	}
	return page, rows.Err()
}

// ListStaleExecutions returns executions in one of statuses whose last update
// is older than updatedBefore. Step results are not loaded.
func (s *SQLStore) ListStaleExecutions(ctx context.Context, statuses []schema.ExecutionStatus, updatedBefore time.Time) ([]*schema.Execution, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, updatedBefore.UTC())

	rows, err := s.query(ctx, s.db,
		`SELECT `+executionColumns+` FROM executions WHERE status IN (`+strings.Join(placeholders, ", ")+`) AND updated_at < ? ORDER BY updated_at`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*schema.Execution, error) {
	exec := &schema.Execution{}
	var (
		pipelineJSON, status, input string
		output, errMsg, sourceID    sql.NullString
		startedAt, completedAt      sql.NullTime
	)
	if err := row.Scan(&exec.ID, &exec.PipelineID, &pipelineJSON, &status, &input, &output, &errMsg,
		&sourceID, &exec.StartFromStep, &exec.CreatedAt, &startedAt, &completedAt, &exec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(pipelineJSON), &exec.Pipeline); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline snapshot: %w", err)
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.Input = json.RawMessage(input)
	exec.Output = output.String
	exec.Error = errMsg.String
	exec.SourceExecutionID = sourceID.String
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	exec.StepResults = []schema.StepResult{}
	return exec, nil
}

// --- Step outcomes ---

func (s *SQLStore) PutStepResult(ctx context.Context, executionID string, result *schema.StepResult) error {
	return s.withRunning(ctx, executionID, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM step_failures WHERE execution_id = ? AND step_index = ?`,
			executionID, result.StepIndex); err != nil {
			return err
		}
		return s.upsertStepResult(ctx, tx, executionID, result)
	})
}

func (s *SQLStore) PutStepFailure(ctx context.Context, executionID string, f *schema.StepFailure) error {
	return s.withRunning(ctx, executionID, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx,
			`INSERT INTO step_failures (execution_id, step_index, agent_ref, role, error_kind, error, attempt, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(execution_id, step_index) DO UPDATE SET agent_ref=excluded.agent_ref, role=excluded.role,
			   error_kind=excluded.error_kind, error=excluded.error, attempt=excluded.attempt,
			   started_at=excluded.started_at, completed_at=excluded.completed_at`,
			executionID, f.StepIndex, f.AgentRef, f.Role, string(f.ErrorKind), f.Error, f.Attempt,
			f.StartedAt.UTC(), f.CompletedAt.UTC(),
		)
		return err
	})
}

// withRunning runs fn in a transaction that holds the execution row and
// fails with CONFLICT unless the execution is running.
func (s *SQLStore) withRunning(ctx context.Context, executionID string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = s.queryRow(ctx, tx, `SELECT status FROM executions WHERE id = ?`+s.d.forUpdate, executionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("execution", executionID)
	}
	if err != nil {
		return err
	}
	if schema.ExecutionStatus(status) != schema.ExecutionStatusRunning {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %q is %s; step outcomes are only recorded while running", executionID, status)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if _, err := s.exec(ctx, tx, `UPDATE executions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), executionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) upsertStepResult(ctx context.Context, q querier, executionID string, r *schema.StepResult) error {
	_, err := s.exec(ctx, q,
		`INSERT INTO step_results (execution_id, step_index, agent_ref, role, input, output, model, tokens_used, attempt, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, step_index) DO UPDATE SET agent_ref=excluded.agent_ref, role=excluded.role,
		   input=excluded.input, output=excluded.output, model=excluded.model, tokens_used=excluded.tokens_used,
		   attempt=excluded.attempt, started_at=excluded.started_at,
		   completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		executionID, r.StepIndex, r.AgentRef, r.Role, r.Input, r.Output, nullStr(r.Model), r.TokensUsed,
		r.Attempt, r.StartedAt.UTC(), r.CompletedAt.UTC(), r.DurationMs,
	)
	return err
}

func (s *SQLStore) listStepResults(ctx context.Context, executionID string) ([]schema.StepResult, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT step_index, agent_ref, role, input, output, model, tokens_used, attempt, started_at, completed_at, duration_ms
		 FROM step_results WHERE execution_id = ? ORDER BY step_index`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []schema.StepResult{}
	for rows.Next() {
		var r schema.StepResult
		var model sql.NullString
		if err := rows.Scan(&r.StepIndex, &r.AgentRef, &r.Role, &r.Input, &r.Output, &model, &r.TokensUsed,
			&r.Attempt, &r.StartedAt, &r.CompletedAt, &r.DurationMs); err != nil {
			return nil, err
		}
		r.Model = model.String
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *SQLStore) listStepFailures(ctx context.Context, executionID string) ([]schema.StepFailure, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT step_index, agent_ref, role, error_kind, error, attempt, started_at, completed_at
		 FROM step_failures WHERE execution_id = ? ORDER BY step_index`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []schema.StepFailure
	for rows.Next() {
		var f schema.StepFailure
		var kind string
		if err := rows.Scan(&f.StepIndex, &f.AgentRef, &f.Role, &kind, &f.Error, &f.Attempt,
			&f.StartedAt, &f.CompletedAt); err != nil {
			return nil, err
		}
		f.ErrorKind = schema.ErrorKind(kind)
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.MaestroError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// inputText stores an absent input as JSON null.
func inputText(r json.RawMessage) string {
	if len(r) == 0 {
		return "null"
	}
	return string(r)
}
