package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pipevane-labs/pipevane/internal/domain"
	"github.com/pipevane-labs/pipevane/internal/store"
)

// Store implements the orchestration state store on Postgres. Every task
// transition is a conditional UPDATE keyed by (run_id, task_id, attempt,
// expected status); retries are idempotent ON CONFLICT inserts.
type Store struct {
	db DB
}

func New(db DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

func (s *Store) CreateRun(ctx context.Context, run domain.Run, executions []domain.TaskExecution) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	tx, commit, rollback, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer rollback()

	if err := s.createRun(ctx, tx, run); err != nil {
		return err
	}
	for _, execution := range executions {
		if _, err := insertAttempt(ctx, tx, execution); err != nil {
			return err
		}
	}
	return commit()
}

func (s *Store) begin(ctx context.Context) (DB, func() error, func(), error) {
	sqlDB, ok := s.db.(*sql.DB)
	if !ok {
		// Already inside a transaction-like DB; rely on the caller's scope.
		return s.db, func() error { return nil }, func() {}, nil
	}
	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, tx.Commit, func() { _ = tx.Rollback() }, nil
}

const selectExecutionColumns = `execution_id, run_id, task_id, attempt, status, resolved_inputs, outputs, handle, log_uri, error_message, earliest_start, created_at, started_at, finished_at`

func (s *Store) ListExecutions(ctx context.Context, runID string) ([]domain.TaskExecution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+selectExecutionColumns+`
		 FROM task_executions
		 WHERE run_id = $1
		 ORDER BY task_id ASC, attempt ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task executions: %w", err)
	}
	defer rows.Close()

	executions := make([]domain.TaskExecution, 0)
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list task executions: %w", err)
	}
	return executions, nil
}

func (s *Store) TransitionTask(ctx context.Context, runID, taskID string, attempt int, expected, next domain.TaskStatus, update store.TaskUpdate) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("store not initialized")
	}
	if !domain.CanTransitionTask(expected, next) {
		return false, fmt.Errorf("invalid task transition %s -> %s", expected, next)
	}
	var resolvedJSON any
	if update.ResolvedInputs != nil {
		raw, err := json.Marshal(update.ResolvedInputs)
		if err != nil {
			return false, fmt.Errorf("encode resolved inputs: %w", err)
		}
		resolvedJSON = raw
	}
	var handleJSON any
	if update.Handle != nil {
		handleJSON = update.Handle
	}
	var startedAt, finishedAt sql.NullTime
	if update.StartedAt != nil {
		startedAt = sql.NullTime{Time: update.StartedAt.UTC(), Valid: true}
	}
	if update.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: update.FinishedAt.UTC(), Valid: true}
	}

	result, err := s.db.ExecContext(
		ctx,
		`UPDATE task_executions
		 SET status = $1,
		     resolved_inputs = COALESCE($2, resolved_inputs),
		     handle = COALESCE($3, handle),
		     log_uri = COALESCE($4, log_uri),
		     error_message = COALESCE($5, error_message),
		     started_at = COALESCE($6, started_at),
		     finished_at = COALESCE($7, finished_at)
		 WHERE run_id = $8 AND task_id = $9 AND attempt = $10 AND status = $11`,
		string(next),
		resolvedJSON,
		handleJSON,
		nullIfEmpty(update.LogURI),
		nullIfEmpty(update.ErrorMessage),
		startedAt,
		finishedAt,
		strings.TrimSpace(runID),
		strings.TrimSpace(taskID),
		attempt,
		string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	return affected == 1, nil
}

func (s *Store) InsertAttempt(ctx context.Context, execution domain.TaskExecution) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("store not initialized")
	}
	return insertAttempt(ctx, s.db, execution)
}

func insertAttempt(ctx context.Context, db DB, execution domain.TaskExecution) (bool, error) {
	runID := strings.TrimSpace(execution.RunID)
	taskID := strings.TrimSpace(execution.TaskID)
	if runID == "" {
		return false, fmt.Errorf("run id is required")
	}
	if taskID == "" {
		return false, fmt.Errorf("task id is required")
	}
	if execution.Attempt < 1 {
		return false, fmt.Errorf("attempt must be >= 1")
	}
	status := execution.Status
	if status == "" {
		status = domain.TaskPending
	}
	id := strings.TrimSpace(execution.ID)
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := execution.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var earliestStart sql.NullTime
	if !execution.EarliestStart.IsZero() {
		earliestStart = sql.NullTime{Time: execution.EarliestStart.UTC(), Valid: true}
	}
	result, err := db.ExecContext(
		ctx,
		`INSERT INTO task_executions (execution_id, run_id, task_id, attempt, status, earliest_start, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (run_id, task_id, attempt) DO NOTHING`,
		id,
		runID,
		taskID,
		execution.Attempt,
		string(status),
		earliestStart,
		createdAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert task attempt: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert task attempt: %w", err)
	}
	return affected == 1, nil
}

func (s *Store) RecordTaskOutputs(ctx context.Context, runID, taskID string, attempt int, outputs map[string]domain.ArtifactRef) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE task_executions
		 SET outputs = COALESCE(outputs, '{}'::jsonb) || $1::jsonb
		 WHERE run_id = $2 AND task_id = $3 AND attempt = $4`,
		outputsJSON,
		strings.TrimSpace(runID),
		strings.TrimSpace(taskID),
		attempt,
	)
	if err != nil {
		return fmt.Errorf("record task outputs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("record task outputs: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanExecution(scanner rowScanner) (domain.TaskExecution, error) {
	var execution domain.TaskExecution
	var status string
	var resolvedJSON, outputsJSON, handleJSON []byte
	var logURI, errorMessage sql.NullString
	var earliestStart, startedAt, finishedAt sql.NullTime
	if err := scanner.Scan(
		&execution.ID,
		&execution.RunID,
		&execution.TaskID,
		&execution.Attempt,
		&status,
		&resolvedJSON,
		&outputsJSON,
		&handleJSON,
		&logURI,
		&errorMessage,
		&earliestStart,
		&execution.CreatedAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		return domain.TaskExecution{}, handleNotFound(err)
	}
	execution.Status = domain.TaskStatus(status)
	if len(resolvedJSON) > 0 {
		if err := json.Unmarshal(resolvedJSON, &execution.ResolvedInputs); err != nil {
			return domain.TaskExecution{}, fmt.Errorf("decode resolved inputs: %w", err)
		}
	}
	if len(outputsJSON) > 0 {
		if err := json.Unmarshal(outputsJSON, &execution.Outputs); err != nil {
			return domain.TaskExecution{}, fmt.Errorf("decode outputs: %w", err)
		}
	}
	if len(handleJSON) > 0 {
		execution.Handle = append(execution.Handle, handleJSON...)
	}
	execution.LogURI = strings.TrimSpace(logURI.String)
	execution.ErrorMessage = strings.TrimSpace(errorMessage.String)
	if earliestStart.Valid {
		execution.EarliestStart = earliestStart.Time.UTC()
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		execution.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		execution.FinishedAt = &t
	}
	return execution, nil
}
