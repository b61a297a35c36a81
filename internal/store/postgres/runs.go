package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pipevane-labs/pipevane/internal/domain"
)

func (s *Store) createRun(ctx context.Context, db DB, run domain.Run) error {
	runID := strings.TrimSpace(run.ID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	status := run.Status
	if status == "" {
		status = domain.RunPending
	}
	graphJSON, err := json.Marshal(run.Graph)
	if err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	inputsJSON, err := encodeJSON(run.Inputs)
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}
	annotationsJSON, err := encodeJSON(run.Annotations)
	if err != nil {
		return fmt.Errorf("encode annotations: %w", err)
	}
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = db.ExecContext(
		ctx,
		`INSERT INTO pipeline_runs (run_id, status, cancel_requested, graph, inputs, annotations, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		runID,
		string(status),
		run.CancelRequested,
		graphJSON,
		inputsJSON,
		annotationsJSON,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

const selectRunColumns = `run_id, status, cancel_requested, graph, inputs, annotations, created_at, started_at, ended_at`

func (s *Store) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectRunColumns+` FROM pipeline_runs WHERE run_id = $1`,
		runID,
	)
	return scanRun(row)
}

func (s *Store) ListActiveRuns(ctx context.Context) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+selectRunColumns+`
		 FROM pipeline_runs
		 WHERE status IN ('pending','running')
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	return runs, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID string, expected, next domain.RunStatus, endedAt *time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("store not initialized")
	}
	if !domain.CanTransitionRun(expected, next) {
		return false, fmt.Errorf("invalid run transition %s -> %s", expected, next)
	}
	var endedAtArg sql.NullTime
	if endedAt != nil {
		endedAtArg = sql.NullTime{Time: endedAt.UTC(), Valid: true}
	}
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_runs
		 SET status = $1,
		     started_at = CASE WHEN $1 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
		     ended_at = COALESCE($2, ended_at)
		 WHERE run_id = $3 AND status = $4`,
		string(next),
		endedAtArg,
		strings.TrimSpace(runID),
		string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("update run status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update run status: %w", err)
	}
	return affected == 1, nil
}

func (s *Store) RequestCancel(ctx context.Context, runID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_runs SET cancel_requested = TRUE WHERE run_id = $1`,
		strings.TrimSpace(runID),
	)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if affected == 0 {
		return handleNotFound(sql.ErrNoRows)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner rowScanner) (domain.Run, error) {
	var run domain.Run
	var status string
	var graphJSON, inputsJSON, annotationsJSON []byte
	var startedAt, endedAt sql.NullTime
	if err := scanner.Scan(
		&run.ID,
		&status,
		&run.CancelRequested,
		&graphJSON,
		&inputsJSON,
		&annotationsJSON,
		&run.CreatedAt,
		&startedAt,
		&endedAt,
	); err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	run.Status = domain.RunStatus(status)
	if err := json.Unmarshal(graphJSON, &run.Graph); err != nil {
		return domain.Run{}, fmt.Errorf("decode graph: %w", err)
	}
	if len(inputsJSON) > 0 {
		if err := json.Unmarshal(inputsJSON, &run.Inputs); err != nil {
			return domain.Run{}, fmt.Errorf("decode inputs: %w", err)
		}
	}
	if len(annotationsJSON) > 0 {
		if err := json.Unmarshal(annotationsJSON, &run.Annotations); err != nil {
			return domain.Run{}, fmt.Errorf("decode annotations: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		run.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		run.EndedAt = &t
	}
	return run, nil
}
