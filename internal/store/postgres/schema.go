package postgres

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	run_id           TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	graph            JSONB NOT NULL,
	inputs           JSONB NOT NULL DEFAULT '{}'::jsonb,
	annotations      JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS task_executions (
	execution_id    TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL REFERENCES pipeline_runs(run_id),
	task_id         TEXT NOT NULL,
	attempt         INTEGER NOT NULL,
	status          TEXT NOT NULL,
	resolved_inputs JSONB,
	outputs         JSONB,
	handle          JSONB,
	log_uri         TEXT,
	error_message   TEXT,
	earliest_start  TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ,
	UNIQUE (run_id, task_id, attempt)
);

CREATE INDEX IF NOT EXISTS task_executions_run_idx ON task_executions (run_id, task_id, attempt);
CREATE INDEX IF NOT EXISTS pipeline_runs_status_idx ON pipeline_runs (status);
`

// EnsureSchema creates the orchestration tables when missing.
func EnsureSchema(ctx context.Context, db DB) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
