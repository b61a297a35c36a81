package store

import (
	"context"
	"errors"
	"time"

	"github.com/pipevane-labs/pipevane/internal/domain"
)

// ErrNotFound is returned when a run or task execution does not exist.
var ErrNotFound = errors.New("not found")

// TaskUpdate carries the optional payload of a task transition. Nil/zero
// fields leave the stored record untouched.
type TaskUpdate struct {
	Handle         []byte
	ResolvedInputs map[string]domain.ResolvedArgument
	LogURI         string
	ErrorMessage   string
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// Store is the durable authority for orchestration state. All transitions
// are conditional compare-and-set updates so concurrent controller processes
// cannot double-dispatch: a transition whose expected status no longer
// matches reports false and the caller no-ops.
type Store interface {
	// CreateRun persists the run together with the attempt-1 pending
	// execution record for every task in the graph.
	CreateRun(ctx context.Context, run domain.Run, executions []domain.TaskExecution) error
	GetRun(ctx context.Context, runID string) (domain.Run, error)
	ListActiveRuns(ctx context.Context) ([]domain.Run, error)

	// UpdateRunStatus atomically moves the run between statuses. It returns
	// false without error when the expected status did not match.
	UpdateRunStatus(ctx context.Context, runID string, expected, next domain.RunStatus, endedAt *time.Time) (bool, error)

	// RequestCancel flags the run for cooperative cancellation.
	RequestCancel(ctx context.Context, runID string) error

	// ListExecutions returns every attempt of every task for the run,
	// ordered by task id then attempt.
	ListExecutions(ctx context.Context, runID string) ([]domain.TaskExecution, error)

	// TransitionTask atomically moves one attempt between statuses, applying
	// the update payload. It returns false without error on a CAS mismatch.
	TransitionTask(ctx context.Context, runID, taskID string, attempt int, expected, next domain.TaskStatus, update TaskUpdate) (bool, error)

	// InsertAttempt appends a retry attempt. The insert is idempotent on
	// (run id, task id, attempt); it returns false when the attempt already
	// existed.
	InsertAttempt(ctx context.Context, execution domain.TaskExecution) (bool, error)

	// RecordTaskOutputs stores the produced artifact references of an attempt.
	RecordTaskOutputs(ctx context.Context, runID, taskID string, attempt int, outputs map[string]domain.ArtifactRef) error
}

// LatestAttempts reduces the full attempt history to the newest attempt per
// task id.
func LatestAttempts(executions []domain.TaskExecution) map[string]domain.TaskExecution {
	latest := make(map[string]domain.TaskExecution)
	for _, execution := range executions {
		current, ok := latest[execution.TaskID]
		if !ok || execution.Attempt > current.Attempt {
			latest[execution.TaskID] = execution
		}
	}
	return latest
}
