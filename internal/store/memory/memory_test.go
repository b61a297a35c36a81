package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pipevane-labs/pipevane/internal/domain"
	"github.com/pipevane-labs/pipevane/internal/store"
)

func seedRun(t *testing.T, s *Store) domain.Run {
	t.Helper()
	run := domain.Run{
		ID:        "run-1",
		Graph:     domain.PipelineGraph{Name: "p", Tasks: []domain.TaskSpec{{ID: "a"}, {ID: "b"}}},
		Status:    domain.RunPending,
		CreatedAt: time.Now().UTC(),
	}
	executions := []domain.TaskExecution{
		{ID: "e-a", RunID: run.ID, TaskID: "a", Attempt: 1, Status: domain.TaskPending},
		{ID: "e-b", RunID: run.ID, TaskID: "b", Attempt: 1, Status: domain.TaskPending},
	}
	if err := s.CreateRun(context.Background(), run, executions); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

func TestCreateRunRejectsDuplicate(t *testing.T) {
	s := New()
	run := seedRun(t, s)
	if err := s.CreateRun(context.Background(), run, nil); err == nil {
		t.Fatal("CreateRun accepted a duplicate run id")
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := New()
	if _, err := s.GetRun(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateRunStatusCompareAndSet(t *testing.T) {
	s := New()
	run := seedRun(t, s)
	ctx := context.Background()

	ok, err := s.UpdateRunStatus(ctx, run.ID, domain.RunPending, domain.RunRunning, nil)
	if err != nil || !ok {
		t.Fatalf("UpdateRunStatus = %v, %v, want true", ok, err)
	}
	// Stale expectation loses without error.
	ok, err = s.UpdateRunStatus(ctx, run.ID, domain.RunPending, domain.RunRunning, nil)
	if err != nil || ok {
		t.Fatalf("stale UpdateRunStatus = %v, %v, want false", ok, err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != domain.RunRunning || got.StartedAt == nil {
		t.Fatalf("run = %s started %v, want running with start timestamp", got.Status, got.StartedAt)
	}
}

func TestUpdateRunStatusRejectsBackwardTransition(t *testing.T) {
	s := New()
	run := seedRun(t, s)
	ctx := context.Background()
	if _, err := s.UpdateRunStatus(ctx, run.ID, domain.RunPending, domain.RunRunning, nil); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	if _, err := s.UpdateRunStatus(ctx, run.ID, domain.RunRunning, domain.RunPending, nil); err == nil {
		t.Fatal("backward run transition was accepted")
	}
}

func TestTransitionTaskCompareAndSet(t *testing.T) {
	s := New()
	run := seedRun(t, s)
	ctx := context.Background()
	now := time.Now().UTC()

	ok, err := s.TransitionTask(ctx, run.ID, "a", 1, domain.TaskPending, domain.TaskStarting, store.TaskUpdate{StartedAt: &now})
	if err != nil || !ok {
		t.Fatalf("TransitionTask = %v, %v, want claim to win", ok, err)
	}
	ok, err = s.TransitionTask(ctx, run.ID, "a", 1, domain.TaskPending, domain.TaskStarting, store.TaskUpdate{})
	if err != nil || ok {
		t.Fatalf("second claim = %v, %v, want false", ok, err)
	}
	if _, err := s.TransitionTask(ctx, run.ID, "a", 1, domain.TaskStarting, domain.TaskSkipped, store.TaskUpdate{}); err == nil {
		t.Fatal("invalid task transition was accepted")
	}
	if _, err := s.TransitionTask(ctx, run.ID, "ghost", 1, domain.TaskPending, domain.TaskStarting, store.TaskUpdate{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for unknown task", err)
	}
}

func TestInsertAttemptIsIdempotent(t *testing.T) {
	s := New()
	run := seedRun(t, s)
	ctx := context.Background()
	retry := domain.TaskExecution{ID: "e-a2", RunID: run.ID, TaskID: "a", Attempt: 2, Status: domain.TaskPending}

	ok, err := s.InsertAttempt(ctx, retry)
	if err != nil || !ok {
		t.Fatalf("InsertAttempt = %v, %v, want true", ok, err)
	}
	ok, err = s.InsertAttempt(ctx, retry)
	if err != nil || ok {
		t.Fatalf("duplicate InsertAttempt = %v, %v, want false", ok, err)
	}

	executions, err := s.ListExecutions(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	latest := store.LatestAttempts(executions)
	if latest["a"].Attempt != 2 {
		t.Fatalf("latest attempt = %d, want 2", latest["a"].Attempt)
	}
}

func TestRecordTaskOutputsMerges(t *testing.T) {
	s := New()
	run := seedRun(t, s)
	ctx := context.Background()

	if err := s.RecordTaskOutputs(ctx, run.ID, "a", 1, map[string]domain.ArtifactRef{"model": {URI: "s3://artifacts/model"}}); err != nil {
		t.Fatalf("RecordTaskOutputs: %v", err)
	}
	if err := s.RecordTaskOutputs(ctx, run.ID, "a", 1, map[string]domain.ArtifactRef{"metrics": {URI: "s3://artifacts/metrics"}}); err != nil {
		t.Fatalf("RecordTaskOutputs: %v", err)
	}

	executions, err := s.ListExecutions(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	outputs := store.LatestAttempts(executions)["a"].Outputs
	if len(outputs) != 2 {
		t.Fatalf("outputs = %v, want both recorded", outputs)
	}
}

func TestListActiveRunsExcludesTerminal(t *testing.T) {
	s := New()
	run := seedRun(t, s)
	ctx := context.Background()

	now := time.Now().UTC()
	if _, err := s.UpdateRunStatus(ctx, run.ID, domain.RunPending, domain.RunRunning, nil); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	if _, err := s.UpdateRunStatus(ctx, run.ID, domain.RunRunning, domain.RunSucceeded, &now); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	active, err := s.ListActiveRuns(ctx)
	if err != nil {
		t.Fatalf("ListActiveRuns: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active = %v, want none", active)
	}
}

func TestRequestCancelSetsFlag(t *testing.T) {
	s := New()
	run := seedRun(t, s)
	ctx := context.Background()

	if err := s.RequestCancel(ctx, run.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !got.CancelRequested {
		t.Fatal("cancel flag was not set")
	}
}
