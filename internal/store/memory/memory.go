// Package memory provides a mutex-guarded in-memory Store. It backs local
// single-process deployments and tests; the compare-and-set semantics match
// the Postgres engine exactly.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pipevane-labs/pipevane/internal/domain"
	"github.com/pipevane-labs/pipevane/internal/store"
)

type runRecord struct {
	run        domain.Run
	executions []domain.TaskExecution
}

type Store struct {
	mu   sync.Mutex
	runs map[string]*runRecord
}

func New() *Store {
	return &Store{runs: make(map[string]*runRecord)}
}

func (s *Store) CreateRun(ctx context.Context, run domain.Run, executions []domain.TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %q already exists", run.ID)
	}
	record := &runRecord{run: cloneRun(run)}
	for _, execution := range executions {
		record.executions = append(record.executions, cloneExecution(execution))
	}
	s.runs[run.ID] = record
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.runs[runID]
	if !ok {
		return domain.Run{}, store.ErrNotFound
	}
	return cloneRun(record.run), nil
}

func (s *Store) ListActiveRuns(ctx context.Context) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []domain.Run
	for _, record := range s.runs {
		if !record.run.Status.Terminal() {
			active = append(active, cloneRun(record.run))
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })
	return active, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID string, expected, next domain.RunStatus, endedAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.runs[runID]
	if !ok {
		return false, store.ErrNotFound
	}
	if record.run.Status != expected {
		return false, nil
	}
	if !domain.CanTransitionRun(expected, next) {
		return false, fmt.Errorf("invalid run transition %s -> %s", expected, next)
	}
	record.run.Status = next
	if next == domain.RunRunning && record.run.StartedAt == nil {
		now := time.Now().UTC()
		record.run.StartedAt = &now
	}
	if endedAt != nil {
		t := endedAt.UTC()
		record.run.EndedAt = &t
	}
	return true, nil
}

func (s *Store) RequestCancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	record.run.CancelRequested = true
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, runID string) ([]domain.TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]domain.TaskExecution, 0, len(record.executions))
	for _, execution := range record.executions {
		out = append(out, cloneExecution(execution))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

func (s *Store) TransitionTask(ctx context.Context, runID, taskID string, attempt int, expected, next domain.TaskStatus, update store.TaskUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.runs[runID]
	if !ok {
		return false, store.ErrNotFound
	}
	for i := range record.executions {
		execution := &record.executions[i]
		if execution.TaskID != taskID || execution.Attempt != attempt {
			continue
		}
		if execution.Status != expected {
			return false, nil
		}
		if !domain.CanTransitionTask(expected, next) {
			return false, fmt.Errorf("invalid task transition %s -> %s", expected, next)
		}
		execution.Status = next
		applyUpdate(execution, update)
		return true, nil
	}
	return false, store.ErrNotFound
}

func (s *Store) InsertAttempt(ctx context.Context, execution domain.TaskExecution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.runs[execution.RunID]
	if !ok {
		return false, store.ErrNotFound
	}
	for _, existing := range record.executions {
		if existing.TaskID == execution.TaskID && existing.Attempt == execution.Attempt {
			return false, nil
		}
	}
	record.executions = append(record.executions, cloneExecution(execution))
	return true, nil
}

func (s *Store) RecordTaskOutputs(ctx context.Context, runID, taskID string, attempt int, outputs map[string]domain.ArtifactRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	for i := range record.executions {
		execution := &record.executions[i]
		if execution.TaskID != taskID || execution.Attempt != attempt {
			continue
		}
		if execution.Outputs == nil {
			execution.Outputs = make(map[string]domain.ArtifactRef, len(outputs))
		}
		for name, ref := range outputs {
			execution.Outputs[name] = ref
		}
		return nil
	}
	return store.ErrNotFound
}

func applyUpdate(execution *domain.TaskExecution, update store.TaskUpdate) {
	if update.Handle != nil {
		execution.Handle = append([]byte(nil), update.Handle...)
	}
	if update.ResolvedInputs != nil {
		execution.ResolvedInputs = update.ResolvedInputs
	}
	if update.LogURI != "" {
		execution.LogURI = update.LogURI
	}
	if update.ErrorMessage != "" {
		execution.ErrorMessage = update.ErrorMessage
	}
	if update.StartedAt != nil {
		t := update.StartedAt.UTC()
		execution.StartedAt = &t
	}
	if update.FinishedAt != nil {
		t := update.FinishedAt.UTC()
		execution.FinishedAt = &t
	}
}

func cloneRun(run domain.Run) domain.Run {
	out := run
	if run.Inputs != nil {
		out.Inputs = make(map[string]string, len(run.Inputs))
		for k, v := range run.Inputs {
			out.Inputs[k] = v
		}
	}
	return out
}

func cloneExecution(execution domain.TaskExecution) domain.TaskExecution {
	out := execution
	if execution.Outputs != nil {
		out.Outputs = make(map[string]domain.ArtifactRef, len(execution.Outputs))
		for k, v := range execution.Outputs {
			out.Outputs[k] = v
		}
	}
	if execution.Handle != nil {
		out.Handle = append([]byte(nil), execution.Handle...)
	}
	return out
}
