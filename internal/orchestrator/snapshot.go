package orchestrator

import (
	"github.com/pipevane-labs/pipevane/internal/domain"
	"github.com/pipevane-labs/pipevane/internal/store"
)

// Snapshot is one consistent read of a run used for a scheduling decision.
// It is never mutated; every iteration re-reads the store, which stays the
// single source of truth across controller processes and restarts.
type Snapshot struct {
	Run    domain.Run
	Latest map[string]domain.TaskExecution
}

func NewSnapshot(run domain.Run, executions []domain.TaskExecution) Snapshot {
	return Snapshot{Run: run, Latest: store.LatestAttempts(executions)}
}

// TaskStatus returns the effective (latest attempt) status of a task.
func (s Snapshot) TaskStatus(taskID string) domain.TaskStatus {
	execution, ok := s.Latest[taskID]
	if !ok {
		return ""
	}
	return execution.Status
}

// AllSettled reports whether every task of the graph reached a terminal
// attempt status with no retry pending.
func (s Snapshot) AllSettled() bool {
	for _, task := range s.Run.Graph.Tasks {
		if !s.TaskStatus(task.ID).Terminal() {
			return false
		}
	}
	return true
}

// InFlight counts attempts currently claimed or running.
func (s Snapshot) InFlight() int {
	n := 0
	for _, execution := range s.Latest {
		switch execution.Status {
		case domain.TaskStarting, domain.TaskRunning:
			n++
		}
	}
	return n
}

// HasPermanentFailure reports whether any task exhausted its attempts.
func (s Snapshot) HasPermanentFailure() bool {
	for _, execution := range s.Latest {
		if execution.Status == domain.TaskFailed {
			return true
		}
	}
	return false
}
