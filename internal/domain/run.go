package domain

import (
	"strings"
	"time"
)

// RunStatus is the overall status of one pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// NormalizeRunStatus maps free-form status values to canonical run statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunPending), "created":
		return RunPending
	case string(RunRunning):
		return RunRunning
	case string(RunSucceeded):
		return RunSucceeded
	case string(RunFailed):
		return RunFailed
	case string(RunCancelled), "canceled":
		return RunCancelled
	default:
		return ""
	}
}

// CanTransitionRun enforces forward-only run progression.
func CanTransitionRun(current, next RunStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	if current.Terminal() {
		return false
	}
	return runStatusOrder(current) < runStatusOrder(next)
}

func runStatusOrder(status RunStatus) int {
	switch status {
	case RunPending:
		return 1
	case RunRunning:
		return 2
	case RunSucceeded, RunFailed, RunCancelled:
		return 3
	default:
		return 0
	}
}

// Run is a single invocation of a pipeline graph. The graph and the supplied
// pipeline inputs are immutable once the run is created; only the status,
// cancellation flag and timestamps change.
type Run struct {
	ID              string
	Graph           PipelineGraph
	Inputs          map[string]string
	Status          RunStatus
	CancelRequested bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
	Annotations     map[string]string
}
