package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// TaskStatus is the per-attempt lifecycle state of a task execution.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskStarting  TaskStatus = "starting"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the attempt admits no further transitions.
// A failed attempt is terminal for the attempt; retries create a new one.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskSkipped, TaskCancelled:
		return true
	default:
		return false
	}
}

// NormalizeTaskStatus maps free-form status values to canonical statuses.
func NormalizeTaskStatus(value string) TaskStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(TaskPending), "queued":
		return TaskPending
	case string(TaskStarting):
		return TaskStarting
	case string(TaskRunning):
		return TaskRunning
	case string(TaskSucceeded):
		return TaskSucceeded
	case string(TaskFailed):
		return TaskFailed
	case string(TaskSkipped):
		return TaskSkipped
	case string(TaskCancelled), "canceled":
		return TaskCancelled
	default:
		return ""
	}
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:  {TaskStarting, TaskSkipped, TaskCancelled},
	TaskStarting: {TaskRunning, TaskSucceeded, TaskFailed, TaskCancelled},
	TaskRunning:  {TaskSucceeded, TaskFailed, TaskCancelled},
}

// CanTransitionTask reports whether a single attempt may move between the
// two statuses.
func CanTransitionTask(current, next TaskStatus) bool {
	if current == next {
		return true
	}
	for _, allowed := range taskTransitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ArtifactRef points at produced artifact data by opaque URI. The
// orchestrator never inspects artifact content; size, hash and the preloaded
// value are bookkeeping recorded after probing the store.
type ArtifactRef struct {
	URI   string  `json:"uri"`
	Size  int64   `json:"size,omitempty"`
	Hash  string  `json:"hash,omitempty"`
	Value *string `json:"value,omitempty"`
}

// ResolvedArgument is a concrete input binding computed by the artifact
// router: an inline value, an upstream artifact reference, or an ordered
// collection of either.
type ResolvedArgument struct {
	Value      *string            `json:"value,omitempty"`
	Artifact   *ArtifactRef       `json:"artifact,omitempty"`
	Collection []ResolvedArgument `json:"collection,omitempty"`
}

// TaskExecution is the per-run record of one attempt at one task. Attempts
// are append-only: a retry supersedes the previous attempt with a new record
// keyed by (run id, task id, attempt).
type TaskExecution struct {
	ID             string
	RunID          string
	TaskID         string
	Attempt        int
	Status         TaskStatus
	ResolvedInputs map[string]ResolvedArgument
	Outputs        map[string]ArtifactRef
	Handle         json.RawMessage
	LogURI         string
	ErrorMessage   string
	EarliestStart  time.Time
	CreatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
}
