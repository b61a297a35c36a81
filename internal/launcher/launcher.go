// Package launcher abstracts the container execution backend. The
// orchestrator only depends on the launch/poll/cancel surface; concrete
// backends run containers on the local Docker daemon or as Kubernetes Jobs.
package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnreachable marks infrastructure-level failures (daemon or API not
// responding). Callers retry these on a separate budget from task failures.
var ErrUnreachable = errors.New("launcher unreachable")

// Status is the observed state of a launched container.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusUnknown means the backend no longer knows the handle; the
	// orchestrator reconciles it as a failure.
	StatusUnknown Status = "unknown"
)

// LaunchSpec is everything a backend needs to start one container task.
type LaunchSpec struct {
	Name        string
	Image       string
	Command     []string
	Args        []string
	Env         map[string]string
	OutputURIs  map[string]string
	LogURI      string
	Annotations map[string]string
}

// Handle identifies a launched container across process restarts. It is
// stored as JSON on the task execution record and handed back to Poll and
// Cancel after recovery.
type Handle struct {
	Backend   string `json:"backend"`
	Container string `json:"container,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	JobName   string `json:"job_name,omitempty"`
}

// Observation is the result of polling a handle.
type Observation struct {
	Status   Status
	ExitCode *int
	Message  string
}

// Launcher is the capability interface all backends satisfy. Cancel is
// best-effort: backends without preemption return false.
type Launcher interface {
	Kind() string
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)
	Poll(ctx context.Context, handle Handle) (Observation, error)
	Cancel(ctx context.Context, handle Handle) (bool, error)
}

// EncodeHandle serializes a handle for storage.
func EncodeHandle(handle Handle) (json.RawMessage, error) {
	raw, err := json.Marshal(handle)
	if err != nil {
		return nil, fmt.Errorf("encode launcher handle: %w", err)
	}
	return raw, nil
}

// DecodeHandle restores a stored handle.
func DecodeHandle(raw json.RawMessage) (Handle, error) {
	if len(raw) == 0 {
		return Handle{}, errors.New("launcher handle is empty")
	}
	var handle Handle
	if err := json.Unmarshal(raw, &handle); err != nil {
		return Handle{}, fmt.Errorf("decode launcher handle: %w", err)
	}
	return handle, nil
}
