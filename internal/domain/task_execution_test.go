package domain

import "testing"

func TestCanTransitionTask(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskStarting, true},
		{TaskPending, TaskSkipped, true},
		{TaskPending, TaskCancelled, true},
		{TaskPending, TaskRunning, false},
		{TaskPending, TaskSucceeded, false},
		{TaskStarting, TaskRunning, true},
		{TaskStarting, TaskSucceeded, true},
		{TaskStarting, TaskFailed, true},
		{TaskStarting, TaskCancelled, true},
		{TaskStarting, TaskSkipped, false},
		{TaskRunning, TaskSucceeded, true},
		{TaskRunning, TaskFailed, true},
		{TaskRunning, TaskCancelled, true},
		{TaskRunning, TaskPending, false},
		{TaskSucceeded, TaskFailed, false},
		{TaskFailed, TaskPending, false},
		{TaskSkipped, TaskRunning, false},
		{TaskCancelled, TaskRunning, false},
	}
	for _, tt := range tests {
		if got := CanTransitionTask(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransitionTask(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskSucceeded, TaskFailed, TaskSkipped, TaskCancelled}
	for _, status := range terminal {
		if !status.Terminal() {
			t.Fatalf("%s should be terminal", status)
		}
	}
	live := []TaskStatus{TaskPending, TaskStarting, TaskRunning}
	for _, status := range live {
		if status.Terminal() {
			t.Fatalf("%s should not be terminal", status)
		}
	}
}

func TestNormalizeTaskStatusAliases(t *testing.T) {
	if got := NormalizeTaskStatus("queued"); got != TaskPending {
		t.Fatalf("queued normalized to %s, want pending", got)
	}
	if got := NormalizeTaskStatus("canceled"); got != TaskCancelled {
		t.Fatalf("canceled normalized to %s, want cancelled", got)
	}
}
