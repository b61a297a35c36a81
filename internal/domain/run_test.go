package domain

import "testing"

func TestCanTransitionRun(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunPending, RunRunning, true},
		{RunPending, RunCancelled, true},
		{RunRunning, RunSucceeded, true},
		{RunRunning, RunFailed, true},
		{RunRunning, RunCancelled, true},
		{RunRunning, RunPending, false},
		{RunSucceeded, RunFailed, false},
		{RunCancelled, RunRunning, false},
		{RunFailed, RunRunning, false},
		{"", RunRunning, false},
	}
	for _, tt := range tests {
		if got := CanTransitionRun(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransitionRun(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestNormalizeRunStatusAliases(t *testing.T) {
	if got := NormalizeRunStatus("created"); got != RunPending {
		t.Fatalf("created normalized to %s, want pending", got)
	}
	if got := NormalizeRunStatus("canceled"); got != RunCancelled {
		t.Fatalf("canceled normalized to %s, want cancelled", got)
	}
}
