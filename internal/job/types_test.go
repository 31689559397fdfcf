package job

import "testing"

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusResolving, false},
		{StatusProvisioning, false},
		{StatusDeploying, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusAborted, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			if got := tt.status.Terminal(); got != tt.want {
				t.Errorf("Terminal(%s) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestStatus_CanTransition(t *testing.T) {
	t.Parallel()

	pipeline := []Status{StatusPending, StatusResolving, StatusProvisioning, StatusDeploying, StatusRunning}

	// Every pipeline state steps forward and can fail or abort.
	for i, from := range pipeline {
		next := StatusCompleted
		if i+1 < len(pipeline) {
			next = pipeline[i+1]
		}
		if !from.CanTransition(next) {
			t.Errorf("Expected %s -> %s to be legal", from, next)
		}
		if !from.CanTransition(StatusFailed) {
			t.Errorf("Expected %s -> failed to be legal", from)
		}
		if !from.CanTransition(StatusAborted) {
			t.Errorf("Expected %s -> aborted to be legal", from)
		}
	}

	// No skipping ahead, no moving backwards.
	if StatusPending.CanTransition(StatusRunning) {
		t.Error("Expected pending -> running to be illegal")
	}
	if StatusResolving.CanTransition(StatusCompleted) {
		t.Error("Expected resolving -> completed to be illegal")
	}
	if StatusRunning.CanTransition(StatusDeploying) {
		t.Error("Expected running -> deploying to be illegal")
	}

	// Terminal states have no outgoing edges.
	for _, from := range []Status{StatusCompleted, StatusFailed, StatusAborted} {
		for _, to := range []Status{StatusPending, StatusResolving, StatusRunning, StatusCompleted, StatusFailed, StatusAborted} {
			if from.CanTransition(to) {
				t.Errorf("Expected %s -> %s to be illegal", from, to)
			}
		}
	}
}
