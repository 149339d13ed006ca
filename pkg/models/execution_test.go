package models

import "testing"

func TestExecutionState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    ExecutionState
		to      ExecutionState
		allowed bool
	}{
		{"proposed to approved", ExecutionProposed, ExecutionApproved, true},
		{"proposed to rejected", ExecutionProposed, ExecutionRejected, true},
		{"proposed to executing", ExecutionProposed, ExecutionExecuting, false},
		{"proposed to completed", ExecutionProposed, ExecutionCompleted, false},
		{"approved to executing", ExecutionApproved, ExecutionExecuting, true},
		{"approved to completed", ExecutionApproved, ExecutionCompleted, false},
		{"approved to rejected", ExecutionApproved, ExecutionRejected, false},
		{"executing to completed", ExecutionExecuting, ExecutionCompleted, true},
		{"executing to failed", ExecutionExecuting, ExecutionFailed, true},
		{"executing to approved", ExecutionExecuting, ExecutionApproved, false},
		{"completed is terminal", ExecutionCompleted, ExecutionExecuting, false},
		{"rejected is terminal", ExecutionRejected, ExecutionApproved, false},
		{"failed is terminal", ExecutionFailed, ExecutionExecuting, false},
		{"failed not re-proposed", ExecutionFailed, ExecutionProposed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
				t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestExecutionState_Terminal(t *testing.T) {
	terminal := []ExecutionState{ExecutionCompleted, ExecutionRejected, ExecutionFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	live := []ExecutionState{ExecutionProposed, ExecutionApproved, ExecutionExecuting}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestExecutionState_NoExitFromTerminal(t *testing.T) {
	all := []ExecutionState{
		ExecutionProposed, ExecutionApproved, ExecutionRejected,
		ExecutionExecuting, ExecutionCompleted, ExecutionFailed,
	}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			if from.CanTransitionTo(to) {
				t.Errorf("terminal state %s allows transition to %s", from, to)
			}
		}
	}
}
