package models

import (
	"encoding/json"
	"time"
)

// ExecutionState is the state of a proposed tool invocation.
//
// The legal transitions form a small graph:
//
//	proposed -> approved | rejected
//	approved -> executing
//	executing -> completed | failed
//
// completed, rejected and failed are terminal; no transition leaves them.
type ExecutionState string

const (
	ExecutionProposed  ExecutionState = "proposed"
	ExecutionApproved  ExecutionState = "approved"
	ExecutionRejected  ExecutionState = "rejected"
	ExecutionExecuting ExecutionState = "executing"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionRejected, ExecutionFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving to next is a legal transition.
func (s ExecutionState) CanTransitionTo(next ExecutionState) bool {
	switch s {
	case ExecutionProposed:
		return next == ExecutionApproved || next == ExecutionRejected
	case ExecutionApproved:
		return next == ExecutionExecuting
	case ExecutionExecuting:
		return next == ExecutionCompleted || next == ExecutionFailed
	default:
		return false
	}
}

// ToolExecution records one proposed tool invocation and its outcome.
// Records in a terminal state are immutable.
type ToolExecution struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	SessionID  string          `json:"session_id"`
	AgentID    string          `json:"agent_id"`
	RunID      string          `json:"run_id"` // pipeline run that proposed the call
	Tool       string          `json:"tool"`
	Params     json.RawMessage `json:"params"`
	State      ExecutionState  `json:"state"`
	ProposedBy string          `json:"proposed_by"` // model identifier
	DecidedBy  string          `json:"decided_by,omitempty"`
	// Instruction is the reviewer's free-text guidance on reject; it is
	// fed into the next model turn instead of a tool result.
	Instruction  string          `json:"instruction,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	DecidedAt    *time.Time      `json:"decided_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}
