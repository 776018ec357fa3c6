package decision

import (
	"context"
	"errors"
)

// Sentinel errors for governance store operations.
var (
	// ErrNotFound is returned when a run, tool call, or decision does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotPending is returned when an approval action targets a call
	// that is no longer PENDING.
	ErrNotPending = errors.New("tool call is not pending")
	// ErrInvalidTransition is returned when a status update would violate
	// lifecycle monotonicity.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store persists runs, tool calls, and decisions.
// Interface owned by domain per hexagonal architecture.
// Implementations: sqlite (durable), memory (tests and dev).
//
// Callers must redact arguments before they reach the store; no store
// method accepts raw arguments.
type Store interface {
	// CreateRun stores a new run.
	CreateRun(ctx context.Context, run *Run) error
	// GetRun returns a run by ID, or ErrNotFound.
	GetRun(ctx context.Context, id string) (*Run, error)
	// ListRecentRuns returns up to limit runs, newest first.
	ListRecentRuns(ctx context.Context, limit int) ([]Run, error)

	// CreateToolCall stores a new tool call with its initial status.
	CreateToolCall(ctx context.Context, call *ToolCall) error
	// GetToolCall returns a tool call by ID, or ErrNotFound.
	GetToolCall(ctx context.Context, id string) (*ToolCall, error)
	// UpdateToolCallStatus advances a tool call's status.
	// Returns ErrInvalidTransition when the move violates monotonicity.
	UpdateToolCallStatus(ctx context.Context, id string, next Status) error
	// SetToolCallApproval advances the status and records who decided,
	// in one write. Used for the APPROVED and DENIED transitions.
	SetToolCallApproval(ctx context.Context, id string, next Status, a Approval) error
	// SetToolCallResult records the execution result alongside a status
	// change, in one write.
	SetToolCallResult(ctx context.Context, id string, result string, next Status) error
	// ListPendingToolCalls returns calls awaiting approval, oldest first.
	ListPendingToolCalls(ctx context.Context) ([]ToolCall, error)
	// ListToolCallsForRun returns the run's calls, oldest first.
	ListToolCallsForRun(ctx context.Context, runID string) ([]ToolCall, error)

	// CreateDecision stores the audited decision for a tool call.
	CreateDecision(ctx context.Context, d *Decision) error
	// GetDecisionForToolCall returns the decision recorded for a call,
	// or ErrNotFound.
	GetDecisionForToolCall(ctx context.Context, toolCallID string) (*Decision, error)
	// ListRecentDecisions returns up to limit decisions, newest first.
	ListRecentDecisions(ctx context.Context, limit int) ([]Decision, error)
}
