package toolgate

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrBlocked is returned when policy blocks a proposed tool call.
	ErrBlocked = errors.New("blocked by policy")

	// ErrDenied is returned when a human denies a parked tool call.
	ErrDenied = errors.New("denied by reviewer")

	// ErrApprovalTimeout is returned when approval polling exceeds the
	// maximum wait time.
	ErrApprovalTimeout = errors.New("approval timeout")

	// ErrServerUnreachable is returned when the gateway cannot be contacted.
	ErrServerUnreachable = errors.New("server unreachable")
)

// APIError is returned when the gateway responds with a non-2xx status.
type APIError struct {
	// StatusCode is the HTTP status returned by the gateway.
	StatusCode int
	// Message is the error message from the response body.
	Message string
}

// Error returns a human-readable description of the API failure.
func (e *APIError) Error() string {
	return fmt.Sprintf("toolgate: server returned %d: %s", e.StatusCode, e.Message)
}

// BlockedError is returned when policy blocks a proposed tool call.
type BlockedError struct {
	// ToolCallID is the identifier of the blocked call.
	ToolCallID string
	// Reason explains why the call was blocked.
	Reason string
	// RiskScore is the evaluated risk in [0, 1].
	RiskScore float64
}

// Error returns a human-readable description of the block.
func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked by policy: %s", e.Reason)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrBlocked).
func (e *BlockedError) Is(target error) bool {
	return target == ErrBlocked
}

// DeniedError is returned when a human denies a parked tool call.
type DeniedError struct {
	// ToolCallID is the identifier of the denied call.
	ToolCallID string
}

// Error returns a human-readable description of the denial.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("tool call %s denied by reviewer", e.ToolCallID)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrDenied).
func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// ApprovalTimeoutError is returned when approval polling exceeds the
// maximum wait time. The call stays PENDING on the server and can still
// be approved later.
type ApprovalTimeoutError struct {
	// ToolCallID is the identifier of the call that is still pending.
	ToolCallID string
}

// Error returns a human-readable description of the approval timeout.
func (e *ApprovalTimeoutError) Error() string {
	return fmt.Sprintf("approval timeout for tool call %s", e.ToolCallID)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrApprovalTimeout).
func (e *ApprovalTimeoutError) Is(target error) bool {
	return target == ErrApprovalTimeout
}

// ServerUnreachableError is returned when the gateway cannot be contacted.
type ServerUnreachableError struct {
	// Cause is the underlying transport error.
	Cause error
}

// Error returns a human-readable description of the transport failure.
func (e *ServerUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("server unreachable: %v", e.Cause)
	}
	return "server unreachable"
}

// Unwrap returns the underlying error cause.
func (e *ServerUnreachableError) Unwrap() error {
	return e.Cause
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrServerUnreachable).
func (e *ServerUnreachableError) Is(target error) bool {
	return target == ErrServerUnreachable
}
