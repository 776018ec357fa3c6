// Package decision defines the core governance types shared across the
// gateway: runs, tool calls, verdicts, and the audited decisions that
// connect them.
package decision

import "time"

// Verdict is the outcome of policy evaluation for a proposed tool call.
type Verdict string

const (
	// VerdictAllow permits immediate execution of the tool call.
	VerdictAllow Verdict = "ALLOW"
	// VerdictBlock rejects the tool call outright.
	VerdictBlock Verdict = "BLOCK"
	// VerdictApprovalRequired parks the tool call until a human decides.
	VerdictApprovalRequired Verdict = "APPROVAL_REQUIRED"
)

// ParseVerdict normalizes a verdict string from an external rule source.
// Anything that is not a known verdict collapses to BLOCK so that a
// misconfigured rule can never widen access.
func ParseVerdict(s string) Verdict {
	switch Verdict(s) {
	case VerdictAllow, VerdictBlock, VerdictApprovalRequired:
		return Verdict(s)
	default:
		return VerdictBlock
	}
}

// Status is the lifecycle state of a tool call.
type Status string

const (
	// StatusPending means the call awaits a human approval decision.
	StatusPending Status = "PENDING"
	// StatusApproved means a human approved the call; execution follows.
	StatusApproved Status = "APPROVED"
	// StatusDenied means a human denied the call.
	StatusDenied Status = "DENIED"
	// StatusExecuted means the call ran against its backend.
	StatusExecuted Status = "EXECUTED"
	// StatusBlocked means policy rejected the call without human input.
	StatusBlocked Status = "BLOCKED"
	// StatusFailed means the backend raised an error during execution.
	StatusFailed Status = "FAILED"
)

// terminal statuses never transition again, except APPROVED which may
// advance once the replayed call completes.
func (s Status) terminal() bool {
	switch s {
	case StatusDenied, StatusExecuted, StatusBlocked, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a tool call may move from s to next.
// Transitions are monotonic: once a call reaches a terminal status it
// never returns to PENDING or any other state.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return false
	}
	if s.terminal() {
		return false
	}
	switch s {
	case StatusPending:
		// PENDING -> EXECUTED and PENDING -> FAILED cover the
		// auto-execute path for allowed calls; approvals pass through
		// APPROVED first.
		return next == StatusApproved || next == StatusDenied ||
			next == StatusExecuted || next == StatusBlocked ||
			next == StatusFailed
	case StatusApproved:
		return next == StatusExecuted || next == StatusFailed
	default:
		// A fresh call (empty status) may enter any state.
		return s == ""
	}
}

// Run groups the tool calls proposed by one orchestrator turn.
type Run struct {
	ID           string    `json:"id"`
	Orchestrator string    `json:"orchestrator"`
	AgentRole    string    `json:"agent_role"`
	CreatedAt    time.Time `json:"created_at"`
}

// ToolCall is one proposed tool invocation. Args always holds the
// redacted argument JSON; raw arguments never reach this struct's
// persisted form. The approval fields are set when a human decides.
type ToolCall struct {
	ID           string     `json:"id"`
	RunID        string     `json:"run_id"`
	ToolName     string     `json:"tool_name"`
	Args         string     `json:"args"`
	Status       Status     `json:"status"`
	Result       string     `json:"result,omitempty"`
	ApprovedBy   string     `json:"approved_by,omitempty"`
	ApprovalNote string     `json:"approval_note,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Approval carries the human metadata recorded with an approve or deny.
type Approval struct {
	Approver string
	Note     string
	At       time.Time
}

// Citations holds governance context resolved from the policy graph.
// All lists may be empty; citation resolution is best-effort.
type Citations struct {
	Policies  []string `json:"policies"`
	Controls  []string `json:"controls"`
	Incidents []string `json:"incidents"`
}

// Normalize replaces nil lists with empty slices so citations always
// serialize as [] rather than null.
func (c Citations) Normalize() Citations {
	if c.Policies == nil {
		c.Policies = []string{}
	}
	if c.Controls == nil {
		c.Controls = []string{}
	}
	if c.Incidents == nil {
		c.Incidents = []string{}
	}
	return c
}

// Decision is the audited outcome of evaluating one tool call.
type Decision struct {
	ID         string    `json:"id"`
	ToolCallID string    `json:"tool_call_id"`
	Verdict    Verdict   `json:"verdict"`
	Reason     string    `json:"reason"`
	RiskScore  float64   `json:"risk_score"`
	Citations  Citations `json:"citations"`
	CreatedAt  time.Time `json:"created_at"`
}

// ClampRisk bounds a risk score to [0, 1].
func ClampRisk(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// ToolDecision is the API-facing view of a proposal outcome: the verdict
// plus, when the call entered the approval lifecycle, its status there.
// FinalStatus is omitted for calls the verdict alone settles (direct
// ALLOW and BLOCK paths).
type ToolDecision struct {
	ToolCallID  string    `json:"tool_call_id"`
	RunID       string    `json:"run_id"`
	Verdict     Verdict   `json:"verdict"`
	Reason      string    `json:"reason"`
	RiskScore   float64   `json:"risk_score"`
	Citations   Citations `json:"citations"`
	FinalStatus Status    `json:"final_status,omitempty"`
	Result      string    `json:"result,omitempty"`
}
