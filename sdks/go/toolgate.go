// Package toolgate provides a Go SDK for the Tool Gate gateway API.
//
// Tool Gate is a governed execution gateway for AI agent tool calls.
// This SDK lets orchestrator code submit proposed tool calls, wait for
// human approval when policy requires it, and read back audited
// decisions. It uses only the Go standard library (net/http) with zero
// external dependencies.
//
// Quick start:
//
//	// Set TOOLGATE_SERVER_ADDR and TOOLGATE_API_KEY env vars, then:
//	client := toolgate.NewClient()
//
//	td, err := client.Propose(ctx, toolgate.Proposal{
//	    Tool:         "fs.read_file",
//	    Args:         map[string]any{"path": "/sandbox/readme.md"},
//	    Orchestrator: "langgraph",
//	    AgentRole:    "researcher",
//	})
//	if err != nil {
//	    var blocked *toolgate.BlockedError
//	    if errors.As(err, &blocked) {
//	        fmt.Printf("Blocked: %s (risk %.2f)\n", blocked.Reason, blocked.RiskScore)
//	    }
//	}
package toolgate

import "time"

// Verdict is the policy outcome for a proposed tool call.
type Verdict string

const (
	// VerdictAllow indicates the call executed immediately.
	VerdictAllow Verdict = "ALLOW"

	// VerdictBlock indicates the call was rejected by policy.
	VerdictBlock Verdict = "BLOCK"

	// VerdictApprovalRequired indicates the call is parked until a human decides.
	VerdictApprovalRequired Verdict = "APPROVAL_REQUIRED"
)

// Status is the lifecycle state of a tool call on the server.
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

// Terminal reports whether the status is final. APPROVED is not
// terminal: the server advances it once the replayed call completes.
func (s Status) Terminal() bool {
	switch s {
	case StatusDenied, StatusExecuted, StatusBlocked, StatusFailed:
		return true
	default:
		return false
	}
}

// Proposal is a tool call submitted for evaluation.
type Proposal struct {
	// Tool is the namespaced tool name (e.g. "fs.read_file", "mcp.demo.search").
	Tool string

	// Args are the tool arguments. The SDK serializes them as the
	// proposal's argument payload.
	Args map[string]any

	// Orchestrator identifies the framework driving the agent
	// (e.g. "langgraph"). Optional.
	Orchestrator string

	// AgentRole identifies the agent's role within the run. Optional.
	AgentRole string
}

// Citations holds governance context attached to a decision. All lists
// may be empty.
type Citations struct {
	Policies  []string `json:"policies"`
	Controls  []string `json:"controls"`
	Incidents []string `json:"incidents"`
}

// ToolDecision is the outcome of a proposal: the verdict, the final
// status of the call, and the execution result when the call ran.
// FinalStatus is empty when the verdict alone settles the call.
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

// ToolCall is the persisted record of a proposed call. Args holds the
// redacted argument JSON as stored by the server; raw argument values
// are never returned. The approval fields are set once a human rules
// on a parked call.
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

// Decision is one audited evaluation outcome.
type Decision struct {
	ID         string    `json:"id"`
	ToolCallID string    `json:"tool_call_id"`
	Verdict    Verdict   `json:"verdict"`
	Reason     string    `json:"reason"`
	RiskScore  float64   `json:"risk_score"`
	Citations  Citations `json:"citations"`
	CreatedAt  time.Time `json:"created_at"`
}

// ToolCallView pairs a tool call with its decision, when one exists.
type ToolCallView struct {
	ToolCall *ToolCall `json:"tool_call"`
	Decision *Decision `json:"decision,omitempty"`
}
