package toolgate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Meta keys carried inside the argument payload. The gateway strips
// them before evaluation and records them on the run.
const (
	metaOrchestratorKey = "__orchestrator"
	metaAgentRoleKey    = "__agent_role"
)

// Client is the Tool Gate SDK client. It submits proposed tool calls to
// the gateway and reads back their audited decisions.
type Client struct {
	serverAddr   string
	apiKey       string
	timeout      time.Duration
	pollInterval time.Duration
	orchestrator string
	agentRole    string
	httpClient   *http.Client
}

// NewClient creates a new Tool Gate SDK client.
// It reads configuration from TOOLGATE_* environment variables by default.
// Options can be used to override the defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		serverAddr:   os.Getenv("TOOLGATE_SERVER_ADDR"),
		apiKey:       os.Getenv("TOOLGATE_API_KEY"),
		timeout:      parseDurationEnv("TOOLGATE_TIMEOUT", 10*time.Second),
		pollInterval: parseDurationEnv("TOOLGATE_POLL_INTERVAL", 2*time.Second),
		orchestrator: os.Getenv("TOOLGATE_ORCHESTRATOR"),
		agentRole:    os.Getenv("TOOLGATE_AGENT_ROLE"),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: c.timeout,
		}
	}

	return c
}

// Propose submits a tool call for evaluation. Allowed calls execute
// before the response returns; the result is in ToolDecision.Result.
//
// A BLOCK verdict returns both the decision and a *BlockedError so
// callers can either errors.Is(err, ErrBlocked) or inspect the decision
// directly. An APPROVAL_REQUIRED verdict returns the decision with a
// nil error; use ProposeAndWait to block until a human decides.
func (c *Client) Propose(ctx context.Context, p Proposal) (*ToolDecision, error) {
	args := make(map[string]any, len(p.Args)+2)
	for k, v := range p.Args {
		args[k] = v
	}
	if orch := firstNonEmpty(p.Orchestrator, c.orchestrator); orch != "" {
		args[metaOrchestratorKey] = orch
	}
	if role := firstNonEmpty(p.AgentRole, c.agentRole); role != "" {
		args[metaAgentRoleKey] = role
	}

	body := map[string]any{"tool": p.Tool, "args": args}
	var td ToolDecision
	if err := c.do(ctx, http.MethodPost, "/api/v1/proposals", body, &td); err != nil {
		return nil, err
	}

	if td.Verdict == VerdictBlock {
		return &td, &BlockedError{
			ToolCallID: td.ToolCallID,
			Reason:     td.Reason,
			RiskScore:  td.RiskScore,
		}
	}
	return &td, nil
}

// ProposeAndWait submits a tool call and, when it parks for approval,
// polls until a human decides or maxWait elapses. On approval the
// returned decision carries the execution result; on denial the error
// matches ErrDenied; on timeout the error matches ErrApprovalTimeout
// and the call stays pending on the server.
func (c *Client) ProposeAndWait(ctx context.Context, p Proposal, maxWait time.Duration) (*ToolDecision, error) {
	td, err := c.Propose(ctx, p)
	if err != nil {
		return td, err
	}
	if td.Verdict != VerdictApprovalRequired {
		return td, nil
	}

	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return td, ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return td, &ApprovalTimeoutError{ToolCallID: td.ToolCallID}
		}

		view, err := c.GetToolCall(ctx, td.ToolCallID)
		if err != nil {
			return td, err
		}
		if !view.ToolCall.Status.Terminal() {
			continue
		}

		td.FinalStatus = view.ToolCall.Status
		td.Result = view.ToolCall.Result
		switch view.ToolCall.Status {
		case StatusDenied:
			return td, &DeniedError{ToolCallID: td.ToolCallID}
		default:
			return td, nil
		}
	}
}

// GetToolCall fetches a persisted tool call and its decision.
func (c *Client) GetToolCall(ctx context.Context, id string) (*ToolCallView, error) {
	var view ToolCallView
	path := "/api/v1/tool-calls/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodGet, path, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Approve approves a pending tool call. The gateway replays the stored
// redacted arguments against the backend and returns the execution
// result in the decision. Note and approver are optional; an empty
// approver is recorded as a manual approval on the server.
func (c *Client) Approve(ctx context.Context, id, note, approver string) (*ToolDecision, error) {
	var td ToolDecision
	path := "/api/v1/tool-calls/" + url.PathEscape(id) + "/approve"
	if err := c.do(ctx, http.MethodPost, path, approvalBody(note, approver), &td); err != nil {
		return nil, err
	}
	return &td, nil
}

// Deny denies a pending tool call. Note and approver are optional; the
// note becomes the recorded denial reason.
func (c *Client) Deny(ctx context.Context, id, note, approver string) (*ToolDecision, error) {
	var td ToolDecision
	path := "/api/v1/tool-calls/" + url.PathEscape(id) + "/deny"
	if err := c.do(ctx, http.MethodPost, path, approvalBody(note, approver), &td); err != nil {
		return nil, err
	}
	return &td, nil
}

// approvalBody builds the optional approve/deny request payload.
func approvalBody(note, approver string) any {
	if note == "" && approver == "" {
		return nil
	}
	return map[string]string{"note": note, "approver": approver}
}

// ListPending returns the tool calls waiting for approval, oldest first.
func (c *Client) ListPending(ctx context.Context) ([]ToolCall, error) {
	var resp struct {
		Pending []ToolCall `json:"pending"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/approvals", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Pending, nil
}

// ListDecisions returns the most recent audited decisions, newest
// first. A limit of 0 uses the server default.
func (c *Client) ListDecisions(ctx context.Context, limit int) ([]Decision, error) {
	path := "/api/v1/decisions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Decisions []Decision `json:"decisions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Decisions, nil
}

// do performs one JSON request against the gateway.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	addr := strings.TrimSuffix(c.serverAddr, "/")
	if addr == "" {
		return fmt.Errorf("toolgate: server address not configured (set TOOLGATE_SERVER_ADDR or use WithServerAddr)")
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("toolgate: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, addr+path, reader)
	if err != nil {
		return fmt.Errorf("toolgate: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ServerUnreachableError{Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("toolgate: decode response: %w", err)
		}
	}
	return nil
}

// readErrorMessage extracts the error field from a JSON error body,
// falling back to the raw body text.
func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(raw))
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
