package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/Toolgate/internal/domain/decision"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/policy"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/redact"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/registry"
	"github.com/Sentinel-Gate/Toolgate/internal/port/outbound"
)

// Meta keys carried inside the proposal args map. They identify the
// proposer and are stripped before evaluation, redaction, and execution.
const (
	metaOrchestratorKey = "__orchestrator"
	metaAgentRoleKey    = "__agent_role"
)

// invalidArgsPlaceholder is persisted instead of unparseable argument
// payloads so the raw bytes never reach the store.
const invalidArgsPlaceholder = `{"error":"invalid_args"}`

// MetricsRecorder receives pipeline observations. Implemented by the
// inbound API's Prometheus metrics; a no-op recorder is used when none
// is wired.
type MetricsRecorder interface {
	RecordToolCall(tool string, verdict decision.Verdict)
	ObserveDecisionLatency(d time.Duration)
	RecordBackendError(backend string)
}

type noopMetrics struct{}

func (noopMetrics) RecordToolCall(string, decision.Verdict) {}
func (noopMetrics) ObserveDecisionLatency(time.Duration)    {}
func (noopMetrics) RecordBackendError(string)               {}

// BackendFactory builds a tool backend from a server registration.
type BackendFactory interface {
	ForServer(srv *registry.Server) (outbound.ToolBackend, error)
}

// toolRouter resolves a tool name to a backend and executes the call.
// Shared between the proposal pipeline and the approval replay path.
type toolRouter struct {
	registry registry.Store
	factory  BackendFactory
	local    outbound.ToolBackend
	metrics  MetricsRecorder
	logger   *slog.Logger
}

// localTool reports whether the tool is served by the built-in backend
// rather than a registered server.
func localTool(tool string) bool {
	return strings.HasPrefix(tool, "fs.") || strings.HasPrefix(tool, "eval.")
}

// call executes the tool against its backend and renders the result as
// a string: string results pass through, everything else is JSON.
func (r *toolRouter) call(ctx context.Context, tool string, args map[string]interface{}) (string, error) {
	if localTool(tool) {
		result, err := r.local.CallTool(ctx, tool, args)
		if err != nil {
			r.metrics.RecordBackendError("local")
			return "", err
		}
		return renderResult(result)
	}

	srv, err := r.registry.GetToolServer(ctx, tool)
	if err != nil {
		return "", fmt.Errorf("route tool %q: %w", tool, err)
	}

	backend, err := r.factory.ForServer(srv)
	if err != nil {
		return "", fmt.Errorf("backend for server %q: %w", srv.Name, err)
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil {
			r.logger.Debug("backend close failed", "server", srv.Name, "error", cerr)
		}
	}()

	// The backend sees the bare tool name; the prefix is gateway-side
	// namespacing only.
	result, err := backend.CallTool(ctx, strings.TrimPrefix(tool, srv.Prefix), args)
	if err != nil {
		r.metrics.RecordBackendError(srv.Name)
		return "", err
	}
	return renderResult(result)
}

func renderResult(result interface{}) (string, error) {
	if s, ok := result.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}

// PipelineService runs the full proposal flow: persist, evaluate,
// resolve citations, decide, and auto-execute allowed calls.
type PipelineService struct {
	store     decision.Store
	engine    policy.Engine
	redactor  *redact.Redactor
	citations outbound.CitationResolver
	router    *toolRouter
	metrics   MetricsRecorder
	logger    *slog.Logger
}

// PipelineOption configures PipelineService.
type PipelineOption func(*PipelineService)

// WithMetrics wires a metrics recorder into the pipeline.
func WithMetrics(m MetricsRecorder) PipelineOption {
	return func(s *PipelineService) {
		s.metrics = m
	}
}

// NewPipelineService assembles the proposal pipeline.
func NewPipelineService(
	store decision.Store,
	regStore registry.Store,
	engine policy.Engine,
	redactor *redact.Redactor,
	citations outbound.CitationResolver,
	factory BackendFactory,
	local outbound.ToolBackend,
	logger *slog.Logger,
	opts ...PipelineOption,
) *PipelineService {
	s := &PipelineService{
		store:     store,
		engine:    engine,
		redactor:  redactor,
		citations: citations,
		metrics:   noopMetrics{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = &toolRouter{
		registry: regStore,
		factory:  factory,
		local:    local,
		metrics:  s.metrics,
		logger:   logger,
	}
	return s
}

// Propose handles one proposed tool call end to end. rawArgs is the
// argument payload as received; it may carry __orchestrator and
// __agent_role meta keys. The returned ToolDecision reflects the final
// state of the call after any auto-execution.
func (s *PipelineService) Propose(ctx context.Context, toolName string, rawArgs json.RawMessage) (*decision.ToolDecision, error) {
	start := time.Now()

	var args map[string]interface{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return s.rejectInvalidArgs(ctx, toolName, start)
		}
	}

	orchestrator, _ := args[metaOrchestratorKey].(string)
	agentRole, _ := args[metaAgentRoleKey].(string)
	delete(args, metaOrchestratorKey)
	delete(args, metaAgentRoleKey)

	run := &decision.Run{
		ID:           uuid.NewString(),
		Orchestrator: orchestrator,
		AgentRole:    agentRole,
		CreatedAt:    start.UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	redacted, err := json.Marshal(s.redactor.Args(args))
	if err != nil {
		return nil, fmt.Errorf("encode redacted args: %w", err)
	}

	call := &decision.ToolCall{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		ToolName:  toolName,
		Args:      string(redacted),
		Status:    decision.StatusPending,
		CreatedAt: start.UTC(),
		UpdatedAt: start.UTC(),
	}
	if err := s.store.CreateToolCall(ctx, call); err != nil {
		return nil, fmt.Errorf("create tool call: %w", err)
	}

	// Evaluation sees raw arguments; only the persisted copy is redacted.
	ruling, err := s.engine.Evaluate(ctx, policy.EvaluationContext{
		ToolName:     toolName,
		Args:         args,
		AgentRole:    agentRole,
		Orchestrator: orchestrator,
		RequestTime:  start,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate tool call: %w", err)
	}

	citations := s.citations.Resolve(ctx, toolName).Normalize()

	td := &decision.ToolDecision{
		ToolCallID: call.ID,
		RunID:      run.ID,
		Verdict:    ruling.Verdict,
		Reason:     ruling.Reason,
		RiskScore:  ruling.RiskScore,
		Citations:  citations,
	}

	switch ruling.Verdict {
	case decision.VerdictAllow:
		// Execution runs before the decision is recorded so a failed
		// call never carries an ALLOW audit entry.
		result, execErr := s.router.call(ctx, toolName, args)
		if execErr != nil {
			s.logger.Warn("tool execution failed",
				"tool", toolName, "tool_call_id", call.ID, "error", execErr)
			ruling.Verdict = decision.VerdictBlock
			ruling.Reason = fmt.Sprintf("Tool call failed: %v", execErr)
			if err := recordDecision(ctx, s.store, call.ID, ruling, citations); err != nil {
				return nil, err
			}
			if err := s.store.UpdateToolCallStatus(ctx, call.ID, decision.StatusFailed); err != nil {
				return nil, fmt.Errorf("mark tool call failed: %w", err)
			}
			td.Verdict = ruling.Verdict
			td.Reason = ruling.Reason
			break
		}
		if err := recordDecision(ctx, s.store, call.ID, ruling, citations); err != nil {
			return nil, err
		}
		if err := s.store.SetToolCallResult(ctx, call.ID, result, decision.StatusExecuted); err != nil {
			return nil, fmt.Errorf("record execution result: %w", err)
		}
		td.Result = result
	case decision.VerdictApprovalRequired:
		if err := recordDecision(ctx, s.store, call.ID, ruling, citations); err != nil {
			return nil, err
		}
		td.FinalStatus = decision.StatusPending
	default:
		if err := recordDecision(ctx, s.store, call.ID, ruling, citations); err != nil {
			return nil, err
		}
		if err := s.store.UpdateToolCallStatus(ctx, call.ID, decision.StatusBlocked); err != nil {
			return nil, fmt.Errorf("mark tool call blocked: %w", err)
		}
	}

	s.metrics.RecordToolCall(toolName, ruling.Verdict)
	s.metrics.ObserveDecisionLatency(time.Since(start))

	s.logger.Info("tool call decided",
		"tool", toolName,
		"verdict", ruling.Verdict,
		"risk_score", ruling.RiskScore,
		"tool_call_id", call.ID,
	)

	return td, nil
}

// rejectInvalidArgs records a blocked call for an unparseable argument
// payload. The raw bytes are never persisted.
func (s *PipelineService) rejectInvalidArgs(ctx context.Context, toolName string, start time.Time) (*decision.ToolDecision, error) {
	run := &decision.Run{ID: uuid.NewString(), CreatedAt: start.UTC()}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	call := &decision.ToolCall{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		ToolName:  toolName,
		Args:      invalidArgsPlaceholder,
		Status:    decision.StatusBlocked,
		CreatedAt: start.UTC(),
		UpdatedAt: start.UTC(),
	}
	if err := s.store.CreateToolCall(ctx, call); err != nil {
		return nil, fmt.Errorf("create tool call: %w", err)
	}

	ruling := policy.Ruling{
		Verdict:   decision.VerdictBlock,
		Reason:    "Invalid JSON in args",
		RiskScore: 1.0,
	}
	citations := decision.Citations{}.Normalize()
	if err := recordDecision(ctx, s.store, call.ID, ruling, citations); err != nil {
		return nil, err
	}

	s.metrics.RecordToolCall(toolName, ruling.Verdict)
	s.metrics.ObserveDecisionLatency(time.Since(start))

	return &decision.ToolDecision{
		ToolCallID: call.ID,
		RunID:      run.ID,
		Verdict:    ruling.Verdict,
		Reason:     ruling.Reason,
		RiskScore:  ruling.RiskScore,
		Citations:  citations,
	}, nil
}

// recordDecision appends one audited decision for a tool call. Shared
// by the proposal pipeline and the approval replay path.
func recordDecision(ctx context.Context, store decision.Store, toolCallID string, ruling policy.Ruling, citations decision.Citations) error {
	d := &decision.Decision{
		ID:         uuid.NewString(),
		ToolCallID: toolCallID,
		Verdict:    ruling.Verdict,
		Reason:     ruling.Reason,
		RiskScore:  ruling.RiskScore,
		Citations:  citations.Normalize(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.CreateDecision(ctx, d); err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// GetToolCall returns a tool call with its decision as an API view.
func (s *PipelineService) GetToolCall(ctx context.Context, id string) (*decision.ToolCall, *decision.Decision, error) {
	call, err := s.store.GetToolCall(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	d, err := s.store.GetDecisionForToolCall(ctx, id)
	if err != nil && !errors.Is(err, decision.ErrNotFound) {
		return nil, nil, err
	}
	return call, d, nil
}

// ListRecentDecisions returns up to limit decisions, newest first.
func (s *PipelineService) ListRecentDecisions(ctx context.Context, limit int) ([]decision.Decision, error) {
	return s.store.ListRecentDecisions(ctx, limit)
}

// ListRecentRuns returns up to limit runs, newest first.
func (s *PipelineService) ListRecentRuns(ctx context.Context, limit int) ([]decision.Run, error) {
	return s.store.ListRecentRuns(ctx, limit)
}

// RunCall pairs a tool call with its latest decision.
type RunCall struct {
	ToolCall decision.ToolCall  `json:"tool_call"`
	Decision *decision.Decision `json:"decision,omitempty"`
}

// RunDetail is the API view of a run with its tool calls.
type RunDetail struct {
	Run   *decision.Run `json:"run"`
	Calls []RunCall     `json:"tool_calls"`
}

// GetRunDetail returns a run with its tool calls, each carrying the
// latest decision recorded for it.
func (s *PipelineService) GetRunDetail(ctx context.Context, id string) (*RunDetail, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	calls, err := s.store.ListToolCallsForRun(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &RunDetail{Run: run, Calls: make([]RunCall, 0, len(calls))}
	for _, call := range calls {
		d, err := s.store.GetDecisionForToolCall(ctx, call.ID)
		if err != nil && !errors.Is(err, decision.ErrNotFound) {
			return nil, err
		}
		detail.Calls = append(detail.Calls, RunCall{ToolCall: call, Decision: d})
	}
	return detail, nil
}
