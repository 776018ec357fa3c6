package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sentinel-Gate/Toolgate/internal/domain/decision"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/policy"
	"github.com/Sentinel-Gate/Toolgate/internal/port/outbound"
)

// defaultApprover is recorded when the caller does not identify itself.
const defaultApprover = "manual"

// ApprovalService resolves pending tool calls. Approval replays the
// call against its backend using the stored redacted arguments; the raw
// arguments were never persisted and are gone by the time a human
// decides.
type ApprovalService struct {
	store     decision.Store
	router    *toolRouter
	citations outbound.CitationResolver
	metrics   MetricsRecorder
	logger    *slog.Logger
}

// NewApprovalService creates an ApprovalService sharing the pipeline's
// routing, citation resolution, and metrics.
func NewApprovalService(store decision.Store, pipeline *PipelineService, logger *slog.Logger) *ApprovalService {
	return &ApprovalService{
		store:     store,
		router:    pipeline.router,
		citations: pipeline.citations,
		metrics:   pipeline.metrics,
		logger:    logger,
	}
}

// Approve executes a pending tool call and appends a fresh decision for
// the outcome: ALLOW when the replay succeeds, BLOCK when the backend
// fails. Only PENDING calls can be approved; anything else reports the
// call's current status.
func (s *ApprovalService) Approve(ctx context.Context, toolCallID, note, approver string) (*decision.ToolDecision, error) {
	call, err := s.store.GetToolCall(ctx, toolCallID)
	if err != nil {
		return nil, err
	}
	if call.Status != decision.StatusPending {
		return nil, fmt.Errorf("%w: status is %s", decision.ErrNotPending, call.Status)
	}

	if approver == "" {
		approver = defaultApprover
	}
	if err := s.store.SetToolCallApproval(ctx, toolCallID, decision.StatusApproved, decision.Approval{
		Approver: approver,
		Note:     note,
		At:       time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("approve tool call: %w", err)
	}

	// Risk carries over from the proposal-time decision; citations are
	// resolved fresh because the graph may have moved on.
	var risk float64
	if prior, perr := s.store.GetDecisionForToolCall(ctx, toolCallID); perr == nil {
		risk = prior.RiskScore
	}
	citations := s.citations.Resolve(ctx, call.ToolName).Normalize()

	var args map[string]interface{}
	if call.Args != "" {
		if err := json.Unmarshal([]byte(call.Args), &args); err != nil {
			return nil, fmt.Errorf("decode stored args: %w", err)
		}
	}

	result, execErr := s.router.call(ctx, call.ToolName, args)
	if execErr != nil {
		s.logger.Warn("approved call failed to execute",
			"tool", call.ToolName, "tool_call_id", toolCallID, "error", execErr)
		ruling := policy.Ruling{
			Verdict:   decision.VerdictBlock,
			Reason:    fmt.Sprintf("Tool call failed: %v", execErr),
			RiskScore: risk,
		}
		if err := recordDecision(ctx, s.store, toolCallID, ruling, citations); err != nil {
			return nil, err
		}
		if err := s.store.UpdateToolCallStatus(ctx, toolCallID, decision.StatusFailed); err != nil {
			return nil, fmt.Errorf("mark tool call failed: %w", err)
		}
		s.metrics.RecordToolCall(call.ToolName, ruling.Verdict)
		return &decision.ToolDecision{
			ToolCallID:  toolCallID,
			RunID:       call.RunID,
			Verdict:     ruling.Verdict,
			Reason:      ruling.Reason,
			RiskScore:   risk,
			Citations:   citations,
			FinalStatus: decision.StatusFailed,
		}, nil
	}

	ruling := policy.Ruling{
		Verdict:   decision.VerdictAllow,
		Reason:    "Approved",
		RiskScore: risk,
	}
	if err := recordDecision(ctx, s.store, toolCallID, ruling, citations); err != nil {
		return nil, err
	}
	if err := s.store.SetToolCallResult(ctx, toolCallID, result, decision.StatusExecuted); err != nil {
		return nil, fmt.Errorf("record execution result: %w", err)
	}
	s.metrics.RecordToolCall(call.ToolName, ruling.Verdict)

	s.logger.Info("tool call approved",
		"tool", call.ToolName, "tool_call_id", toolCallID, "approved_by", approver)
	return &decision.ToolDecision{
		ToolCallID:  toolCallID,
		RunID:       call.RunID,
		Verdict:     ruling.Verdict,
		Reason:      ruling.Reason,
		RiskScore:   risk,
		Citations:   citations,
		FinalStatus: decision.StatusExecuted,
		Result:      result,
	}, nil
}

// Deny rejects a pending tool call, recording who denied it and why.
// The proposal-time decision stands; the response echoes its verdict
// with the deny note as the reason.
func (s *ApprovalService) Deny(ctx context.Context, toolCallID, note, approver string) (*decision.ToolDecision, error) {
	call, err := s.store.GetToolCall(ctx, toolCallID)
	if err != nil {
		return nil, err
	}
	if call.Status != decision.StatusPending {
		return nil, fmt.Errorf("%w: status is %s", decision.ErrNotPending, call.Status)
	}

	if approver == "" {
		approver = defaultApprover
	}
	if err := s.store.SetToolCallApproval(ctx, toolCallID, decision.StatusDenied, decision.Approval{
		Approver: approver,
		Note:     note,
		At:       time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("deny tool call: %w", err)
	}

	td := &decision.ToolDecision{
		ToolCallID:  toolCallID,
		RunID:       call.RunID,
		Verdict:     decision.VerdictApprovalRequired,
		Citations:   decision.Citations{}.Normalize(),
		FinalStatus: decision.StatusDenied,
	}
	if prior, perr := s.store.GetDecisionForToolCall(ctx, toolCallID); perr == nil {
		td.Verdict = prior.Verdict
		td.Reason = prior.Reason
		td.RiskScore = prior.RiskScore
		td.Citations = prior.Citations.Normalize()
	}
	if note != "" {
		td.Reason = note
	}
	if td.Reason == "" {
		td.Reason = "Denied"
	}

	s.logger.Info("tool call denied",
		"tool", call.ToolName, "tool_call_id", toolCallID, "denied_by", approver, "note", note)
	return td, nil
}

// ListPending returns calls awaiting approval, oldest first.
func (s *ApprovalService) ListPending(ctx context.Context) ([]decision.ToolCall, error) {
	return s.store.ListPendingToolCalls(ctx)
}
