package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sentinel-Gate/Toolgate/internal/adapter/outbound/graph"
	"github.com/Sentinel-Gate/Toolgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/Toolgate/internal/adapter/outbound/toolbackend"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/decision"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/policy"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/redact"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/registry"
)

// captureMetrics records pipeline observations for assertions.
type captureMetrics struct {
	mu            sync.Mutex
	toolCalls     map[string]int
	latencies     int
	backendErrors map[string]int
}

func newCaptureMetrics() *captureMetrics {
	return &captureMetrics{
		toolCalls:     make(map[string]int),
		backendErrors: make(map[string]int),
	}
}

func (m *captureMetrics) RecordToolCall(tool string, verdict decision.Verdict) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolCalls[tool+"/"+string(verdict)]++
}

func (m *captureMetrics) ObserveDecisionLatency(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies++
}

func (m *captureMetrics) RecordBackendError(backend string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backendErrors[backend]++
}

type pipelineFixture struct {
	pipeline *PipelineService
	engine   *PolicyService
	store    *memory.Store
	local    *toolbackend.MockBackend
	metrics  *captureMetrics
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	logger := testLogger()
	engine, err := NewPolicyService(nil, logger)
	if err != nil {
		t.Fatalf("NewPolicyService() error: %v", err)
	}

	store := memory.NewStore()
	local := toolbackend.NewMockBackend()
	metrics := newCaptureMetrics()

	pipeline := NewPipelineService(
		store,
		store,
		engine,
		redact.New(),
		graph.NoopResolver{},
		toolbackend.NewFactory(logger),
		local,
		logger,
		WithMetrics(metrics),
	)

	return &pipelineFixture{
		pipeline: pipeline,
		engine:   engine,
		store:    store,
		local:    local,
		metrics:  metrics,
	}
}

func mustArgs(t *testing.T, args map[string]interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return b
}

func TestPipeline_Propose_AllowedCallExecutes(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	ctx := context.Background()

	td, err := f.pipeline.Propose(ctx, "fs.list_dir", mustArgs(t, map[string]interface{}{
		"path": "/sandbox",
	}))
	if err != nil {
		t.Fatalf("Propose() error: %v", err)
	}

	if td.Verdict != decision.VerdictAllow {
		t.Errorf("Verdict = %q, want %q", td.Verdict, decision.VerdictAllow)
	}
	if td.FinalStatus != "" {
		t.Errorf("FinalStatus = %q, want empty on direct allow", td.FinalStatus)
	}
	if !strings.Contains(td.Result, "readme.md") {
		t.Errorf("Result = %q, want sandbox listing", td.Result)
	}

	call, err := f.store.GetToolCall(ctx, td.ToolCallID)
	if err != nil {
		t.Fatalf("GetToolCall() error: %v", err)
	}
	if call.Status != decision.StatusExecuted {
		t.Errorf("stored status = %q, want %q", call.Status, decision.StatusExecuted)
	}

	d, err := f.store.GetDecisionForToolCall(ctx, td.ToolCallID)
	if err != nil {
		t.Fatalf("GetDecisionForToolCall() error: %v", err)
	}
	if d.Reason != "Read-only listing is low risk" {
		t.Errorf("decision reason = %q", d.Reason)
	}
}

func TestPipeline_Propose_WriteParksForApproval(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	ctx := context.Background()

	td, err := f.pipeline.Propose(ctx, "fs.write_file", mustArgs(t, map[string]interface{}{
		"path": "/sandbox/out.txt", "content": "hello",
	}))
	if err != nil {
		t.Fatalf("Propose() error: %v", err)
	}

	if td.Verdict != decision.VerdictApprovalRequired {
		t.Errorf("Verdict = %q, want %q", td.Verdict, decision.VerdictApprovalRequired)
	}
	if td.FinalStatus != decision.StatusPending {
		t.Errorf("FinalStatus = %q, want %q", td.FinalStatus, decision.StatusPending)
	}
	if td.Result != "" {
		t.Errorf("Result = %q, want empty before approval", td.Result)
	}

	pending, err := f.store.ListPendingToolCalls(ctx)
	if err != nil {
		t.Fatalf("ListPendingToolCalls() error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != td.ToolCallID {
		t.Errorf("pending = %v, want the parked call", pending)
	}
}

func TestPipeline_Propose_BlockedOutsideSandbox(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	ctx := context.Background()

	td, err := f.pipeline.Propose(ctx, "fs.read_file", mustArgs(t, map[string]interface{}{
		"path": "/etc/passwd",
	}))
	if err != nil {
		t.Fatalf("Propose() error: %v", err)
	}

	if td.Verdict != decision.VerdictBlock {
		t.Errorf("Verdict = %q, want %q", td.Verdict, decision.VerdictBlock)
	}
	if td.FinalStatus != "" {
		t.Errorf("FinalStatus = %q, want empty on direct block", td.FinalStatus)
	}

	call, err := f.store.GetToolCall(ctx, td.ToolCallID)
	if err != nil {
		t.Fatalf("GetToolCall() error: %v", err)
	}
	if call.Status != decision.StatusBlocked {
		t.Errorf("stored status = %q, want %q", call.Status, decision.StatusBlocked)
	}
}

func TestPipeline_Propose_PersistsRedactedArgs(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	ctx := context.Background()

	td, err := f.pipeline.Propose(ctx, "fs.write_file", mustArgs(t, map[string]interface{}{
		"path":      "/sandbox/cfg.txt",
		"content":   "plain",
		"api_token": "hunter2",
	}))
	if err != nil {
		t.Fatalf("Propose() error: %v", err)
	}

	call, err := f.store.GetToolCall(ctx, td.ToolCallID)
	if err != nil {
		t.Fatalf("GetToolCall() error: %v", err)
	}
	if strings.Contains(call.Args, "hunter2") {
		t.Errorf("stored args %q leak the raw token", call.Args)
	}
	if !strings.Contains(call.Args, redact.MaskValue) {
		t.Errorf("stored args %q missing redaction mask", call.Args)
	}
}

func TestPipeline_Propose_MetaKeysStripped(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	ctx := context.Background()

	td, err := f.pipeline.Propose(ctx, "fs.list_dir", mustArgs(t, map[string]interface{}{
		"path":           "/sandbox",
		"__orchestrator": "langgraph",
		"__agent_role":   "researcher",
	}))
	if err != nil {
		t.Fatalf("Propose() error: %v", err)
	}

	run, err := f.store.GetRun(ctx, td.RunID)
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if run.Orchestrator != "langgraph" {
		t.Errorf("Orchestrator = %q, want langgraph", run.Orchestrator)
	}
	if run.AgentRole != "researcher" {
		t.Errorf("AgentRole = %q, want researcher", run.AgentRole)
	}

	call, err := f.store.GetToolCall(ctx, td.ToolCallID)
	if err != nil {
		t.Fatalf("GetToolCall() error: %v", err)
	}
	if strings.Contains(call.Args, "__orchestrator") || strings.Contains(call.Args, "__agent_role") {
		t.Errorf("stored args %q retain meta keys", call.Args)
	}
}

func TestPipeline_Propose_InvalidArgsBlocked(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	ctx := context.Background()

	td, err := f.pipeline.Propose(ctx, "fs.list_dir", json.RawMessage(`{not json`))
	if err != nil {
		t.Fatalf("Propose() error: %v", err)
	}

	if td.Verdict != decision.VerdictBlock {
		t.Errorf("Verdict = %q, want %q", td.Verdict, decision.VerdictBlock)
	}
	if td.Reason != "Invalid JSON in args" {
		t.Errorf("Reason = %q", td.Reason)
	}
	if td.FinalStatus != "" {
		t.Errorf("FinalStatus = %q, want empty on direct block", td.FinalStatus)
	}

	call, err := f.store.GetToolCall(ctx, td.ToolCallID)
	if err != nil {
		t.Fatalf("GetToolCall() error: %v", err)
	}
	if call.Args != `{"error":"invalid_args"}` {
		t.Errorf("stored args = %q, raw payload must not persist", call.Args)
	}
}

func TestPipeline_Propose_UnknownToolBlocked(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)

	td, err := f.pipeline.Propose(context.Background(), "shell.exec", mustArgs(t, map[string]interface{}{
		"cmd": "rm -rf /",
	}))
	if err != nil {
		t.Fatalf("Propose() error: %v", err)
	}
	if td.Verdict != decision.VerdictBlock {
		t.Errorf("Verdict = %q, want %q", td.Verdict, decision.VerdictBlock)
	}
	if td.Reason != "Unknown tool" {
		t.Errorf("Reason = %q, want Unknown tool", td.Reason)
	}
}

func TestPipeline_Propose_RoutesRegisteredPrefix(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	ctx := context.Background()

	srv := &registry.Server{
		ID:          "srv-1",
		Name:        "demo",
		BackendType: registry.BackendMock,
		Prefix:      "mcp.demo.",
		Enabled:     true,
	}
	if err := f.store.CreateServer(ctx, srv); err != nil {
		t.Fatalf("CreateServer() error: %v", err)
	}
	f.engine.SetPrefixRules([]policy.PrefixRule{
		{Prefix: "mcp.demo.", Verdict: decision.VerdictAllow, RiskScore: 0.2, ServerID: srv.ID},
	})

	td, err := f.pipeline.Propose(ctx, "mcp.demo.fs.list_dir", mustArgs(t, map[string]interface{}{
		"path": "/sandbox",
	}))
	if err != nil {
		t.Fatalf("Propose() error: %v", err)
	}

	if td.Verdict != decision.VerdictAllow {
		t.Errorf("Verdict = %q, want %q", td.Verdict, decision.VerdictAllow)
	}
	if !strings.Contains(td.Reason, "mcp.demo.") {
		t.Errorf("Reason = %q, want prefix routing reason", td.Reason)
	}
	if td.FinalStatus != "" {
		t.Errorf("FinalStatus = %q, want empty on direct allow", td.FinalStatus)
	}
	if !strings.Contains(td.Result, "readme.md") {
		t.Errorf("Result = %q, want routed listing", td.Result)
	}
}

func TestPipeline_Propose_BackendFailureRecordsBlock(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	ctx := context.Background()

	srv := &registry.Server{
		ID:          "srv-1",
		Name:        "demo",
		BackendType: registry.BackendMock,
		Prefix:      "mcp.demo.",
		Enabled:     true,
	}
	if err := f.store.CreateServer(ctx, srv); err != nil {
		t.Fatalf("CreateServer() error: %v", err)
	}
	f.engine.SetPrefixRules([]policy.PrefixRule{
		{Prefix: "mcp.demo.", Verdict: decision.VerdictAllow, RiskScore: 0.2, ServerID: srv.ID},
	})

	// The mock backend has no such tool, so execution fails. The call
	// ends FAILED with a BLOCK decision; an error result must never be
	// presented as a successful execution.
	td, err := f.pipeline.Propose(ctx, "mcp.demo.shell.exec", mustArgs(t, nil))
	if err != nil {
		t.Fatalf("Propose() error: %v", err)
	}

	if td.Verdict != decision.VerdictBlock {
		t.Errorf("Verdict = %q, want %q", td.Verdict, decision.VerdictBlock)
	}
	if !strings.Contains(td.Reason, "Tool call failed") {
		t.Errorf("Reason = %q, want execution failure reason", td.Reason)
	}
	if td.Result != "" {
		t.Errorf("Result = %q, want empty on failure", td.Result)
	}

	call, err := f.store.GetToolCall(ctx, td.ToolCallID)
	if err != nil {
		t.Fatalf("GetToolCall() error: %v", err)
	}
	if call.Status != decision.StatusFailed {
		t.Errorf("stored status = %q, want %q", call.Status, decision.StatusFailed)
	}

	d, err := f.store.GetDecisionForToolCall(ctx, td.ToolCallID)
	if err != nil {
		t.Fatalf("GetDecisionForToolCall() error: %v", err)
	}
	if d.Verdict != decision.VerdictBlock {
		t.Errorf("audited verdict = %q, want %q", d.Verdict, decision.VerdictBlock)
	}

	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	if f.metrics.backendErrors["demo"] != 1 {
		t.Errorf("backendErrors = %v, want one for demo", f.metrics.backendErrors)
	}
	if f.metrics.toolCalls["mcp.demo.shell.exec/BLOCK"] != 1 {
		t.Errorf("toolCalls = %v, want BLOCK recorded for the failed call", f.metrics.toolCalls)
	}
}

func TestPipeline_Propose_LocalBackendFailureRecordsBlock(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	ctx := context.Background()

	// Sandbox-relative reads are allowed by policy, but the file does
	// not exist, so the built-in backend fails.
	td, err := f.pipeline.Propose(ctx, "fs.read_file", mustArgs(t, map[string]interface{}{
		"path": "/sandbox/missing.txt",
	}))
	if err != nil {
		t.Fatalf("Propose() error: %v", err)
	}

	if td.Verdict != decision.VerdictBlock {
		t.Errorf("Verdict = %q, want %q", td.Verdict, decision.VerdictBlock)
	}
	if !strings.Contains(td.Reason, "Tool call failed") {
		t.Errorf("Reason = %q, want execution failure reason", td.Reason)
	}
	if td.Result != "" {
		t.Errorf("Result = %q, want empty on failure", td.Result)
	}

	call, err := f.store.GetToolCall(ctx, td.ToolCallID)
	if err != nil {
		t.Fatalf("GetToolCall() error: %v", err)
	}
	if call.Status != decision.StatusFailed {
		t.Errorf("stored status = %q, want %q", call.Status, decision.StatusFailed)
	}

	d, err := f.store.GetDecisionForToolCall(ctx, td.ToolCallID)
	if err != nil {
		t.Fatalf("GetDecisionForToolCall() error: %v", err)
	}
	// The only audit entry for the call is the BLOCK; no ALLOW was
	// recorded before the failure surfaced.
	if d.Verdict != decision.VerdictBlock {
		t.Errorf("audited verdict = %q, want %q", d.Verdict, decision.VerdictBlock)
	}
}

func TestPipeline_RunDetail(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	ctx := context.Background()

	td, err := f.pipeline.Propose(ctx, "fs.list_dir", mustArgs(t, map[string]interface{}{
		"path": "/sandbox", "__orchestrator": "langgraph",
	}))
	if err != nil {
		t.Fatalf("Propose() error: %v", err)
	}

	detail, err := f.pipeline.GetRunDetail(ctx, td.RunID)
	if err != nil {
		t.Fatalf("GetRunDetail() error: %v", err)
	}
	if detail.Run.ID != td.RunID {
		t.Errorf("Run.ID = %q, want %q", detail.Run.ID, td.RunID)
	}
	if detail.Run.Orchestrator != "langgraph" {
		t.Errorf("Orchestrator = %q, want langgraph", detail.Run.Orchestrator)
	}
	if len(detail.Calls) != 1 {
		t.Fatalf("len(Calls) = %d, want 1", len(detail.Calls))
	}
	if detail.Calls[0].ToolCall.ID != td.ToolCallID {
		t.Errorf("call ID = %q, want %q", detail.Calls[0].ToolCall.ID, td.ToolCallID)
	}
	if detail.Calls[0].Decision == nil || detail.Calls[0].Decision.Verdict != decision.VerdictAllow {
		t.Errorf("call decision = %+v, want attached ALLOW", detail.Calls[0].Decision)
	}
}

func TestPipeline_ListRecentRuns(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	ctx := context.Background()

	first, err := f.pipeline.Propose(ctx, "fs.list_dir", mustArgs(t, map[string]interface{}{"path": "/sandbox"}))
	if err != nil {
		t.Fatalf("Propose() error: %v", err)
	}
	second, err := f.pipeline.Propose(ctx, "fs.list_dir", mustArgs(t, map[string]interface{}{"path": "/sandbox"}))
	if err != nil {
		t.Fatalf("Propose() error: %v", err)
	}

	runs, err := f.pipeline.ListRecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecentRuns() error: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	if runs[0].ID != second.RunID || runs[1].ID != first.RunID {
		t.Errorf("runs order = [%s %s], want newest first", runs[0].ID, runs[1].ID)
	}

	runs, err = f.pipeline.ListRecentRuns(ctx, 1)
	if err != nil {
		t.Fatalf("ListRecentRuns() error: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != second.RunID {
		t.Errorf("limited runs = %v, want only the newest", runs)
	}
}

func TestPipeline_Propose_RecordsMetrics(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t)
	ctx := context.Background()

	if _, err := f.pipeline.Propose(ctx, "fs.list_dir", mustArgs(t, map[string]interface{}{"path": "/sandbox"})); err != nil {
		t.Fatalf("Propose() error: %v", err)
	}
	if _, err := f.pipeline.Propose(ctx, "shell.exec", mustArgs(t, nil)); err != nil {
		t.Fatalf("Propose() error: %v", err)
	}

	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	if f.metrics.toolCalls["fs.list_dir/ALLOW"] != 1 {
		t.Errorf("toolCalls = %v, want fs.list_dir/ALLOW", f.metrics.toolCalls)
	}
	if f.metrics.toolCalls["shell.exec/BLOCK"] != 1 {
		t.Errorf("toolCalls = %v, want shell.exec/BLOCK", f.metrics.toolCalls)
	}
	if f.metrics.latencies != 2 {
		t.Errorf("latencies = %d, want 2", f.metrics.latencies)
	}
}
