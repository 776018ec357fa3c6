package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Sentinel-Gate/Toolgate/internal/adapter/outbound/graph"
	"github.com/Sentinel-Gate/Toolgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/Toolgate/internal/adapter/outbound/toolbackend"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/auth"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/decision"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/redact"
	"github.com/Sentinel-Gate/Toolgate/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer assembles the full stack on the in-memory store and
// returns an httptest server plus the Prometheus registry backing
// /metrics.
func newTestServer(t *testing.T, opts ...HandlerOption) (*httptest.Server, *prometheus.Registry) {
	t.Helper()

	logger := testLogger()
	engine, err := service.NewPolicyService(nil, logger)
	if err != nil {
		t.Fatalf("NewPolicyService() error: %v", err)
	}

	store := memory.NewStore()
	promReg := prometheus.NewRegistry()
	metrics := NewMetrics(promReg)
	factory := toolbackend.NewFactory(logger)

	pipeline := service.NewPipelineService(
		store, store, engine, redact.New(), graph.NoopResolver{},
		factory, toolbackend.NewMockBackend(), logger,
		service.WithMetrics(metrics),
	)
	approvals := service.NewApprovalService(store, pipeline, logger)
	registrySvc, err := service.NewRegistryService(context.Background(), store, factory, engine, logger)
	if err != nil {
		t.Fatalf("NewRegistryService() error: %v", err)
	}

	handler := NewHandler(pipeline, approvals, registrySvc, logger, opts...)
	srv := httptest.NewServer(handler.Routes(promReg))
	t.Cleanup(srv.Close)
	return srv, promReg
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error: %v", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded map[string]interface{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("response %q is not JSON: %v", raw, err)
		}
	}
	return resp, decoded
}

func TestAPI_ProposeAllowed(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/proposals",
		`{"tool":"fs.list_dir","args":{"path":"/sandbox"}}`)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["verdict"] != string(decision.VerdictAllow) {
		t.Errorf("verdict = %v, want ALLOW", body["verdict"])
	}
	// The verdict alone settles a direct allow; no final_status on the wire.
	if _, present := body["final_status"]; present {
		t.Errorf("final_status = %v, want omitted on direct allow", body["final_status"])
	}
	if result, _ := body["result"].(string); !strings.Contains(result, "readme.md") {
		t.Errorf("result = %v, want sandbox listing", body["result"])
	}
	citations, _ := body["citations"].(map[string]interface{})
	if policies, ok := citations["policies"].([]interface{}); !ok || policies == nil {
		t.Errorf("citations.policies = %v, want empty list, not null", citations["policies"])
	}
}

func TestAPI_ProposeValidation(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing tool", `{"args":{}}`},
		{"malformed body", `{"tool":`},
		{"empty body", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/proposals", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestAPI_ProposeInvalidArgsStillDecided(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	// Args that are valid JSON at the envelope level but not an object
	// reach the pipeline and come back as a BLOCK decision, not a 400.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/proposals",
		`{"tool":"fs.list_dir","args":[1,2]}`)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["verdict"] != string(decision.VerdictBlock) {
		t.Errorf("verdict = %v, want BLOCK", body["verdict"])
	}
	if body["reason"] != "Invalid JSON in args" {
		t.Errorf("reason = %v", body["reason"])
	}
}

func TestAPI_ApprovalFlow(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	_, proposal := doJSON(t, http.MethodPost, srv.URL+"/api/v1/proposals",
		`{"tool":"fs.write_file","args":{"path":"/sandbox/new.txt","content":"hi"}}`)
	callID, _ := proposal["tool_call_id"].(string)
	if callID == "" {
		t.Fatalf("proposal missing tool_call_id: %v", proposal)
	}
	if proposal["final_status"] != string(decision.StatusPending) {
		t.Fatalf("final_status = %v, want PENDING", proposal["final_status"])
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/approvals", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approvals status = %d, want 200", resp.StatusCode)
	}
	pending, _ := body["pending"].([]interface{})
	if len(pending) != 1 {
		t.Fatalf("pending = %v, want one parked call", body["pending"])
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/tool-calls/"+callID+"/approve",
		`{"note":"ok","approver":"tester"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d, want 200", resp.StatusCode)
	}
	if body["final_status"] != string(decision.StatusExecuted) {
		t.Errorf("final_status = %v, want EXECUTED", body["final_status"])
	}
	if body["verdict"] != string(decision.VerdictAllow) {
		t.Errorf("verdict = %v, want ALLOW after approval", body["verdict"])
	}
	if result, _ := body["result"].(string); !strings.Contains(result, "new.txt") {
		t.Errorf("result = %v, want write confirmation", body["result"])
	}

	// The approval metadata lands on the stored call.
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/tool-calls/"+callID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get tool call status = %d, want 200", resp.StatusCode)
	}
	call, _ := body["tool_call"].(map[string]interface{})
	if call["approved_by"] != "tester" {
		t.Errorf("approved_by = %v, want tester", call["approved_by"])
	}
	if call["approval_note"] != "ok" {
		t.Errorf("approval_note = %v, want ok", call["approval_note"])
	}

	// A second approve conflicts with the terminal status.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/tool-calls/"+callID+"/approve", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second approve status = %d, want 409", resp.StatusCode)
	}
}

func TestAPI_DenyFlow(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	_, proposal := doJSON(t, http.MethodPost, srv.URL+"/api/v1/proposals",
		`{"tool":"fs.write_file","args":{"path":"/sandbox/x.txt","content":"x"}}`)
	callID, _ := proposal["tool_call_id"].(string)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/tool-calls/"+callID+"/deny",
		`{"note":"out of scope"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deny status = %d, want 200", resp.StatusCode)
	}
	if body["final_status"] != string(decision.StatusDenied) {
		t.Errorf("final_status = %v, want DENIED", body["final_status"])
	}
	if body["reason"] != "out of scope" {
		t.Errorf("reason = %v, want the deny note", body["reason"])
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/tool-calls/"+callID+"/deny", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second deny status = %d, want 409", resp.StatusCode)
	}
}

func TestAPI_GetToolCall(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	_, proposal := doJSON(t, http.MethodPost, srv.URL+"/api/v1/proposals",
		`{"tool":"fs.write_file","args":{"path":"/sandbox/s.txt","api_key":"hunter2","content":"x"}}`)
	callID, _ := proposal["tool_call_id"].(string)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/tool-calls/"+callID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	call, _ := body["tool_call"].(map[string]interface{})
	args, _ := call["args"].(string)
	if strings.Contains(args, "hunter2") {
		t.Errorf("args %q leak the raw key through the API", args)
	}
	if !strings.Contains(args, "***REDACTED***") {
		t.Errorf("args %q missing redaction mask", args)
	}
	if body["decision"] == nil {
		t.Error("response missing the recorded decision")
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/tool-calls/ghost", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing call status = %d, want 404", resp.StatusCode)
	}
}

func TestAPI_ListDecisions(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		doJSON(t, http.MethodPost, srv.URL+"/api/v1/proposals",
			`{"tool":"fs.list_dir","args":{"path":"/sandbox"}}`)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/decisions?limit=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	decisions, _ := body["decisions"].([]interface{})
	if len(decisions) != 2 {
		t.Errorf("len(decisions) = %d, want 2", len(decisions))
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/decisions?limit=zero", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp.StatusCode)
	}
}

func TestAPI_ServerRegistryFlow(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/servers",
		`{"name":"demo","backend_type":"mock","prefix":"mcp.demo."}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201: %v", resp.StatusCode, body)
	}
	serverID, _ := body["id"].(string)
	if serverID == "" {
		t.Fatalf("registration missing id: %v", body)
	}

	// Re-registering the same name is an upsert: 200, same id.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/servers",
		`{"name":"demo","backend_type":"mock","prefix":"mcp.other."}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("re-register status = %d, want 200", resp.StatusCode)
	}
	if body["id"] != serverID {
		t.Errorf("re-register id = %v, want original %q", body["id"], serverID)
	}
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/servers",
		`{"name":"demo","backend_type":"mock","prefix":"mcp.demo."}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restore register status = %d, want 200: %v", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/servers",
		`{"name":"bad","backend_type":"http","prefix":"mcp.bad."}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid registration status = %d, want 400", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/servers/"+serverID+"/sync", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync status = %d, want 200", resp.StatusCode)
	}
	if body["synced"] != float64(4) {
		t.Errorf("synced = %v, want 4", body["synced"])
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/servers/ghost/sync", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("sync unknown server status = %d, want 404", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/tools", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tools status = %d, want 200", resp.StatusCode)
	}
	tools, _ := body["tools"].([]interface{})
	if len(tools) != 4 {
		t.Errorf("len(tools) = %d, want 4", len(tools))
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/servers", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("servers status = %d, want 200", resp.StatusCode)
	}
	servers, _ := body["servers"].([]interface{})
	if len(servers) != 1 {
		t.Fatalf("len(servers) = %d, want 1", len(servers))
	}
	if raw, _ := json.Marshal(servers[0]); strings.Contains(string(raw), "auth_token") {
		t.Errorf("server response %s leaks auth_token", raw)
	}
}

func TestAPI_RunsFlow(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	_, first := doJSON(t, http.MethodPost, srv.URL+"/api/v1/proposals",
		`{"tool":"fs.list_dir","args":{"path":"/sandbox","__orchestrator":"langgraph"}}`)
	_, second := doJSON(t, http.MethodPost, srv.URL+"/api/v1/proposals",
		`{"tool":"fs.list_dir","args":{"path":"/sandbox"}}`)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/runs?limit=10", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("runs status = %d, want 200", resp.StatusCode)
	}
	runs, _ := body["runs"].([]interface{})
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	newest, _ := runs[0].(map[string]interface{})
	if newest["id"] != second["run_id"] {
		t.Errorf("runs[0].id = %v, want newest run %v", newest["id"], second["run_id"])
	}

	runID, _ := first["run_id"].(string)
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/runs/"+runID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run detail status = %d, want 200", resp.StatusCode)
	}
	run, _ := body["run"].(map[string]interface{})
	if run["orchestrator"] != "langgraph" {
		t.Errorf("run orchestrator = %v, want langgraph", run["orchestrator"])
	}
	calls, _ := body["tool_calls"].([]interface{})
	if len(calls) != 1 {
		t.Fatalf("len(tool_calls) = %d, want 1", len(calls))
	}
	entry, _ := calls[0].(map[string]interface{})
	if entry["decision"] == nil {
		t.Error("run detail call missing its decision")
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/runs/ghost", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/runs?limit=zero", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp.StatusCode)
	}
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("healthz body = %v", body)
	}

	doJSON(t, http.MethodPost, srv.URL+"/api/v1/proposals",
		`{"tool":"fs.list_dir","args":{"path":"/sandbox"}}`)

	metricsResp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error: %v", err)
	}
	defer func() { _ = metricsResp.Body.Close() }()
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", metricsResp.StatusCode)
	}
	raw, _ := io.ReadAll(metricsResp.Body)
	if !strings.Contains(string(raw), "toolgate_tool_calls_total") {
		t.Error("metrics output missing toolgate_tool_calls_total")
	}
	if !strings.Contains(string(raw), "toolgate_decision_latency_ms") {
		t.Error("metrics output missing toolgate_decision_latency_ms")
	}
}

func TestAPI_BearerAuth(t *testing.T) {
	t.Parallel()

	hash, err := auth.HashKey("tg_test_key")
	if err != nil {
		t.Fatalf("HashKey() error: %v", err)
	}
	srv, _ := newTestServer(t, WithAPIKeyHashes([]string{hash}))

	// No token.
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/approvals", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	// Wrong token.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/approvals", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", resp.StatusCode)
	}

	// Valid token.
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/v1/approvals", nil)
	req.Header.Set("Authorization", "Bearer tg_test_key")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}

	// Health stays open.
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200 without auth", resp.StatusCode)
	}
}
