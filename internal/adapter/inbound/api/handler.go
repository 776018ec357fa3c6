// Package api provides the REST inbound adapter: proposal submission,
// approval actions, the decision feed, and server registry management.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sentinel-Gate/Toolgate/internal/domain/decision"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/registry"
	"github.com/Sentinel-Gate/Toolgate/internal/service"
)

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// Default and maximum page sizes for the decision feed.
const (
	defaultDecisionLimit = 50
	maxDecisionLimit     = 500
)

// Handler wires the REST routes to the application services.
type Handler struct {
	pipeline  *service.PipelineService
	approvals *service.ApprovalService
	registry  *service.RegistryService
	apiKeys   []string // argon2id hashes; empty disables auth
	logger    *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithAPIKeyHashes enables bearer auth against the given argon2id hashes.
func WithAPIKeyHashes(hashes []string) HandlerOption {
	return func(h *Handler) {
		h.apiKeys = hashes
	}
}

// NewHandler creates the REST handler.
func NewHandler(
	pipeline *service.PipelineService,
	approvals *service.ApprovalService,
	reg *service.RegistryService,
	logger *slog.Logger,
	opts ...HandlerOption,
) *Handler {
	h := &Handler{
		pipeline:  pipeline,
		approvals: approvals,
		registry:  reg,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the full route table. The metrics registry backs the
// /metrics endpoint; /healthz and /metrics bypass auth.
func (h *Handler) Routes(promReg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/proposals", h.propose)
	mux.HandleFunc("GET /api/v1/tool-calls/{id}", h.getToolCall)
	mux.HandleFunc("POST /api/v1/tool-calls/{id}/approve", h.approve)
	mux.HandleFunc("POST /api/v1/tool-calls/{id}/deny", h.deny)
	mux.HandleFunc("GET /api/v1/approvals", h.listApprovals)
	mux.HandleFunc("GET /api/v1/decisions", h.listDecisions)
	mux.HandleFunc("GET /api/v1/runs", h.listRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.getRun)

	mux.HandleFunc("POST /api/v1/servers", h.registerServer)
	mux.HandleFunc("GET /api/v1/servers", h.listServers)
	mux.HandleFunc("POST /api/v1/servers/{id}/sync", h.syncServer)
	mux.HandleFunc("GET /api/v1/tools", h.listTools)

	protected := h.authMiddleware(mux)

	outer := http.NewServeMux()
	outer.HandleFunc("GET /healthz", h.healthz)
	outer.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{
		Registry: promReg,
	}))
	outer.Handle("/api/", protected)

	return outer
}

// ProposalRequest is the JSON body for submitting a tool call.
type ProposalRequest struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// propose handles POST /api/v1/proposals.
func (h *Handler) propose(w http.ResponseWriter, r *http.Request) {
	var req ProposalRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Tool == "" {
		h.respondError(w, http.StatusBadRequest, "tool is required")
		return
	}

	td, err := h.pipeline.Propose(r.Context(), req.Tool, req.Args)
	if err != nil {
		h.logger.Error("proposal failed", "tool", req.Tool, "error", err)
		h.respondError(w, http.StatusInternalServerError, "proposal failed")
		return
	}

	h.respondJSON(w, http.StatusOK, td)
}

// toolCallView is the API shape of a persisted tool call with its decision.
type toolCallView struct {
	ToolCall *decision.ToolCall `json:"tool_call"`
	Decision *decision.Decision `json:"decision,omitempty"`
}

// getToolCall handles GET /api/v1/tool-calls/{id}.
func (h *Handler) getToolCall(w http.ResponseWriter, r *http.Request) {
	call, d, err := h.pipeline.GetToolCall(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, toolCallView{ToolCall: call, Decision: d})
}

// ApprovalActionRequest is the optional JSON body for approve and deny
// actions. Both fields may be empty; the approver defaults server-side.
type ApprovalActionRequest struct {
	Note     string `json:"note"`
	Approver string `json:"approver"`
}

// readApprovalAction decodes the optional approve/deny body.
func (h *Handler) readApprovalAction(w http.ResponseWriter, r *http.Request) (ApprovalActionRequest, bool) {
	var req ApprovalActionRequest
	if r.ContentLength > 0 {
		if err := h.readJSON(w, r, &req); err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid JSON body")
			return req, false
		}
	}
	return req, true
}

// approve handles POST /api/v1/tool-calls/{id}/approve.
func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readApprovalAction(w, r)
	if !ok {
		return
	}
	td, err := h.approvals.Approve(r.Context(), r.PathValue("id"), req.Note, req.Approver)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, td)
}

// deny handles POST /api/v1/tool-calls/{id}/deny.
func (h *Handler) deny(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readApprovalAction(w, r)
	if !ok {
		return
	}
	td, err := h.approvals.Deny(r.Context(), r.PathValue("id"), req.Note, req.Approver)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, td)
}

// listApprovals handles GET /api/v1/approvals.
func (h *Handler) listApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := h.approvals.ListPending(r.Context())
	if err != nil {
		h.logger.Error("list pending failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "list pending failed")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"pending": pending})
}

// listDecisions handles GET /api/v1/decisions?limit=N.
func (h *Handler) listDecisions(w http.ResponseWriter, r *http.Request) {
	limit := defaultDecisionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxDecisionLimit {
		limit = maxDecisionLimit
	}

	decisions, err := h.pipeline.ListRecentDecisions(r.Context(), limit)
	if err != nil {
		h.logger.Error("list decisions failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "list decisions failed")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"decisions": decisions})
}

// listRuns handles GET /api/v1/runs?limit=N.
func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultDecisionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxDecisionLimit {
		limit = maxDecisionLimit
	}

	runs, err := h.pipeline.ListRecentRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("list runs failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// getRun handles GET /api/v1/runs/{id}.
func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	detail, err := h.pipeline.GetRunDetail(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, detail)
}

// RegisterServerRequest is the JSON body for registering a tool server.
// AuthToken is accepted on input but never echoed back.
type RegisterServerRequest struct {
	Name           string   `json:"name"`
	BackendType    string   `json:"backend_type"`
	BaseURL        string   `json:"base_url"`
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	Prefix         string   `json:"prefix"`
	AuthHeader     string   `json:"auth_header"`
	AuthToken      string   `json:"auth_token"`
	Markers        []string `json:"markers"`
	DefaultVerdict string   `json:"default_verdict"`
	BaseRisk       float64  `json:"base_risk"`
}

// registerServer handles POST /api/v1/servers.
func (h *Handler) registerServer(w http.ResponseWriter, r *http.Request) {
	var req RegisterServerRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	srv := &registry.Server{
		Name:           req.Name,
		BackendType:    req.BackendType,
		BaseURL:        req.BaseURL,
		Command:        req.Command,
		Args:           req.Args,
		Prefix:         req.Prefix,
		AuthHeader:     req.AuthHeader,
		AuthToken:      req.AuthToken,
		Markers:        req.Markers,
		DefaultVerdict: req.DefaultVerdict,
		BaseRisk:       req.BaseRisk,
	}
	created, err := h.registry.Register(r.Context(), srv)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateName) || errors.Is(err, registry.ErrDuplicatePrefix) {
			h.respondError(w, http.StatusConflict, err.Error())
			return
		}
		// Validation failures carry actionable messages.
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.respondJSON(w, status, srv)
}

// listServers handles GET /api/v1/servers.
func (h *Handler) listServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.registry.ListServers(r.Context())
	if err != nil {
		h.logger.Error("list servers failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "list servers failed")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"servers": servers})
}

// syncServer handles POST /api/v1/servers/{id}/sync.
func (h *Handler) syncServer(w http.ResponseWriter, r *http.Request) {
	n, err := h.registry.SyncTools(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int{"synced": n})
}

// listTools handles GET /api/v1/tools.
func (h *Handler) listTools(w http.ResponseWriter, r *http.Request) {
	tools, err := h.registry.ListTools(r.Context())
	if err != nil {
		h.logger.Error("list tools failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "list tools failed")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"tools": tools})
}

// healthz reports liveness.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondStoreError maps domain errors to HTTP status codes.
func (h *Handler) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, decision.ErrNotFound), errors.Is(err, registry.ErrServerNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, decision.ErrNotPending), errors.Is(err, decision.ErrInvalidTransition):
		h.respondError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// respondJSON writes a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a JSON error response.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// readJSON decodes the request body with the size cap applied.
func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}
