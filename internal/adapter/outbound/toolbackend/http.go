// Package toolbackend implements the outbound tool-execution adapters:
// HTTP, stdio JSON-RPC, and an in-memory mock, plus the factory that
// builds them from server registrations.
package toolbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Sentinel-Gate/Toolgate/internal/domain/registry"
	"github.com/Sentinel-Gate/Toolgate/internal/port/outbound"
)

// callTimeout bounds one tool execution over HTTP.
const callTimeout = 5 * time.Second

// discoveryTimeout bounds one tool listing over HTTP.
const discoveryTimeout = 10 * time.Second

// maxResponseSize caps response bodies read from downstream servers.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// maxErrorDetail caps the body excerpt carried in error messages.
const maxErrorDetail = 512

// HTTPBackend posts tool calls as JSON to a downstream server.
type HTTPBackend struct {
	endpoint   string
	authHeader string
	authToken  string
	client     *http.Client
	logger     *slog.Logger
}

// NewHTTPBackend creates an HTTP backend for the given base URL.
// The "/tools" path segment is appended unless the URL already ends in
// it or addresses an MCP-style endpoint.
func NewHTTPBackend(baseURL, authHeader, authToken string, logger *slog.Logger) *HTTPBackend {
	endpoint := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(endpoint, "/tools") && !strings.Contains(endpoint, "/mcp") {
		endpoint += "/tools"
	}
	return &HTTPBackend{
		endpoint:   endpoint,
		authHeader: authHeader,
		authToken:  authToken,
		client:     &http.Client{},
		logger:     logger,
	}
}

// CallTool posts {"tool": name, "args": {...}} and returns the decoded
// response body, with a single {"result": X} envelope unwrapped.
func (b *HTTPBackend) CallTool(ctx context.Context, tool string, args map[string]interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]interface{}{"tool": tool, "args": args})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	b.setAuth(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", tool, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("backend returned %d: %s", resp.StatusCode, truncate(body, maxErrorDetail))
	}

	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		// Non-JSON bodies pass through as strings.
		return string(body), nil
	}
	return unwrapResult(decoded), nil
}

// ListTools fetches the advertised tool list from the same endpoint.
func (b *HTTPBackend) ListTools(ctx context.Context) ([]registry.ToolSpec, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	b.setAuth(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("backend returned %d: %s", resp.StatusCode, truncate(body, maxErrorDetail))
	}

	// Servers respond with either {"tools": [...]} or a bare array.
	var wrapped struct {
		Tools []registry.ToolSpec `json:"tools"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Tools != nil {
		return wrapped.Tools, nil
	}
	var bare []registry.ToolSpec
	if err := json.Unmarshal(body, &bare); err != nil {
		return nil, fmt.Errorf("parse tool list: %w", err)
	}
	return bare, nil
}

// Close is a no-op; connections are pooled by the shared client.
func (b *HTTPBackend) Close() error { return nil }

func (b *HTTPBackend) setAuth(req *http.Request) {
	if b.authHeader != "" && b.authToken != "" {
		req.Header.Set(b.authHeader, b.authToken)
	}
}

// unwrapResult flattens a single {"result": X} envelope.
func unwrapResult(v interface{}) interface{} {
	if m, ok := v.(map[string]interface{}); ok && len(m) == 1 {
		if inner, ok := m["result"]; ok {
			return inner
		}
	}
	return v
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// Compile-time check against the backend port.
var _ outbound.ToolBackend = (*HTTPBackend)(nil)
