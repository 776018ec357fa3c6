package toolbackend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/Sentinel-Gate/Toolgate/internal/domain/registry"
	"github.com/Sentinel-Gate/Toolgate/internal/port/outbound"
	"github.com/Sentinel-Gate/Toolgate/pkg/wire"
)

// protocolVersion is sent in the initialize handshake.
const protocolVersion = "2024-11-05"

// stdioCallTimeout bounds one tool execution including process spawn.
const stdioCallTimeout = 15 * time.Second

// stdioDiscoveryTimeout bounds a full paginated discovery pass.
const stdioDiscoveryTimeout = 30 * time.Second

// defaultMaxDiscoveryPages caps tools/list pagination so a server
// returning a cycling cursor cannot spin discovery forever.
const defaultMaxDiscoveryPages = 100

// Scanner buffer sizes for reading server stdout lines.
const (
	initialScanBuffer = 256 * 1024
	maxScanBuffer     = 1024 * 1024
)

// maxStderrCapture caps the stderr excerpt kept for timeout diagnostics.
const maxStderrCapture = 4 * 1024

// StdioBackend speaks line-oriented JSON-RPC 2.0 to a subprocess.
// A fresh process is spawned per operation and torn down afterwards.
type StdioBackend struct {
	command  string
	args     []string
	maxPages int
	logger   *slog.Logger
}

// StdioOption configures a StdioBackend.
type StdioOption func(*StdioBackend)

// WithMaxDiscoveryPages overrides the tools/list pagination cap.
// Non-positive values keep the default.
func WithMaxDiscoveryPages(n int) StdioOption {
	return func(b *StdioBackend) {
		if n > 0 {
			b.maxPages = n
		}
	}
}

// NewStdioBackend creates a stdio backend for the given command line.
func NewStdioBackend(command string, args []string, logger *slog.Logger, opts ...StdioOption) *StdioBackend {
	b := &StdioBackend{
		command:  command,
		args:     args,
		maxPages: defaultMaxDiscoveryPages,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CallTool spawns the server, performs the initialize handshake, issues
// one tools/call, and normalizes the result.
func (b *StdioBackend) CallTool(ctx context.Context, tool string, args map[string]interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, stdioCallTimeout)
	defer cancel()

	sess, err := b.startSession(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.close()

	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := sess.call(ctx, "tools/call", map[string]interface{}{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	return normalizeContent(result), nil
}

// ListTools spawns the server and pages through tools/list. Pagination
// stops when the cursor is absent, unchanged, or the page cap is hit.
// Duplicate names are dropped, first advertisement wins.
func (b *StdioBackend) ListTools(ctx context.Context) ([]registry.ToolSpec, error) {
	ctx, cancel := context.WithTimeout(ctx, stdioDiscoveryTimeout)
	defer cancel()

	sess, err := b.startSession(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.close()

	var (
		specs  []registry.ToolSpec
		seen   = make(map[string]struct{})
		cursor string
	)

	for page := 0; page < b.maxPages; page++ {
		params := map[string]interface{}{}
		if cursor != "" {
			params["cursor"] = cursor
		}

		result, err := sess.call(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}

		var parsed struct {
			Tools      []registry.ToolSpec `json:"tools"`
			NextCursor string              `json:"nextCursor"`
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("re-encode tools/list result: %w", err)
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("parse tools/list result: %w", err)
		}

		for _, spec := range parsed.Tools {
			if _, dup := seen[spec.Name]; dup || spec.Name == "" {
				continue
			}
			seen[spec.Name] = struct{}{}
			specs = append(specs, spec)
		}

		if parsed.NextCursor == "" || parsed.NextCursor == cursor {
			break
		}
		cursor = parsed.NextCursor
	}

	return specs, nil
}

// Close is a no-op; sessions are per-operation.
func (b *StdioBackend) Close() error { return nil }

// session is one running server subprocess with the handshake done.
type session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner

	mu     sync.Mutex
	stderr bytes.Buffer
	nextID int64

	logger *slog.Logger
}

// startSession spawns the subprocess and completes the initialize
// handshake followed by the initialized notification.
func (b *StdioBackend) startSession(ctx context.Context) (*session, error) {
	cmd := exec.CommandContext(ctx, b.command, b.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	sess := &session{cmd: cmd, stdin: stdin, logger: b.logger}
	cmd.Stderr = &boundedWriter{buf: &sess.stderr, mu: &sess.mu, max: maxStderrCapture}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, initialScanBuffer), maxScanBuffer)
	sess.stdout = scanner

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("start %s: %w", b.command, err)
	}

	if err := sess.handshake(ctx); err != nil {
		sess.close()
		return nil, err
	}
	return sess, nil
}

// handshake sends initialize and the initialized notification.
func (s *session) handshake(ctx context.Context) error {
	_, err := s.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "tool-gate",
			"version": "1.0",
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	note, err := wire.EncodeNotification("notifications/initialized", nil)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.stdin, "%s\n", note); err != nil {
		return fmt.Errorf("send initialized: %w", err)
	}
	return nil
}

// call writes one request line and reads lines until the response with
// the matching id arrives. Unrelated lines (logs, notifications,
// responses to other ids) are skipped. On timeout the captured stderr
// is attached to the error and the process is terminated by the
// command context.
func (s *session) call(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	line, err := wire.EncodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(s.stdin, "%s\n", line); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	type readResult struct {
		value interface{}
		err   error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		for s.stdout.Scan() {
			resp, respID, err := wire.DecodeResponse(s.stdout.Bytes())
			if err != nil {
				s.logger.Debug("undecodable server line skipped", "error", err)
				continue
			}
			if resp == nil || respID == nil || *respID != id {
				continue
			}
			if resp.Error != nil {
				// Response.Error is a plain error; the wire shape with
				// code and message only surfaces via errors.As.
				var werr *jsonrpc.Error
				if errors.As(resp.Error, &werr) {
					resultCh <- readResult{err: fmt.Errorf("%s failed: %s (code %d)", method, werr.Message, werr.Code)}
				} else {
					resultCh <- readResult{err: fmt.Errorf("%s failed: %v", method, resp.Error)}
				}
				return
			}
			var value interface{}
			if len(resp.Result) > 0 {
				if err := json.Unmarshal(resp.Result, &value); err != nil {
					resultCh <- readResult{err: fmt.Errorf("parse %s result: %w", method, err)}
					return
				}
			}
			resultCh <- readResult{value: value}
			return
		}
		if err := s.stdout.Err(); err != nil {
			resultCh <- readResult{err: fmt.Errorf("read response: %w", err)}
			return
		}
		resultCh <- readResult{err: fmt.Errorf("EOF waiting for %s response", method)}
	}()

	select {
	case res := <-resultCh:
		return res.value, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%s timed out: %w; stderr: %s", method, ctx.Err(), s.stderrExcerpt())
	}
}

// close tears the session down: stdin EOF first, then kill.
func (s *session) close() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Debug("kill stdio server", "error", err)
		}
		_ = s.cmd.Wait()
	}
}

func (s *session) stderrExcerpt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	excerpt := strings.TrimSpace(s.stderr.String())
	if excerpt == "" {
		return "(empty)"
	}
	return excerpt
}

// boundedWriter collects writes up to max bytes, dropping the rest.
type boundedWriter struct {
	buf *bytes.Buffer
	mu  *sync.Mutex
	max int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if remaining := w.max - w.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

// normalizeContent unwraps the MCP tool-result shape: when the result
// carries content[0].text, the text is returned, re-parsed as JSON when
// it parses. Anything else passes through unchanged.
func normalizeContent(result interface{}) interface{} {
	m, ok := result.(map[string]interface{})
	if !ok {
		return result
	}
	content, ok := m["content"].([]interface{})
	if !ok || len(content) == 0 {
		return unwrapResult(m)
	}
	first, ok := content[0].(map[string]interface{})
	if !ok {
		return result
	}
	text, ok := first["text"].(string)
	if !ok {
		return result
	}

	var parsed interface{}
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		return parsed
	}
	return text
}

// Compile-time check against the backend port.
var _ outbound.ToolBackend = (*StdioBackend)(nil)
