// Package sqlite provides the durable governance store: runs, tool
// calls, decisions, and the server/tool registry, backed by a single
// SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/Sentinel-Gate/Toolgate/internal/domain/decision"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/registry"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	orchestrator TEXT NOT NULL DEFAULT '',
	agent_role TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_calls (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id),
	tool_name TEXT NOT NULL,
	args TEXT NOT NULL,
	status TEXT NOT NULL,
	result TEXT NOT NULL DEFAULT '',
	approved_by TEXT NOT NULL DEFAULT '',
	approval_note TEXT NOT NULL DEFAULT '',
	approved_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_status ON tool_calls(status);
CREATE INDEX IF NOT EXISTS idx_tool_calls_run ON tool_calls(run_id);

CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	tool_call_id TEXT NOT NULL REFERENCES tool_calls(id),
	verdict TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	risk_score REAL NOT NULL DEFAULT 0,
	citations TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_tool_call ON decisions(tool_call_id);

CREATE TABLE IF NOT EXISTS servers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	backend_type TEXT NOT NULL,
	base_url TEXT NOT NULL DEFAULT '',
	command TEXT NOT NULL DEFAULT '',
	args TEXT NOT NULL DEFAULT '[]',
	prefix TEXT NOT NULL UNIQUE,
	auth_header TEXT NOT NULL DEFAULT '',
	auth_token TEXT NOT NULL DEFAULT '',
	markers TEXT NOT NULL DEFAULT '[]',
	default_verdict TEXT NOT NULL DEFAULT 'APPROVAL_REQUIRED',
	base_risk REAL NOT NULL DEFAULT 0.5,
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tools (
	name TEXT PRIMARY KEY,
	server_id TEXT NOT NULL REFERENCES servers(id),
	description TEXT NOT NULL DEFAULT '',
	input_schema TEXT NOT NULL DEFAULT '',
	synced_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tools_server ON tools(server_id);
`

// Store is the SQLite-backed governance store. Implements both
// decision.Store and registry.Store.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the database at path and ensures the schema.
// Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// A single writer avoids SQLITE_BUSY under concurrent API calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun stores a new run.
func (s *Store) CreateRun(ctx context.Context, run *decision.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, orchestrator, agent_role, created_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Orchestrator, run.AgentRole, run.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun returns a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*decision.Run, error) {
	var run decision.Run
	err := s.db.QueryRowContext(ctx,
		`SELECT id, orchestrator, agent_role, created_at FROM runs WHERE id = ?`, id).
		Scan(&run.ID, &run.Orchestrator, &run.AgentRole, &run.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, decision.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select run: %w", err)
	}
	return &run, nil
}

// ListRecentRuns returns up to limit runs, newest first.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]decision.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, orchestrator, agent_role, created_at
		 FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer rows.Close()

	var out []decision.Run
	for rows.Next() {
		var run decision.Run
		if err := rows.Scan(&run.ID, &run.Orchestrator, &run.AgentRole, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// toolCallColumns is the column list shared by all tool_call selects,
// in scanToolCall order.
const toolCallColumns = `id, run_id, tool_name, args, status, result,
	 approved_by, approval_note, approved_at, created_at, updated_at`

// CreateToolCall stores a new tool call. Args must already be redacted.
func (s *Store) CreateToolCall(ctx context.Context, call *decision.ToolCall) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, run_id, tool_name, args, status, result,
		 approved_by, approval_note, approved_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.RunID, call.ToolName, call.Args, string(call.Status), call.Result,
		call.ApprovedBy, call.ApprovalNote, nullableTime(call.ApprovedAt),
		call.CreatedAt.UTC(), call.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

// GetToolCall returns a tool call by ID.
func (s *Store) GetToolCall(ctx context.Context, id string) (*decision.ToolCall, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE id = ?`, id)
	call, err := scanToolCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, decision.ErrNotFound
	}
	return call, err
}

// UpdateToolCallStatus advances a tool call's status inside a
// transaction so the monotonicity check and the write are atomic.
func (s *Store) UpdateToolCallStatus(ctx context.Context, id string, next decision.Status) error {
	return s.setStatus(ctx, id, next, nil, nil)
}

// SetToolCallApproval advances the status and records who decided.
func (s *Store) SetToolCallApproval(ctx context.Context, id string, next decision.Status, a decision.Approval) error {
	return s.setStatus(ctx, id, next, nil, &a)
}

// SetToolCallResult records the execution result with a status change.
func (s *Store) SetToolCallResult(ctx context.Context, id string, result string, next decision.Status) error {
	return s.setStatus(ctx, id, next, &result, nil)
}

func (s *Store) setStatus(ctx context.Context, id string, next decision.Status, result *string, approval *decision.Approval) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tool_calls WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return decision.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("select status: %w", err)
	}

	if !decision.Status(current).CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", decision.ErrInvalidTransition, current, next)
	}

	now := time.Now().UTC()
	switch {
	case result != nil:
		_, err = tx.ExecContext(ctx,
			`UPDATE tool_calls SET status = ?, result = ?, updated_at = ? WHERE id = ?`,
			string(next), *result, now, id)
	case approval != nil:
		_, err = tx.ExecContext(ctx,
			`UPDATE tool_calls SET status = ?, approved_by = ?, approval_note = ?, approved_at = ?, updated_at = ? WHERE id = ?`,
			string(next), approval.Approver, approval.Note, approval.At.UTC(), now, id)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE tool_calls SET status = ?, updated_at = ? WHERE id = ?`,
			string(next), now, id)
	}
	if err != nil {
		return fmt.Errorf("update tool call: %w", err)
	}

	return tx.Commit()
}

// ListPendingToolCalls returns calls awaiting approval, oldest first.
func (s *Store) ListPendingToolCalls(ctx context.Context) ([]decision.ToolCall, error) {
	return s.listToolCalls(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE status = ? ORDER BY created_at ASC, id ASC`,
		string(decision.StatusPending))
}

// ListToolCallsForRun returns the run's calls, oldest first.
func (s *Store) ListToolCallsForRun(ctx context.Context, runID string) ([]decision.ToolCall, error) {
	return s.listToolCalls(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE run_id = ? ORDER BY created_at ASC, id ASC`,
		runID)
}

func (s *Store) listToolCalls(ctx context.Context, query string, args ...interface{}) ([]decision.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select tool calls: %w", err)
	}
	defer rows.Close()

	var calls []decision.ToolCall
	for rows.Next() {
		call, err := scanToolCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *call)
	}
	return calls, rows.Err()
}

// CreateDecision stores the audited decision for a tool call.
func (s *Store) CreateDecision(ctx context.Context, d *decision.Decision) error {
	citations, err := json.Marshal(d.Citations)
	if err != nil {
		return fmt.Errorf("marshal citations: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, tool_call_id, verdict, reason, risk_score, citations, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ToolCallID, string(d.Verdict), d.Reason, d.RiskScore, string(citations),
		d.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// GetDecisionForToolCall returns the decision recorded for a call.
func (s *Store) GetDecisionForToolCall(ctx context.Context, toolCallID string) (*decision.Decision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tool_call_id, verdict, reason, risk_score, citations, created_at
		 FROM decisions WHERE tool_call_id = ? ORDER BY created_at DESC LIMIT 1`, toolCallID)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, decision.ErrNotFound
	}
	return d, err
}

// ListRecentDecisions returns up to limit decisions, newest first.
func (s *Store) ListRecentDecisions(ctx context.Context, limit int) ([]decision.Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tool_call_id, verdict, reason, risk_score, citations, created_at
		 FROM decisions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select decisions: %w", err)
	}
	defer rows.Close()

	var out []decision.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for shared scan code.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanToolCall(row scanner) (*decision.ToolCall, error) {
	var call decision.ToolCall
	var status string
	var approvedAt sql.NullTime
	if err := row.Scan(&call.ID, &call.RunID, &call.ToolName, &call.Args, &status,
		&call.Result, &call.ApprovedBy, &call.ApprovalNote, &approvedAt,
		&call.CreatedAt, &call.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("scan tool call: %w", err)
	}
	call.Status = decision.Status(status)
	if approvedAt.Valid {
		at := approvedAt.Time
		call.ApprovedAt = &at
	}
	return &call, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func scanDecision(row scanner) (*decision.Decision, error) {
	var d decision.Decision
	var verdict, citations string
	if err := row.Scan(&d.ID, &d.ToolCallID, &verdict, &d.Reason, &d.RiskScore,
		&citations, &d.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("scan decision: %w", err)
	}
	d.Verdict = decision.Verdict(verdict)
	if err := json.Unmarshal([]byte(citations), &d.Citations); err != nil {
		return nil, fmt.Errorf("unmarshal citations: %w", err)
	}
	d.Citations = d.Citations.Normalize()
	return &d, nil
}

// CreateServer stores a new server registration.
func (s *Store) CreateServer(ctx context.Context, srv *registry.Server) error {
	args, err := json.Marshal(srv.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	markers, err := json.Marshal(srv.Markers)
	if err != nil {
		return fmt.Errorf("marshal markers: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO servers (id, name, backend_type, base_url, command, args, prefix,
		 auth_header, auth_token, markers, default_verdict, base_risk, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		srv.ID, srv.Name, srv.BackendType, srv.BaseURL, srv.Command, string(args), srv.Prefix,
		srv.AuthHeader, srv.AuthToken, string(markers), srv.DefaultVerdict, srv.BaseRisk,
		boolToInt(srv.Enabled), srv.CreatedAt.UTC())
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "servers.name"):
			return registry.ErrDuplicateName
		case strings.Contains(msg, "servers.prefix"):
			return registry.ErrDuplicatePrefix
		}
		return fmt.Errorf("insert server: %w", err)
	}
	return nil
}

// UpdateServer overwrites an existing registration in place.
func (s *Store) UpdateServer(ctx context.Context, srv *registry.Server) error {
	args, err := json.Marshal(srv.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	markers, err := json.Marshal(srv.Markers)
	if err != nil {
		return fmt.Errorf("marshal markers: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE servers SET name = ?, backend_type = ?, base_url = ?, command = ?, args = ?,
		 prefix = ?, auth_header = ?, auth_token = ?, markers = ?, default_verdict = ?,
		 base_risk = ?, enabled = ? WHERE id = ?`,
		srv.Name, srv.BackendType, srv.BaseURL, srv.Command, string(args), srv.Prefix,
		srv.AuthHeader, srv.AuthToken, string(markers), srv.DefaultVerdict, srv.BaseRisk,
		boolToInt(srv.Enabled), srv.ID)
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "servers.name"):
			return registry.ErrDuplicateName
		case strings.Contains(msg, "servers.prefix"):
			return registry.ErrDuplicatePrefix
		}
		return fmt.Errorf("update server: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return registry.ErrServerNotFound
	}
	return nil
}

// GetServer returns a server by ID.
func (s *Store) GetServer(ctx context.Context, id string) (*registry.Server, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, backend_type, base_url, command, args, prefix,
		 auth_header, auth_token, markers, default_verdict, base_risk, enabled, created_at
		 FROM servers WHERE id = ?`, id)
	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrServerNotFound
	}
	return srv, err
}

// ListServers returns all registrations, oldest first.
func (s *Store) ListServers(ctx context.Context) ([]registry.Server, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, backend_type, base_url, command, args, prefix,
		 auth_header, auth_token, markers, default_verdict, base_risk, enabled, created_at
		 FROM servers ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("select servers: %w", err)
	}
	defer rows.Close()

	var out []registry.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *srv)
	}
	return out, rows.Err()
}

func scanServer(row scanner) (*registry.Server, error) {
	var srv registry.Server
	var args, markers string
	var enabled int
	if err := row.Scan(&srv.ID, &srv.Name, &srv.BackendType, &srv.BaseURL, &srv.Command,
		&args, &srv.Prefix, &srv.AuthHeader, &srv.AuthToken, &markers, &srv.DefaultVerdict,
		&srv.BaseRisk, &enabled, &srv.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("scan server: %w", err)
	}
	if err := json.Unmarshal([]byte(args), &srv.Args); err != nil {
		return nil, fmt.Errorf("unmarshal server args: %w", err)
	}
	if err := json.Unmarshal([]byte(markers), &srv.Markers); err != nil {
		return nil, fmt.Errorf("unmarshal server markers: %w", err)
	}
	srv.Enabled = enabled != 0
	return &srv, nil
}

// ReplaceServerTools swaps the server's catalog wholesale, in one
// transaction.
func (s *Store) ReplaceServerTools(ctx context.Context, serverID string, tools []registry.Tool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tools WHERE server_id = ?`, serverID); err != nil {
		return fmt.Errorf("clear tools: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tools (name, server_id, description, input_schema, synced_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, tool := range tools {
		if _, err := stmt.ExecContext(ctx, tool.Name, serverID, tool.Description,
			string(tool.InputSchema), tool.SyncedAt.UTC()); err != nil {
			return fmt.Errorf("insert tool %s: %w", tool.Name, err)
		}
	}

	return tx.Commit()
}

// ListTools returns the full namespaced catalog.
func (s *Store) ListTools(ctx context.Context) ([]registry.Tool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, server_id, description, input_schema, synced_at FROM tools ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("select tools: %w", err)
	}
	defer rows.Close()

	var out []registry.Tool
	for rows.Next() {
		var tool registry.Tool
		var schema string
		if err := rows.Scan(&tool.Name, &tool.ServerID, &tool.Description, &schema,
			&tool.SyncedAt); err != nil {
			return nil, fmt.Errorf("scan tool: %w", err)
		}
		if schema != "" {
			tool.InputSchema = json.RawMessage(schema)
		}
		out = append(out, tool)
	}
	return out, rows.Err()
}

// GetToolServer resolves a namespaced tool name to the enabled server
// with the longest matching prefix.
func (s *Store) GetToolServer(ctx context.Context, toolName string) (*registry.Server, error) {
	servers, err := s.ListServers(ctx)
	if err != nil {
		return nil, err
	}

	var best *registry.Server
	for i := range servers {
		srv := &servers[i]
		if !srv.Enabled || !strings.HasPrefix(toolName, srv.Prefix) {
			continue
		}
		if best == nil || len(srv.Prefix) > len(best.Prefix) {
			best = srv
		}
	}
	if best == nil {
		return nil, registry.ErrServerNotFound
	}
	return best, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time checks that Store implements both store ports.
var (
	_ decision.Store = (*Store)(nil)
	_ registry.Store = (*Store)(nil)
)
