// Package memory provides in-memory store implementations for tests
// and single-process development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Sentinel-Gate/Toolgate/internal/domain/decision"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/registry"
)

// Store is an in-memory governance store. Implements decision.Store
// and registry.Store. Thread-safe.
type Store struct {
	mu        sync.RWMutex
	runs      map[string]decision.Run
	calls     map[string]decision.ToolCall
	decisions map[string]decision.Decision // keyed by decision ID
	servers   map[string]registry.Server
	tools     map[string]registry.Tool // keyed by namespaced name
	seq       int
	order     map[string]int // insertion order for stable listing
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		runs:      make(map[string]decision.Run),
		calls:     make(map[string]decision.ToolCall),
		decisions: make(map[string]decision.Decision),
		servers:   make(map[string]registry.Server),
		tools:     make(map[string]registry.Tool),
		order:     make(map[string]int),
	}
}

// CreateRun stores a new run.
func (s *Store) CreateRun(ctx context.Context, run *decision.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.runs[run.ID] = *run
	s.order[run.ID] = s.seq
	return nil
}

// GetRun returns a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*decision.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, decision.ErrNotFound
	}
	return &run, nil
}

// ListRecentRuns returns up to limit runs, newest first.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]decision.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]decision.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] > s.order[out[j].ID] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateToolCall stores a new tool call.
func (s *Store) CreateToolCall(ctx context.Context, call *decision.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.calls[call.ID] = *call
	s.order[call.ID] = s.seq
	return nil
}

// GetToolCall returns a tool call by ID.
func (s *Store) GetToolCall(ctx context.Context, id string) (*decision.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	call, ok := s.calls[id]
	if !ok {
		return nil, decision.ErrNotFound
	}
	return &call, nil
}

// UpdateToolCallStatus advances a tool call's status.
func (s *Store) UpdateToolCallStatus(ctx context.Context, id string, next decision.Status) error {
	return s.setStatus(id, next, nil, nil)
}

// SetToolCallApproval advances the status and records who decided.
func (s *Store) SetToolCallApproval(ctx context.Context, id string, next decision.Status, a decision.Approval) error {
	return s.setStatus(id, next, nil, &a)
}

// SetToolCallResult records the execution result with a status change.
func (s *Store) SetToolCallResult(ctx context.Context, id string, result string, next decision.Status) error {
	return s.setStatus(id, next, &result, nil)
}

func (s *Store) setStatus(id string, next decision.Status, result *string, approval *decision.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[id]
	if !ok {
		return decision.ErrNotFound
	}
	if !call.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", decision.ErrInvalidTransition, call.Status, next)
	}
	call.Status = next
	if result != nil {
		call.Result = *result
	}
	if approval != nil {
		at := approval.At
		call.ApprovedBy = approval.Approver
		call.ApprovalNote = approval.Note
		call.ApprovedAt = &at
	}
	call.UpdatedAt = time.Now().UTC()
	s.calls[id] = call
	return nil
}

// ListPendingToolCalls returns calls awaiting approval, oldest first.
func (s *Store) ListPendingToolCalls(ctx context.Context) ([]decision.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []decision.ToolCall
	for _, call := range s.calls {
		if call.Status == decision.StatusPending {
			out = append(out, call)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListToolCallsForRun returns the run's calls, oldest first.
func (s *Store) ListToolCallsForRun(ctx context.Context, runID string) ([]decision.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []decision.ToolCall
	for _, call := range s.calls {
		if call.RunID == runID {
			out = append(out, call)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out, nil
}

// CreateDecision stores the audited decision for a tool call.
func (s *Store) CreateDecision(ctx context.Context, d *decision.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.decisions[d.ID] = *d
	s.order[d.ID] = s.seq
	return nil
}

// GetDecisionForToolCall returns the decision recorded for a call.
func (s *Store) GetDecisionForToolCall(ctx context.Context, toolCallID string) (*decision.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *decision.Decision
	bestSeq := -1
	for id, d := range s.decisions {
		if d.ToolCallID == toolCallID && s.order[id] > bestSeq {
			d := d
			best = &d
			bestSeq = s.order[id]
		}
	}
	if best == nil {
		return nil, decision.ErrNotFound
	}
	return best, nil
}

// ListRecentDecisions returns up to limit decisions, newest first.
func (s *Store) ListRecentDecisions(ctx context.Context, limit int) ([]decision.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]decision.Decision, 0, len(s.decisions))
	for _, d := range s.decisions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] > s.order[out[j].ID] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateServer stores a new server registration.
func (s *Store) CreateServer(ctx context.Context, srv *registry.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.servers {
		if existing.Name == srv.Name {
			return registry.ErrDuplicateName
		}
		if existing.Prefix == srv.Prefix {
			return registry.ErrDuplicatePrefix
		}
	}
	s.seq++
	s.servers[srv.ID] = *srv
	s.order[srv.ID] = s.seq
	return nil
}

// UpdateServer overwrites an existing registration in place.
func (s *Store) UpdateServer(ctx context.Context, srv *registry.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[srv.ID]; !ok {
		return registry.ErrServerNotFound
	}
	s.servers[srv.ID] = *srv
	return nil
}

// GetServer returns a server by ID.
func (s *Store) GetServer(ctx context.Context, id string) (*registry.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[id]
	if !ok {
		return nil, registry.ErrServerNotFound
	}
	return &srv, nil
}

// ListServers returns all registrations, oldest first.
func (s *Store) ListServers(ctx context.Context) ([]registry.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]registry.Server, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, srv)
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out, nil
}

// ReplaceServerTools swaps the server's catalog wholesale.
func (s *Store) ReplaceServerTools(ctx context.Context, serverID string, tools []registry.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, tool := range s.tools {
		if tool.ServerID == serverID {
			delete(s.tools, name)
		}
	}
	for _, tool := range tools {
		s.tools[tool.Name] = tool
	}
	return nil
}

// ListTools returns the full namespaced catalog.
func (s *Store) ListTools(ctx context.Context) ([]registry.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]registry.Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetToolServer resolves a namespaced tool name to the enabled server
// with the longest matching prefix.
func (s *Store) GetToolServer(ctx context.Context, toolName string) (*registry.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *registry.Server
	for id := range s.servers {
		srv := s.servers[id]
		if !srv.Enabled || !strings.HasPrefix(toolName, srv.Prefix) {
			continue
		}
		if best == nil || len(srv.Prefix) > len(best.Prefix) {
			srv := srv
			best = &srv
		}
	}
	if best == nil {
		return nil, registry.ErrServerNotFound
	}
	return best, nil
}

// Compile-time checks that Store implements both store ports.
var (
	_ decision.Store = (*Store)(nil)
	_ registry.Store = (*Store)(nil)
)
