package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sentinel-Gate/Toolgate/internal/domain/decision"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/registry"
)

func TestStore_StatusMonotonicity(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()

	call := &decision.ToolCall{
		ID:        "tc-1",
		RunID:     "run-1",
		ToolName:  "fs.write_file",
		Status:    decision.StatusPending,
		CreatedAt: time.Now(),
	}
	if err := s.CreateToolCall(ctx, call); err != nil {
		t.Fatalf("CreateToolCall() error: %v", err)
	}

	if err := s.UpdateToolCallStatus(ctx, "tc-1", decision.StatusDenied); err != nil {
		t.Fatalf("UpdateToolCallStatus(DENIED) error: %v", err)
	}
	if err := s.UpdateToolCallStatus(ctx, "tc-1", decision.StatusPending); !errors.Is(err, decision.ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}
}

func TestStore_ApprovalMetadata(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()

	call := &decision.ToolCall{
		ID:        "tc-1",
		RunID:     "run-1",
		ToolName:  "fs.write_file",
		Status:    decision.StatusPending,
		CreatedAt: time.Now(),
	}
	if err := s.CreateToolCall(ctx, call); err != nil {
		t.Fatalf("CreateToolCall() error: %v", err)
	}

	when := time.Now().UTC()
	if err := s.SetToolCallApproval(ctx, "tc-1", decision.StatusApproved, decision.Approval{
		Approver: "tester", Note: "ok", At: when,
	}); err != nil {
		t.Fatalf("SetToolCallApproval() error: %v", err)
	}

	got, err := s.GetToolCall(ctx, "tc-1")
	if err != nil {
		t.Fatalf("GetToolCall() error: %v", err)
	}
	if got.Status != decision.StatusApproved {
		t.Errorf("Status = %q, want APPROVED", got.Status)
	}
	if got.ApprovedBy != "tester" || got.ApprovalNote != "ok" {
		t.Errorf("approval meta = (%q, %q), want (tester, ok)", got.ApprovedBy, got.ApprovalNote)
	}
	if got.ApprovedAt == nil || !got.ApprovedAt.Equal(when) {
		t.Errorf("ApprovedAt = %v, want %v", got.ApprovedAt, when)
	}

	// FAILED is reachable from APPROVED and is terminal.
	if err := s.UpdateToolCallStatus(ctx, "tc-1", decision.StatusFailed); err != nil {
		t.Fatalf("UpdateToolCallStatus(FAILED) error: %v", err)
	}
	if err := s.UpdateToolCallStatus(ctx, "tc-1", decision.StatusExecuted); !errors.Is(err, decision.ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}
}

func TestStore_RunListing(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		if err := s.CreateRun(ctx, &decision.Run{ID: id, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("CreateRun(%s) error: %v", id, err)
		}
	}
	if err := s.CreateToolCall(ctx, &decision.ToolCall{ID: "tc-a", RunID: "run-2", Status: decision.StatusPending}); err != nil {
		t.Fatalf("CreateToolCall() error: %v", err)
	}
	if err := s.CreateToolCall(ctx, &decision.ToolCall{ID: "tc-b", RunID: "run-2", Status: decision.StatusPending}); err != nil {
		t.Fatalf("CreateToolCall() error: %v", err)
	}

	runs, err := s.ListRecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecentRuns() error: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-3" || runs[1].ID != "run-2" {
		t.Errorf("runs = %+v, want newest two", runs)
	}

	calls, err := s.ListToolCallsForRun(ctx, "run-2")
	if err != nil {
		t.Fatalf("ListToolCallsForRun() error: %v", err)
	}
	if len(calls) != 2 || calls[0].ID != "tc-a" || calls[1].ID != "tc-b" {
		t.Errorf("calls = %+v, want [tc-a tc-b] oldest first", calls)
	}
}

func TestStore_UpdateServer(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()

	srv := &registry.Server{ID: "s1", Name: "demo", BackendType: registry.BackendMock, Prefix: "mcp.demo.", Enabled: true}
	if err := s.CreateServer(ctx, srv); err != nil {
		t.Fatalf("CreateServer() error: %v", err)
	}

	updated := *srv
	updated.Prefix = "mcp.other."
	updated.BaseRisk = 0.7
	if err := s.UpdateServer(ctx, &updated); err != nil {
		t.Fatalf("UpdateServer() error: %v", err)
	}

	got, err := s.GetServer(ctx, "s1")
	if err != nil {
		t.Fatalf("GetServer() error: %v", err)
	}
	if got.Prefix != "mcp.other." || got.BaseRisk != 0.7 {
		t.Errorf("updated server = %+v", got)
	}

	ghost := registry.Server{ID: "ghost", Name: "x", BackendType: registry.BackendMock, Prefix: "mcp.x."}
	if err := s.UpdateServer(ctx, &ghost); !errors.Is(err, registry.ErrServerNotFound) {
		t.Errorf("error = %v, want ErrServerNotFound", err)
	}
}

func TestStore_LatestDecisionWins(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()

	first := &decision.Decision{ID: "d-1", ToolCallID: "tc-1", Verdict: decision.VerdictApprovalRequired}
	second := &decision.Decision{ID: "d-2", ToolCallID: "tc-1", Verdict: decision.VerdictAllow}
	if err := s.CreateDecision(ctx, first); err != nil {
		t.Fatalf("CreateDecision() error: %v", err)
	}
	if err := s.CreateDecision(ctx, second); err != nil {
		t.Fatalf("CreateDecision() error: %v", err)
	}

	got, err := s.GetDecisionForToolCall(ctx, "tc-1")
	if err != nil {
		t.Fatalf("GetDecisionForToolCall() error: %v", err)
	}
	if got.ID != "d-2" {
		t.Errorf("latest decision ID = %q, want d-2", got.ID)
	}

	recent, err := s.ListRecentDecisions(ctx, 1)
	if err != nil {
		t.Fatalf("ListRecentDecisions() error: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "d-2" {
		t.Errorf("recent = %+v, want [d-2]", recent)
	}
}

func TestStore_ConcurrentWrites(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			call := &decision.ToolCall{
				ID:     string(rune('a' + n)),
				Status: decision.StatusPending,
			}
			_ = s.CreateToolCall(ctx, call)
			_, _ = s.ListPendingToolCalls(ctx)
		}(i)
	}
	wg.Wait()

	pending, err := s.ListPendingToolCalls(ctx)
	if err != nil {
		t.Fatalf("ListPendingToolCalls() error: %v", err)
	}
	if len(pending) != 20 {
		t.Errorf("len(pending) = %d, want 20", len(pending))
	}
}

func TestStore_RegistryPrefixRouting(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()

	servers := []registry.Server{
		{ID: "s1", Name: "broad", BackendType: registry.BackendMock, Prefix: "mcp.", Enabled: true},
		{ID: "s2", Name: "narrow", BackendType: registry.BackendMock, Prefix: "mcp.github.", Enabled: true},
		{ID: "s3", Name: "disabled", BackendType: registry.BackendMock, Prefix: "mcp.github.admin.", Enabled: false},
	}
	for i := range servers {
		if err := s.CreateServer(ctx, &servers[i]); err != nil {
			t.Fatalf("CreateServer(%s) error: %v", servers[i].Name, err)
		}
	}

	got, err := s.GetToolServer(ctx, "mcp.github.admin.delete_repo")
	if err != nil {
		t.Fatalf("GetToolServer() error: %v", err)
	}
	// s3 is disabled, so the longest enabled prefix wins.
	if got.ID != "s2" {
		t.Errorf("GetToolServer() = %s, want s2", got.ID)
	}
}
