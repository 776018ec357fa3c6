package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/Toolgate/internal/domain/decision"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/policy"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/registry"
)

// PrefixUpdater receives the prefix routes derived from enabled server
// registrations. Implemented by PolicyService.
type PrefixUpdater interface {
	SetPrefixRules(prefixes []policy.PrefixRule)
}

// RegistryService manages downstream server registrations and keeps the
// namespaced tool catalog and the policy prefix layer in sync.
type RegistryService struct {
	store    registry.Store
	factory  BackendFactory
	prefixes PrefixUpdater
	logger   *slog.Logger
}

// NewRegistryService creates a RegistryService and seeds the policy
// prefix layer from existing registrations.
func NewRegistryService(ctx context.Context, store registry.Store, factory BackendFactory, prefixes PrefixUpdater, logger *slog.Logger) (*RegistryService, error) {
	s := &RegistryService{
		store:    store,
		factory:  factory,
		prefixes: prefixes,
		logger:   logger,
	}
	if err := s.refreshPrefixes(ctx); err != nil {
		return nil, fmt.Errorf("seed prefix rules: %w", err)
	}
	return s, nil
}

// Register validates and persists a server registration. An existing
// registration matching by name or prefix is updated in place; a new
// one is created. Returns whether a new registration was created.
// Unknown backend types and malformed prefixes fail here, before
// anything is stored.
func (s *RegistryService) Register(ctx context.Context, srv *registry.Server) (bool, error) {
	if err := srv.Validate(); err != nil {
		return false, err
	}
	if err := policy.ValidatePrefix(srv.Prefix); err != nil {
		return false, err
	}

	if srv.DefaultVerdict == "" {
		srv.DefaultVerdict = string(decision.VerdictApprovalRequired)
	}
	if srv.BaseRisk == 0 {
		srv.BaseRisk = 0.5
	}
	srv.BaseRisk = decision.ClampRisk(srv.BaseRisk)

	// Fail fast on backend construction so a bad registration never
	// reaches the call path.
	backend, err := s.factory.ForServer(srv)
	if err != nil {
		return false, err
	}
	_ = backend.Close()

	existing, err := s.findExisting(ctx, srv)
	if err != nil {
		return false, err
	}

	srv.Enabled = true
	created := existing == nil
	if created {
		srv.ID = uuid.NewString()
		srv.CreatedAt = time.Now().UTC()
		if err := s.store.CreateServer(ctx, srv); err != nil {
			return false, err
		}
	} else {
		srv.ID = existing.ID
		srv.CreatedAt = existing.CreatedAt
		if err := s.store.UpdateServer(ctx, srv); err != nil {
			return false, err
		}
	}

	if err := s.refreshPrefixes(ctx); err != nil {
		return created, err
	}

	s.logger.Info("server registered",
		"server", srv.Name,
		"backend_type", srv.BackendType,
		"prefix", srv.Prefix,
		"created", created,
	)
	return created, nil
}

// findExisting locates the registration srv would replace, matching by
// name or prefix. A name and prefix claimed by two different servers is
// a conflict, not an upsert.
func (s *RegistryService) findExisting(ctx context.Context, srv *registry.Server) (*registry.Server, error) {
	servers, err := s.store.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}

	var existing *registry.Server
	for i := range servers {
		if servers[i].Name != srv.Name && servers[i].Prefix != srv.Prefix {
			continue
		}
		if existing != nil && existing.ID != servers[i].ID {
			return nil, fmt.Errorf("%w: %q already belongs to server %q",
				registry.ErrDuplicatePrefix, srv.Prefix, servers[i].Name)
		}
		existing = &servers[i]
	}
	return existing, nil
}

// SyncTools discovers the server's advertised tools, applies the marker
// filter, namespaces them under the server prefix, and swaps the
// catalog wholesale. Returns the number of tools synced.
func (s *RegistryService) SyncTools(ctx context.Context, serverID string) (int, error) {
	srv, err := s.store.GetServer(ctx, serverID)
	if err != nil {
		return 0, err
	}

	backend, err := s.factory.ForServer(srv)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil {
			s.logger.Debug("backend close failed", "server", srv.Name, "error", cerr)
		}
	}()

	specs, err := backend.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("discover tools for %q: %w", srv.Name, err)
	}

	now := time.Now().UTC()
	tools := make([]registry.Tool, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			continue
		}
		if !spec.MatchesMarkers(srv.Markers) {
			continue
		}
		tools = append(tools, registry.Tool{
			Name:        srv.Prefix + spec.Name,
			ServerID:    srv.ID,
			Description: spec.Description,
			InputSchema: spec.InputSchema,
			SyncedAt:    now,
		})
		if len(tools) >= registry.MaxToolsPerServer {
			s.logger.Warn("tool catalog truncated",
				"server", srv.Name, "cap", registry.MaxToolsPerServer)
			break
		}
	}

	if err := s.store.ReplaceServerTools(ctx, srv.ID, tools); err != nil {
		return 0, fmt.Errorf("replace tools for %q: %w", srv.Name, err)
	}

	// Re-derive prefix routes so the policy cache drops rulings made
	// against the previous catalog.
	if err := s.refreshPrefixes(ctx); err != nil {
		return 0, err
	}

	s.logger.Info("tools synced",
		"server", srv.Name,
		"advertised", len(specs),
		"synced", len(tools),
	)
	return len(tools), nil
}

// ListServers returns all registrations, oldest first.
func (s *RegistryService) ListServers(ctx context.Context) ([]registry.Server, error) {
	return s.store.ListServers(ctx)
}

// ListTools returns the full namespaced catalog.
func (s *RegistryService) ListTools(ctx context.Context) ([]registry.Tool, error) {
	return s.store.ListTools(ctx)
}

// refreshPrefixes rebuilds the policy prefix layer from enabled servers.
func (s *RegistryService) refreshPrefixes(ctx context.Context) error {
	servers, err := s.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}

	rules := make([]policy.PrefixRule, 0, len(servers))
	for _, srv := range servers {
		if !srv.Enabled {
			continue
		}
		rules = append(rules, policy.PrefixRule{
			Prefix:    srv.Prefix,
			Verdict:   decision.ParseVerdict(srv.DefaultVerdict),
			RiskScore: decision.ClampRisk(srv.BaseRisk),
			ServerID:  srv.ID,
		})
	}

	s.prefixes.SetPrefixRules(rules)
	return nil
}
