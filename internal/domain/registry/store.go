package registry

import (
	"context"
	"errors"
)

// Sentinel errors for registry store operations.
var (
	// ErrServerNotFound is returned when no server has the given ID.
	ErrServerNotFound = errors.New("server not found")
	// ErrDuplicateName is returned when a server name is already taken.
	ErrDuplicateName = errors.New("duplicate server name")
	// ErrDuplicatePrefix is returned when a prefix is already claimed.
	ErrDuplicatePrefix = errors.New("duplicate server prefix")
)

// Store persists server registrations and the synced tool catalog.
// Interface owned by domain per hexagonal architecture.
type Store interface {
	// CreateServer stores a new registration. Returns ErrDuplicateName
	// or ErrDuplicatePrefix on collisions.
	CreateServer(ctx context.Context, s *Server) error
	// UpdateServer overwrites an existing registration in place,
	// or ErrServerNotFound.
	UpdateServer(ctx context.Context, s *Server) error
	// GetServer returns a server by ID, or ErrServerNotFound.
	GetServer(ctx context.Context, id string) (*Server, error)
	// ListServers returns all registrations, oldest first.
	ListServers(ctx context.Context) ([]Server, error)

	// ReplaceServerTools swaps the server's catalog wholesale.
	ReplaceServerTools(ctx context.Context, serverID string, tools []Tool) error
	// ListTools returns the full namespaced catalog.
	ListTools(ctx context.Context) ([]Tool, error)
	// GetToolServer resolves a namespaced tool name to its server,
	// or ErrServerNotFound when no registered prefix matches.
	GetToolServer(ctx context.Context, toolName string) (*Server, error)
}
