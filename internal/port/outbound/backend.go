// Package outbound defines the outbound port interfaces for reaching
// downstream tool servers and the policy graph.
package outbound

import (
	"context"

	"github.com/Sentinel-Gate/Toolgate/internal/domain/decision"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/registry"
)

// ToolBackend is the outbound port for executing tool calls.
// Adapters implement this per transport (http, stdio, mock).
type ToolBackend interface {
	// CallTool executes a tool with the given arguments and returns the
	// normalized result value.
	CallTool(ctx context.Context, tool string, args map[string]interface{}) (interface{}, error)

	// ListTools returns the tools the backend advertises, un-namespaced.
	ListTools(ctx context.Context) ([]registry.ToolSpec, error)

	// Close releases transport resources.
	Close() error
}

// CitationResolver is the outbound port for the governance graph.
// Resolution is best-effort: implementations degrade to empty citations
// on any failure and never surface errors to the decision pipeline.
type CitationResolver interface {
	// Resolve returns governance citations for a tool name.
	Resolve(ctx context.Context, tool string) decision.Citations
}
