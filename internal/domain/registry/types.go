// Package registry defines downstream tool servers and the namespaced
// tool catalog discovered from them.
package registry

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Backend types understood by the backend factory.
const (
	// BackendHTTP posts tool calls to a JSON endpoint.
	BackendHTTP = "http"
	// BackendStdio speaks line-oriented JSON-RPC to a subprocess.
	BackendStdio = "stdio"
	// BackendMock serves a fixed in-memory tool set for dev and tests.
	BackendMock = "mock"
)

// MaxToolsPerServer caps the catalog size per registered server.
const MaxToolsPerServer = 1000

// namePattern validates server names: alphanumeric with dashes and
// underscores, 1-64 chars.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Server is a registered downstream tool server.
type Server struct {
	// ID is the stable server identifier (uuid).
	ID string `json:"id"`
	// Name is a human-readable label, unique across servers.
	Name string `json:"name"`
	// BackendType selects the transport: http, stdio, or mock.
	BackendType string `json:"backend_type"`
	// BaseURL is the endpoint for http backends.
	BaseURL string `json:"base_url,omitempty"`
	// Command and Args launch the subprocess for stdio backends.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	// Prefix namespaces the server's tools, trailing dot included.
	Prefix string `json:"prefix"`
	// AuthHeader and AuthToken configure a static auth header for
	// http backends. AuthToken is never serialized.
	AuthHeader string `json:"auth_header,omitempty"`
	AuthToken  string `json:"-"`
	// Markers filters discovery: when set, only advertised tools whose
	// name or description contains one of the markers are synced.
	Markers []string `json:"markers,omitempty"`
	// DefaultVerdict applies to the server's tools when no builtin or
	// expression rule claims them. Unknown values collapse to BLOCK.
	DefaultVerdict string `json:"default_verdict"`
	// BaseRisk is the base risk score for the server's tools.
	BaseRisk float64 `json:"base_risk"`
	// Enabled servers participate in routing and sync.
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks registration fields before persisting.
func (s *Server) Validate() error {
	if !namePattern.MatchString(s.Name) {
		return fmt.Errorf("server name %q must be 1-64 alphanumeric, dash, or underscore characters", s.Name)
	}
	switch s.BackendType {
	case BackendHTTP:
		if s.BaseURL == "" {
			return fmt.Errorf("http server %q requires base_url", s.Name)
		}
		if !strings.HasPrefix(s.BaseURL, "http://") && !strings.HasPrefix(s.BaseURL, "https://") {
			return fmt.Errorf("base_url %q must use http or https", s.BaseURL)
		}
	case BackendStdio:
		if s.Command == "" {
			return fmt.Errorf("stdio server %q requires a command", s.Name)
		}
	case BackendMock:
		// No transport config.
	default:
		return fmt.Errorf("unknown backend type %q", s.BackendType)
	}
	return nil
}

// Tool is one entry in the namespaced catalog.
type Tool struct {
	// Name is the fully namespaced tool name (server prefix + bare name).
	Name string `json:"name"`
	// ServerID owns this catalog entry.
	ServerID    string          `json:"server_id"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	SyncedAt    time.Time       `json:"synced_at"`
}

// ToolSpec is a tool as advertised by a backend, before namespacing.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// MatchesMarkers reports whether the advertised tool passes the
// server's marker filter. An empty marker list admits everything.
func (t ToolSpec) MatchesMarkers(markers []string) bool {
	if len(markers) == 0 {
		return true
	}
	name := strings.ToLower(t.Name)
	desc := strings.ToLower(t.Description)
	for _, m := range markers {
		m = strings.ToLower(m)
		if m == "" {
			continue
		}
		if strings.Contains(name, m) || strings.Contains(desc, m) {
			return true
		}
	}
	return false
}
