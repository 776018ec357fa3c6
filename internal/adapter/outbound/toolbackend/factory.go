package toolbackend

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Sentinel-Gate/Toolgate/internal/domain/registry"
	"github.com/Sentinel-Gate/Toolgate/internal/port/outbound"
)

// ErrUnknownBackend is returned for backend types the factory cannot build.
var ErrUnknownBackend = errors.New("unknown backend type")

// Factory builds tool backends from server registrations.
type Factory struct {
	maxDiscoveryPages int
	logger            *slog.Logger
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithDiscoveryPageCap sets the tools/list pagination cap applied to
// the backends the factory builds. Non-positive values keep the
// default.
func WithDiscoveryPageCap(n int) FactoryOption {
	return func(f *Factory) {
		if n > 0 {
			f.maxDiscoveryPages = n
		}
	}
}

// NewFactory creates a backend factory.
func NewFactory(logger *slog.Logger, opts ...FactoryOption) *Factory {
	f := &Factory{
		maxDiscoveryPages: defaultMaxDiscoveryPages,
		logger:            logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ForServer constructs the backend for a registration. Unknown backend
// types fail here, at registration time, not on the call path.
func (f *Factory) ForServer(srv *registry.Server) (outbound.ToolBackend, error) {
	switch srv.BackendType {
	case registry.BackendHTTP:
		return NewHTTPBackend(srv.BaseURL, srv.AuthHeader, srv.AuthToken, f.logger), nil
	case registry.BackendStdio:
		return NewStdioBackend(srv.Command, srv.Args, f.logger,
			WithMaxDiscoveryPages(f.maxDiscoveryPages)), nil
	case registry.BackendMock:
		return NewMockBackend(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, srv.BackendType)
	}
}
