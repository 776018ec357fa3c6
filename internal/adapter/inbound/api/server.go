package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Server runs the REST API over HTTP.
type Server struct {
	handler *Handler
	server  *http.Server
	addr    string
	promReg *prometheus.Registry
	logger  *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8080"
// (localhost only).
func WithAddr(addr string) ServerOption {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithRegistry supplies a shared Prometheus registry. When omitted the
// server creates its own with the standard Go and process collectors.
func WithRegistry(reg *prometheus.Registry) ServerOption {
	return func(s *Server) {
		s.promReg = reg
	}
}

// NewServer creates an HTTP server around the REST handler.
func NewServer(handler *Handler, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		handler: handler,
		addr:    "127.0.0.1:8080",
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.promReg == nil {
		s.promReg = prometheus.NewRegistry()
		s.promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return s
}

// Registry returns the Prometheus registry backing /metrics. Register
// application metrics here before calling Start.
func (s *Server) Registry() *prometheus.Registry {
	return s.promReg
}

// Start begins serving and blocks until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler.Routes(s.promReg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown drains in-flight requests.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
