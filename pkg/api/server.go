package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goclaw/conductor/config"
	"github.com/goclaw/conductor/pkg/logger"
)

// DefaultShutdownTimeout bounds Shutdown when the configuration leaves it unset.
const DefaultShutdownTimeout = 10 * time.Second

// Server defines the interface for HTTP server lifecycle management.
type Server interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// HTTPServer is the ops HTTP server.
type HTTPServer struct {
	cfg    config.OpsConfig
	server *http.Server
	logger logger.Logger
}

// NewHTTPServer creates the ops server for cfg.Ops.
func NewHTTPServer(cfg *config.Config, log logger.Logger, h *Handlers) *HTTPServer {
	if log == nil {
		log = logger.Global()
	}
	log = log.With("component", "ops")
	ops := cfg.Ops
	return &HTTPServer{
		cfg: ops,
		server: &http.Server{
			Addr:              net.JoinHostPort(ops.Host, fmt.Sprint(ops.Port)),
			Handler:           NewRouter(cfg, log, h),
			ReadTimeout:       ops.ReadTimeout,
			ReadHeaderTimeout: ops.ReadTimeout,
			WriteTimeout:      ops.WriteTimeout,
		},
		logger: log,
	}
}

// Addr returns the listen address.
func (s *HTTPServer) Addr() string {
	return s.server.Addr
}

// Handler returns the router served by s.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

// Start listens and serves until Shutdown.
func (s *HTTPServer) Start() error {
	s.logger.Info("starting ops server",
		"addr", s.server.Addr,
		"read_timeout", s.cfg.ReadTimeout,
		"write_timeout", s.cfg.WriteTimeout,
	)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, bounded by ShutdownTimeout.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown ops server: %w", err)
	}
	s.logger.Info("ops server stopped")
	return nil
}

var _ Server = (*HTTPServer)(nil)
