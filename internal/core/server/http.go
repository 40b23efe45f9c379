// Package server provides HTTP server lifecycle management for the segment gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/core/config"
)

// shutdownGrace bounds graceful shutdown when the caller's context has no deadline.
const shutdownGrace = 30 * time.Second

// HTTPServer manages HTTP server lifecycle.
type HTTPServer struct {
	server *http.Server
	config config.ServerConfig
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewHTTPServer wraps handler with the configured address and timeouts.
func NewHTTPServer(cfg config.ServerConfig, handler http.Handler, logger *zap.Logger) (*HTTPServer, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{
		server: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          zap.NewStdLog(logger.Named("http")),
		},
		config: cfg,
		logger: logger,
	}, nil
}

// Start binds listener and serves requests. It blocks until Shutdown is
// called, and returns nil in that case.
func (s *HTTPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.config.Addr(), err)
	}
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("segment gateway listening", zap.String("addr", listener.Addr().String()))

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address, or "" before Start binds.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully stops the server, waiting for in-flight requests until
// ctx is done or 30 seconds pass, then closes remaining connections.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, shutdownGrace)
		defer cancel()
	}
	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed, forced stop: %w", err)
	}
	return nil
}
