// Package server exposes the council over HTTP: conversation CRUD, blocking
// turns, and turns streamed as server-sent events or over a websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rand/council/internal/budget"
	"github.com/rand/council/internal/config"
	"github.com/rand/council/internal/gateway"
	"github.com/rand/council/internal/pipeline"
	"github.com/rand/council/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Options configures a Server.
type Options struct {
	Orchestrator *pipeline.Orchestrator
	Store        store.Store

	// Breakers is reported by the health endpoint when set.
	Breakers *gateway.BreakerRegistry

	// Budget is reported by the health endpoint when set.
	Budget *budget.Tracker

	Config config.ServerConfig
	Logger *slog.Logger
}

// Server serves the council API.
type Server struct {
	orch     *pipeline.Orchestrator
	store    store.Store
	breakers *gateway.BreakerRegistry
	budget   *budget.Tracker
	config   config.ServerConfig
	logger   *slog.Logger

	heartbeat time.Duration
}

// New creates a server. Orchestrator and Store are required.
func New(opts Options) (*Server, error) {
	if opts.Orchestrator == nil || opts.Store == nil {
		return nil, errors.New("server requires an orchestrator and a store")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Config.Addr == "" {
		opts.Config.Addr = config.DefaultAddr
	}
	return &Server{
		orch:     opts.Orchestrator,
		store:    opts.Store,
		breakers: opts.Breakers,
		budget:   opts.Budget,
		config:   opts.Config,
		logger:   opts.Logger,

		heartbeat: sseHeartbeatInterval,
	}, nil
}

// Handler returns the routed API with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", restHandler(s.handleHealth))
	mux.HandleFunc("GET /api/conversations", restHandler(s.handleListConversations))
	mux.HandleFunc("POST /api/conversations", restHandler(s.handleCreateConversation))
	mux.HandleFunc("GET /api/conversations/{id}", restHandler(s.handleGetConversation))
	mux.HandleFunc("DELETE /api/conversations/{id}", restHandler(s.handleDeleteConversation))
	mux.HandleFunc("POST /api/conversations/{id}/message", restHandler(s.handleSendMessage))
	mux.HandleFunc("POST /api/conversations/{id}/message/stream", s.handleStreamMessage)
	mux.HandleFunc("GET /api/conversations/{id}/ws", s.handleWebSocket)

	var handler http.Handler = mux
	handler = corsMiddleware(s.config.AllowedOrigins, handler)
	handler = recoverMiddleware(handler)
	handler = loggingMiddleware(s.logger, handler)
	return handler
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Council server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		s.logger.Info("Council server shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}
