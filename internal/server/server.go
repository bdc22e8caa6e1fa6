// ABOUTME: HTTP server hosting the websocket fan-out and health endpoints
// ABOUTME: Owns component lifecycle: store, registry, hub, connection manager

package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"log/slog"

	"github.com/2389/agent-ledger/internal/config"
	"github.com/2389/agent-ledger/internal/hub"
	"github.com/2389/agent-ledger/internal/realtime"
	"github.com/2389/agent-ledger/internal/registry"
	"github.com/2389/agent-ledger/internal/store"
)

// Server hosts the real-time history endpoints and owns the lifecycle of
// every component behind them.
type Server struct {
	config *config.Config
	logger *slog.Logger

	store      *store.SQLiteStore
	hub        *hub.Hub
	registry   *registry.Manager
	connMgr    *realtime.ConnectionManager
	httpServer *http.Server
}

// New builds a fully wired server from configuration. The store is opened
// (and migrated) eagerly so a bad database fails startup rather than the
// first request.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	st, err := store.NewSQLiteStore(store.Options{
		Path:         cfg.Database.Path,
		TablePrefix:  cfg.Storage.TablePrefix,
		StorageLimit: cfg.Storage.Limit,
		Debug:        cfg.Debug,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	h := hub.New(logger)
	reg := registry.NewManager(h, logger)
	connMgr := realtime.NewConnectionManager(h, reg, logger)

	s := &Server{
		config:   cfg,
		logger:   logger,
		store:    st,
		hub:      h,
		registry: reg,
		connMgr:  connMgr,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebsocket)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Store exposes the backing store, mainly for embedding callers that
// register agents themselves.
func (s *Server) Store() *store.SQLiteStore { return s.store }

// Registry exposes the agent registry for embedding callers.
func (s *Server) Registry() *registry.Manager { return s.registry }

// Hub exposes the event hub for embedding callers.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the HTTP server, drops live connections and closes the
// store. Safe to call once after Run returns.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	s.connMgr.Close()

	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	s.logger.Info("server shutdown complete")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}
