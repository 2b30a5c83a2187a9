// Package server is the orchestrator tying the Wayfarer components
// together: storage, auth, the travel agent, the WebSocket gateway, and
// the HTTP API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wayfarer-labs/wayfarer/internal/agent"
	"github.com/wayfarer-labs/wayfarer/internal/api"
	"github.com/wayfarer-labs/wayfarer/internal/auth"
	"github.com/wayfarer-labs/wayfarer/internal/config"
	"github.com/wayfarer-labs/wayfarer/internal/store"
	"github.com/wayfarer-labs/wayfarer/internal/ws"
)

// Server is the main Wayfarer process.
type Server struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	gateway      *ws.Gateway
	api          *api.Server
	logger       *slog.Logger
}

// New creates a server from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	// Create the travel agent backend.
	planner, err := agent.New(cfg.Agent)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init agent: %w", err)
	}

	// Wire the realtime gateway.
	gateway := ws.NewGateway(
		cfg.Chat,
		ws.NewOriginValidator(cfg.Server.AllowedOrigins, cfg.Server.IsProduction(), logger.With("component", "origin")),
		ws.NewPool(cfg.Chat.MaxPoolSize, logger.With("component", "pool")),
		authProvider,
		db,
		planner,
		cfg.Agent.Tools,
		&ws.Metrics{},
		logger.With("component", "ws"),
	)

	apiSrv := api.NewServer(db, authProvider, loginProvider, gateway, cfg, logger)

	s := &Server{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		gateway:      gateway,
		api:          apiSrv,
		logger:       logger.With("component", "server"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if len(cfg.Auth.JWTSecret) < 32 {
			logger.Warn("JWT secret is shorter than 32 characters, use a stronger secret in production")
		}
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin), change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		logger.Warn("allowed_origins is empty, every browser WebSocket handshake will be rejected")
	}

	return s, nil
}

// Gateway exposes the realtime gateway, mainly for tests.
func (s *Server) Gateway() *ws.Gateway {
	return s.gateway
}

// Run starts the HTTP server and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.api.Handler(),
	}

	s.gateway.Start()

	// Start retention purger.
	if s.cfg.Storage.Retention.Duration > 0 {
		go s.runRetentionPurger(ctx, s.cfg.Storage.Retention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("wayfarer listening", "addr", s.cfg.Server.Addr)
		if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		} else {
			s.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gracefully")

		// Stop accepting WebSocket upgrades and flush every batcher
		// before the listener goes away.
		s.gateway.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			s.logger.Info("http server stopped gracefully")
		}

		s.logger.Info("closing store")
		_ = s.store.Close()
		s.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		s.gateway.Stop()
		_ = s.store.Close()
		return err
	}
}

func (s *Server) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := s.store.PurgeOldMessages(ctx, cutoff); err != nil {
				s.logger.Warn("retention purge failed", "error", err)
			} else if n > 0 {
				s.logger.Info("retention purge deleted old messages", "count", n)
			}
		}
	}
}
