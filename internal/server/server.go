// Package server sets up the HTTP server, router, and all route
// definitions.
//
// This is the composition root below main: it owns the store, the secret
// backend, and the authenticator, wires the service and handler layers on
// top of them, and tears everything down on shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/identity-vault/internal/flow"
	"github.com/sakif/identity-vault/internal/gateway"
	"github.com/sakif/identity-vault/internal/handler"
	"github.com/sakif/identity-vault/internal/middleware"
	"github.com/sakif/identity-vault/internal/secret"
	"github.com/sakif/identity-vault/internal/service"
	"github.com/sakif/identity-vault/internal/store"
)

// Config holds server configuration.
type Config struct {
	Port        int
	DBPath      string // store location; store.Ephemeral for in-memory
	SecretsPath string // directory for the file secret backend
	Passphrase  string // passphrase protecting the secret backend

	AppName        string
	Website        string
	RedirectScheme string
}

// Server owns the HTTP router and every long-lived dependency beneath it.
type Server struct {
	router *chi.Mux
	config Config
	logger *slog.Logger
	store  *store.Store
	auth   *flow.Authenticator
}

// New opens the store and secret backend and wires the dependency graph:
// store → service → handler, plus the authenticator for the browse variant
// and the startup orphaned-secret sweep.
func New(cfg Config, consent gateway.Consent, logger *slog.Logger) (*Server, error) {
	var secrets secret.Store
	if cfg.DBPath == store.Ephemeral {
		secrets = secret.NewMemory()
	} else {
		secrets = secret.NewFile(cfg.SecretsPath, cfg.Passphrase)
	}

	st, err := store.Open(cfg.DBPath, secrets, logger)
	if err != nil {
		return nil, fmt.Errorf("opening identity store: %w", err)
	}

	auth := flow.New(flow.Config{
		AppName:        cfg.AppName,
		Website:        cfg.Website,
		RedirectScheme: cfg.RedirectScheme,
	}, st, secrets, gateway.NewHTTPNetwork(nil), consent, logger)

	if purged, err := auth.PurgeOrphanedSecrets(context.Background()); err != nil {
		logger.Warn("orphaned secret sweep failed", slog.String("error", err.Error()))
	} else if len(purged) > 0 {
		logger.Info("orphaned secrets purged", slog.Int("count", len(purged)))
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		store:  st,
		auth:   auth,
	}

	identityService := service.NewIdentityService(st, secrets, logger)
	s.setupRoutes(identityService)

	return s, nil
}

func (s *Server) setupRoutes(identities *service.IdentityService) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	identityHandler := handler.NewIdentityHandler(identities, s.auth, s.logger)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/identities", identityHandler.HandleList)
		r.Get("/identities/recent", identityHandler.HandleRecent)
		r.Get("/identities/most-recent", identityHandler.HandleMostRecentlyUsed)
		r.Get("/identities/watch", identityHandler.HandleWatch)
		r.Post("/identities", identityHandler.HandleBrowse)
		r.Get("/identities/{id}", identityHandler.HandleGet)
		r.Post("/identities/{id}/touch", identityHandler.HandleTouch)
		r.Delete("/identities/{id}", identityHandler.HandleDelete)
	})
}

// Start runs the HTTP server until SIGINT/SIGTERM, then shuts down
// gracefully: in-flight requests get 30 seconds, after which the store is
// closed (which also drains every open observation).
func (s *Server) Start() error {
	defer s.store.Close()

	// No WriteTimeout: the watch endpoint holds its response open
	// indefinitely.
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.config.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("database", s.config.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
