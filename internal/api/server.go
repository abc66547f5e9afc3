package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/keel/internal/auth"
	"github.com/mattjoyce/keel/internal/config"
	"github.com/mattjoyce/keel/internal/events"
	"github.com/mattjoyce/keel/internal/log"
	"github.com/mattjoyce/keel/internal/runstore"
	"github.com/mattjoyce/keel/internal/workflow"
)

// RunReader defines the run store queries the API serves.
type RunReader interface {
	List(ctx context.Context, f runstore.Filter) ([]runstore.Run, error)
	Get(ctx context.Context, runID string) (*runstore.Run, error)
}

// Submitter starts workflows in the background. *pipeline.Supervisor
// implements it.
type Submitter interface {
	Submit(def *workflow.Definition, ev workflow.Event) (bool, error)
	InFlight() int
}

// Catalog supplies the workflows that can be triggered by name.
type Catalog interface {
	Definitions() []*workflow.Definition
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single admin bearer token.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.Token
}

// FromGlobalConfig converts the api section of the service config. Unnamed
// tokens are named after their position.
func FromGlobalConfig(cfg config.APIConfig) Config {
	out := Config{Listen: cfg.Listen, APIKey: cfg.Auth.APIKey}
	for i, t := range cfg.Auth.Tokens {
		name := t.Name
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		out.Tokens = append(out.Tokens, auth.Token{Name: name, Secret: t.Token, Scopes: t.Scopes})
	}
	return out
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	keyring   *auth.Keyring
	runs      RunReader
	hub       *events.Hub
	submitter Submitter
	catalog   Catalog
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. submitter and catalog may be nil,
// in which case manual triggers are refused.
func New(config Config, runs RunReader, hub *events.Hub, submitter Submitter, catalog Catalog, logger *slog.Logger) *Server {
	if logger == nil {
		logger = log.WithComponent("api")
	}
	return &Server{
		config:    config,
		keyring:   auth.NewKeyring(config.APIKey, config.Tokens),
		runs:      runs,
		hub:       hub,
		submitter: submitter,
		catalog:   catalog,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No write timeout: /events streams for as long as the client stays.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "credentials", s.keyring.Len())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(config.ScopeRunsRead)).Get("/runs", s.handleListRuns)
		r.With(s.requireScopes(config.ScopeRunsRead)).Get("/runs/{runID}", s.handleGetRun)
		r.With(s.requireScopes(config.ScopeRunsWrite)).Post("/workflows/{workflow}/runs", s.handleTrigger)
		r.With(s.requireScopes(config.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
