package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/keel/internal/log"
	"github.com/mattjoyce/keel/internal/trigger"
	"github.com/mattjoyce/keel/internal/workflow"
)

// Server represents the webhook HTTP server.
type Server struct {
	config    Config
	catalog   Catalog
	submitter Submitter
	logger    *slog.Logger
	server    *http.Server

	// endpoints maps URL paths to their configurations
	endpoints map[string]*EndpointConfig
}

// New creates a new webhook server instance.
func New(config Config, catalog Catalog, submitter Submitter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = log.WithComponent("webhook")
	}
	endpoints := make(map[string]*EndpointConfig)
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = DefaultSignatureHeader
		}
		if ep.EventHeader == "" {
			ep.EventHeader = DefaultEventHeader
		}
		endpoints[ep.Path] = ep
	}

	return &Server{
		config:    config,
		catalog:   catalog,
		submitter: submitter,
		logger:    logger,
		endpoints: endpoints,
	}
}

// Start starts the webhook HTTP server and blocks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}
	return r
}

// loggingMiddleware logs requests without their payloads.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, endpoint.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if err := verifySignature(body, r.Header.Get(endpoint.SignatureHeader), endpoint.Secret); err != nil {
		s.logger.Warn("webhook signature verification failed", "path", r.URL.Path, "header", endpoint.SignatureHeader)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	kind := r.Header.Get(endpoint.EventHeader)
	delivery := r.Header.Get(deliveryHeader)
	switch workflow.EventKind(kind) {
	case workflow.EventPush, workflow.EventPullRequest:
	case "ping":
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	default:
		s.logger.Info("webhook event ignored", "kind", kind, "delivery", delivery)
		s.respondJSON(w, http.StatusOK, SubmitResponse{Started: []string{}, Ignored: []string{kind}, Delivery: delivery})
		return
	}

	ev, err := trigger.ParseGitHubEvent(kind, body)
	if err != nil {
		s.logger.Warn("webhook payload rejected", "kind", kind, "delivery", delivery, "error", err)
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := SubmitResponse{Event: ev, Started: []string{}, Delivery: delivery}
	for _, def := range s.catalog.Definitions() {
		if len(endpoint.Workflows) > 0 && !slices.Contains(endpoint.Workflows, def.Name()) {
			continue
		}
		started, err := s.submitter.Submit(def, ev)
		switch {
		case errors.Is(err, workflow.ErrInvalidEvent):
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		case err != nil:
			s.logger.Error("failed to submit webhook event", "workflow", def.Name(), "error", err)
			s.respondError(w, http.StatusServiceUnavailable, "not accepting events")
			return
		case started:
			resp.Started = append(resp.Started, def.Name())
		default:
			resp.Ignored = append(resp.Ignored, def.Name())
		}
	}

	s.logger.Info("webhook event submitted",
		"kind", ev.Kind,
		"branch", ev.Branch,
		"delivery", delivery,
		"started", resp.Started,
	)

	status := http.StatusOK
	if len(resp.Started) > 0 {
		status = http.StatusAccepted
	}
	s.respondJSON(w, status, resp)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
