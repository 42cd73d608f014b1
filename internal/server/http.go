// Package server provides the HTTP driver over the query router and
// evaluation engine.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tkaneda/queryloop/internal/auth"
	"github.com/tkaneda/queryloop/internal/evaluation"
	"github.com/tkaneda/queryloop/internal/repository"
	"github.com/tkaneda/queryloop/internal/router"
)

// HTTPServer wraps the chi router and http.Server.
type HTTPServer struct {
	server *http.Server
	mux    *chi.Mux
	logger *slog.Logger
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port   int
	Logger *slog.Logger
}

// Deps holds the components the HTTP handlers drive.
type Deps struct {
	Router     *router.Router
	Engine     *evaluation.Engine
	Repo       repository.GroupRepository
	Auth       *auth.APIKeyMiddleware
	JWTManager *auth.JWTManager
}

// NewHTTPServer creates the HTTP server and mounts all routes.
func NewHTTPServer(cfg HTTPServerConfig, deps Deps) *HTTPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(requestLoggingMiddleware(logger))
	mux.Use(middleware.Recoverer)

	mux.Get("/healthz", healthCheckHandler())
	mux.Get("/readyz", readinessCheckHandler())

	h := &handlers{deps: deps, logger: logger}

	mux.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireClient)
			r.Post("/query", h.resolveQuery)
			r.Get("/groups", h.listGroups)
			r.Get("/groups/{groupID}", h.getGroup)
			r.Get("/groups/{groupID}/queries", h.listGroupQueries)
		})
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireAdmin)
			r.Post("/groups/{groupID}/cycle", h.runCycle)
			r.Delete("/queries/{queryID}/evaluation", h.deleteEvaluation)
			r.Post("/auth/token", h.issueToken)
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return &HTTPServer{server: server, mux: mux, logger: logger}
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// healthCheckHandler returns a handler for the /healthz endpoint
func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// readinessCheckHandler returns a handler for the /readyz endpoint
func readinessCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
