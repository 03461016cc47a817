// Package api provides HTTP handlers and routing for the flowrun service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flexinfer/flowrun/internal/auth"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	authMW   *auth.Middleware
	rateMW   *auth.PerIPRateLimiter
}

// ServerOption customizes the server.
type ServerOption func(*Server)

// WithAuth installs an authentication middleware.
func WithAuth(mw *auth.Middleware) ServerOption {
	return func(s *Server) { s.authMW = mw }
}

// WithRateLimit installs a per-IP rate limiter.
func WithRateLimit(rl *auth.PerIPRateLimiter) ServerOption {
	return func(s *Server) { s.rateMW = rl }
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers, opts ...ServerOption) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")

	// Prometheus metrics
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Run management
	api.HandleFunc("/runs", s.handlers.CreateRun).Methods("POST")
	api.HandleFunc("/runs", s.handlers.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.DeleteRun).Methods("DELETE")
	api.HandleFunc("/runs/{id}/start", s.handlers.StartRun).Methods("POST")
	api.HandleFunc("/runs/{id}/cancel", s.handlers.CancelRun).Methods("POST")
	api.HandleFunc("/runs/{id}/events", s.handlers.StreamEvents).Methods("GET")

	// Artifacts
	api.HandleFunc("/runs/{id}/artifacts", s.handlers.ListArtifacts).Methods("GET")
	api.HandleFunc("/runs/{id}/artifacts/url", s.handlers.ArtifactDownloadURL).Methods("GET")

	// Plan management
	api.HandleFunc("/plans", s.handlers.CreatePlan).Methods("POST")
	api.HandleFunc("/plans", s.handlers.ListPlans).Methods("GET")
	api.HandleFunc("/plans/validate", s.handlers.ValidatePlan).Methods("POST")
	api.HandleFunc("/plans/{id}", s.handlers.GetPlan).Methods("GET")
	api.HandleFunc("/plans/{id}", s.handlers.UpdatePlan).Methods("PUT")
	api.HandleFunc("/plans/{id}", s.handlers.DeletePlan).Methods("DELETE")

	// RunStore diagnostics
	api.HandleFunc("/runstore/info", s.handlers.RunStoreInfo).Methods("GET")
	api.HandleFunc("/runstore/selfcheck", s.handlers.RunStoreSelfCheck).Methods("GET")

	// Apply middleware (outermost first)
	s.router.Use(s.handlers.RecoveryMiddleware)
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	if s.rateMW != nil {
		s.router.Use(s.rateMW.Handler)
	}
	if s.authMW != nil {
		s.router.Use(s.authMW.Handler)
	}
}
