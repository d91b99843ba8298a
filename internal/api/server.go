// Package api exposes the REST surface: rules, campaigns, templates
// and per-campaign analytics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/salonhq/outreach/internal/analytics"
	"github.com/salonhq/outreach/internal/channel"
	"github.com/salonhq/outreach/internal/config"
	"github.com/salonhq/outreach/internal/metrics"
	"github.com/salonhq/outreach/internal/scheduler"
	"github.com/salonhq/outreach/internal/store"
	"github.com/salonhq/outreach/internal/targeting"
	"github.com/salonhq/outreach/internal/template"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	config     *config.Config

	rules       *store.RuleStore
	campaigns   *store.CampaignStore
	templates   *template.Storage
	resolver    *targeting.Resolver
	engine      *template.Engine
	dispatchers *channel.Registry
	scheduler   *scheduler.Scheduler
	aggregator  *analytics.Aggregator
	metrics     *metrics.Metrics

	logger    *slog.Logger
	startTime time.Time
}

// Deps bundles the server's collaborators.
type Deps struct {
	Config      *config.Config
	Store       *store.Store
	Templates   *template.Storage
	Resolver    *targeting.Resolver
	Engine      *template.Engine
	Dispatchers *channel.Registry
	Scheduler   *scheduler.Scheduler
	Aggregator  *analytics.Aggregator
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		config:      deps.Config,
		rules:       deps.Store.Rules(),
		campaigns:   deps.Store.Campaigns(),
		templates:   deps.Templates,
		resolver:    deps.Resolver,
		engine:      deps.Engine,
		dispatchers: deps.Dispatchers,
		scheduler:   deps.Scheduler,
		aggregator:  deps.Aggregator,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With("component", "api"),
		startTime:   time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/rules", func(r chi.Router) {
			r.Post("/", s.handleCreateRule)
			r.Get("/", s.handleListRules)
			r.Get("/{id}", s.handleGetRule)
			r.Put("/{id}", s.handleUpdateRule)
			r.Delete("/{id}", s.handleDeleteRule)
			r.Post("/{id}/execute", s.handleExecuteRule)
			r.Post("/{id}/test", s.handleTestRule)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)
			r.Get("/{id}", s.handleGetCampaign)
			r.Post("/{id}/cancel", s.handleCancelCampaign)
			r.Get("/{id}/analytics", s.handleCampaignAnalytics)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", s.handleCreateTemplate)
			r.Get("/", s.handleListTemplates)
			r.Get("/{id}", s.handleGetTemplate)
			r.Put("/{id}", s.handleUpdateTemplate)
			r.Delete("/{id}", s.handleDeleteTemplate)
		})
	})
}

// Router returns the underlying handler, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.API.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.API.ReadTimeout,
		WriteTimeout:   s.config.API.WriteTimeout,
		IdleTimeout:    s.config.API.IdleTimeout,
		MaxHeaderBytes: s.config.API.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.API.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	})
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
