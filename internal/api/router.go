// Package api provides the REST control surface for the devpeace daemon.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/devpeace/devpeace/internal/config"
	"github.com/devpeace/devpeace/internal/daemon"
)

// Server represents the API server.
type Server struct {
	cfg    *config.Config
	router chi.Router
	orch   *daemon.Orchestrator
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, orch *daemon.Orchestrator) *Server {
	s := &Server{
		cfg:  cfg,
		orch: orch,
	}

	s.setupRouter()
	return s
}

// setupRouter configures all routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Optional API key authentication
	if s.cfg.API.APIKey != "" {
		r.Use(s.apiKeyAuth)
	}

	// Health and version endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Get("/status", s.handleStatus)

	r.Route("/repos", func(r chi.Router) {
		r.Get("/", s.handleListRepos)
		r.Post("/", s.handleAddRepo)
		r.Delete("/{id}", s.handleRemoveRepo)
	})

	r.Route("/orphans", func(r chi.Router) {
		r.Get("/", s.handleListOrphans)
		r.Post("/{id}/associate", s.handleAssociateOrphan)
	})

	r.Route("/worklogs", func(r chi.Router) {
		r.Get("/", s.handleListWorklogs)
		r.Post("/{id}/retry", s.handleRetryWorklog)
	})

	r.Post("/watch/start", s.handleStartWatch)
	r.Post("/watch/stop", s.handleStopWatch)

	r.Put("/config/jira", s.handleConfigureJira)

	r.Get("/branches/suggest", s.handleSuggestBranch)

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// apiKeyAuth is middleware that validates API key.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health and version
		if r.URL.Path == "/health" || r.URL.Path == "/version" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		if apiKey != s.cfg.API.APIKey {
			writeError(w, http.StatusUnauthorized, "Invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}
