package api

import (
	"encoding/json"
	"net/http"

	"github.com/agentoven/dispatcher/internal/api/handlers"
	"github.com/agentoven/dispatcher/internal/api/middleware"
	"github.com/agentoven/dispatcher/internal/config"
	"github.com/agentoven/dispatcher/internal/store"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const serviceName = "dispatcher"

// Deps are the collaborators the HTTP layer needs. Gatherer may be nil to
// skip /metrics.
type Deps struct {
	Handlers *handlers.Handlers
	Auth     *middleware.APIKeyAuth
	Store    store.Store
	Gatherer prometheus.Gatherer
}

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, deps Deps) http.Handler {
	h := deps.Handlers
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	if deps.Auth != nil {
		r.Use(deps.Auth.Middleware)
	}

	// Health & info
	r.Get("/health", healthHandler(deps.Store))
	r.Get("/version", versionHandler(cfg))
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/projects", func(r chi.Router) {
			r.Get("/", h.ListProjects)
			r.Route("/{projectID}", func(r chi.Router) {
				r.Use(middleware.ProjectScope)
				r.Get("/", h.GetProject)
				r.Get("/agents", h.ListAgents)
				r.Get("/classifications", h.ListClassifications)
				r.Post("/classify", h.Classify)
				r.Post("/chat", h.Chat)
				r.Post("/sync", h.SyncProject)
			})
		})

		r.Get("/executions/{executionID}", h.GetExecution)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/context", h.GetUserContext)
			r.Get("/rules", h.ListUserRules)
			r.Post("/rules", h.AddUserRule)
			r.Delete("/rules", h.DeleteUserRule)
			r.Post("/summarize", h.Summarize)
			r.Post("/summary-lock", h.AcquireSummaryLock)
			r.Delete("/summary-lock", h.ReleaseSummaryLock)
		})
	})

	return r
}

func healthHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := "healthy"
		if st != nil {
			if err := st.Ping(r.Context()); err != nil {
				status = "degraded"
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		}
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": serviceName,
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": serviceName,
		})
	}
}
