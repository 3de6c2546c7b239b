// Package api wires the HTTP surface: routes, middleware, and the health
// and version endpoints.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/skeezrxcco/blastermailer/internal/api/handlers"
	"github.com/skeezrxcco/blastermailer/internal/api/middleware"
	"github.com/skeezrxcco/blastermailer/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Id", "X-User-Plan", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler(h))
	r.Get("/version", versionHandler(cfg))

	// API v1 — everything below requires an identity
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Identity)

		r.Route("/chat", func(r chi.Router) {
			r.Post("/", h.Chat)
			r.Post("/stream", h.ChatStream)
		})

		r.Route("/emails", func(r chi.Router) {
			r.Post("/queue", h.EnqueueEmails)
			r.Route("/jobs/{jobID}", func(r chi.Router) {
				r.Get("/", h.GetJob)
				r.Get("/events", h.JobEvents)
			})
		})

		r.Get("/credits", h.GetCredits)
	})

	return r
}

func healthHandler(h *handlers.Handlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if err := h.Store.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "blastermailer",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "blastermailer",
		})
	}
}
