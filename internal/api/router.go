// Package api wires the HTTP surface: router, handlers and the shared
// handler dependencies.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kmbridge/kmbridge/internal/api/common"
	"github.com/kmbridge/kmbridge/internal/api/handlers"
	"github.com/kmbridge/kmbridge/internal/config"
	"github.com/kmbridge/kmbridge/internal/middleware"
)

// NewRouter creates and configures the API router
func NewRouter(cfg *config.Config, deps *common.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.Logger(deps.Logger))

	if cfg.CORS.Enabled {
		r.Use(middleware.CORS(cfg.CORS))
	}

	systemHandler := handlers.NewSystemHandler(deps)
	deviceHandler := handlers.NewDeviceHandler(deps)
	jobHandler := handlers.NewJobHandler(deps)

	// Public routes (no auth required)
	r.Get("/health", systemHandler.Health)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public auth endpoint
		r.Post("/login", systemHandler.Login)

		// Protected routes (require JWT)
		r.Group(func(r chi.Router) {
			r.Use(middleware.JWTAuth(deps.Auth))

			r.Mount("/devices", deviceHandler.Routes())
			r.Mount("/jobs", jobHandler.Routes())
		})
	})

	return r
}
