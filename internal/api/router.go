// Package api exposes the payment core to kiosk collaborators over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vendlite/vendlite/internal/auth"
	"github.com/vendlite/vendlite/internal/config"
	"github.com/vendlite/vendlite/internal/middleware"
)

// Dependencies are the collaborators the router serves
type Dependencies struct {
	Auth     *auth.Service
	Sessions Sessions
	Actuator ActuatorStatus
	Checks   map[string]ReadinessCheck
	CORS     config.CORSConfig
	// ActuatorTimeout bounds GET /api/v1/actuator/status
	ActuatorTimeout time.Duration
	Logger          *slog.Logger
}

// NewRouter creates and configures the API router
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.ActuatorTimeout <= 0 {
		deps.ActuatorTimeout = 3 * time.Second
	}
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))

	if deps.CORS.Enabled {
		r.Use(middleware.CORS(
			deps.CORS.AllowedOrigins,
			deps.CORS.AllowedMethods,
			deps.CORS.AllowedHeaders,
			deps.CORS.MaxAgeSeconds,
		))
	}

	healthHandler := NewHealthHandler(deps.Checks)
	authHandler := NewAuthHandler(deps.Auth)
	sessionHandler := NewSessionHandler(deps.Sessions, logger.With("component", "api"))
	actuatorHandler := NewActuatorHandler(deps.Actuator, deps.ActuatorTimeout)

	// Public routes (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/login", authHandler.Login)
		r.Get("/status", sessionHandler.Status)

		// Protected routes (require JWT)
		r.Group(func(r chi.Router) {
			r.Use(middleware.JWTAuth(deps.Auth))

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", sessionHandler.Begin)
				r.Get("/last", sessionHandler.Last)
				r.Post("/current/dispense", sessionHandler.Dispense)
				r.Post("/current/cancel", sessionHandler.Cancel)
			})

			r.Get("/actuator/status", actuatorHandler.Status)
		})
	})

	return r
}
