package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hackgods/clinic-availability/internal/auth"
)

type RouterConfig struct {
	Service     AvailabilityService
	Tokens      *auth.TokenManager
	Health      *HealthHandler
	Metrics     http.Handler
	Logger      zerolog.Logger
	RateLimit   rate.Limit
	RateBurst   int
	CORSOrigins []string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		if cfg.RateLimit > 0 {
			r.Use(NewRateLimiter(cfg.RateLimit, cfg.RateBurst).Middleware)
		}

		r.Get("/slots", searchSlotsHandler(cfg.Service))
		r.Get("/doctors/{id}/profile", getProfileHandler(cfg.Service))

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Tokens))

			r.Route("/doctors/me", func(r chi.Router) {
				r.Use(RequireRole(auth.RoleDoctor))
				r.Put("/profile", upsertProfileHandler(cfg.Service))
				r.Post("/slots", publishSlotsHandler(cfg.Service))
			})

			r.Route("/bookings", func(r chi.Router) {
				r.With(RequireRole(auth.RolePatient)).Post("/", createBookingHandler(cfg.Service))
				r.Get("/", listBookingsHandler(cfg.Service))
				r.Get("/{id}", getBookingHandler(cfg.Service))
			})
		})
	})

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
		MaxAge:         300,
	}).Handler(r)
}
