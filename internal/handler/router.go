package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/live-support/internal/middleware"
	"github.com/capitalize-ai/live-support/pkg/logger"
)

// Handlers groups the route handlers.
type Handlers struct {
	Health   *HealthHandler
	Visitor  *VisitorHandler
	Operator *OperatorHandler
}

// RouterOptions configures the shared middleware.
type RouterOptions struct {
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter mounts every endpoint behind the global middleware.
func NewRouter(h Handlers, opts RouterOptions, log *logger.Logger) http.Handler {
	log = logger.OrGlobal(log)
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(opts.AllowedOrigins))

	// Health endpoints
	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Identity)
		if opts.RateLimitRequests > 0 && opts.RateLimitWindow > 0 {
			r.Use(middleware.RateLimit(opts.RateLimitRequests, opts.RateLimitWindow))
		}

		r.Route("/visitor", func(r chi.Router) {
			r.Get("/session", h.Visitor.Session)
			r.Put("/profile", h.Visitor.Profile)
			r.Post("/reset", h.Visitor.Reset)
			r.Get("/messages", h.Visitor.Messages)
			r.Post("/messages", h.Visitor.Send)
			r.Get("/stream", h.Visitor.Stream)
			r.Put("/presence", h.Visitor.Presence)
		})

		r.Route("/operator", func(r chi.Router) {
			r.Get("/inbox", h.Operator.Inbox)
			r.Get("/threads", h.Operator.Threads)

			r.Route("/threads/{id}", func(r chi.Router) {
				r.Get("/", h.Operator.Thread)
				r.Delete("/", h.Operator.Delete)
				r.Post("/messages", h.Operator.Reply)
				r.Post("/draft", h.Operator.Draft)
			})
		})
	})

	return r
}
