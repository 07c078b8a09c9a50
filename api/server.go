/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/batches/*       Batch runs
  /api/dimensions/*    Point-in-time dimension lookups
  /api/facts           Fact rows
  /api/late-fees/*     Schedule and quotes
  /api/scenarios/*     Demo scenarios
  /metrics             Prometheus scrape endpoint
  /healthz             Liveness

SECURITY NOTE:
  No authentication middleware. Run behind an authenticating proxy.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
// An empty origins list allows any origin.
func NewRouter(h *Handler, origins ...string) *chi.Mux {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.ListBatches)
			r.Post("/", h.RunBatch)
			r.Get("/{id}", h.GetBatch)
		})

		r.Route("/dimensions/{kind}/{key}", func(r chi.Router) {
			r.Get("/", h.GetDimension)
			r.Get("/history", h.GetDimensionHistory)
		})

		r.Get("/facts", h.ListFacts)

		r.Route("/late-fees", func(r chi.Router) {
			r.Get("/schedule", h.GetLateFeeSchedule)
			r.Post("/quote", h.QuoteLateFee)
		})

		r.Route("/sink", func(r chi.Router) {
			r.Get("/pending", h.ListPendingSinks)
			r.Post("/redrive", h.RedriveSink)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
