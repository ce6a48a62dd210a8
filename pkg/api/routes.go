package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestID)
	r.Use(s.requestLogger)
	r.Use(s.traceRequests)
	r.Use(s.instrument)
	r.Use(s.corsMiddleware())

	// Event ingestion. The framework posts to the root path as well.
	r.Group(func(r chi.Router) {
		if s.cfg.Server.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.Ingest))
		}

		r.Post("/", s.handleEvent)
		r.Post("/api/event", s.handleEvent)
	})

	// Read-only endpoints.
	r.Group(func(r chi.Router) {
		if s.cfg.Server.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.Public))
		}

		r.Get("/api/health", s.handleHealth)
		r.Get("/api/version", s.handleVersion)
		r.Get("/api/runs", s.handleRuns)
		r.Get("/api/runs-datatables", s.handleRunsDataTables)

		r.Route("/api/run/{id}", func(r chi.Router) {
			r.Get("/", s.handleRun)
			r.Get("/events", s.handleRunEvents)
			r.Get("/trace", s.handleRunTrace)
			r.Get("/children", s.handleRunChildren)
			r.Get("/resource_usage", s.handleRunResourceUsage)
		})

		r.Get("/gettrace/{id}", s.handleGetTrace)

		r.Get("/api/data/runs", s.handleDataRuns)
		r.Get("/api/data/{portal_runid}", s.handleData)
	})

	// Artifact registration.
	r.Group(func(r chi.Router) {
		if s.cfg.Server.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.Data))
		}

		r.Post("/api/data/add_url", s.handleAddURL)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAPIKey)

			r.Post("/api/data", s.handleAddData)
			r.Post("/api/data/add_ensemble", s.handleAddEnsemble)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Content-Type", "X-Api-Key", "X-Ips-Tag", "X-Ips-Portal-Runid",
			"X-Ips-Username", "X-Ips-Ensemble-Id",
		},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
