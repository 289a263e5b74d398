package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/posterforge/internal/adapter/httpserver"
	"github.com/fairyhunter13/posterforge/internal/adapter/observability"
	"github.com/fairyhunter13/posterforge/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// The SSE stream stays outside the timeout handler: http.TimeoutHandler
	// buffers the response and hides the Flusher the stream needs.
	r.Get("/v1/jobs/{id}/stream", srv.StreamHandler())

	r.Group(func(tr chi.Router) {
		tr.Use(httpserver.TimeoutMiddleware(30 * time.Second))

		// Rate limit mutating endpoints
		tr.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/v1/jobs/by-identifier", srv.SubmitByIdentifierHandler())
			wr.Post("/v1/jobs/by-row", srv.SubmitByRowHandler())
			wr.Post("/v1/jobs/template-generation", srv.SubmitTemplateHandler())
			wr.Post("/v1/jobs/export", srv.SubmitExportHandler())
			wr.Post("/v1/jobs/{id}/cancel", srv.CancelHandler())
		})

		// Read-only endpoints
		tr.Get("/v1/jobs", srv.ListJobsHandler())
		tr.Get("/v1/jobs/{id}", srv.StatusHandler())
		tr.Get("/v1/jobs/{id}/results", srv.ResultsHandler())
		tr.Get("/v1/jobs/{id}/failures", srv.FailuresHandler())
		tr.Get("/v1/jobs/{id}/logs", srv.LogsHandler())
	})

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
