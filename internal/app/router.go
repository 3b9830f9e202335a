// Package app assembles the HTTP surface and the background engine into one
// runnable unit.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/inkhorn/docmd/internal/adapter/httpserver"
	"github.com/inkhorn/docmd/internal/adapter/observability"
	"github.com/inkhorn/docmd/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. Empty input means any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
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
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Rate limit the mutating endpoints only; status polling stays unmetered.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/v1/documents", srv.SubmitDocumentHandler())
		wr.Post("/v1/batches", srv.SubmitBatchHandler())
	})

	r.Get("/v1/documents/{id}", srv.GetDocumentHandler())
	r.Get("/v1/documents/{id}/content", srv.GetDocumentContentHandler())
	r.Get("/v1/documents/{id}/usage", srv.GetDocumentUsageHandler())
	r.Get("/v1/documents/{id}/download", srv.GetDocumentDownloadHandler())
	r.Get("/v1/jobs/{id}", srv.GetJobHandler())
	r.Get("/v1/batches", srv.ListBatchesHandler())
	r.Get("/v1/batches/{id}", srv.GetBatchHandler())
	r.Get("/v1/usage", srv.GetUsageTotalsHandler())

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
