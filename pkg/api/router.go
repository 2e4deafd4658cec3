package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/esgf-tools/esgfetch/internal/logger"
	"github.com/esgf-tools/esgfetch/pkg/catalog"
	"github.com/esgf-tools/esgfetch/pkg/metrics"
)

// NewRouter configures the chi router for the status server.
//
// Routes:
//   - GET /health - liveness probe (process + catalog)
//   - GET /status - catalog counts and recent failures
//   - GET /metrics - prometheus exposition, when metrics are enabled
func NewRouter(cat *catalog.Catalog) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	handler := NewStatusHandler(cat)
	r.Get("/health", handler.Health)
	r.Get("/status", handler.Status)

	if metrics.IsEnabled() {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	}

	// Root redirect for convenience
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/status", http.StatusTemporaryRedirect)
	})

	return r
}

// requestLogger logs requests through the internal logger: start at
// DEBUG, completion at INFO with status and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("Status API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("Status API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}
