package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workspace_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workspace_http_inflight_requests",
			Help: "Number of HTTP requests currently being served.",
		},
	)
)

// adminRoutes mirrors the patterns registered in Server.routes. Duration
// series for each are pre-initialized so every route reports from startup;
// a session run that never happens still shows up as a zero histogram.
var adminRoutes = []struct{ method, pattern string }{
	{http.MethodGet, "/healthz"},
	{http.MethodGet, "/v1/stats"},
	{http.MethodPost, "/v1/sessions/"},
	{http.MethodGet, "/v1/sessions/"},
	{http.MethodGet, "/v1/sessions/{id}"},
	{http.MethodDelete, "/v1/sessions/{id}"},
	{http.MethodPost, "/v1/sessions/{id}/run"},
	{http.MethodPost, "/v1/sessions/{id}/stop"},
	{http.MethodPut, "/v1/sessions/{id}/inputs/{name}"},
	{http.MethodPut, "/v1/sessions/{id}/globals/{name}"},
	{http.MethodGet, "/v1/sessions/{id}/inputs"},
	{http.MethodGet, "/v1/sessions/{id}/outputs"},
	{http.MethodGet, "/v1/sessions/{id}/globals"},
	{http.MethodGet, "/v1/sessions/{id}/runs"},
	{http.MethodGet, "/v1/sessions/{id}/logs"},
}

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(httpInflight)

	for _, r := range adminRoutes {
		httpRequestDuration.WithLabelValues(r.method, r.pattern)
	}
}

// metricsMiddleware records request count, duration and in-flight gauge for
// every HTTP request. Uses the chi route pattern (not the raw path) to avoid
// unbounded cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		httpInflight.Inc()
		next.ServeHTTP(ww, r)
		httpInflight.Dec()

		duration := time.Since(start).Seconds()
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
