// metrics.go — Prometheus HTTP метрики API журнала миграций.
// Регистрирует метрики: tm_http_requests_total, tm_http_request_duration_seconds.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tm_http_requests_total",
			Help: "Общее количество HTTP-запросов к API миграций переводов",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tm_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к API миграций переводов в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Записывает количество запросов и длительность для каждого endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Нормализуем путь для лейблов метрик
			// (заменяем UUID на {id} для предотвращения кардинальности)
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

const migrationsPrefix = "/api/v1/migrations/"

// normalizePath заменяет идентификатор миграции в пути на {id}.
// /api/v1/migrations/a1b2c3d4-.../apply → /api/v1/migrations/{id}/apply
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/api/v1/reconcile",
		"/api/v1/migrations",
		"/api/v1/migrations/counters",
		"/api/v1/migrations/activity",
		"/api/v1/migrations/apply-bulk",
		"/api/v1/migrations/retry-failed",
		"/api/v1/migrations/export",
		"/api/v1/migrations/reap-stuck":
		return path
	}

	rest, ok := strings.CutPrefix(path, migrationsPrefix)
	if !ok || rest == "" {
		return path
	}
	_, suffix, _ := strings.Cut(rest, "/")
	switch suffix {
	case "apply", "rollback", "preview", "content":
		return migrationsPrefix + "{id}/" + suffix
	case "":
		return migrationsPrefix + "{id}"
	default:
		return migrationsPrefix + "{id}/other"
	}
}
