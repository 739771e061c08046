// metrics.go — Prometheus HTTP метрики для Transfer Module.
// Регистрирует метрики: tm_http_requests_total, tm_http_request_duration_seconds.
// Бизнес-метрики (tm_chunks_total, tm_active_sessions и др.) регистрируются
// в пакете service.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tm_http_requests_total",
			Help: "Общее количество HTTP-запросов к Transfer Module",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tm_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Transfer Module в секундах",
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

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			// Шаблон маршрута известен только после роутинга
			path := routePattern(r)
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
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

// routePattern возвращает шаблон маршрута chi (/api/v1/files/{filename}),
// чтобы имя файла не попадало в лейблы.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return normalizePath(r.URL.Path)
}

// normalizePath — запасной вариант для запросов вне роутера chi.
// /api/v1/files/report.bin/status → /api/v1/files/{filename}/status
func normalizePath(path string) string {
	const filesPrefix = "/api/v1/files/"

	switch {
	case path == "/health/live",
		path == "/health/ready",
		path == "/metrics",
		path == "/api/v1/info",
		path == "/api/v1/upload",
		path == "/api/v1/maintenance/reap":
		return path
	case strings.HasPrefix(path, filesPrefix) && len(path) > len(filesPrefix):
		if strings.HasSuffix(path, "/status") {
			return filesPrefix + "{filename}/status"
		}
		return filesPrefix + "{filename}"
	}
	return "other"
}
