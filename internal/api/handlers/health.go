// health.go — обработчики health endpoints для Kubernetes probes.
// /health/live — процесс жив, /health/ready — staging, архив и
// хранилище сессий доступны, /metrics — Prometheus.
package handlers

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/goartstore/transfer-module/internal/config"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// readyTimeout — предел времени одной проверки зависимости.
const readyTimeout = 3 * time.Second

// Pinger — зависимость, доступность которой проверяет readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler реализует health endpoints.
type HealthHandler struct {
	// stagingDir — директория незавершённых загрузок (проверка записи)
	stagingDir  string
	archive     Pinger
	store       Pinger
	promHandler http.Handler
}

// NewHealthHandler создаёт обработчик health endpoints.
// archive и store могут быть nil — соответствующая проверка вернёт "fail".
func NewHealthHandler(stagingDir string, archive, store Pinger) *HealthHandler {
	return &HealthHandler{
		stagingDir:  stagingDir,
		archive:     archive,
		store:       store,
		promHandler: promhttp.Handler(),
	}
}

// healthCheckResult — результат проверки одной зависимости.
type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthResponse — ответ liveness/readiness probe.
type healthResponse struct {
	Status    string                       `json:"status"`
	Timestamp string                       `json:"timestamp"`
	Version   string                       `json:"version"`
	Service   string                       `json:"service"`
	Checks    map[string]healthCheckResult `json:"checks,omitempty"`
}

// HealthLive обрабатывает GET /health/live. Зависимости не проверяются.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   "transfer-module",
	})
}

// HealthReady обрабатывает GET /health/ready.
// Возвращает 200, если все проверки прошли, иначе 503.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]healthCheckResult{
		"staging":       h.checkStaging(),
		"archive":       checkPinger(r.Context(), h.archive, "Архив недоступен"),
		"session_store": checkPinger(r.Context(), h.store, "Хранилище сессий недоступно"),
	}

	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   "transfer-module",
		Checks:    checks,
	}

	httpStatus := http.StatusOK
	for _, c := range checks {
		if c.Status == statusFail {
			resp.Status = statusFail
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, httpStatus, resp)
}

// GetMetrics — Prometheus метрики.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}

// checkStaging проверяет доступность директории staging на запись.
func (h *HealthHandler) checkStaging() healthCheckResult {
	testFile := filepath.Join(h.stagingDir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return healthCheckResult{
			Status:  statusFail,
			Message: "Директория staging недоступна для записи: " + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return healthCheckResult{Status: "ok"}
}

func checkPinger(ctx context.Context, p Pinger, failMsg string) healthCheckResult {
	if p == nil {
		return healthCheckResult{Status: statusFail, Message: "не инициализирован"}
	}

	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		return healthCheckResult{Status: statusFail, Message: failMsg + ": " + err.Error()}
	}
	return healthCheckResult{Status: "ok"}
}
