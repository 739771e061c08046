// maintenance.go — обработчик POST /api/v1/maintenance/reap.
// Делегирует обход устаревших сессий в ReaperService.
package handlers

import (
	"context"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/transfer-module/internal/api/errors"
	"github.com/bigkaa/goartstore/transfer-module/internal/api/generated"
	"github.com/bigkaa/goartstore/transfer-module/internal/service"
)

// ReapRunner — интерфейс для запуска обхода.
// Позволяет тестировать handler без полного ReaperService.
type ReapRunner interface {
	// RunOnce выполняет один обход.
	// Возвращает результат и флаг "уже выполняется".
	RunOnce(ctx context.Context) (*service.ReapResult, bool)
}

// MaintenanceHandler — обработчик endpoints обслуживания.
type MaintenanceHandler struct {
	reaper ReapRunner
}

// NewMaintenanceHandler создаёт обработчик maintenance endpoints.
func NewMaintenanceHandler(reaper ReapRunner) *MaintenanceHandler {
	return &MaintenanceHandler{reaper: reaper}
}

// Reap обрабатывает POST /api/v1/maintenance/reap.
// Выполняет обход синхронно и возвращает результат.
// Если обход уже выполняется — 409 REAP_IN_PROGRESS.
func (h *MaintenanceHandler) Reap(w http.ResponseWriter, r *http.Request) {
	result, inProgress := h.reaper.RunOnce(r.Context())
	if inProgress {
		apierrors.ReapInProgress(w, "Обход устаревших сессий уже выполняется")
		return
	}

	writeJSON(w, http.StatusOK, generated.ReapReport{
		Policy:      string(result.Policy),
		Scanned:     result.Scanned,
		Evicted:     result.Evicted,
		Errors:      result.Errors,
		StartedAt:   result.StartedAt,
		CompletedAt: result.CompletedAt,
	})
}
