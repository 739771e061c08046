// handler.go — APIHandler реализует generated.ServerInterface,
// делегируя вызовы в отдельные handler'ы по доменам.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/bigkaa/goartstore/transfer-module/internal/api/generated"
)

// APIHandler — единая реализация ServerInterface, собирающая
// все доменные handlers в один объект.
type APIHandler struct {
	transfers   *TransfersHandler
	system      *SystemHandler
	maintenance *MaintenanceHandler
	health      *HealthHandler
}

// NewAPIHandler создаёт единый handler для всех endpoints.
func NewAPIHandler(
	transfers *TransfersHandler,
	system *SystemHandler,
	maintenance *MaintenanceHandler,
	health *HealthHandler,
) *APIHandler {
	return &APIHandler{
		transfers:   transfers,
		system:      system,
		maintenance: maintenance,
		health:      health,
	}
}

// --- Transfers ---

func (h *APIHandler) UploadChunk(w http.ResponseWriter, r *http.Request, params generated.UploadChunkParams) {
	h.transfers.UploadChunk(w, r, params)
}

func (h *APIHandler) GetUploadStatus(w http.ResponseWriter, r *http.Request, filename generated.Filename) {
	h.transfers.GetUploadStatus(w, r, filename)
}

func (h *APIHandler) DownloadFile(w http.ResponseWriter, r *http.Request, filename generated.Filename, params generated.DownloadFileParams) {
	h.transfers.DownloadFile(w, r, filename, params)
}

// --- System ---

func (h *APIHandler) GetServiceInfo(w http.ResponseWriter, r *http.Request) {
	h.system.GetServiceInfo(w, r)
}

// --- Maintenance ---

func (h *APIHandler) Reap(w http.ResponseWriter, r *http.Request) {
	h.maintenance.Reap(w, r)
}

// --- Health ---

func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// Проверка на этапе компиляции
var _ generated.ServerInterface = (*APIHandler)(nil)

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
