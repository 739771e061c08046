// system.go — обработчик GET /api/v1/info (информация о Transfer Module).
// Публичный endpoint (без аутентификации) для service discovery и мониторинга.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/bigkaa/goartstore/transfer-module/internal/api/generated"
	"github.com/bigkaa/goartstore/transfer-module/internal/config"
	"github.com/bigkaa/goartstore/transfer-module/internal/domain/model"
)

// SessionLister — источник числа активных сессий.
type SessionLister interface {
	List(ctx context.Context) ([]*model.UploadSession, error)
}

// SystemInfo — статические параметры, которые отдаёт /api/v1/info.
type SystemInfo struct {
	StalePolicy    string
	SessionStore   string
	ArchiveBackend string
	MaxChunkSize   int64
	MaxFileSize    int64
}

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	info     SystemInfo
	sessions SessionLister
	logger   *slog.Logger
}

// NewSystemHandler создаёт обработчик системных endpoints.
func NewSystemHandler(info SystemInfo, sessions SessionLister, logger *slog.Logger) *SystemHandler {
	return &SystemHandler{
		info:     info,
		sessions: sessions,
		logger:   logger.With(slog.String("component", "system_handler")),
	}
}

// GetServiceInfo обрабатывает GET /api/v1/info.
// Если хранилище сессий недоступно, active_sessions = -1.
func (h *SystemHandler) GetServiceInfo(w http.ResponseWriter, r *http.Request) {
	active := -1
	sessions, err := h.sessions.List(r.Context())
	if err != nil {
		h.logger.Warn("Не удалось получить список сессий", slog.String("error", err.Error()))
	} else {
		active = len(sessions)
	}

	writeJSON(w, http.StatusOK, generated.ServiceInfo{
		Service:        "transfer-module",
		Version:        config.Version,
		StalePolicy:    h.info.StalePolicy,
		SessionStore:   h.info.SessionStore,
		ArchiveBackend: h.info.ArchiveBackend,
		MaxChunkSize:   &h.info.MaxChunkSize,
		MaxFileSize:    &h.info.MaxFileSize,
		ActiveSessions: active,
	})
}
