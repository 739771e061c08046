// Пакет sessionstore — хранилище сессий загрузки (owner, filename) → UploadSession.
//
// Реализации:
//   - memory — in-process map (по умолчанию), не переживает рестарт
//   - postgres — таблица upload_sessions (pgx + golang-migrate)
//   - redis — JSON-значение на ключ, SCAN для обхода
//
// Каждый вызов Store атомарен сам по себе. Последовательность
// read-validate-write для одного ключа сериализуется через Sessions.Lock.
package sessionstore

import (
	"context"
	"errors"

	"github.com/bigkaa/goartstore/transfer-module/internal/domain/model"
)

// ErrNotFound — сессия с указанным ключом отсутствует.
var ErrNotFound = errors.New("сессия не найдена")

// Store — контракт хранилища сессий.
type Store interface {
	// Get возвращает копию сессии или ErrNotFound.
	Get(ctx context.Context, key model.SessionKey) (*model.UploadSession, error)
	// Put создаёт или перезаписывает сессию.
	Put(ctx context.Context, s *model.UploadSession) error
	// Remove удаляет сессию. Отсутствие сессии не является ошибкой.
	Remove(ctx context.Context, key model.SessionKey) error
	// List возвращает копии всех сессий.
	List(ctx context.Context) ([]*model.UploadSession, error)
	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error
	// Close освобождает ресурсы хранилища.
	Close() error
}

// Backend — имя реализации хранилища (TM_SESSION_STORE).
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
)
