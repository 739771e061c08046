package sessionstore

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/bigkaa/goartstore/transfer-module/internal/domain/model"
)

// MemoryStore — потокобезопасное in-memory хранилище сессий.
// Использует sync.RWMutex для конкурентного чтения и
// эксклюзивной записи. Не персистентное: при рестарте сессии теряются,
// а их staging-файлы подбирает reconciliation.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[model.SessionKey]*model.UploadSession
	logger   *slog.Logger
}

// NewMemoryStore создаёт пустое in-memory хранилище.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[model.SessionKey]*model.UploadSession),
		logger:   logger.With(slog.String("component", "session_store"), slog.String("backend", string(BackendMemory))),
	}
}

// Get возвращает копию сессии или ErrNotFound.
func (m *MemoryStore) Get(_ context.Context, key model.SessionKey) (*model.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s
	return &copied, nil
}

// Put сохраняет копию сессии, чтобы избежать data race при внешних изменениях.
func (m *MemoryStore) Put(_ context.Context, s *model.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *s
	m.sessions[s.Key()] = &copied
	return nil
}

// Remove удаляет сессию по ключу.
func (m *MemoryStore) Remove(_ context.Context, key model.SessionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, key)
	return nil
}

// List возвращает копии всех сессий, отсортированные по LastUpdated.
func (m *MemoryStore) List(_ context.Context) ([]*model.UploadSession, error) {
	m.mu.RLock()
	result := make([]*model.UploadSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		copied := *s
		result = append(result, &copied)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].LastUpdated.Before(result[j].LastUpdated)
	})
	return result, nil
}

// Ping всегда успешен.
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close очищает хранилище.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.sessions); n > 0 {
		m.logger.Warn("In-memory хранилище закрыто с незавершёнными сессиями",
			slog.Int("sessions", n),
		)
	}
	m.sessions = make(map[model.SessionKey]*model.UploadSession)
	return nil
}
