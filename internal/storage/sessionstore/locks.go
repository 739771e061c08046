package sessionstore

import (
	"sync"

	"github.com/bigkaa/goartstore/transfer-module/internal/domain/model"
)

// Sessions — Store с эксклюзивным доступом по ключу.
//
// Lock(key) сериализует всех, кто работает с одной сессией
// (приём чанков, reaper), разные ключи не блокируют друг друга.
// Блокировки in-process: координация нескольких экземпляров не поддерживается.
type Sessions struct {
	Store

	mu    sync.Mutex
	locks map[model.SessionKey]*keyLock
}

// keyLock — мьютекс ключа со счётчиком ожидающих.
// Запись удаляется из карты, когда refs падает до нуля.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewSessions оборачивает хранилище блокировками по ключу.
func NewSessions(store Store) *Sessions {
	return &Sessions{
		Store: store,
		locks: make(map[model.SessionKey]*keyLock),
	}
}

// Lock захватывает эксклюзивный доступ к ключу и возвращает функцию освобождения.
// Функцию освобождения нужно вызвать ровно один раз.
func (s *Sessions) Lock(key model.SessionKey) (unlock func()) {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()

			s.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(s.locks, key)
			}
			s.mu.Unlock()
		})
	}
}

// heldLocks возвращает количество ключей с активными блокировками.
func (s *Sessions) heldLocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
