// Пакет model — доменные модели Transfer Module.
// UploadSession — состояние одной возобновляемой загрузки,
// используется как in-memory представление и как формат хранения
// в durable-хранилищах сессий (PostgreSQL, Redis).
package model

import (
	"fmt"
	"time"
)

// SessionStatus — статус сессии загрузки.
type SessionStatus string

const (
	// StatusPending — загрузка в процессе, ожидаются следующие чанки
	StatusPending SessionStatus = "pending"
	// StatusComplete — все байты получены, файл опубликован
	StatusComplete SessionStatus = "complete"
)

// validTransitions — матрица допустимых переходов статуса.
// Единственный переход: pending → complete (однократно).
var validTransitions = map[SessionStatus]map[SessionStatus]bool{
	StatusPending:  {StatusComplete: true},
	StatusComplete: {}, // Конечный статус
}

// CanTransition проверяет, допустим ли переход from → to.
func CanTransition(from, to SessionStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// SessionKey — ключ сессии: пара (владелец, имя файла).
// Два разных владельца могут независимо загружать файлы с одинаковым именем.
type SessionKey struct {
	Owner    string
	Filename string
}

// String возвращает строковое представление ключа для durable-хранилищ.
// Формат: {owner}/{filename}.
func (k SessionKey) String() string {
	return k.Owner + "/" + k.Filename
}

// UploadSession — состояние загрузки одного файла одним владельцем.
type UploadSession struct {
	// Owner — идентификатор владельца (sub из JWT)
	Owner string `json:"owner"`

	// Filename — имя файла, под которым он будет опубликован
	Filename string `json:"filename"`

	// TotalSize — заявленный полный размер файла в байтах.
	// Фиксируется первым чанком и больше не меняется.
	TotalSize int64 `json:"total_size"`

	// NextExpectedByte — смещение первого ещё не полученного байта.
	// Начинается с 0, только растёт, не превышает TotalSize.
	NextExpectedByte int64 `json:"next_expected_byte"`

	// Status — текущий статус сессии
	Status SessionStatus `json:"status"`

	// StagingPath — имя временного файла в staging-директории.
	// Содержит ровно байты [0, NextExpectedByte).
	StagingPath string `json:"staging_path"`

	// CreatedAt — время создания сессии (UTC)
	CreatedAt time.Time `json:"created_at"`

	// LastUpdated — время последнего принятого чанка (UTC)
	LastUpdated time.Time `json:"last_updated"`
}

// Key возвращает ключ сессии.
func (s *UploadSession) Key() SessionKey {
	return SessionKey{Owner: s.Owner, Filename: s.Filename}
}

// IsStale возвращает true, если сессия не обновлялась дольше threshold.
func (s *UploadSession) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(s.LastUpdated) > threshold
}

// Complete переводит сессию в статус complete.
// Возвращает ошибку при недопустимом переходе.
func (s *UploadSession) Complete() error {
	if !CanTransition(s.Status, StatusComplete) {
		return fmt.Errorf("недопустимый переход статуса сессии %s: %s → %s",
			s.Key(), s.Status, StatusComplete)
	}
	s.Status = StatusComplete
	return nil
}
