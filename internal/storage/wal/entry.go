// Пакет wal — файловый журнал финализации загрузок.
//
// Перед публикацией staging-файла в архив создаётся запись pending,
// после удаления сессии она коммитится. При рестарте pending-записи
// доигрываются вперёд: запись создаётся только для полностью
// полученного файла, поэтому откатывать нечего.
// Каждая транзакция — отдельный файл {tx_id}.wal.json в TM_WAL_DIR.
package wal

import (
	"time"

	"github.com/bigkaa/goartstore/transfer-module/internal/domain/model"
)

// OperationType — тип операции, записываемой в журнал.
type OperationType string

const (
	// OpFinalize — публикация полностью полученного файла
	OpFinalize OperationType = "finalize"
	// OpPublishPartial — публикация частичного файла reaper (политика publish)
	OpPublishPartial OperationType = "publish_partial"
)

// TransactionStatus — статус транзакции.
type TransactionStatus string

const (
	// StatusPending — транзакция начата, операция в процессе
	StatusPending TransactionStatus = "pending"
	// StatusCommitted — транзакция успешно завершена
	StatusCommitted TransactionStatus = "committed"
	// StatusRolledBack — транзакция отменена
	StatusRolledBack TransactionStatus = "rolled_back"
)

// Entry — запись журнала.
type Entry struct {
	TransactionID string            `json:"transaction_id"`
	Operation     OperationType     `json:"operation"`
	Status        TransactionStatus `json:"status"`

	// Owner и Filename — ключ сессии
	Owner    string `json:"owner"`
	Filename string `json:"filename"`

	// StagingPath — имя staging-файла, который публикуется
	StagingPath string `json:"staging_path"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Key возвращает ключ сессии записи.
func (e *Entry) Key() model.SessionKey {
	return model.SessionKey{Owner: e.Owner, Filename: e.Filename}
}

// walFileName возвращает имя файла журнала для данной транзакции.
func walFileName(txID string) string {
	return txID + ".wal.json"
}
