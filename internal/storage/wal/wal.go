package wal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/transfer-module/internal/domain/model"
)

// WAL — файловый журнал финализации.
type WAL struct {
	// dir — директория хранения журнала (TM_WAL_DIR)
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// New создаёт журнал. Проверяет и создаёт директорию, если она
// не существует, и проверяет доступность на запись.
func New(dir string, logger *slog.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию WAL %s: %w", dir, err)
	}

	testFile := filepath.Join(dir, ".wal_write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o640); err != nil {
		return nil, fmt.Errorf("директория WAL %s недоступна для записи: %w", dir, err)
	}
	os.Remove(testFile)

	return &WAL{
		dir:    dir,
		logger: logger.With(slog.String("component", "wal")),
	}, nil
}

// StartTransaction создаёт запись pending для публикации stagingPath
// сессии key. Запись сохраняется атомарно до возврата.
func (w *WAL) StartTransaction(op OperationType, key model.SessionKey, stagingPath string) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := &Entry{
		TransactionID: uuid.New().String(),
		Operation:     op,
		Status:        StatusPending,
		Owner:         key.Owner,
		Filename:      key.Filename,
		StagingPath:   stagingPath,
		StartedAt:     time.Now().UTC(),
	}

	if err := w.writeEntry(entry); err != nil {
		return nil, fmt.Errorf("не удалось создать WAL-запись: %w", err)
	}

	w.logger.Debug("WAL транзакция начата",
		slog.String("tx_id", entry.TransactionID),
		slog.String("operation", string(op)),
		slog.String("session", key.String()),
	)
	return entry, nil
}

// Commit помечает транзакцию как успешно завершённую.
func (w *WAL) Commit(txID string) error {
	return w.finish(txID, StatusCommitted)
}

// Rollback помечает транзакцию как отменённую.
func (w *WAL) Rollback(txID string) error {
	return w.finish(txID, StatusRolledBack)
}

// finish переводит pending-транзакцию в конечный статус.
func (w *WAL) finish(txID string, status TransactionStatus) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, err := w.readEntry(txID)
	if err != nil {
		return fmt.Errorf("не удалось прочитать WAL-запись %s: %w", txID, err)
	}
	if entry.Status != StatusPending {
		return fmt.Errorf("WAL-запись %s имеет статус %s, ожидается %s", txID, entry.Status, StatusPending)
	}

	now := time.Now().UTC()
	entry.Status = status
	entry.CompletedAt = &now

	if err := w.writeEntry(entry); err != nil {
		return fmt.Errorf("не удалось обновить WAL-запись %s: %w", txID, err)
	}

	w.logger.Debug("WAL транзакция завершена",
		slog.String("tx_id", txID),
		slog.String("status", string(status)),
		slog.Duration("duration", now.Sub(entry.StartedAt)),
	)
	return nil
}

// RecoverPending возвращает pending-записи в порядке начала транзакций.
// Вызывается при старте сервера.
func (w *WAL) RecoverPending() ([]*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := w.scan()
	if err != nil {
		return nil, err
	}

	var pending []*Entry
	for _, entry := range entries {
		if entry.Status != StatusPending {
			continue
		}
		pending = append(pending, entry)
		w.logger.Warn("Обнаружена незавершённая WAL-транзакция",
			slog.String("tx_id", entry.TransactionID),
			slog.String("operation", string(entry.Operation)),
			slog.String("session", entry.Key().String()),
			slog.Time("started_at", entry.StartedAt),
		)
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].StartedAt.Before(pending[j].StartedAt)
	})
	return pending, nil
}

// FindPendingFinalize возвращает pending-запись финализации staging-файла
// stagingPath сессии key. Если такой записи нет, возвращает nil.
func (w *WAL) FindPendingFinalize(key model.SessionKey, stagingPath string) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := w.scan()
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.Status == StatusPending && entry.Operation == OpFinalize &&
			entry.Key() == key && entry.StagingPath == stagingPath {
			return entry, nil
		}
	}
	return nil, nil
}

// GetTransaction читает запись по идентификатору транзакции.
func (w *WAL) GetTransaction(txID string) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readEntry(txID)
}

// CleanCommitted удаляет завершённые (committed/rolled_back) записи.
func (w *WAL) CleanCommitted() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := w.scan()
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, entry := range entries {
		if entry.Status == StatusPending {
			continue
		}
		path := filepath.Join(w.dir, walFileName(entry.TransactionID))
		if err := os.Remove(path); err != nil {
			w.logger.Warn("Не удалось удалить завершённую WAL-запись",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		w.logger.Info("Очистка WAL завершена", slog.Int("cleaned", cleaned))
	}
	return cleaned, nil
}

// scan читает все записи журнала. Нечитаемые записи пропускаются с предупреждением.
func (w *WAL) scan() ([]*Entry, error) {
	paths, err := filepath.Glob(filepath.Join(w.dir, "*.wal.json"))
	if err != nil {
		return nil, fmt.Errorf("не удалось сканировать директорию WAL: %w", err)
	}

	result := make([]*Entry, 0, len(paths))
	for _, path := range paths {
		txID := strings.TrimSuffix(filepath.Base(path), ".wal.json")
		entry, err := w.readEntry(txID)
		if err != nil {
			w.logger.Warn("Не удалось прочитать WAL-запись",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

// writeEntry атомарно записывает запись на диск.
// Паттерн: temp файл → fsync → atomic rename.
func (w *WAL) writeEntry(entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}

	targetPath := filepath.Join(w.dir, walFileName(entry.TransactionID))
	tmpPath := targetPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// readEntry читает запись из файла.
func (w *WAL) readEntry(txID string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, walFileName(txID)))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("ошибка десериализации: %w", err)
	}
	return &entry, nil
}

// Dir возвращает путь к директории журнала.
func (w *WAL) Dir() string {
	return w.dir
}
