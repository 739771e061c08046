package wal

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bigkaa/goartstore/transfer-module/internal/domain/model"
)

// testLogger возвращает логгер для тестов (вывод подавляется).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestWAL(t *testing.T) *WAL {
	t.Helper()
	w, err := New(filepath.Join(t.TempDir(), "wal"), testLogger())
	if err != nil {
		t.Fatalf("ошибка создания WAL: %v", err)
	}
	return w
}

var testKey = model.SessionKey{Owner: "alice", Filename: "report.pdf"}

// TestNew_CreatesDirectory проверяет, что New создаёт директорию журнала.
func TestNew_CreatesDirectory(t *testing.T) {
	walDir := filepath.Join(t.TempDir(), "nested", "wal")

	w, err := New(walDir, testLogger())
	if err != nil {
		t.Fatalf("ожидалось успешное создание WAL, получена ошибка: %v", err)
	}
	if w.Dir() != walDir {
		t.Errorf("ожидался путь %s, получен %s", walDir, w.Dir())
	}
	if _, err := os.Stat(filepath.Join(walDir, ".wal_write_test")); !os.IsNotExist(err) {
		t.Error("проверочный файл должен быть удалён")
	}
}

// TestStartTransaction проверяет, что запись сохраняется на диск со всеми полями.
func TestStartTransaction(t *testing.T) {
	w := newTestWAL(t)

	entry, err := w.StartTransaction(OpFinalize, testKey, "alice_report.pdf_123")
	if err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(w.Dir(), walFileName(entry.TransactionID)))
	if err != nil {
		t.Fatalf("файл записи не создан: %v", err)
	}

	var onDisk Entry
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("некорректный JSON записи: %v", err)
	}
	if onDisk.Status != StatusPending {
		t.Errorf("Status: хотели pending, получили %s", onDisk.Status)
	}
	if onDisk.Key() != testKey {
		t.Errorf("Key: хотели %v, получили %v", testKey, onDisk.Key())
	}
	if onDisk.StagingPath != "alice_report.pdf_123" {
		t.Errorf("StagingPath: %s", onDisk.StagingPath)
	}
	if onDisk.CompletedAt != nil {
		t.Error("CompletedAt должен быть пуст у pending-записи")
	}
}

// TestCommit проверяет перевод в committed и запрет повторного завершения.
func TestCommit(t *testing.T) {
	w := newTestWAL(t)
	entry, _ := w.StartTransaction(OpFinalize, testKey, "s")

	if err := w.Commit(entry.TransactionID); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := w.GetTransaction(entry.TransactionID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if got.Status != StatusCommitted || got.CompletedAt == nil {
		t.Errorf("ожидалась committed-запись с CompletedAt, получили %+v", got)
	}

	if err := w.Commit(entry.TransactionID); err == nil {
		t.Error("повторный Commit должен вернуть ошибку")
	}
	if err := w.Rollback(entry.TransactionID); err == nil {
		t.Error("Rollback committed-записи должен вернуть ошибку")
	}
}

// TestRollback проверяет перевод в rolled_back.
func TestRollback(t *testing.T) {
	w := newTestWAL(t)
	entry, _ := w.StartTransaction(OpPublishPartial, testKey, "s")

	if err := w.Rollback(entry.TransactionID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	got, _ := w.GetTransaction(entry.TransactionID)
	if got.Status != StatusRolledBack {
		t.Errorf("Status: хотели rolled_back, получили %s", got.Status)
	}
}

// TestRecoverPending проверяет, что возвращаются только pending-записи.
func TestRecoverPending(t *testing.T) {
	w := newTestWAL(t)

	done, _ := w.StartTransaction(OpFinalize, testKey, "done")
	_ = w.Commit(done.TransactionID)
	first, _ := w.StartTransaction(OpFinalize, model.SessionKey{Owner: "bob", Filename: "a"}, "a")
	second, _ := w.StartTransaction(OpFinalize, model.SessionKey{Owner: "bob", Filename: "b"}, "b")

	// Повреждённая запись пропускается
	_ = os.WriteFile(filepath.Join(w.Dir(), "broken.wal.json"), []byte("{"), 0o640)

	pending, err := w.RecoverPending()
	if err != nil {
		t.Fatalf("RecoverPending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("ожидалось 2 pending-записи, получено %d", len(pending))
	}
	if pending[0].TransactionID != first.TransactionID || pending[1].TransactionID != second.TransactionID {
		t.Error("pending-записи должны быть упорядочены по времени начала")
	}
}

func TestFindPendingFinalize(t *testing.T) {
	w := newTestWAL(t)

	committed, _ := w.StartTransaction(OpFinalize, testKey, "old")
	_ = w.Commit(committed.TransactionID)
	_, _ = w.StartTransaction(OpPublishPartial, testKey, "partial")
	want, _ := w.StartTransaction(OpFinalize, testKey, "current")

	tests := []struct {
		name        string
		key         model.SessionKey
		stagingPath string
		wantID      string
	}{
		{"pending finalize", testKey, "current", want.TransactionID},
		{"committed", testKey, "old", ""},
		{"другая операция", testKey, "partial", ""},
		{"другой владелец", model.SessionKey{Owner: "bob", Filename: testKey.Filename}, "current", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := w.FindPendingFinalize(tt.key, tt.stagingPath)
			if err != nil {
				t.Fatalf("FindPendingFinalize: %v", err)
			}
			got := ""
			if entry != nil {
				got = entry.TransactionID
			}
			if got != tt.wantID {
				t.Errorf("ожидалась транзакция %q, получена %q", tt.wantID, got)
			}
		})
	}
}

// TestCleanCommitted проверяет удаление завершённых записей.
func TestCleanCommitted(t *testing.T) {
	w := newTestWAL(t)

	c, _ := w.StartTransaction(OpFinalize, testKey, "c")
	_ = w.Commit(c.TransactionID)
	r, _ := w.StartTransaction(OpFinalize, testKey, "r")
	_ = w.Rollback(r.TransactionID)
	p, _ := w.StartTransaction(OpFinalize, testKey, "p")

	cleaned, err := w.CleanCommitted()
	if err != nil {
		t.Fatalf("CleanCommitted: %v", err)
	}
	if cleaned != 2 {
		t.Errorf("cleaned: хотели 2, получили %d", cleaned)
	}
	if _, err := w.GetTransaction(p.TransactionID); err != nil {
		t.Errorf("pending-запись не должна удаляться: %v", err)
	}
}

// TestConcurrentTransactions проверяет параллельное создание записей.
func TestConcurrentTransactions(t *testing.T) {
	w := newTestWAL(t)

	var wg sync.WaitGroup
	ids := make(chan string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := w.StartTransaction(OpFinalize, testKey, "s")
			if err != nil {
				t.Errorf("StartTransaction: %v", err)
				return
			}
			if err := w.Commit(e.TransactionID); err != nil {
				t.Errorf("Commit: %v", err)
			}
			ids <- e.TransactionID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("дублирующийся tx_id %s", id)
		}
		seen[id] = true
	}
	if len(seen) != 50 {
		t.Errorf("ожидалось 50 транзакций, получено %d", len(seen))
	}
}
