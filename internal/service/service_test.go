package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/transfer-module/internal/domain/model"
	"github.com/bigkaa/goartstore/transfer-module/internal/storage/archive"
	"github.com/bigkaa/goartstore/transfer-module/internal/storage/sessionstore"
	"github.com/bigkaa/goartstore/transfer-module/internal/storage/staging"
	"github.com/bigkaa/goartstore/transfer-module/internal/storage/wal"
	"github.com/bigkaa/goartstore/transfer-module/pkg/chunkproto"
)

const (
	testOwner   = "alice"
	testMaxSize = 1 << 20
)

// testLogger возвращает логгер для тестов (вывод подавляется).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testEnv — тестовое окружение сервисов поверх временных директорий.
type testEnv struct {
	store    *sessionstore.MemoryStore
	sessions *sessionstore.Sessions
	area     *staging.Area
	arch     *archive.LocalArchive
	journal  *wal.WAL
	ingest   *IngestService
	download *DownloadService
}

// setupTestEnv создаёт окружение: memory store, staging, локальный архив, WAL.
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	root := t.TempDir()
	logger := testLogger()

	area, err := staging.New(filepath.Join(root, "staging"))
	if err != nil {
		t.Fatalf("Ошибка создания staging: %v", err)
	}
	arch, err := archive.NewLocal(filepath.Join(root, "permanent"), logger)
	if err != nil {
		t.Fatalf("Ошибка создания архива: %v", err)
	}
	journal, err := wal.New(filepath.Join(root, "wal"), logger)
	if err != nil {
		t.Fatalf("Ошибка создания WAL: %v", err)
	}

	store := sessionstore.NewMemoryStore(logger)
	sessions := sessionstore.NewSessions(store)

	return &testEnv{
		store:    store,
		sessions: sessions,
		area:     area,
		arch:     arch,
		journal:  journal,
		ingest:   NewIngestService(sessions, area, arch, journal, testMaxSize, logger),
		download: NewDownloadService(arch, logger),
	}
}

// newReaper создаёт reaper с указанной политикой.
func (e *testEnv) newReaper(policy StalePolicy) *ReaperService {
	return NewReaperService(e.sessions, e.area, e.arch, e.journal, time.Hour, time.Hour, policy, testLogger())
}

// newReconciler создаёт сервис reconciliation.
func (e *testEnv) newReconciler() *ReconcileService {
	return NewReconcileService(e.sessions, e.area, e.arch, e.journal, time.Hour, time.Hour, testLogger())
}

// send отправляет чанк [start, start+len(payload)-1] файла filename.
func (e *testEnv) send(t *testing.T, filename string, total, start int64, payload []byte) (int64, error) {
	t.Helper()
	return e.ingest.Ingest(context.Background(), IngestParams{
		Owner:     testOwner,
		Filename:  filename,
		TotalSize: total,
		Envelope:  encode(t, start, payload),
	})
}

// session возвращает сессию из хранилища или nil.
func (e *testEnv) session(t *testing.T, filename string) *model.UploadSession {
	t.Helper()
	sess, err := e.store.Get(context.Background(), model.SessionKey{Owner: testOwner, Filename: filename})
	if errors.Is(err, sessionstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		t.Fatalf("Ошибка чтения сессии: %v", err)
	}
	return sess
}

// published читает опубликованный файл из архива.
func (e *testEnv) published(t *testing.T, filename string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.arch.Dir(), filename))
	if err != nil {
		t.Fatalf("Файл %s не опубликован: %v", filename, err)
	}
	return data
}

// encode собирает чанк.
func encode(t *testing.T, start int64, payload []byte) []byte {
	t.Helper()
	env, err := chunkproto.Encode(start, payload)
	if err != nil {
		t.Fatalf("Ошибка кодирования чанка: %v", err)
	}
	return env
}

// pattern возвращает n байт с предсказуемым содержимым.
func pattern(n int) []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), n/16+1)[:n]
}

// requireKind проверяет вид ошибки.
func requireKind(t *testing.T, err, kind error) *TransferError {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("ожидалась ошибка %v, получена %v", kind, err)
	}
	var te *TransferError
	if !errors.As(err, &te) {
		t.Fatalf("ожидалась *TransferError, получена %T", err)
	}
	return te
}
