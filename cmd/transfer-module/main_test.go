package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bigkaa/goartstore/transfer-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/transfer-module/internal/config"
	"github.com/bigkaa/goartstore/transfer-module/internal/storage/archive"
	"github.com/bigkaa/goartstore/transfer-module/internal/storage/sessionstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenArchive_LocalCached(t *testing.T) {
	cfg := &config.Config{
		ArchiveBackend:   string(archive.BackendLocal),
		PermanentDir:     t.TempDir(),
		ArchiveCacheSize: 16,
	}

	arch, err := openArchive(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("ошибка openArchive: %v", err)
	}
	if _, ok := arch.(*archive.Cached); !ok {
		t.Errorf("тип архива = %T, ожидался *archive.Cached", arch)
	}
	if arch.Backend() != archive.BackendLocal {
		t.Errorf("backend = %q, ожидался local", arch.Backend())
	}

	cfg.ArchiveCacheSize = 0
	arch, err = openArchive(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("ошибка openArchive: %v", err)
	}
	if _, ok := arch.(*archive.LocalArchive); !ok {
		t.Errorf("тип архива = %T, ожидался *archive.LocalArchive", arch)
	}
}

func TestOpenSessionStore_Memory(t *testing.T) {
	cfg := &config.Config{SessionStore: string(sessionstore.BackendMemory)}

	store, db, err := openSessionStore(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("ошибка openSessionStore: %v", err)
	}
	defer store.Close()

	if db != nil {
		t.Error("для memory-хранилища *sql.DB не ожидается")
	}
	if _, ok := store.(*sessionstore.MemoryStore); !ok {
		t.Errorf("тип хранилища = %T, ожидался *sessionstore.MemoryStore", store)
	}
}

func TestBuildAuth_DevMode(t *testing.T) {
	cfg := &config.Config{DevSubject: "dev-user"}

	mw, err := buildAuth(cfg, testLogger())
	if err != nil {
		t.Fatalf("ошибка buildAuth: %v", err)
	}

	var subject string
	var scopes []string
	h := mw(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		subject = middleware.SubjectFromContext(r.Context())
		scopes = middleware.ScopesFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if subject != "dev-user" {
		t.Errorf("subject = %q, ожидался dev-user", subject)
	}
	if len(scopes) != 1 || scopes[0] != adminScope {
		t.Errorf("scopes = %v, ожидался [%s]", scopes, adminScope)
	}
}

func TestStartDephealth_NoDependencies(t *testing.T) {
	cfg := &config.Config{ServiceID: "transfer-module", DephealthGroup: "test"}

	if svc := startDephealth(context.Background(), cfg, nil, testLogger()); svc != nil {
		t.Error("без зависимостей сервис мониторинга не должен создаваться")
	}
}
