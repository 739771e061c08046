package transferclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/transfer-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/transfer-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/transfer-module/internal/config"
	"github.com/bigkaa/goartstore/transfer-module/internal/server"
	"github.com/bigkaa/goartstore/transfer-module/internal/service"
	"github.com/bigkaa/goartstore/transfer-module/internal/storage/archive"
	"github.com/bigkaa/goartstore/transfer-module/internal/storage/sessionstore"
	"github.com/bigkaa/goartstore/transfer-module/internal/storage/staging"
	"github.com/bigkaa/goartstore/transfer-module/internal/storage/wal"
)

const (
	testChunk   = 1000
	testMaxFile = 1 << 20
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestServer поднимает полный стек Transfer Module поверх временных директорий.
// wrap позволяет подменить ответы сервера в отдельных тестах.
func newTestServer(t *testing.T, wrap func(http.Handler) http.Handler) *httptest.Server {
	t.Helper()

	root := t.TempDir()
	logger := testLogger()

	area, err := staging.New(filepath.Join(root, "staging"))
	if err != nil {
		t.Fatalf("staging: %v", err)
	}
	arch, err := archive.NewLocal(filepath.Join(root, "permanent"), logger)
	if err != nil {
		t.Fatalf("архив: %v", err)
	}
	journal, err := wal.New(filepath.Join(root, "wal"), logger)
	if err != nil {
		t.Fatalf("WAL: %v", err)
	}
	store := sessionstore.NewMemoryStore(logger)
	sessions := sessionstore.NewSessions(store)

	ingest := service.NewIngestService(sessions, area, arch, journal, testMaxFile, logger)
	download := service.NewDownloadService(arch, logger)
	reaper := service.NewReaperService(sessions, area, arch, journal, time.Hour, time.Hour, service.PolicyDiscard, logger)

	api := handlers.NewAPIHandler(
		handlers.NewTransfersHandler(ingest, download, 4*testChunk, logger),
		handlers.NewSystemHandler(handlers.SystemInfo{
			StalePolicy:    string(service.PolicyDiscard),
			SessionStore:   string(sessionstore.BackendMemory),
			ArchiveBackend: string(archive.BackendLocal),
			MaxChunkSize:   4 * testChunk,
			MaxFileSize:    testMaxFile,
		}, store, logger),
		handlers.NewMaintenanceHandler(reaper),
		handlers.NewHealthHandler(area.Dir(), arch, store),
	)

	srv := server.New(&config.Config{ShutdownTimeout: time.Second}, logger, api,
		middleware.DevAuth("alice", nil),
	)

	var h http.Handler = srv.Handler()
	if wrap != nil {
		h = wrap(h)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func randomData(n int) []byte {
	r := rand.New(rand.NewPCG(1, 2))
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(r.UintN(256))
	}
	return data
}

func downloadAll(t *testing.T, c *Client, filename string, rng *Range) []byte {
	t.Helper()
	var buf bytes.Buffer
	if _, err := c.Download(context.Background(), filename, &buf, rng); err != nil {
		t.Fatalf("ошибка Download: %v", err)
	}
	return buf.Bytes()
}

func TestUpload_RoundTrip(t *testing.T) {
	ts := newTestServer(t, nil)
	c := New(ts.URL, WithChunkSize(testChunk), WithLogger(testLogger()))
	data := randomData(4500)

	var calls []int64
	err := c.Upload(context.Background(), "data.bin", bytes.NewReader(data), int64(len(data)), func(sent, _ int64) {
		calls = append(calls, sent)
	})
	if err != nil {
		t.Fatalf("ошибка Upload: %v", err)
	}

	want := []int64{1000, 2000, 3000, 4000, 4500}
	if len(calls) != len(want) {
		t.Fatalf("progress вызван %d раз, ожидалось %d", len(calls), len(want))
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("progress[%d] = %d, ожидалось %d", i, calls[i], want[i])
		}
	}

	if got := downloadAll(t, c, "data.bin", nil); !bytes.Equal(got, data) {
		t.Error("скачанный файл не совпадает с исходным")
	}

	st, err := c.Status(context.Background(), "data.bin")
	if err != nil {
		t.Fatalf("ошибка Status: %v", err)
	}
	if st.Status != StatusNotFound {
		t.Errorf("status после завершения = %q, ожидался %q", st.Status, StatusNotFound)
	}
}

func TestUpload_ResumesFromStatus(t *testing.T) {
	var uploads atomic.Int32
	ts := newTestServer(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/v1/upload" {
				uploads.Add(1)
			}
			next.ServeHTTP(w, r)
		})
	})
	c := New(ts.URL, WithChunkSize(testChunk), WithLogger(testLogger()))
	ctx := context.Background()
	data := randomData(5000)

	// Прерванная загрузка: приняты первые два чанка
	for _, start := range []int64{0, 1000} {
		if _, err := c.UploadChunk(ctx, "resume.bin", int64(len(data)), start, data[start:start+testChunk]); err != nil {
			t.Fatalf("ошибка UploadChunk(%d): %v", start, err)
		}
	}

	st, err := c.Status(ctx, "resume.bin")
	if err != nil {
		t.Fatalf("ошибка Status: %v", err)
	}
	if st.Status != StatusPending || st.NextExpectedByte != 2000 || st.TotalSize != 5000 {
		t.Fatalf("статус = %+v, ожидался pending/2000/5000", st)
	}

	uploads.Store(0)
	if err := c.Upload(ctx, "resume.bin", bytes.NewReader(data), int64(len(data)), nil); err != nil {
		t.Fatalf("ошибка Upload: %v", err)
	}
	if n := uploads.Load(); n != 3 {
		t.Errorf("отправлено %d чанков, ожидалось 3", n)
	}

	if got := downloadAll(t, c, "resume.bin", nil); !bytes.Equal(got, data) {
		t.Error("скачанный файл не совпадает с исходным")
	}
}

func TestUpload_ResyncsOnOutOfOrder(t *testing.T) {
	// Статус всегда "not found": клиент начинает с нуля и
	// узнаёт реальную позицию из ошибки OUT_OF_ORDER.
	ts := newTestServer(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/status") {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"status":"not found"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	c := New(ts.URL, WithChunkSize(testChunk), WithLogger(testLogger()))
	ctx := context.Background()
	data := randomData(3000)

	if _, err := c.UploadChunk(ctx, "resync.bin", int64(len(data)), 0, data[:testChunk]); err != nil {
		t.Fatalf("ошибка UploadChunk: %v", err)
	}

	// Повторная отправка уже принятого чанка отклоняется
	_, err := c.UploadChunk(ctx, "resync.bin", int64(len(data)), 0, data[:testChunk])
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != CodeOutOfOrder || apiErr.ExpectedOffset == nil || *apiErr.ExpectedOffset != 1000 {
		t.Fatalf("ошибка = %v, ожидалась OUT_OF_ORDER с expected_offset=1000", err)
	}

	if err := c.Upload(ctx, "resync.bin", bytes.NewReader(data), int64(len(data)), nil); err != nil {
		t.Fatalf("ошибка Upload: %v", err)
	}
	if got := downloadAll(t, c, "resync.bin", nil); !bytes.Equal(got, data) {
		t.Error("скачанный файл не совпадает с исходным")
	}
}

func TestUpload_SizeConflict(t *testing.T) {
	ts := newTestServer(t, nil)
	c := New(ts.URL, WithChunkSize(testChunk), WithLogger(testLogger()))
	ctx := context.Background()
	data := randomData(2000)

	if _, err := c.UploadChunk(ctx, "conflict.bin", 5000, 0, data[:testChunk]); err != nil {
		t.Fatalf("ошибка UploadChunk: %v", err)
	}
	if err := c.Upload(ctx, "conflict.bin", bytes.NewReader(data), int64(len(data)), nil); err == nil {
		t.Fatal("ожидалась ошибка для сессии другого размера")
	}
}

func TestUpload_Empty(t *testing.T) {
	c := New("http://127.0.0.1:0")
	if err := c.Upload(context.Background(), "empty.bin", bytes.NewReader(nil), 0, nil); err == nil {
		t.Fatal("ожидалась ошибка для пустого файла")
	}
}

func TestDownload_Range(t *testing.T) {
	ts := newTestServer(t, nil)
	c := New(ts.URL, WithChunkSize(testChunk), WithLogger(testLogger()))
	ctx := context.Background()
	data := randomData(1500)

	if err := c.Upload(ctx, "range.bin", bytes.NewReader(data), int64(len(data)), nil); err != nil {
		t.Fatalf("ошибка Upload: %v", err)
	}

	got := downloadAll(t, c, "range.bin", &Range{Start: 10, End: 19})
	if !bytes.Equal(got, data[10:20]) {
		t.Errorf("диапазон 10-19 = %v, ожидалось %v", got, data[10:20])
	}

	_, err := c.Download(ctx, "range.bin", io.Discard, &Range{Start: 1500, End: 1600})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("ошибка = %v, ожидался 416", err)
	}

	_, err = c.Download(ctx, "missing.bin", io.Discard, nil)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("ошибка = %v, ожидался 404", err)
	}
}

func TestInfo(t *testing.T) {
	ts := newTestServer(t, nil)
	c := New(ts.URL, WithLogger(testLogger()))

	info, err := c.Info(context.Background())
	if err != nil {
		t.Fatalf("ошибка Info: %v", err)
	}
	if info.Service != "transfer-module" || info.StalePolicy != "discard" || info.ActiveSessions != 0 {
		t.Errorf("info = %+v", info)
	}
}

func TestNew_TokenHeader(t *testing.T) {
	var got string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"status":"not found"}`))
	}))
	defer ts.Close()

	c := New(ts.URL+"/", WithToken("secret"))
	if _, err := c.Status(context.Background(), "a.bin"); err != nil {
		t.Fatalf("ошибка Status: %v", err)
	}
	if got != "Bearer secret" {
		t.Errorf("Authorization = %q, ожидался %q", got, "Bearer secret")
	}
}
