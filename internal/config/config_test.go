package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// allKeys — все переменные TM_*, которые читает Load.
var allKeys = []string{
	"TM_PORT", "TM_SERVICE_ID", "TM_STAGING_DIR", "TM_PERMANENT_DIR", "TM_WAL_DIR",
	"TM_CLEANUP_INTERVAL", "TM_STALE_THRESHOLD", "TM_STALE_POLICY", "TM_RECONCILE_INTERVAL",
	"TM_MAX_CHUNK_SIZE", "TM_MAX_FILE_SIZE",
	"TM_SESSION_STORE", "TM_DB_HOST", "TM_DB_PORT", "TM_DB_NAME", "TM_DB_USER", "TM_DB_PASSWORD", "TM_DB_SSL_MODE",
	"TM_REDIS_ADDR", "TM_REDIS_PASSWORD", "TM_REDIS_DB", "TM_REDIS_KEY_PREFIX",
	"TM_ARCHIVE_BACKEND", "TM_S3_ENDPOINT", "TM_S3_REGION", "TM_S3_BUCKET", "TM_S3_ACCESS_KEY",
	"TM_S3_SECRET_KEY", "TM_S3_PREFIX", "TM_ARCHIVE_CACHE_SIZE", "TM_ARCHIVE_CACHE_TTL",
	"TM_JWKS_URL", "TM_JWKS_CA_CERT", "TM_TLS_SKIP_VERIFY", "TM_JWKS_CLIENT_TIMEOUT",
	"TM_JWKS_REFRESH_INTERVAL", "TM_JWT_LEEWAY", "TM_DEV_SUBJECT",
	"TM_TLS_CERT", "TM_TLS_KEY", "TM_LOG_LEVEL", "TM_LOG_FORMAT",
	"TM_SHUTDOWN_TIMEOUT", "TM_HTTP_READ_TIMEOUT", "TM_HTTP_WRITE_TIMEOUT", "TM_HTTP_IDLE_TIMEOUT",
	"TM_DEPHEALTH_CHECK_INTERVAL", "TM_DEPHEALTH_GROUP",
}

// setEnv очищает все TM_* переменные и устанавливает минимально
// необходимый набор плюс vars. Пустая строка равносильна отсутствию.
func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
	t.Setenv("TM_STAGING_DIR", "/var/lib/tm/staging")
	t.Setenv("TM_WAL_DIR", "/var/lib/tm/wal")
	t.Setenv("TM_PERMANENT_DIR", "/var/lib/tm/files")
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, nil)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := &Config{
		Port:                   8040,
		ServiceID:              "transfer-module",
		StagingDir:             "/var/lib/tm/staging",
		PermanentDir:           "/var/lib/tm/files",
		WALDir:                 "/var/lib/tm/wal",
		CleanupInterval:        time.Hour,
		StaleThreshold:         time.Hour,
		StalePolicy:            "discard",
		ReconcileInterval:      6 * time.Hour,
		MaxChunkSize:           16 << 20,
		MaxFileSize:            1<<32 - 1,
		SessionStore:           "memory",
		ArchiveBackend:         "local",
		ArchiveCacheSize:       1024,
		ArchiveCacheTTL:        30 * time.Second,
		JWKSClientTimeout:      5 * time.Second,
		JWKSRefreshInterval:    15 * time.Minute,
		JWTLeeway:              5 * time.Second,
		DevSubject:             "anonymous",
		LogLevel:               slog.LevelInfo,
		LogFormat:              "json",
		ShutdownTimeout:        15 * time.Second,
		HTTPReadTimeout:        60 * time.Second,
		HTTPIdleTimeout:        120 * time.Second,
		DephealthCheckInterval: 15 * time.Second,
		DephealthGroup:         "transfer-module",
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("конфигурация по умолчанию (-want +got):\n%s", diff)
	}
	if !cfg.DevMode() {
		t.Error("без TM_JWKS_URL ожидался режим разработки")
	}
}

func TestLoad_Postgres(t *testing.T) {
	setEnv(t, map[string]string{
		"TM_SESSION_STORE": "postgres",
		"TM_DB_HOST":       "db",
		"TM_DB_PORT":       "6432",
		"TM_DB_USER":       "tm",
		"TM_DB_PASSWORD":   "secret",
		"TM_DB_SSL_MODE":   "require",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBHost != "db" || cfg.DBPort != 6432 || cfg.DBName != "transfer" || cfg.DBSSLMode != "require" {
		t.Errorf("параметры PostgreSQL: %+v", cfg)
	}
}

func TestLoad_S3WithoutPermanentDir(t *testing.T) {
	setEnv(t, map[string]string{
		"TM_PERMANENT_DIR":   "",
		"TM_ARCHIVE_BACKEND": "s3",
		"TM_S3_BUCKET":       "artifacts",
		"TM_S3_ENDPOINT":     "http://minio:9000",
		"TM_S3_ACCESS_KEY":   "minio",
		"TM_S3_SECRET_KEY":   "minio123",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.S3Bucket != "artifacts" || cfg.S3Region != "us-east-1" {
		t.Errorf("параметры S3: %+v", cfg)
	}
}

func TestLoad_JWKS(t *testing.T) {
	setEnv(t, map[string]string{
		"TM_JWKS_URL":        "https://admin:8000/auth/jwks",
		"TM_TLS_SKIP_VERIFY": "true",
		"TM_JWT_LEEWAY":      "0s",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DevMode() || !cfg.TLSSkipVerify || cfg.JWTLeeway != 0 {
		t.Errorf("параметры JWT: %+v", cfg)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		vars    map[string]string
		wantKey string
	}{
		{"нет staging", map[string]string{"TM_STAGING_DIR": ""}, "TM_STAGING_DIR"},
		{"нет WAL", map[string]string{"TM_WAL_DIR": ""}, "TM_WAL_DIR"},
		{"нет permanent для local", map[string]string{"TM_PERMANENT_DIR": ""}, "TM_PERMANENT_DIR"},
		{"порт вне диапазона", map[string]string{"TM_PORT": "8010"}, "TM_PORT"},
		{"порт не число", map[string]string{"TM_PORT": "abc"}, "TM_PORT"},
		{"неизвестная политика", map[string]string{"TM_STALE_POLICY": "keep"}, "TM_STALE_POLICY"},
		{"нулевой интервал", map[string]string{"TM_CLEANUP_INTERVAL": "0s"}, "TM_CLEANUP_INTERVAL"},
		{"кривая длительность", map[string]string{"TM_STALE_THRESHOLD": "час"}, "TM_STALE_THRESHOLD"},
		{"нулевой чанк", map[string]string{"TM_MAX_CHUNK_SIZE": "0"}, "TM_MAX_CHUNK_SIZE"},
		{"файл больше 4 GiB", map[string]string{"TM_MAX_FILE_SIZE": "4294967297"}, "TM_MAX_FILE_SIZE"},
		{"неизвестное хранилище", map[string]string{"TM_SESSION_STORE": "etcd"}, "TM_SESSION_STORE"},
		{"postgres без пользователя", map[string]string{"TM_SESSION_STORE": "postgres", "TM_DB_PASSWORD": "x"}, "TM_DB_USER"},
		{"redis db не число", map[string]string{"TM_SESSION_STORE": "redis", "TM_REDIS_DB": "zero"}, "TM_REDIS_DB"},
		{"неизвестный архив", map[string]string{"TM_ARCHIVE_BACKEND": "ftp"}, "TM_ARCHIVE_BACKEND"},
		{"s3 без бакета", map[string]string{"TM_ARCHIVE_BACKEND": "s3"}, "TM_S3_BUCKET"},
		{"s3 ключ без секрета", map[string]string{"TM_ARCHIVE_BACKEND": "s3", "TM_S3_BUCKET": "b", "TM_S3_ACCESS_KEY": "k"}, "TM_S3_ACCESS_KEY"},
		{"отрицательный кэш", map[string]string{"TM_ARCHIVE_CACHE_SIZE": "-1"}, "TM_ARCHIVE_CACHE_SIZE"},
		{"tls без ключа", map[string]string{"TM_TLS_CERT": "/tls/tls.crt"}, "TM_TLS_CERT"},
		{"skip verify не bool", map[string]string{"TM_TLS_SKIP_VERIFY": "yes please"}, "TM_TLS_SKIP_VERIFY"},
		{"отрицательный leeway", map[string]string{"TM_JWT_LEEWAY": "-1s"}, "TM_JWT_LEEWAY"},
		{"уровень логов", map[string]string{"TM_LOG_LEVEL": "trace"}, "TM_LOG_LEVEL"},
		{"формат логов", map[string]string{"TM_LOG_FORMAT": "xml"}, "TM_LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.vars)
			_, err := Load()
			if err == nil {
				t.Fatal("ожидалась ошибка")
			}
			if !strings.Contains(err.Error(), tt.wantKey) {
				t.Errorf("ошибка %q не упоминает %s", err, tt.wantKey)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := parseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("parseLogLevel(%q) = %v, %v; ожидалось %v", in, got, err, want)
		}
	}
}
