// Пакет config — загрузка и валидация конфигурации Transfer Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/transfer-module/pkg/chunkproto"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Transfer Module.
type Config struct {
	// Порт HTTP-сервера (диапазон 8040-8049)
	Port int
	// Идентификатор экземпляра (для topologymetrics)
	ServiceID string

	// Директория незавершённых загрузок
	StagingDir string
	// Директория опубликованных файлов (только TM_ARCHIVE_BACKEND=local)
	PermanentDir string
	// Путь к директории WAL
	WALDir string

	// Интервал обхода устаревших сессий
	CleanupInterval time.Duration
	// Сессия без новых чанков дольше этого порога считается заброшенной
	StaleThreshold time.Duration
	// Что делать с заброшенной сессией: discard, publish, retain
	StalePolicy string
	// Интервал reconciliation (журнал + staging)
	ReconcileInterval time.Duration

	// Максимальный размер полезной нагрузки одного чанка
	MaxChunkSize int64
	// Максимальный заявленный размер файла
	MaxFileSize int64

	// Хранилище сессий: memory, postgres, redis
	SessionStore string
	// PostgreSQL (TM_SESSION_STORE=postgres)
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
	// Redis (TM_SESSION_STORE=redis)
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	// Архив: local или s3
	ArchiveBackend string
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3Prefix       string
	// Кэш метаданных архива
	ArchiveCacheSize int
	ArchiveCacheTTL  time.Duration

	// URL JWKS endpoint. Пусто — режим разработки без проверки токенов
	JWKSUrl string
	// Путь к CA-сертификату для проверки TLS JWKS endpoint (опционально)
	JWKSCACert string
	// Пропускать проверку TLS-сертификатов JWKS и dephealth
	TLSSkipVerify bool
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение часов при проверке exp/nbf
	JWTLeeway time.Duration
	// Субъект запросов в режиме разработки
	DevSubject string

	// Путь к TLS сертификату (пусто — HTTP)
	TLSCert string
	// Путь к TLS приватному ключу
	TLSKey string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
	// Таймауты HTTP-сервера
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// TM_PORT — порт HTTP-сервера (по умолчанию 8040)
	port, err := getEnvInt("TM_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("TM_PORT: %w", err)
	}
	if port < 8040 || port > 8049 {
		return nil, fmt.Errorf("TM_PORT: значение %d вне допустимого диапазона 8040-8049", port)
	}
	cfg.Port = port

	cfg.ServiceID = getEnvDefault("TM_SERVICE_ID", "transfer-module")

	// TM_STAGING_DIR, TM_WAL_DIR — обязательные
	cfg.StagingDir, err = getEnvRequired("TM_STAGING_DIR")
	if err != nil {
		return nil, err
	}
	cfg.WALDir, err = getEnvRequired("TM_WAL_DIR")
	if err != nil {
		return nil, err
	}

	// TM_CLEANUP_INTERVAL — интервал reaper (по умолчанию 1h)
	cfg.CleanupInterval, err = getEnvPositiveDuration("TM_CLEANUP_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}

	// TM_STALE_THRESHOLD — порог заброшенности (по умолчанию 1h)
	cfg.StaleThreshold, err = getEnvPositiveDuration("TM_STALE_THRESHOLD", time.Hour)
	if err != nil {
		return nil, err
	}

	// TM_STALE_POLICY — политика вытеснения (по умолчанию discard)
	cfg.StalePolicy = getEnvDefault("TM_STALE_POLICY", "discard")
	if !oneOf(cfg.StalePolicy, "discard", "publish", "retain") {
		return nil, fmt.Errorf("TM_STALE_POLICY: недопустимое значение %q, допустимые: discard, publish, retain", cfg.StalePolicy)
	}

	// TM_RECONCILE_INTERVAL — интервал reconciliation (по умолчанию 6h)
	cfg.ReconcileInterval, err = getEnvPositiveDuration("TM_RECONCILE_INTERVAL", 6*time.Hour)
	if err != nil {
		return nil, err
	}

	// TM_MAX_CHUNK_SIZE — размер полезной нагрузки чанка (по умолчанию 16 MiB)
	cfg.MaxChunkSize, err = getEnvInt64("TM_MAX_CHUNK_SIZE", 16<<20)
	if err != nil {
		return nil, fmt.Errorf("TM_MAX_CHUNK_SIZE: %w", err)
	}
	if cfg.MaxChunkSize <= 0 {
		return nil, fmt.Errorf("TM_MAX_CHUNK_SIZE: значение должно быть положительным")
	}

	// TM_MAX_FILE_SIZE — ограничен адресацией заголовка чанка (uint32)
	cfg.MaxFileSize, err = getEnvInt64("TM_MAX_FILE_SIZE", chunkproto.MaxOffset)
	if err != nil {
		return nil, fmt.Errorf("TM_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 || cfg.MaxFileSize > chunkproto.MaxOffset+1 {
		return nil, fmt.Errorf("TM_MAX_FILE_SIZE: значение %d вне диапазона 1-%d", cfg.MaxFileSize, int64(chunkproto.MaxOffset)+1)
	}

	if err := loadSessionStore(cfg); err != nil {
		return nil, err
	}
	if err := loadArchive(cfg); err != nil {
		return nil, err
	}
	if err := loadAuth(cfg); err != nil {
		return nil, err
	}

	// TM_TLS_CERT / TM_TLS_KEY — задаются вместе или не задаются
	cfg.TLSCert = getEnvDefault("TM_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("TM_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("TM_TLS_CERT и TM_TLS_KEY должны задаваться вместе")
	}

	// TM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("TM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("TM_LOG_LEVEL: %w", err)
	}

	// TM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("TM_LOG_FORMAT", "json")
	if !oneOf(cfg.LogFormat, "json", "text") {
		return nil, fmt.Errorf("TM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	if cfg.ShutdownTimeout, err = getEnvPositiveDuration("TM_SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.HTTPReadTimeout, err = getEnvPositiveDuration("TM_HTTP_READ_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	// Скачивание больших файлов: запись ответа может идти долго
	if cfg.HTTPWriteTimeout, err = getEnvDuration("TM_HTTP_WRITE_TIMEOUT", 0); err != nil {
		return nil, fmt.Errorf("TM_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvPositiveDuration("TM_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return nil, err
	}

	// TM_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	if cfg.DephealthCheckInterval, err = getEnvPositiveDuration("TM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	cfg.DephealthGroup = getEnvDefault("TM_DEPHEALTH_GROUP", "transfer-module")

	return cfg, nil
}

// loadSessionStore читает параметры хранилища сессий.
func loadSessionStore(cfg *Config) error {
	var err error

	cfg.SessionStore = getEnvDefault("TM_SESSION_STORE", "memory")
	switch cfg.SessionStore {
	case "memory":
	case "postgres":
		cfg.DBHost = getEnvDefault("TM_DB_HOST", "localhost")
		if cfg.DBPort, err = getEnvInt("TM_DB_PORT", 5432); err != nil {
			return fmt.Errorf("TM_DB_PORT: %w", err)
		}
		cfg.DBName = getEnvDefault("TM_DB_NAME", "transfer")
		if cfg.DBUser, err = getEnvRequired("TM_DB_USER"); err != nil {
			return err
		}
		if cfg.DBPassword, err = getEnvRequired("TM_DB_PASSWORD"); err != nil {
			return err
		}
		cfg.DBSSLMode = getEnvDefault("TM_DB_SSL_MODE", "disable")
		if !oneOf(cfg.DBSSLMode, "disable", "require", "verify-ca", "verify-full") {
			return fmt.Errorf("TM_DB_SSL_MODE: недопустимое значение %q", cfg.DBSSLMode)
		}
	case "redis":
		cfg.RedisAddr = getEnvDefault("TM_REDIS_ADDR", "localhost:6379")
		cfg.RedisPassword = getEnvDefault("TM_REDIS_PASSWORD", "")
		if cfg.RedisDB, err = getEnvInt("TM_REDIS_DB", 0); err != nil {
			return fmt.Errorf("TM_REDIS_DB: %w", err)
		}
		cfg.RedisKeyPrefix = getEnvDefault("TM_REDIS_KEY_PREFIX", "tm:session:")
	default:
		return fmt.Errorf("TM_SESSION_STORE: недопустимое значение %q, допустимые: memory, postgres, redis", cfg.SessionStore)
	}
	return nil
}

// loadArchive читает параметры архива и кэша метаданных.
func loadArchive(cfg *Config) error {
	var err error

	cfg.ArchiveBackend = getEnvDefault("TM_ARCHIVE_BACKEND", "local")
	switch cfg.ArchiveBackend {
	case "local":
		if cfg.PermanentDir, err = getEnvRequired("TM_PERMANENT_DIR"); err != nil {
			return err
		}
	case "s3":
		if cfg.S3Bucket, err = getEnvRequired("TM_S3_BUCKET"); err != nil {
			return err
		}
		cfg.S3Endpoint = getEnvDefault("TM_S3_ENDPOINT", "")
		cfg.S3Region = getEnvDefault("TM_S3_REGION", "us-east-1")
		cfg.S3AccessKey = getEnvDefault("TM_S3_ACCESS_KEY", "")
		cfg.S3SecretKey = getEnvDefault("TM_S3_SECRET_KEY", "")
		if (cfg.S3AccessKey == "") != (cfg.S3SecretKey == "") {
			return fmt.Errorf("TM_S3_ACCESS_KEY и TM_S3_SECRET_KEY должны задаваться вместе")
		}
		cfg.S3Prefix = getEnvDefault("TM_S3_PREFIX", "")
	default:
		return fmt.Errorf("TM_ARCHIVE_BACKEND: недопустимое значение %q, допустимые: local, s3", cfg.ArchiveBackend)
	}

	// TM_ARCHIVE_CACHE_SIZE — 0 отключает кэш
	if cfg.ArchiveCacheSize, err = getEnvInt("TM_ARCHIVE_CACHE_SIZE", 1024); err != nil {
		return fmt.Errorf("TM_ARCHIVE_CACHE_SIZE: %w", err)
	}
	if cfg.ArchiveCacheSize < 0 {
		return fmt.Errorf("TM_ARCHIVE_CACHE_SIZE: значение не может быть отрицательным")
	}
	if cfg.ArchiveCacheTTL, err = getEnvPositiveDuration("TM_ARCHIVE_CACHE_TTL", 30*time.Second); err != nil {
		return err
	}
	return nil
}

// loadAuth читает параметры JWT-аутентификации.
func loadAuth(cfg *Config) error {
	var err error

	cfg.JWKSUrl = getEnvDefault("TM_JWKS_URL", "")
	cfg.JWKSCACert = getEnvDefault("TM_JWKS_CA_CERT", "")
	if cfg.TLSSkipVerify, err = getEnvBool("TM_TLS_SKIP_VERIFY", false); err != nil {
		return fmt.Errorf("TM_TLS_SKIP_VERIFY: %w", err)
	}
	if cfg.JWKSClientTimeout, err = getEnvPositiveDuration("TM_JWKS_CLIENT_TIMEOUT", 5*time.Second); err != nil {
		return err
	}
	if cfg.JWKSRefreshInterval, err = getEnvPositiveDuration("TM_JWKS_REFRESH_INTERVAL", 15*time.Minute); err != nil {
		return err
	}
	if cfg.JWTLeeway, err = getEnvDuration("TM_JWT_LEEWAY", 5*time.Second); err != nil {
		return fmt.Errorf("TM_JWT_LEEWAY: %w", err)
	}
	if cfg.JWTLeeway < 0 {
		return fmt.Errorf("TM_JWT_LEEWAY: значение не может быть отрицательным")
	}
	cfg.DevSubject = getEnvDefault("TM_DEV_SUBJECT", "anonymous")
	return nil
}

// DevMode возвращает true, если JWKS не настроен и токены не проверяются.
func (c *Config) DevMode() bool {
	return c.JWKSUrl == ""
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// getEnvPositiveDuration — getEnvDuration с проверкой d > 0.
// Ошибка уже содержит имя переменной.
func getEnvPositiveDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := getEnvDuration(key, defaultVal)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: значение должно быть положительным, получено %s", key, d)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

func oneOf(val string, allowed ...string) bool {
	return slices.Contains(allowed, val)
}
