// Точка входа Transfer Module — сервиса возобновляемой загрузки файлов чанками.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/transfer-module/internal/api/generated"
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

// adminScope — scope для endpoints обслуживания.
const adminScope = "transfers:admin"

// Пути без аутентификации: probes, метрики, информация о сервисе.
var publicPrefixes = []string{"/health/", "/metrics", "/api/v1/info"}

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("Transfer Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("session_store", cfg.SessionStore),
		slog.String("archive_backend", cfg.ArchiveBackend),
		slog.String("stale_policy", cfg.StalePolicy),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Ошибка Transfer Module", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Transfer Module остановлен")
}

// run собирает компоненты, запускает фоновые процессы и HTTP-сервер.
// Возвращается после graceful shutdown.
func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Инициализация компонентов ---

	// 1. Хранилище сессий
	store, db, err := openSessionStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("Ошибка закрытия хранилища сессий", slog.String("error", closeErr.Error()))
		}
	}()
	sessions := sessionstore.NewSessions(store)

	// 2. Staging-директория незавершённых загрузок
	area, err := staging.New(cfg.StagingDir)
	if err != nil {
		return fmt.Errorf("ошибка инициализации staging: %w", err)
	}

	// 3. Журнал финализаций
	journal, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		return fmt.Errorf("ошибка инициализации WAL: %w", err)
	}

	// 4. Архив завершённых файлов
	arch, err := openArchive(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// 5. Сервисы
	policy, err := service.ParseStalePolicy(cfg.StalePolicy)
	if err != nil {
		return err
	}
	ingestSvc := service.NewIngestService(sessions, area, arch, journal, cfg.MaxFileSize, logger)
	downloadSvc := service.NewDownloadService(arch, logger)

	// 6. Фоновые процессы

	// 6.1 Reconciliation: первый проход доигрывает журнал и чистит staging
	reconcileSvc := service.NewReconcileService(sessions, area, arch, journal,
		cfg.ReconcileInterval, cfg.StaleThreshold, logger)
	reconcileSvc.Start(ctx)
	defer reconcileSvc.Stop()

	// 6.2 Reaper устаревших сессий
	reaperSvc := service.NewReaperService(sessions, area, arch, journal,
		cfg.CleanupInterval, cfg.StaleThreshold, policy, logger)
	reaperSvc.Start(ctx)
	defer reaperSvc.Stop()

	// 6.3 topologymetrics — мониторинг зависимостей
	dephealthSvc := startDephealth(ctx, cfg, db, logger)
	if dephealthSvc != nil {
		defer dephealthSvc.Stop()
	}

	// 7. Handlers
	apiHandler := handlers.NewAPIHandler(
		handlers.NewTransfersHandler(ingestSvc, downloadSvc, cfg.MaxChunkSize, logger),
		handlers.NewSystemHandler(handlers.SystemInfo{
			StalePolicy:    string(reaperSvc.Policy()),
			SessionStore:   cfg.SessionStore,
			ArchiveBackend: string(arch.Backend()),
			MaxChunkSize:   cfg.MaxChunkSize,
			MaxFileSize:    cfg.MaxFileSize,
		}, store, logger),
		handlers.NewMaintenanceHandler(reaperSvc),
		handlers.NewHealthHandler(area.Dir(), arch, store),
	)

	// 8. Middleware: логирование, метрики, аутентификация, валидация OpenAPI
	swagger, err := generated.GetSwagger()
	if err != nil {
		return fmt.Errorf("ошибка инициализации OpenAPI-валидатора: %w", err)
	}
	validator, err := middleware.NewOpenAPIValidator(swagger, logger)
	if err != nil {
		return fmt.Errorf("ошибка инициализации OpenAPI-валидатора: %w", err)
	}

	authMiddleware, err := buildAuth(cfg, logger)
	if err != nil {
		return err
	}

	srv := server.New(cfg, logger, apiHandler,
		middleware.RequestLogger(logger),
		middleware.MetricsMiddleware(),
		server.JWTAuthWithExclusions(authMiddleware, publicPrefixes...),
		server.ForPrefix("/api/v1/maintenance", middleware.RequireScope(adminScope)),
		validator.Middleware(),
	)

	// 9. HTTP-сервер до сигнала завершения.
	// Фоновые процессы останавливаются через defer после выхода из Run.
	if err := srv.Run(ctx); err != nil {
		return err
	}

	logger.Info("Остановка фоновых процессов...")
	return nil
}

// openSessionStore создаёт хранилище сессий по TM_SESSION_STORE.
// Для postgres дополнительно возвращает *sql.DB поверх пула (для topologymetrics).
func openSessionStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (sessionstore.Store, *sql.DB, error) {
	switch sessionstore.Backend(cfg.SessionStore) {
	case sessionstore.BackendPostgres:
		pgCfg := sessionstore.PostgresConfig{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			Name:     cfg.DBName,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			SSLMode:  cfg.DBSSLMode,
		}
		if err := sessionstore.Migrate(pgCfg, logger); err != nil {
			return nil, nil, err
		}
		pool, err := sessionstore.Connect(ctx, pgCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		store := sessionstore.NewPostgresStore(pool, logger)
		return store, stdlib.OpenDBFromPool(store.Pool()), nil

	case sessionstore.BackendRedis:
		store, err := sessionstore.NewRedisStore(ctx, sessionstore.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil

	default:
		logger.Warn("Сессии хранятся в памяти и не переживут рестарт")
		return sessionstore.NewMemoryStore(logger), nil, nil
	}
}

// openArchive создаёт архив по TM_ARCHIVE_BACKEND и оборачивает его кэшем метаданных.
func openArchive(ctx context.Context, cfg *config.Config, logger *slog.Logger) (archive.Archive, error) {
	var (
		arch archive.Archive
		err  error
	)

	switch archive.Backend(cfg.ArchiveBackend) {
	case archive.BackendS3:
		arch, err = archive.NewS3(ctx, archive.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Prefix:    cfg.S3Prefix,
		}, logger)
	default:
		arch, err = archive.NewLocal(cfg.PermanentDir, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации архива: %w", err)
	}

	if cfg.ArchiveCacheSize > 0 {
		arch = archive.NewCached(arch, cfg.ArchiveCacheSize, cfg.ArchiveCacheTTL)
	}
	return arch, nil
}

// buildAuth возвращает middleware аутентификации.
// Без TM_JWKS_URL — режим разработки с фиксированным субъектом.
func buildAuth(cfg *config.Config, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	if cfg.DevMode() {
		logger.Warn("TM_JWKS_URL не задан, режим разработки без проверки токенов",
			slog.String("subject", cfg.DevSubject),
		)
		return middleware.DevAuth(cfg.DevSubject, []string{adminScope}), nil
	}

	jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
		JWKSURL:         cfg.JWKSUrl,
		CACertPath:      cfg.JWKSCACert,
		TLSSkipVerify:   cfg.TLSSkipVerify,
		ClientTimeout:   cfg.JWKSClientTimeout,
		RefreshInterval: cfg.JWKSRefreshInterval,
		JWTLeeway:       cfg.JWTLeeway,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации JWT: %w", err)
	}

	logger.Info("JWT аутентификация настроена", slog.String("jwks_url", cfg.JWKSUrl))
	return jwtAuth.Middleware(), nil
}

// startDephealth запускает мониторинг зависимостей.
// Возвращает nil, если мониторить нечего или запуск не удался.
func startDephealth(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) *service.DephealthService {
	dhCfg := service.DephealthConfig{
		ServiceID:     cfg.ServiceID,
		Group:         cfg.DephealthGroup,
		TLSSkipVerify: cfg.TLSSkipVerify,
		DB:            db,
		CheckInterval: cfg.DephealthCheckInterval,
	}
	if !cfg.DevMode() {
		dhCfg.JWKSURL = cfg.JWKSUrl
	}
	if db != nil {
		dhCfg.PGURL = fmt.Sprintf("postgres://%s:%d/%s", cfg.DBHost, cfg.DBPort, cfg.DBName)
	}

	dephealthSvc, err := service.NewDephealthService(dhCfg, logger)
	if err != nil {
		if !errors.Is(err, service.ErrNoDependencies) {
			logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
				slog.String("error", err.Error()),
			)
		}
		return nil
	}

	if err := dephealthSvc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("topologymetrics запущен",
		slog.String("check_interval", cfg.DephealthCheckInterval.String()),
	)
	return dephealthSvc
}
