// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Transfer Module мониторит:
//   - JWKS endpoint (HTTP GET, critical), если задан TM_JWKS_URL
//   - PostgreSQL (connection pool mode, critical), если TM_SESSION_STORE=postgres
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками
// (app_dependency_health, app_dependency_latency_seconds и др.).
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для JWKS
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"     // PostgreSQL checker (pool mode)
	"github.com/prometheus/client_golang/prometheus"
)

// ErrNoDependencies — нет ни одной зависимости для мониторинга.
var ErrNoDependencies = errors.New("нет зависимостей для мониторинга")

// DephealthConfig — параметры мониторинга зависимостей.
type DephealthConfig struct {
	// ServiceID — имя вершины графа текущего приложения (TM_SERVICE_ID)
	ServiceID string
	// Group — имя группы в метриках (TM_DEPHEALTH_GROUP)
	Group string
	// JWKSURL — URL JWKS endpoint, пусто — не мониторится
	JWKSURL string
	// TLSSkipVerify — не проверять сертификат JWKS endpoint
	TLSSkipVerify bool
	// DB — *sql.DB из pgxpool (stdlib.OpenDBFromPool), nil — не мониторится
	DB *sql.DB
	// PGURL — URL PostgreSQL для меток метрик (не для подключения)
	PGURL string
	// CheckInterval — интервал проверки (TM_DEPHEALTH_CHECK_INTERVAL)
	CheckInterval time.Duration
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
// Возвращает ErrNoDependencies, если мониторить нечего.
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(cfg, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	cfg DephealthConfig,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(cfg, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(cfg DephealthConfig, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	var deps []dephealth.Option

	if cfg.DB != nil {
		deps = append(deps, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(cfg.DB)),
			dephealth.FromURL(cfg.PGURL),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
		))
	}

	if cfg.JWKSURL != "" {
		// Проверяем сам JWKS path: /health у IdP часто недоступен
		healthPath := "/health"
		if parsed, err := url.Parse(cfg.JWKSURL); err == nil && parsed.Path != "" {
			healthPath = parsed.Path
		}
		deps = append(deps, dephealth.HTTP("jwks",
			dephealth.FromURL(cfg.JWKSURL),
			dephealth.WithHTTPHealthPath(healthPath),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
			dephealth.WithHTTPTLSSkipVerify(cfg.TLSSkipVerify),
		))
	}

	if len(deps) == 0 {
		return nil, ErrNoDependencies
	}

	opts := append([]dephealth.Option{dephealth.WithLogger(logger)}, deps...)
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
