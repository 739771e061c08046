package sessionstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/goartstore/transfer-module/internal/domain/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresConfig — параметры подключения к PostgreSQL.
type PostgresConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// DSN возвращает строку подключения для pgxpool.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// MigrateURL возвращает URL для golang-migrate (драйвер pgx5).
func (c PostgresConfig) MigrateURL() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// Connect создаёт пул подключений к PostgreSQL.
// Выполняет ping для проверки доступности.
func Connect(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула подключений: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка подключения к PostgreSQL: %w", err)
	}

	logger.Info("Подключение к PostgreSQL установлено",
		slog.String("host", cfg.Host),
		slog.Int("port", cfg.Port),
		slog.String("database", cfg.Name),
	)

	return pool, nil
}

// Migrate применяет SQL-миграции из embedded FS к базе данных.
func Migrate(cfg PostgresConfig, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ошибка создания источника миграций: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, cfg.MigrateURL())
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Миграции применены",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)

	return nil
}

// PostgresStore — хранилище сессий в таблице upload_sessions.
// Все запросы — чистый SQL через pgx, без ORM.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore создаёт хранилище поверх пула подключений.
// Пул закрывается вместе с хранилищем.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logger.With(slog.String("component", "session_store"), slog.String("backend", string(BackendPostgres))),
	}
}

// Pool возвращает пул подключений (для topologymetrics).
func (p *PostgresStore) Pool() *pgxpool.Pool {
	return p.pool
}

const sessionColumns = `owner, filename, total_size, next_expected_byte, status, staging_path, created_at, last_updated`

// scanSession сканирует строку в модель сессии.
func scanSession(row pgx.Row) (*model.UploadSession, error) {
	var s model.UploadSession
	var status string
	err := row.Scan(
		&s.Owner, &s.Filename, &s.TotalSize, &s.NextExpectedByte,
		&status, &s.StagingPath, &s.CreatedAt, &s.LastUpdated,
	)
	if err != nil {
		return nil, err
	}
	s.Status = model.SessionStatus(status)
	s.CreatedAt = s.CreatedAt.UTC()
	s.LastUpdated = s.LastUpdated.UTC()
	return &s, nil
}

// Get возвращает сессию или ErrNotFound.
func (p *PostgresStore) Get(ctx context.Context, key model.SessionKey) (*model.UploadSession, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE owner = $1 AND filename = $2`,
		key.Owner, key.Filename,
	)

	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения сессии %s: %w", key, err)
	}
	return s, nil
}

// Put выполняет upsert сессии.
func (p *PostgresStore) Put(ctx context.Context, s *model.UploadSession) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO upload_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (owner, filename) DO UPDATE SET
			total_size = EXCLUDED.total_size,
			next_expected_byte = EXCLUDED.next_expected_byte,
			status = EXCLUDED.status,
			staging_path = EXCLUDED.staging_path,
			last_updated = EXCLUDED.last_updated`,
		s.Owner, s.Filename, s.TotalSize, s.NextExpectedByte,
		string(s.Status), s.StagingPath, s.CreatedAt, s.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("ошибка записи сессии %s: %w", s.Key(), err)
	}
	return nil
}

// Remove удаляет сессию.
func (p *PostgresStore) Remove(ctx context.Context, key model.SessionKey) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM upload_sessions WHERE owner = $1 AND filename = $2`,
		key.Owner, key.Filename,
	)
	if err != nil {
		return fmt.Errorf("ошибка удаления сессии %s: %w", key, err)
	}
	return nil
}

// List возвращает все сессии, самые старые первыми.
func (p *PostgresStore) List(ctx context.Context) ([]*model.UploadSession, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions ORDER BY last_updated`,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка сессий: %w", err)
	}
	defer rows.Close()

	var result []*model.UploadSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования сессии: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации сессий: %w", err)
	}
	return result, nil
}

// Ping проверяет подключение к PostgreSQL.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close закрывает пул подключений.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
