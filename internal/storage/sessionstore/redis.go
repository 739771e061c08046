package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/goartstore/transfer-module/internal/domain/model"
)

// scanBatch — подсказка COUNT для SCAN.
const scanBatch = 100

// RedisConfig — параметры подключения к Redis.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore — хранилище сессий в Redis.
// Каждая сессия — JSON-строка по ключу {prefix}{owner}/{filename}.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisStore подключается к Redis и проверяет доступность через PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ошибка подключения к Redis %s: %w", cfg.Addr, err)
	}

	logger.Info("Подключение к Redis установлено",
		slog.String("addr", cfg.Addr),
		slog.Int("db", cfg.DB),
	)

	return NewRedisStoreWithClient(client, cfg.KeyPrefix, logger), nil
}

// NewRedisStoreWithClient создаёт хранилище поверх готового клиента.
// Используется в тестах с miniredis.
func NewRedisStoreWithClient(client *redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With(slog.String("component", "session_store"), slog.String("backend", string(BackendRedis))),
	}
}

func (r *RedisStore) redisKey(key model.SessionKey) string {
	return r.prefix + key.String()
}

// Get возвращает сессию или ErrNotFound.
func (r *RedisStore) Get(ctx context.Context, key model.SessionKey) (*model.UploadSession, error) {
	data, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения сессии %s из Redis: %w", key, err)
	}

	var s model.UploadSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("ошибка десериализации сессии %s: %w", key, err)
	}
	return &s, nil
}

// Put сохраняет сессию без TTL: устаревшие сессии удаляет reaper.
func (r *RedisStore) Put(ctx context.Context, s *model.UploadSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("ошибка сериализации сессии %s: %w", s.Key(), err)
	}
	if err := r.client.Set(ctx, r.redisKey(s.Key()), data, 0).Err(); err != nil {
		return fmt.Errorf("ошибка записи сессии %s в Redis: %w", s.Key(), err)
	}
	return nil
}

// Remove удаляет сессию.
func (r *RedisStore) Remove(ctx context.Context, key model.SessionKey) error {
	if err := r.client.Del(ctx, r.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("ошибка удаления сессии %s из Redis: %w", key, err)
	}
	return nil
}

// List обходит ключи с префиксом через SCAN.
// Сессии, удалённые между SCAN и GET, пропускаются.
func (r *RedisStore) List(ctx context.Context) ([]*model.UploadSession, error) {
	var result []*model.UploadSession

	iter := r.client.Scan(ctx, 0, r.prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения %s из Redis: %w", iter.Val(), err)
		}

		var s model.UploadSession
		if err := json.Unmarshal(data, &s); err != nil {
			r.logger.Warn("Пропущена повреждённая запись сессии",
				slog.String("key", iter.Val()),
				slog.String("error", err.Error()),
			)
			continue
		}
		result = append(result, &s)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("ошибка SCAN в Redis: %w", err)
	}

	return result, nil
}

// Ping проверяет доступность Redis.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает клиент Redis.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
