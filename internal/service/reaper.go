// reaper.go — сервис удаления заброшенных сессий загрузки.
//
// Каждые TM_CLEANUP_INTERVAL обходит хранилище сессий и вытесняет те,
// что не обновлялись дольше TM_STALE_THRESHOLD. Что делать с частично
// полученными данными, определяет политика TM_STALE_POLICY:
//   - discard — удалить staging-файл (по умолчанию)
//   - publish — опубликовать частичный файл под итоговым именем
//   - retain — перенести staging-файл в failed/ для ручного восстановления
//
// Ошибка обработки сессии не останавливает обход: сессия остаётся
// до следующего запуска.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/transfer-module/internal/domain/model"
	"github.com/bigkaa/goartstore/transfer-module/internal/storage/archive"
	"github.com/bigkaa/goartstore/transfer-module/internal/storage/sessionstore"
	"github.com/bigkaa/goartstore/transfer-module/internal/storage/staging"
	"github.com/bigkaa/goartstore/transfer-module/internal/storage/wal"
)

// Prometheus метрики reaper
var (
	// reaperRunsTotal — количество запусков reaper.
	reaperRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_reaper_runs_total",
		Help: "Общее количество запусков reaper",
	})

	// reaperEvictedTotal — количество вытесненных сессий по политике.
	reaperEvictedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tm_reaper_evicted_total",
		Help: "Общее количество вытесненных сессий",
	}, []string{"policy"})

	// reaperErrorsTotal — количество ошибок обработки сессий.
	reaperErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_reaper_errors_total",
		Help: "Общее количество ошибок при вытеснении сессий",
	})

	// reaperDurationSeconds — длительность обхода.
	reaperDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tm_reaper_duration_seconds",
		Help:    "Длительность выполнения reaper в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// StalePolicy — политика обработки данных заброшенной сессии.
type StalePolicy string

const (
	// PolicyDiscard — удалить частичные данные
	PolicyDiscard StalePolicy = "discard"
	// PolicyPublish — опубликовать частичный файл как завершённый
	PolicyPublish StalePolicy = "publish"
	// PolicyRetain — сохранить частичный файл в failed/
	PolicyRetain StalePolicy = "retain"
)

// ParseStalePolicy разбирает значение TM_STALE_POLICY.
func ParseStalePolicy(s string) (StalePolicy, error) {
	switch p := StalePolicy(s); p {
	case PolicyDiscard, PolicyPublish, PolicyRetain:
		return p, nil
	default:
		return "", fmt.Errorf("неизвестная политика %q, допустимые значения: discard, publish, retain", s)
	}
}

// ReapResult — результат одного обхода.
type ReapResult struct {
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Policy      StalePolicy   `json:"policy"`
	Scanned     int           `json:"scanned"`
	Evicted     int           `json:"evicted"`
	Errors      int           `json:"errors"`
	Duration    time.Duration `json:"-"`
}

// ReaperService — сервис вытеснения заброшенных сессий.
type ReaperService struct {
	sessions  *sessionstore.Sessions
	area      *staging.Area
	arch      archive.Archive
	journal   *wal.WAL
	interval  time.Duration
	threshold time.Duration
	policy    StalePolicy
	logger    *slog.Logger

	// now — источник времени, подменяется в тестах
	now func() time.Time

	mu        sync.Mutex // защита inProcess
	inProcess bool       // обход в процессе выполнения
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewReaperService создаёт сервис reaper.
func NewReaperService(
	sessions *sessionstore.Sessions,
	area *staging.Area,
	arch archive.Archive,
	journal *wal.WAL,
	interval time.Duration,
	threshold time.Duration,
	policy StalePolicy,
	logger *slog.Logger,
) *ReaperService {
	return &ReaperService{
		sessions:  sessions,
		area:      area,
		arch:      arch,
		journal:   journal,
		interval:  interval,
		threshold: threshold,
		policy:    policy,
		logger:    logger.With(slog.String("component", "reaper")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start запускает фоновую горутину reaper с периодическим тикером.
func (r *ReaperService) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(runCtx)

	r.logger.Info("Reaper запущен",
		slog.String("interval", r.interval.String()),
		slog.String("stale_threshold", r.threshold.String()),
		slog.String("policy", string(r.policy)),
	)
}

// Stop останавливает фоновый процесс и ждёт завершения горутины.
func (r *ReaperService) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.logger.Info("Reaper остановлен")
}

// Policy возвращает текущую политику.
func (r *ReaperService) Policy() StalePolicy {
	return r.policy
}

// IsInProgress возвращает true, если обход выполняется.
func (r *ReaperService) IsInProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inProcess
}

// run — основной цикл фоновой горутины.
func (r *ReaperService) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.safeRunOnce(ctx)
		}
	}
}

// safeRunOnce выполняет обход, перехватывая панику.
func (r *ReaperService) safeRunOnce(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			reaperErrorsTotal.Inc()
			r.logger.Error("Паника в reaper", slog.Any("panic", rec))
		}
	}()
	r.RunOnce(ctx)
}

// RunOnce выполняет один обход.
// Возвращает результат и флаг "уже выполняется".
func (r *ReaperService) RunOnce(ctx context.Context) (*ReapResult, bool) {
	r.mu.Lock()
	if r.inProcess {
		r.mu.Unlock()
		r.logger.Warn("Reaper уже выполняется, пропуск")
		return nil, true
	}
	r.inProcess = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inProcess = false
		r.mu.Unlock()
	}()

	start := time.Now()
	result := &ReapResult{StartedAt: r.now(), Policy: r.policy}

	sessions, err := r.sessions.List(ctx)
	if err != nil {
		r.logger.Error("Reaper: ошибка получения списка сессий",
			slog.String("error", err.Error()),
		)
		result.Errors++
		reaperErrorsTotal.Inc()
	}
	result.Scanned = len(sessions)

	for _, sess := range sessions {
		if ctx.Err() != nil {
			break
		}
		if !sess.IsStale(r.now(), r.threshold) {
			continue
		}

		evicted, err := r.evict(ctx, sess.Key())
		if err != nil {
			result.Errors++
			reaperErrorsTotal.Inc()
			r.logger.Error("Reaper: ошибка вытеснения сессии",
				slog.String("session", sess.Key().String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if evicted {
			result.Evicted++
			reaperEvictedTotal.WithLabelValues(string(r.policy)).Inc()
		}
	}

	if err == nil {
		activeSessions.Set(float64(result.Scanned - result.Evicted))
	}

	result.CompletedAt = r.now()
	result.Duration = time.Since(start)

	reaperRunsTotal.Inc()
	reaperDurationSeconds.Observe(result.Duration.Seconds())

	r.logger.Info("Reaper завершён",
		slog.Int("scanned", result.Scanned),
		slog.Int("evicted", result.Evicted),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result, false
}

// evict вытесняет одну сессию под блокировкой ключа.
// Сессия перечитывается: за время обхода она могла продвинуться или завершиться.
func (r *ReaperService) evict(ctx context.Context, key model.SessionKey) (bool, error) {
	unlock := r.sessions.Lock(key)
	defer unlock()

	sess, err := r.sessions.Get(ctx, key)
	if errors.Is(err, sessionstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ошибка чтения сессии: %w", err)
	}
	if !sess.IsStale(r.now(), r.threshold) {
		return false, nil
	}

	switch r.policy {
	case PolicyPublish:
		err = r.publishPartial(ctx, sess)
	case PolicyRetain:
		err = r.retain(ctx, sess)
	default:
		err = r.discard(ctx, sess)
	}
	if err != nil {
		return false, err
	}

	r.logger.Info("Сессия вытеснена",
		slog.String("session", key.String()),
		slog.String("policy", string(r.policy)),
		slog.Int64("received", sess.NextExpectedByte),
		slog.Int64("total_size", sess.TotalSize),
		slog.Time("last_updated", sess.LastUpdated),
	)
	return true, nil
}

// discard удаляет сессию, затем staging-файл.
// Оставшийся staging-файл подберёт reconciliation.
func (r *ReaperService) discard(ctx context.Context, sess *model.UploadSession) error {
	if err := r.sessions.Remove(ctx, sess.Key()); err != nil {
		return fmt.Errorf("ошибка удаления сессии: %w", err)
	}
	if err := r.area.Remove(sess.StagingPath); err != nil {
		r.logger.Warn("Не удалось удалить staging-файл",
			slog.String("staging_path", sess.StagingPath),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// retain переносит staging-файл в failed/ и удаляет сессию.
func (r *ReaperService) retain(ctx context.Context, sess *model.UploadSession) error {
	if r.area.Exists(sess.StagingPath) {
		target, err := r.area.MoveToFailed(sess.StagingPath, sess.Owner, sess.Filename, r.now())
		if err != nil {
			return err
		}
		r.logger.Warn("Частичный файл сохранён для ручного восстановления",
			slog.String("session", sess.Key().String()),
			slog.String("path", target),
		)
	}
	if err := r.sessions.Remove(ctx, sess.Key()); err != nil {
		return fmt.Errorf("ошибка удаления сессии: %w", err)
	}
	return nil
}

// publishPartial публикует частично полученный файл под итоговым именем.
func (r *ReaperService) publishPartial(ctx context.Context, sess *model.UploadSession) error {
	if !r.area.Exists(sess.StagingPath) {
		r.logger.Warn("Staging-файл отсутствует, публиковать нечего",
			slog.String("session", sess.Key().String()),
		)
		return r.sessions.Remove(ctx, sess.Key())
	}

	entry, err := r.journal.StartTransaction(wal.OpPublishPartial, sess.Key(), sess.StagingPath)
	if err != nil {
		return fmt.Errorf("ошибка записи журнала: %w", err)
	}

	if err := r.arch.Publish(ctx, r.area.Path(sess.StagingPath), sess.Filename); err != nil {
		_ = r.journal.Rollback(entry.TransactionID)
		return fmt.Errorf("ошибка публикации частичного файла: %w", err)
	}

	if err := r.sessions.Remove(ctx, sess.Key()); err != nil {
		return fmt.Errorf("ошибка удаления сессии: %w", err)
	}

	if err := r.journal.Commit(entry.TransactionID); err != nil {
		r.logger.Warn("Ошибка фиксации журнала",
			slog.String("tx_id", entry.TransactionID),
			slog.String("error", err.Error()),
		)
	}

	r.logger.Warn("Частичный файл опубликован как завершённый",
		slog.String("session", sess.Key().String()),
		slog.Int64("published_bytes", sess.NextExpectedByte),
		slog.Int64("declared_size", sess.TotalSize),
	)
	return nil
}
