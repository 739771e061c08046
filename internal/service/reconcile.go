// reconcile.go — сервис фоновой сверки staging-директории и журнала.
//
// Reconciliation выполняет:
//  1. Доигрывание незавершённых транзакций журнала финализации
//  2. Удаление staging-файлов, на которые не ссылается ни одна сессия
//     и которые старше TM_STALE_THRESHOLD
//  3. Очистку завершённых записей журнала
//
// Первый запуск выполняется сразу после старта, далее каждые
// TM_RECONCILE_INTERVAL.
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

// Prometheus метрики reconciliation
var (
	// reconcileRunsTotal — количество запусков reconciliation.
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_reconcile_runs_total",
		Help: "Общее количество запусков reconciliation",
	})

	// reconcileActionsTotal — количество выполненных действий по типу.
	reconcileActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tm_reconcile_actions_total",
		Help: "Общее количество действий reconciliation",
	}, []string{"type"})

	// reconcileDurationSeconds — длительность выполнения reconciliation.
	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tm_reconcile_duration_seconds",
		Help:    "Длительность выполнения reconciliation в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// ReconcileResult — результат одного запуска reconciliation.
type ReconcileResult struct {
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	// Recovered — доигранные транзакции журнала
	Recovered int `json:"recovered"`
	// OrphansRemoved — удалённые staging-файлы без сессии
	OrphansRemoved int `json:"orphans_removed"`
	// JournalCleaned — удалённые завершённые записи журнала
	JournalCleaned int `json:"journal_cleaned"`
	Errors         int `json:"errors"`
}

// ReconcileService — сервис фоновой сверки.
type ReconcileService struct {
	sessions  *sessionstore.Sessions
	area      *staging.Area
	arch      archive.Archive
	journal   *wal.WAL
	interval  time.Duration
	orphanAge time.Duration
	logger    *slog.Logger

	// now — источник времени, подменяется в тестах
	now func() time.Time

	mu        sync.Mutex
	inProcess bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewReconcileService создаёт сервис reconciliation.
// orphanAge — минимальный возраст staging-файла без сессии для удаления.
func NewReconcileService(
	sessions *sessionstore.Sessions,
	area *staging.Area,
	arch archive.Archive,
	journal *wal.WAL,
	interval time.Duration,
	orphanAge time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		sessions:  sessions,
		area:      area,
		arch:      arch,
		journal:   journal,
		interval:  interval,
		orphanAge: orphanAge,
		logger:    logger.With(slog.String("component", "reconcile")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start запускает фоновую горутину reconciliation.
func (rs *ReconcileService) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel
	rs.done = make(chan struct{})

	go rs.run(runCtx)

	rs.logger.Info("Reconciliation запущен",
		slog.String("interval", rs.interval.String()),
		slog.String("orphan_age", rs.orphanAge.String()),
	)
}

// Stop останавливает фоновый процесс и ждёт завершения горутины.
func (rs *ReconcileService) Stop() {
	if rs.cancel == nil {
		return
	}
	rs.cancel()
	<-rs.done
	rs.logger.Info("Reconciliation остановлен")
}

// IsInProgress возвращает true, если reconciliation выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

// run — основной цикл фоновой горутины.
func (rs *ReconcileService) run(ctx context.Context) {
	defer close(rs.done)

	// Первый запуск — сразу после старта: доигрывание журнала
	rs.RunOnce(ctx)

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл reconciliation.
// Возвращает результат и флаг "уже выполняется".
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileResult, bool) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Reconciliation уже выполняется, пропуск")
		return nil, true
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	start := time.Now()
	result := &ReconcileResult{StartedAt: rs.now()}

	rs.recoverJournal(ctx, result)
	rs.removeOrphans(ctx, result)

	cleaned, err := rs.journal.CleanCommitted()
	if err != nil {
		result.Errors++
		rs.logger.Error("Ошибка очистки журнала", slog.String("error", err.Error()))
	}
	result.JournalCleaned = cleaned

	result.CompletedAt = rs.now()
	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(time.Since(start).Seconds())

	rs.logger.Info("Reconciliation завершена",
		slog.Int("recovered", result.Recovered),
		slog.Int("orphans_removed", result.OrphansRemoved),
		slog.Int("journal_cleaned", result.JournalCleaned),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", time.Since(start)),
	)
	return result, false
}

// recoverJournal доигрывает pending-транзакции журнала.
// Запись создаётся только для полностью записанного staging-файла,
// поэтому восстановление всегда идёт вперёд.
func (rs *ReconcileService) recoverJournal(ctx context.Context, result *ReconcileResult) {
	pending, err := rs.journal.RecoverPending()
	if err != nil {
		result.Errors++
		rs.logger.Error("Ошибка чтения журнала", slog.String("error", err.Error()))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := rs.recoverEntry(ctx, entry); err != nil {
			result.Errors++
			rs.logger.Error("Ошибка восстановления транзакции",
				slog.String("tx_id", entry.TransactionID),
				slog.String("session", entry.Key().String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Recovered++
		reconcileActionsTotal.WithLabelValues("recovered").Inc()
	}
}

// recoverEntry доигрывает одну транзакцию под блокировкой ключа сессии.
func (rs *ReconcileService) recoverEntry(ctx context.Context, entry *wal.Entry) error {
	key := entry.Key()
	unlock := rs.sessions.Lock(key)
	defer unlock()

	// Под блокировкой транзакцию никто не выполняет: если она ещё pending,
	// то она прервана
	current, err := rs.journal.GetTransaction(entry.TransactionID)
	if err != nil {
		return err
	}
	if current.Status != wal.StatusPending {
		return nil
	}

	if rs.area.Exists(entry.StagingPath) {
		if err := rs.arch.Publish(ctx, rs.area.Path(entry.StagingPath), entry.Filename); err != nil {
			return fmt.Errorf("ошибка повторной публикации: %w", err)
		}
	}

	if err := rs.removeSessionFor(ctx, key, entry.StagingPath); err != nil {
		return err
	}

	if err := rs.journal.Commit(entry.TransactionID); err != nil {
		return err
	}

	rs.logger.Info("Транзакция журнала доиграна",
		slog.String("tx_id", entry.TransactionID),
		slog.String("operation", string(entry.Operation)),
		slog.String("session", key.String()),
	)
	return nil
}

// removeSessionFor удаляет сессию key, если она ссылается на stagingPath.
// Сессия с другим staging-файлом — новая загрузка, её не трогаем.
func (rs *ReconcileService) removeSessionFor(ctx context.Context, key model.SessionKey, stagingPath string) error {
	sess, err := rs.sessions.Get(ctx, key)
	if errors.Is(err, sessionstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ошибка чтения сессии: %w", err)
	}
	if sess.StagingPath != stagingPath {
		return nil
	}
	if err := rs.sessions.Remove(ctx, key); err != nil {
		return fmt.Errorf("ошибка удаления сессии: %w", err)
	}
	return nil
}

// removeOrphans удаляет staging-файлы, на которые не ссылается ни одна
// сессия. Молодые файлы пропускаются: сессия могла быть ещё не сохранена.
func (rs *ReconcileService) removeOrphans(ctx context.Context, result *ReconcileResult) {
	sessions, err := rs.sessions.List(ctx)
	if err != nil {
		result.Errors++
		rs.logger.Error("Ошибка получения списка сессий", slog.String("error", err.Error()))
		return
	}

	referenced := make(map[string]struct{}, len(sessions))
	for _, sess := range sessions {
		referenced[sess.StagingPath] = struct{}{}
	}

	entries, err := rs.area.List()
	if err != nil {
		result.Errors++
		rs.logger.Error("Ошибка чтения staging-директории", slog.String("error", err.Error()))
		return
	}

	now := rs.now()
	for _, e := range entries {
		if _, ok := referenced[e.Name]; ok {
			continue
		}
		if now.Sub(e.ModTime) <= rs.orphanAge {
			continue
		}
		if err := rs.area.Remove(e.Name); err != nil {
			result.Errors++
			rs.logger.Warn("Не удалось удалить staging-файл без сессии",
				slog.String("name", e.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.OrphansRemoved++
		reconcileActionsTotal.WithLabelValues("orphan_removed").Inc()
		rs.logger.Info("Удалён staging-файл без сессии",
			slog.String("name", e.Name),
			slog.Int64("size", e.Size),
		)
	}
}
