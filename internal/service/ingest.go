// ingest.go — сервис приёма чанков загрузки.
//
// Каждый чанк проверяется и дописывается в staging-файл сессии под
// эксклюзивной блокировкой ключа (owner, filename). Когда получены все
// байты, файл публикуется в архив, а сессия удаляется из хранилища
// в рамках той же блокировки: завершённая сессия никогда не видна.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/transfer-module/internal/domain/model"
	"github.com/bigkaa/goartstore/transfer-module/internal/storage/archive"
	"github.com/bigkaa/goartstore/transfer-module/internal/storage/sessionstore"
	"github.com/bigkaa/goartstore/transfer-module/internal/storage/staging"
	"github.com/bigkaa/goartstore/transfer-module/internal/storage/wal"
	"github.com/bigkaa/goartstore/transfer-module/pkg/chunkproto"
)

// Prometheus метрики приёма чанков
var (
	// chunksTotal — количество обработанных чанков по результату.
	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tm_chunks_total",
		Help: "Общее количество обработанных чанков по результату",
	}, []string{"result"})

	// ingestedBytesTotal — количество принятых байт.
	ingestedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_ingested_bytes_total",
		Help: "Общее количество принятых байт payload",
	})

	// finalizationsTotal — количество публикаций завершённых загрузок.
	finalizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tm_finalizations_total",
		Help: "Общее количество публикаций завершённых загрузок",
	}, []string{"result"})

	// activeSessions — количество незавершённых сессий.
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tm_active_sessions",
		Help: "Количество незавершённых сессий загрузки",
	})
)

// IngestParams — параметры приёма одного чанка.
type IngestParams struct {
	// Owner — идентификатор владельца (sub из JWT)
	Owner string
	// Filename — имя файла
	Filename string
	// TotalSize — заявленный полный размер файла
	TotalSize int64
	// Envelope — тело запроса: заголовок 9 байт + payload
	Envelope []byte
}

// IngestService — сервис приёма чанков.
type IngestService struct {
	sessions    *sessionstore.Sessions
	area        *staging.Area
	arch        archive.Archive
	journal     *wal.WAL
	maxFileSize int64
	logger      *slog.Logger

	// now — источник времени, подменяется в тестах
	now func() time.Time
}

// NewIngestService создаёт сервис приёма чанков.
func NewIngestService(
	sessions *sessionstore.Sessions,
	area *staging.Area,
	arch archive.Archive,
	journal *wal.WAL,
	maxFileSize int64,
	logger *slog.Logger,
) *IngestService {
	return &IngestService{
		sessions:    sessions,
		area:        area,
		arch:        arch,
		journal:     journal,
		maxFileSize: maxFileSize,
		logger:      logger.With(slog.String("component", "ingest_service")),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Ingest проверяет и применяет один чанк. Возвращает новое значение
// next_expected_byte, с которого клиент продолжает загрузку.
//
// Порядок проверок:
//  1. Параметры запроса (имя файла, total_size)
//  2. Заголовок чанка: длина, контрольная сумма, диапазон
//  3. Сессия: размер, статус, непрерывность (start == next_expected_byte)
//  4. Граница файла: end + 1 <= total_size
//
// При любой ошибке сессия не меняется.
func (s *IngestService) Ingest(ctx context.Context, p IngestParams) (int64, error) {
	next, err := s.ingest(ctx, p)
	chunksTotal.WithLabelValues(resultLabel(err)).Inc()
	return next, err
}

func (s *IngestService) ingest(ctx context.Context, p IngestParams) (int64, error) {
	if err := s.validateParams(p); err != nil {
		return 0, err
	}

	h, payload, err := chunkproto.Parse(p.Envelope)
	if err != nil {
		if errors.Is(err, chunkproto.ErrChecksum) {
			return 0, newError(ErrChecksumMismatch, "%v", err)
		}
		return 0, newError(ErrMalformedHeader, "%v", err)
	}

	key := model.SessionKey{Owner: p.Owner, Filename: p.Filename}
	unlock := s.sessions.Lock(key)
	defer unlock()

	now := s.now()
	start := int64(h.Start)

	sess, err := s.sessions.Get(ctx, key)
	if err == nil {
		settled, settleErr := s.settlePublished(ctx, sess)
		if settleErr != nil {
			return 0, settleErr
		}
		if settled {
			err = sessionstore.ErrNotFound
		}
	}
	isNew := false
	switch {
	case errors.Is(err, sessionstore.ErrNotFound):
		// Предполагаемая начальная сессия: первый чанк обязан начинаться с 0
		if start != 0 {
			return 0, outOfOrder(start, 0)
		}
		sess = &model.UploadSession{
			Owner:       p.Owner,
			Filename:    p.Filename,
			TotalSize:   p.TotalSize,
			Status:      model.StatusPending,
			StagingPath: staging.NewName(p.Owner, p.Filename),
			CreatedAt:   now,
			LastUpdated: now,
		}
		isNew = true
	case err != nil:
		return 0, internalError(err, "ошибка чтения сессии %s", key)
	default:
		if sess.TotalSize != p.TotalSize {
			return 0, newError(ErrSizeMismatch, "заявлено %d байт, сессия создана с %d", p.TotalSize, sess.TotalSize)
		}
		if sess.Status == model.StatusComplete {
			return 0, newError(ErrAlreadyComplete, "загрузка %s уже завершена", key)
		}
		if start != sess.NextExpectedByte {
			return 0, outOfOrder(start, sess.NextExpectedByte)
		}
	}

	end := int64(h.End)
	if end+1 > sess.TotalSize {
		return 0, newError(ErrChunkOutOfBounds, "позиция %d вне файла размером %d", end, sess.TotalSize)
	}

	if isNew {
		if err := s.area.Create(sess.StagingPath); err != nil {
			return 0, internalError(err, "ошибка создания staging-файла")
		}
	}

	if err := s.area.Append(sess.StagingPath, start, payload); err != nil {
		s.discardNew(isNew, sess)
		return 0, internalError(err, "ошибка записи чанка")
	}
	ingestedBytesTotal.Add(float64(len(payload)))

	sess.NextExpectedByte = end + 1
	sess.LastUpdated = now

	if sess.NextExpectedByte >= sess.TotalSize {
		if err := s.finalize(ctx, sess); err != nil {
			s.discardNew(isNew, sess)
			return 0, err
		}
		if !isNew {
			activeSessions.Dec()
		}
		return sess.NextExpectedByte, nil
	}

	if err := s.sessions.Put(ctx, sess); err != nil {
		// Хвост в staging-файле обрежет следующий Append
		s.discardNew(isNew, sess)
		return 0, internalError(err, "ошибка сохранения сессии %s", key)
	}
	if isNew {
		activeSessions.Inc()
		s.logger.Info("Сессия загрузки создана",
			slog.String("session", key.String()),
			slog.Int64("total_size", sess.TotalSize),
		)
	}

	s.logger.Debug("Чанк принят",
		slog.String("session", key.String()),
		slog.Int64("start", start),
		slog.Int64("end", end),
		slog.Int64("next_expected_byte", sess.NextExpectedByte),
	)
	return sess.NextExpectedByte, nil
}

// finalize публикует полностью полученный файл и удаляет сессию.
// Вызывается под блокировкой ключа.
func (s *IngestService) finalize(ctx context.Context, sess *model.UploadSession) error {
	key := sess.Key()

	entry, err := s.journal.StartTransaction(wal.OpFinalize, key, sess.StagingPath)
	if err != nil {
		finalizationsTotal.WithLabelValues("error").Inc()
		return internalError(err, "ошибка записи журнала финализации")
	}

	if err := s.arch.Publish(ctx, s.area.Path(sess.StagingPath), sess.Filename); err != nil {
		_ = s.journal.Rollback(entry.TransactionID)
		finalizationsTotal.WithLabelValues("error").Inc()
		return internalError(err, "ошибка публикации файла %s", sess.Filename)
	}

	if err := sess.Complete(); err != nil {
		finalizationsTotal.WithLabelValues("error").Inc()
		return internalError(err, "ошибка смены статуса сессии")
	}

	// Файл опубликован: чанк принят независимо от удаления сессии.
	// Если удалить сессию не удалось, запись журнала остаётся pending,
	// и сессию закроет следующий запрос по ключу или reconciliation.
	if err := s.sessions.Remove(ctx, key); err != nil {
		s.logger.Error("Ошибка удаления завершённой сессии",
			slog.String("session", key.String()),
			slog.String("tx_id", entry.TransactionID),
			slog.String("error", err.Error()),
		)
	} else if err := s.journal.Commit(entry.TransactionID); err != nil {
		s.logger.Warn("Ошибка фиксации журнала финализации",
			slog.String("tx_id", entry.TransactionID),
			slog.String("error", err.Error()),
		)
	}

	finalizationsTotal.WithLabelValues("success").Inc()
	s.logger.Info("Загрузка завершена, файл опубликован",
		slog.String("session", key.String()),
		slog.Int64("size", sess.TotalSize),
		slog.Duration("elapsed", sess.LastUpdated.Sub(sess.CreatedAt)),
	)
	return nil
}

// findPublished возвращает pending-запись журнала, если staging-файл
// сессии уже опубликован, а сама сессия не была удалена.
func (s *IngestService) findPublished(sess *model.UploadSession) (*wal.Entry, error) {
	if s.area.Exists(sess.StagingPath) {
		return nil, nil
	}
	entry, err := s.journal.FindPendingFinalize(sess.Key(), sess.StagingPath)
	if err != nil {
		return nil, internalError(err, "ошибка чтения журнала финализации")
	}
	return entry, nil
}

// settlePublished закрывает сессию, файл которой уже опубликован:
// удаляет её из хранилища и фиксирует запись журнала.
// Возвращает true, если сессия закрыта. Вызывается под блокировкой ключа.
func (s *IngestService) settlePublished(ctx context.Context, sess *model.UploadSession) (bool, error) {
	entry, err := s.findPublished(sess)
	if err != nil || entry == nil {
		return false, err
	}

	key := sess.Key()
	if err := s.sessions.Remove(ctx, key); err != nil {
		return false, internalError(err, "ошибка удаления завершённой сессии %s", key)
	}
	if err := s.journal.Commit(entry.TransactionID); err != nil {
		s.logger.Warn("Ошибка фиксации журнала финализации",
			slog.String("tx_id", entry.TransactionID),
			slog.String("error", err.Error()),
		)
	}
	s.logger.Info("Сессия опубликованной загрузки закрыта",
		slog.String("session", key.String()),
		slog.String("tx_id", entry.TransactionID),
	)
	return true, nil
}

// discardNew удаляет staging-файл сессии, которая так и не была сохранена.
func (s *IngestService) discardNew(isNew bool, sess *model.UploadSession) {
	if !isNew {
		return
	}
	if err := s.area.Remove(sess.StagingPath); err != nil {
		s.logger.Warn("Не удалось удалить staging-файл",
			slog.String("staging_path", sess.StagingPath),
			slog.String("error", err.Error()),
		)
	}
}

// validateParams проверяет параметры запроса до разбора чанка.
func (s *IngestService) validateParams(p IngestParams) error {
	if p.Owner == "" {
		return newError(ErrValidation, "не определён владелец загрузки")
	}
	if err := archive.ValidateName(p.Filename); err != nil {
		return newError(ErrValidation, "%v", err)
	}
	if p.TotalSize <= 0 {
		return newError(ErrValidation, "total_size должен быть положительным, получено %d", p.TotalSize)
	}
	if p.TotalSize > s.maxFileSize {
		return newError(ErrTooLarge, "размер файла %d байт превышает максимум %d байт", p.TotalSize, s.maxFileSize)
	}
	return nil
}

// Status возвращает текущее состояние сессии без изменений.
// Если сессии нет, возвращает ErrNotFound.
func (s *IngestService) Status(ctx context.Context, owner, filename string) (*model.UploadSession, error) {
	key := model.SessionKey{Owner: owner, Filename: filename}
	sess, err := s.sessions.Get(ctx, key)
	if errors.Is(err, sessionstore.ErrNotFound) {
		return nil, newError(ErrNotFound, "сессия %s не найдена", key)
	}
	if err != nil {
		return nil, internalError(err, "ошибка чтения сессии %s", key)
	}
	// Опубликованная загрузка завершена, даже если сессия ещё не удалена
	entry, err := s.findPublished(sess)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return nil, newError(ErrNotFound, "сессия %s не найдена", key)
	}
	return sess, nil
}

// resultLabel возвращает значение метки result для метрики чанков.
func resultLabel(err error) string {
	if err == nil {
		return "accepted"
	}
	var te *TransferError
	if errors.As(err, &te) {
		return kindName(te.Kind)
	}
	return "internal"
}

// kindName возвращает короткое имя вида ошибки.
func kindName(kind error) string {
	switch kind {
	case ErrMalformedHeader:
		return "malformed_header"
	case ErrChecksumMismatch:
		return "checksum_mismatch"
	case ErrSizeMismatch:
		return "size_mismatch"
	case ErrAlreadyComplete:
		return "already_complete"
	case ErrOutOfOrder:
		return "out_of_order"
	case ErrChunkOutOfBounds:
		return "chunk_out_of_bounds"
	case ErrNotFound:
		return "not_found"
	case ErrRangeNotSatisfiable:
		return "range_not_satisfiable"
	case ErrValidation:
		return "validation"
	case ErrTooLarge:
		return "too_large"
	default:
		return "internal"
	}
}
