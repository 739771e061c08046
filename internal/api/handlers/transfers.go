// transfers.go — обработчики загрузки чанками, статуса и скачивания.
//
// POST /api/v1/upload?filename=&total_size= — тело: заголовок чанка + данные.
// GET  /api/v1/files/{filename}/status      — контрольная точка загрузки.
// GET  /api/v1/files/{filename}             — файл целиком или Range.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	apierrors "github.com/bigkaa/goartstore/transfer-module/internal/api/errors"
	"github.com/bigkaa/goartstore/transfer-module/internal/api/generated"
	"github.com/bigkaa/goartstore/transfer-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/transfer-module/internal/service"
	"github.com/bigkaa/goartstore/transfer-module/pkg/chunkproto"
)

// TransfersHandler — обработчик операций передачи файлов.
type TransfersHandler struct {
	ingest       *service.IngestService
	download     *service.DownloadService
	maxChunkSize int64
	logger       *slog.Logger
}

// NewTransfersHandler создаёт обработчик передачи файлов.
// maxChunkSize — предел полезной нагрузки чанка (без заголовка).
func NewTransfersHandler(
	ingest *service.IngestService,
	download *service.DownloadService,
	maxChunkSize int64,
	logger *slog.Logger,
) *TransfersHandler {
	return &TransfersHandler{
		ingest:       ingest,
		download:     download,
		maxChunkSize: maxChunkSize,
		logger:       logger.With(slog.String("component", "transfers_handler")),
	}
}

// UploadChunk обрабатывает POST /api/v1/upload.
// Возвращает next_expected_byte — смещение, с которого клиент продолжает.
func (h *TransfersHandler) UploadChunk(w http.ResponseWriter, r *http.Request, params generated.UploadChunkParams) {
	owner := middleware.SubjectFromContext(r.Context())
	if owner == "" {
		apierrors.Unauthorized(w, "Не определён владелец загрузки")
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.maxChunkSize+chunkproto.HeaderSize)
	envelope, err := io.ReadAll(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierrors.FileTooLarge(w, fmt.Sprintf("Чанк превышает максимум %d байт", h.maxChunkSize))
			return
		}
		h.logger.Warn("Ошибка чтения тела чанка",
			slog.String("owner", owner),
			slog.String("filename", params.Filename),
			slog.String("error", err.Error()),
		)
		apierrors.ValidationError(w, "Не удалось прочитать тело запроса")
		return
	}

	next, err := h.ingest.Ingest(r.Context(), service.IngestParams{
		Owner:     owner,
		Filename:  params.Filename,
		TotalSize: params.TotalSize,
		Envelope:  envelope,
	})
	if err != nil {
		h.writeTransferError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, generated.ChunkAccepted{NextExpectedByte: next})
}

// GetUploadStatus обрабатывает GET /api/v1/files/{filename}/status.
// Отсутствующая сессия — 200 {"status":"not found"}.
func (h *TransfersHandler) GetUploadStatus(w http.ResponseWriter, r *http.Request, filename generated.Filename) {
	owner := middleware.SubjectFromContext(r.Context())
	if owner == "" {
		apierrors.Unauthorized(w, "Не определён владелец загрузки")
		return
	}

	sess, err := h.ingest.Status(r.Context(), owner, filename)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeJSON(w, http.StatusOK, generated.UploadStatus{Status: generated.UploadStatusStatusNotFound})
			return
		}
		h.writeTransferError(w, err)
		return
	}

	lastUpdated := sess.LastUpdated
	writeJSON(w, http.StatusOK, generated.UploadStatus{
		Status:           generated.UploadStatusStatus(sess.Status),
		NextExpectedByte: &sess.NextExpectedByte,
		TotalSize:        &sess.TotalSize,
		LastUpdated:      &lastUpdated,
	})
}

// DownloadFile обрабатывает GET /api/v1/files/{filename}.
// Без Range — 200 и файл целиком, с Range — 206 и запрошенный диапазон.
func (h *TransfersHandler) DownloadFile(w http.ResponseWriter, r *http.Request, filename generated.Filename, params generated.DownloadFileParams) {
	rangeHeader := ""
	if params.Range != nil {
		rangeHeader = *params.Range
	}

	dl, err := h.download.Open(r.Context(), filename, rangeHeader)
	if err != nil {
		h.writeTransferError(w, err)
		return
	}
	defer func() { _ = dl.Close() }()

	header := w.Header()
	header.Set("Content-Type", chunkproto.ContentType)
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Length", strconv.FormatInt(dl.Length(), 10))
	if !dl.ModTime.IsZero() {
		header.Set("Last-Modified", dl.ModTime.UTC().Format(http.TimeFormat))
	}

	status := http.StatusOK
	if dl.Partial {
		header.Set(chunkproto.HeaderContentRange, dl.ContentRange())
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	// Заголовки уже отправлены: ошибку можно только залогировать (это делает Download)
	_, _ = dl.WriteTo(w)
}

// writeTransferError преобразует ошибку сервисного слоя в HTTP-ответ.
func (h *TransfersHandler) writeTransferError(w http.ResponseWriter, err error) {
	var te *service.TransferError
	if !errors.As(err, &te) {
		h.logger.Error("Необработанная ошибка", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
		return
	}

	switch te.Kind {
	case service.ErrMalformedHeader:
		apierrors.WriteError(w, http.StatusBadRequest, apierrors.CodeMalformedHeader, te.Message)
	case service.ErrChecksumMismatch:
		apierrors.WriteError(w, http.StatusBadRequest, apierrors.CodeChecksumMismatch, te.Message)
	case service.ErrSizeMismatch:
		apierrors.WriteError(w, http.StatusBadRequest, apierrors.CodeSizeMismatch, te.Message)
	case service.ErrAlreadyComplete:
		apierrors.WriteError(w, http.StatusBadRequest, apierrors.CodeAlreadyComplete, te.Message)
	case service.ErrOutOfOrder:
		apierrors.OutOfOrder(w, te.Message, te.Expected)
	case service.ErrChunkOutOfBounds:
		apierrors.WriteError(w, http.StatusBadRequest, apierrors.CodeChunkOutOfBounds, te.Message)
	case service.ErrValidation:
		apierrors.ValidationError(w, te.Message)
	case service.ErrTooLarge:
		apierrors.FileTooLarge(w, te.Message)
	case service.ErrNotFound:
		apierrors.NotFound(w, te.Message)
	case service.ErrRangeNotSatisfiable:
		apierrors.RangeNotSatisfiable(w, te.Message, te.Size)
	default:
		h.logger.Error("Внутренняя ошибка передачи файла", slog.String("error", te.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}
