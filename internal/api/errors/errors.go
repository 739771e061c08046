// Пакет errors — конструкторы ошибок HTTP API Transfer Module.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Для OUT_OF_ORDER дополнительно передаётся expected_offset.
package errors //nolint:revive // пакет errors, конфликт со stdlib

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/bigkaa/goartstore/transfer-module/pkg/chunkproto"
)

// Коды ошибок. Коды протокола загрузки совпадают с pkg/chunkproto.
const (
	CodeValidationError   = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeFileTooLarge      = "FILE_TOO_LARGE"
	CodeReapInProgress    = "REAP_IN_PROGRESS"
	CodeInternalError     = "INTERNAL_ERROR"
	CodeMalformedHeader   = chunkproto.CodeMalformedHeader
	CodeChecksumMismatch  = chunkproto.CodeChecksumMismatch
	CodeSizeMismatch      = chunkproto.CodeSizeMismatch
	CodeAlreadyComplete   = chunkproto.CodeAlreadyComplete
	CodeOutOfOrder        = chunkproto.CodeOutOfOrder
	CodeChunkOutOfBounds  = chunkproto.CodeChunkOutOfBounds
	CodeRangeNotSatisfied = chunkproto.CodeRangeNotSatisfied
)

// Body — тело ответа ошибки. Экспортируется для клиента.
type Body struct {
	Error Detail `json:"error"`
}

// Detail — детали ошибки.
type Detail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// ExpectedOffset — смещение, с которого нужно продолжить (только OUT_OF_ORDER)
	ExpectedOffset *int64 `json:"expected_offset,omitempty"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	writeBody(w, statusCode, Body{Error: Detail{Code: code, Message: message}})
}

func writeBody(w http.ResponseWriter, statusCode int, body Body) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// FileTooLarge — 413 файл или чанк превышает лимит.
func FileTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, message)
}

// OutOfOrder — 400 чанк вне очереди, клиент продолжает с expected.
func OutOfOrder(w http.ResponseWriter, message string, expected int64) {
	writeBody(w, http.StatusBadRequest, Body{Error: Detail{
		Code:           CodeOutOfOrder,
		Message:        message,
		ExpectedOffset: &expected,
	}})
}

// RangeNotSatisfiable — 416 с заголовком Content-Range: bytes */size.
func RangeNotSatisfiable(w http.ResponseWriter, message string, size int64) {
	w.Header().Set(chunkproto.HeaderContentRange, "bytes */"+strconv.FormatInt(size, 10))
	WriteError(w, http.StatusRequestedRangeNotSatisfiable, CodeRangeNotSatisfied, message)
}

// ReapInProgress — 409 обход reaper уже выполняется.
func ReapInProgress(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeReapInProgress, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
