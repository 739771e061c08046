// errors.go — доменные ошибки передачи файлов.
package service

import (
	"errors"
	"fmt"
)

// Виды ошибок. Сравниваются через errors.Is с *TransferError.
var (
	ErrMalformedHeader     = errors.New("некорректный заголовок чанка")
	ErrChecksumMismatch    = errors.New("контрольная сумма не совпадает")
	ErrSizeMismatch        = errors.New("заявленный размер файла не совпадает с сессией")
	ErrAlreadyComplete     = errors.New("загрузка уже завершена")
	ErrOutOfOrder          = errors.New("чанк вне очереди")
	ErrChunkOutOfBounds    = errors.New("чанк выходит за границы файла")
	ErrNotFound            = errors.New("файл не найден")
	ErrRangeNotSatisfiable = errors.New("диапазон не может быть удовлетворён")
	ErrValidation          = errors.New("некорректные параметры запроса")
	ErrTooLarge            = errors.New("превышен допустимый размер")
	ErrInternal            = errors.New("внутренняя ошибка")
)

// TransferError — ошибка операции передачи.
type TransferError struct {
	// Kind — вид ошибки, одна из переменных Err*
	Kind error
	// Message — описание для клиента
	Message string
	// Expected — ожидаемое смещение (только для ErrOutOfOrder)
	Expected int64
	// Size — размер файла (только для ErrRangeNotSatisfiable)
	Size int64
	// Err — исходная причина (I/O, хранилище)
	Err error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap позволяет errors.Is находить и вид ошибки, и причину.
func (e *TransferError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newError(kind error, format string, args ...any) *TransferError {
	return &TransferError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func internalError(err error, format string, args ...any) *TransferError {
	return &TransferError{Kind: ErrInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// outOfOrder возвращает ErrOutOfOrder с ожидаемым смещением.
func outOfOrder(start, expected int64) *TransferError {
	return &TransferError{
		Kind:     ErrOutOfOrder,
		Message:  fmt.Sprintf("чанк начинается с %d, ожидается %d", start, expected),
		Expected: expected,
	}
}
