// Пакет chunkproto — бинарный формат чанка загрузки, общий для сервера
// и клиента Transfer Module.
//
// Тело запроса POST /api/v1/upload:
//
//	offset 0, 4 байта — start, uint32 big-endian, позиция первого байта (включительно)
//	offset 4, 4 байта — end, uint32 big-endian, позиция последнего байта (включительно)
//	offset 8, 1 байт  — checksum, сумма байт payload по модулю 256
//	offset 9, N байт  — payload, N = end - start + 1
package chunkproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderSize — размер заголовка чанка в байтах.
const HeaderSize = 9

// MaxOffset — максимальная адресуемая позиция байта (uint32).
const MaxOffset = math.MaxUint32

// Параметры HTTP-протокола загрузки.
const (
	UploadPath         = "/api/v1/upload"
	FilesPath          = "/api/v1/files"
	ParamFilename      = "filename"
	ParamTotalSize     = "total_size"
	ContentType        = "application/octet-stream"
	StatusNotFound     = "not found"
	StatusPending      = "pending"
	StatusComplete     = "complete"
	HeaderRange        = "Range"
	HeaderContentRange = "Content-Range"
)

// Коды ошибок протокола (поле error.code в JSON-ответе).
const (
	CodeMalformedHeader   = "MALFORMED_HEADER"
	CodeChecksumMismatch  = "CHECKSUM_MISMATCH"
	CodeSizeMismatch      = "SIZE_MISMATCH"
	CodeAlreadyComplete   = "ALREADY_COMPLETE"
	CodeOutOfOrder        = "OUT_OF_ORDER"
	CodeChunkOutOfBounds  = "CHUNK_OUT_OF_BOUNDS"
	CodeRangeNotSatisfied = "RANGE_NOT_SATISFIABLE"
)

// Ошибки разбора чанка.
var (
	// ErrShortHeader — тело короче заголовка.
	ErrShortHeader = errors.New("чанк короче заголовка")
	// ErrChecksum — контрольная сумма payload не совпадает с заголовком.
	ErrChecksum = errors.New("контрольная сумма не совпадает")
	// ErrInvalidRange — end < start.
	ErrInvalidRange = errors.New("end меньше start")
	// ErrLengthMismatch — длина payload не равна end - start + 1.
	ErrLengthMismatch = errors.New("длина payload не совпадает с диапазоном")
	// ErrEmptyPayload — попытка закодировать пустой чанк.
	ErrEmptyPayload = errors.New("пустой payload")
)

// Header — заголовок чанка.
type Header struct {
	Start    uint32
	End      uint32
	Checksum byte
}

// Len возвращает заявленную длину payload.
func (h Header) Len() int64 {
	return int64(h.End) - int64(h.Start) + 1
}

// Checksum вычисляет контрольную сумму payload: сумма байт по модулю 256.
func Checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return sum
}

// Parse разбирает чанк и возвращает заголовок и payload.
// Порядок проверок: длина заголовка, контрольная сумма, диапазон.
// Payload — срез исходного буфера, без копирования.
func Parse(envelope []byte) (Header, []byte, error) {
	if len(envelope) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d байт", ErrShortHeader, len(envelope))
	}

	h := Header{
		Start:    binary.BigEndian.Uint32(envelope[0:4]),
		End:      binary.BigEndian.Uint32(envelope[4:8]),
		Checksum: envelope[8],
	}
	payload := envelope[HeaderSize:]

	if sum := Checksum(payload); sum != h.Checksum {
		return h, nil, fmt.Errorf("%w: заявлено %d, вычислено %d", ErrChecksum, h.Checksum, sum)
	}

	if h.End < h.Start {
		return h, nil, fmt.Errorf("%w: start=%d end=%d", ErrInvalidRange, h.Start, h.End)
	}

	if int64(len(payload)) != h.Len() {
		return h, nil, fmt.Errorf("%w: ожидалось %d байт, получено %d", ErrLengthMismatch, h.Len(), len(payload))
	}

	return h, payload, nil
}

// Encode собирает чанк из позиции start и payload.
func Encode(start int64, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	end := start + int64(len(payload)) - 1
	if start < 0 || end > MaxOffset {
		return nil, fmt.Errorf("диапазон [%d, %d] вне допустимых значений uint32", start, end)
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(start))
	binary.BigEndian.PutUint32(buf[4:8], uint32(end))
	buf[8] = Checksum(payload)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}
