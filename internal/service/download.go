// download.go — сервис скачивания опубликованных файлов.
//
// Поддерживается один диапазон байт: bytes=start-end или bytes=start-.
// Данные отдаются блоками по BlockSize байт через ридер, который
// закрывается при любом завершении отдачи, включая обрыв соединения.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/transfer-module/internal/storage/archive"
)

// BlockSize — размер блока при отдаче файла.
const BlockSize = 4096

// Prometheus метрики скачивания
var (
	// downloadsTotal — количество скачиваний по результату.
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tm_downloads_total",
		Help: "Общее количество скачиваний по результату",
	}, []string{"result"})

	// downloadBytesTotal — количество отданных байт.
	downloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_download_bytes_total",
		Help: "Общее количество отданных байт",
	})

	// downloadsActive — количество скачиваний в процессе.
	downloadsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tm_downloads_active",
		Help: "Количество скачиваний в процессе",
	})
)

// DownloadService — сервис скачивания файлов.
type DownloadService struct {
	arch   archive.Archive
	logger *slog.Logger
}

// NewDownloadService создаёт сервис скачивания файлов.
func NewDownloadService(arch archive.Archive, logger *slog.Logger) *DownloadService {
	return &DownloadService{
		arch:   arch,
		logger: logger.With(slog.String("component", "download_service")),
	}
}

// Download — подготовленная отдача файла или его диапазона.
type Download struct {
	Filename string
	// Size — полный размер файла
	Size int64
	// Start, End — отдаваемый диапазон [Start, End], включительно
	Start int64
	End   int64
	// Partial — запрошен диапазон (ответ 206)
	Partial bool
	ModTime time.Time

	ctx       context.Context
	rc        io.ReadCloser
	closeOnce sync.Once
	logger    *slog.Logger
}

// Length возвращает количество отдаваемых байт.
func (d *Download) Length() int64 {
	return d.End - d.Start + 1
}

// ContentRange возвращает значение заголовка Content-Range.
func (d *Download) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", d.Start, d.End, d.Size)
}

// Open готовит отдачу файла filename. rangeHeader — значение заголовка
// Range, пустая строка означает весь файл.
//
// Ошибки: ErrNotFound, ErrRangeNotSatisfiable (с размером файла в Size).
// Если ошибки нет, вызывающий код обязан вызвать WriteTo или Close.
func (s *DownloadService) Open(ctx context.Context, filename, rangeHeader string) (*Download, error) {
	if err := archive.ValidateName(filename); err != nil {
		downloadsTotal.WithLabelValues("not_found").Inc()
		return nil, newError(ErrNotFound, "файл %s не найден", filename)
	}

	info, err := s.arch.Stat(ctx, filename)
	if errors.Is(err, archive.ErrNotFound) {
		downloadsTotal.WithLabelValues("not_found").Inc()
		return nil, newError(ErrNotFound, "файл %s не найден", filename)
	}
	if err != nil {
		downloadsTotal.WithLabelValues("error").Inc()
		return nil, internalError(err, "ошибка получения информации о файле %s", filename)
	}

	d := &Download{
		Filename: filename,
		Size:     info.Size,
		Start:    0,
		End:      info.Size - 1,
		ModTime:  info.ModTime,
		ctx:      ctx,
		logger:   s.logger,
	}

	if rangeHeader != "" {
		start, end, err := ParseRange(rangeHeader, info.Size)
		if err != nil {
			downloadsTotal.WithLabelValues("range_not_satisfiable").Inc()
			return nil, &TransferError{
				Kind:    ErrRangeNotSatisfiable,
				Message: err.Error(),
				Size:    info.Size,
			}
		}
		d.Start, d.End, d.Partial = start, end, true
	}

	if d.Length() == 0 {
		d.rc = io.NopCloser(strings.NewReader(""))
		return d, nil
	}

	rc, err := s.arch.Open(ctx, filename, d.Start, d.Length())
	if errors.Is(err, archive.ErrNotFound) {
		downloadsTotal.WithLabelValues("not_found").Inc()
		return nil, newError(ErrNotFound, "файл %s не найден", filename)
	}
	if err != nil {
		downloadsTotal.WithLabelValues("error").Inc()
		return nil, internalError(err, "ошибка открытия файла %s", filename)
	}
	d.rc = rc
	return d, nil
}

// WriteTo отдаёт диапазон блоками по BlockSize байт.
// Ридер закрывается при любом завершении: успех, ошибка записи
// (обрыв соединения клиентом), отмена контекста.
func (d *Download) WriteTo(w io.Writer) (int64, error) {
	downloadsActive.Inc()
	defer downloadsActive.Dec()
	defer d.Close()

	buf := make([]byte, BlockSize)
	remaining := d.Length()
	var written int64

	for remaining > 0 {
		if err := d.ctx.Err(); err != nil {
			return written, d.fail("cancelled", written, err)
		}

		block := buf
		if remaining < int64(len(block)) {
			block = block[:remaining]
		}

		n, readErr := io.ReadFull(d.rc, block)
		if n > 0 {
			m, err := w.Write(block[:n])
			written += int64(m)
			downloadBytesTotal.Add(float64(m))
			if err != nil {
				return written, d.fail("client_gone", written, err)
			}
			remaining -= int64(n)
		}
		if readErr != nil && remaining > 0 {
			return written, d.fail("error", written, fmt.Errorf("ошибка чтения файла %s: %w", d.Filename, readErr))
		}
	}

	downloadsTotal.WithLabelValues("success").Inc()
	d.logger.Debug("Файл отдан",
		slog.String("filename", d.Filename),
		slog.Int64("start", d.Start),
		slog.Int64("end", d.End),
		slog.Int64("bytes", written),
	)
	return written, nil
}

// Close закрывает ридер. Повторный вызов безопасен.
func (d *Download) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.rc != nil {
			err = d.rc.Close()
		}
	})
	return err
}

func (d *Download) fail(result string, written int64, err error) error {
	downloadsTotal.WithLabelValues(result).Inc()
	d.logger.Warn("Отдача файла прервана",
		slog.String("filename", d.Filename),
		slog.Int64("written", written),
		slog.Int64("expected", d.Length()),
		slog.String("error", err.Error()),
	)
	return err
}

// ParseRange разбирает заголовок Range для файла размером size.
// Допустимые формы: bytes=start-end и bytes=start-. Суффиксные
// диапазоны (bytes=-N) и несколько диапазонов не поддерживаются.
func ParseRange(header string, size int64) (start, end int64, err error) {
	byteRange, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("неподдерживаемая единица диапазона: %q", header)
	}
	if strings.Contains(byteRange, ",") {
		return 0, 0, fmt.Errorf("несколько диапазонов не поддерживаются: %q", header)
	}

	startStr, endStr, ok := strings.Cut(strings.TrimSpace(byteRange), "-")
	if !ok || startStr == "" {
		return 0, 0, fmt.Errorf("некорректный диапазон: %q", header)
	}

	start, err = parseOffset(startStr)
	if err != nil {
		return 0, 0, fmt.Errorf("некорректное начало диапазона: %q", header)
	}

	end = size - 1
	if endStr != "" {
		end, err = parseOffset(endStr)
		if err != nil {
			return 0, 0, fmt.Errorf("некорректный конец диапазона: %q", header)
		}
	}

	switch {
	case start >= size:
		return 0, 0, fmt.Errorf("начало диапазона %d за пределами файла размером %d", start, size)
	case end >= size:
		return 0, 0, fmt.Errorf("конец диапазона %d за пределами файла размером %d", end, size)
	case start > end:
		return 0, 0, fmt.Errorf("начало диапазона %d больше конца %d", start, end)
	}
	return start, end, nil
}

// parseOffset разбирает неотрицательное десятичное смещение.
func parseOffset(s string) (int64, error) {
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("недопустимый символ %q", r)
		}
	}
	return strconv.ParseInt(s, 10, 64)
}
