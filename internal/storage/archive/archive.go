// Пакет archive — постоянное хранилище завершённых файлов.
//
// Файл публикуется один раз, когда получены все байты загрузки,
// и дальше только читается. Повторная публикация того же имени
// атомарно заменяет файл. Существование файла в архиве означает,
// что загрузка завершена.
//
// Реализации: local (директория TM_PERMANENT_DIR) и s3 (бакет S3-совместимого хранилища).
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound — файла нет в архиве.
var ErrNotFound = errors.New("файл не найден в архиве")

// Backend — имя реализации архива (TM_ARCHIVE_BACKEND).
type Backend string

const (
	BackendLocal Backend = "local"
	BackendS3    Backend = "s3"
)

// MaxNameLength — максимальная длина имени файла в байтах (NAME_MAX).
const MaxNameLength = 255

// Info — метаданные опубликованного файла.
type Info struct {
	Size    int64
	ModTime time.Time
}

// Archive — контракт постоянного хранилища.
type Archive interface {
	// Publish переносит полностью записанный локальный файл srcPath
	// в архив под именем filename. После успеха srcPath не существует.
	Publish(ctx context.Context, srcPath, filename string) error
	// Stat возвращает метаданные файла или ErrNotFound.
	Stat(ctx context.Context, filename string) (Info, error)
	// Open открывает диапазон [offset, offset+length) файла на чтение.
	// Вызывающий код обязан закрыть ReadCloser.
	Open(ctx context.Context, filename string, offset, length int64) (io.ReadCloser, error)
	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error
	// Backend возвращает имя реализации.
	Backend() Backend
}

// ValidateName проверяет, что имя файла безопасно для использования
// как ключ архива: не пустое, без разделителей пути, не начинается с точки
// (служебные файлы архива и "."/".." скрыты).
func ValidateName(filename string) error {
	switch {
	case filename == "":
		return errors.New("пустое имя файла")
	case len(filename) > MaxNameLength:
		return fmt.Errorf("имя файла длиннее %d байт", MaxNameLength)
	case strings.HasPrefix(filename, "."):
		return fmt.Errorf("недопустимое имя файла %q", filename)
	case filename != filepath.Base(filename):
		return fmt.Errorf("имя файла %q содержит разделитель пути", filename)
	}
	for _, r := range filename {
		if r == '/' || r == '\\' || r == 0 {
			return fmt.Errorf("имя файла %q содержит недопустимый символ", filename)
		}
	}
	return nil
}
