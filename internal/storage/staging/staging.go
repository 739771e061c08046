// Пакет staging — временные файлы незавершённых загрузок.
// Каждая сессия пишет в собственный append-only файл, который
// содержит ровно байты [0, next_expected_byte) загружаемого файла.
// Поддиректория failed/ хранит частичные файлы, сохранённые reaper
// для ручного восстановления.
package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FailedDir — поддиректория для частичных файлов, отложенных reaper.
const FailedDir = "failed"

// Area — управление staging-директорией.
type Area struct {
	// dir — корневая директория staging (TM_STAGING_DIR)
	dir string
}

// Entry — staging-файл на диске.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// New создаёт Area. Проверяет и создаёт директорию и failed/,
// если они не существуют.
func New(dir string) (*Area, error) {
	if err := os.MkdirAll(filepath.Join(dir, FailedDir), 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать staging-директорию %s: %w", dir, err)
	}
	return &Area{dir: dir}, nil
}

// NewName генерирует уникальное имя staging-файла.
// Формат: {owner}_{filename}_{uuid}
func NewName(owner, filename string) string {
	// Ведущие точки убираются: скрытые файлы не видны reconciliation
	o := sanitize(strings.TrimLeft(owner, "."))
	f := sanitize(strings.TrimLeft(filename, "."))
	if len(o) > 32 {
		o = o[:32]
	}
	if len(f) > 64 {
		f = f[:64]
	}
	return fmt.Sprintf("%s_%s_%s", o, f, uuid.New().String())
}

// Create создаёт пустой staging-файл. Ошибка, если файл уже существует.
func (a *Area) Create(name string) error {
	f, err := os.OpenFile(a.Path(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("ошибка создания staging-файла %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия staging-файла %s: %w", name, err)
	}
	return nil
}

// Append дописывает data в позицию offset и выполняет fsync.
//
// Файл должен содержать ровно offset байт. Хвост от ранее оборванной
// записи обрезается до offset. При ошибке записи файл возвращается
// к длине offset, поэтому содержимое всегда совпадает с [0, offset).
func (a *Area) Append(name string, offset int64, data []byte) error {
	f, err := os.OpenFile(a.Path(name), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("ошибка открытия staging-файла %s: %w", name, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("ошибка stat staging-файла %s: %w", name, err)
	}

	switch {
	case info.Size() < offset:
		f.Close()
		return fmt.Errorf("staging-файл %s короче ожидаемого: %d < %d", name, info.Size(), offset)
	case info.Size() > offset:
		if err := f.Truncate(offset); err != nil {
			f.Close()
			return fmt.Errorf("ошибка усечения staging-файла %s: %w", name, err)
		}
	}

	if _, err := f.WriteAt(data, offset); err != nil {
		_ = f.Truncate(offset)
		f.Close()
		return fmt.Errorf("ошибка записи в staging-файл %s: %w", name, err)
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		_ = f.Truncate(offset)
		f.Close()
		return fmt.Errorf("ошибка fsync staging-файла %s: %w", name, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия staging-файла %s: %w", name, err)
	}
	return nil
}

// Size возвращает размер staging-файла.
func (a *Area) Size(name string) (int64, error) {
	info, err := os.Stat(a.Path(name))
	if err != nil {
		return 0, fmt.Errorf("ошибка получения информации о staging-файле %s: %w", name, err)
	}
	return info.Size(), nil
}

// Exists проверяет существование staging-файла.
func (a *Area) Exists(name string) bool {
	_, err := os.Stat(a.Path(name))
	return err == nil
}

// Remove удаляет staging-файл. Возвращает nil, если файла уже нет.
func (a *Area) Remove(name string) error {
	err := os.Remove(a.Path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка удаления staging-файла %s: %w", name, err)
	}
	return nil
}

// MoveToFailed переносит staging-файл в failed/ под именем
// {owner}_{filename}_{unix}.partial и возвращает относительный путь.
func (a *Area) MoveToFailed(name, owner, filename string, now time.Time) (string, error) {
	target := filepath.Join(FailedDir,
		fmt.Sprintf("%s_%s_%d.partial", sanitize(owner), sanitize(filename), now.Unix()))

	if err := os.Rename(a.Path(name), a.Path(target)); err != nil {
		return "", fmt.Errorf("ошибка переноса %s в %s: %w", name, FailedDir, err)
	}
	return target, nil
}

// List возвращает staging-файлы верхнего уровня (без failed/).
func (a *Area) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения staging-директории %s: %w", a.dir, err)
	}

	var result []Entry
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Файл удалён между ReadDir и Info
			continue
		}
		result = append(result, Entry{
			Name:    de.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return result, nil
}

// Path возвращает абсолютный путь staging-файла.
func (a *Area) Path(name string) string {
	return filepath.Join(a.dir, name)
}

// Dir возвращает путь к staging-директории.
func (a *Area) Dir() string {
	return a.dir
}

// sanitize убирает небезопасные символы из строки для использования в имени файла.
// Оставляет только буквы, цифры, точку, дефис и подчёркивание.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' ||
			(r >= 0x0400 && r <= 0x04FF) { // Кириллица
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return "file"
	}
	return result.String()
}
