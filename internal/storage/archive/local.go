package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
)

// LocalArchive — архив в локальной директории.
type LocalArchive struct {
	// dir — директория постоянного хранения (TM_PERMANENT_DIR)
	dir    string
	logger *slog.Logger
}

// NewLocal создаёт LocalArchive. Проверяет и создаёт директорию,
// если она не существует.
func NewLocal(dir string, logger *slog.Logger) (*LocalArchive, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию архива %s: %w", dir, err)
	}
	return &LocalArchive{
		dir:    dir,
		logger: logger.With(slog.String("component", "archive"), slog.String("backend", string(BackendLocal))),
	}, nil
}

// Publish перемещает srcPath в архив через rename.
// Если staging и архив на разных файловых системах (EXDEV),
// выполняется копирование: temp файл → fsync → atomic rename.
func (a *LocalArchive) Publish(_ context.Context, srcPath, filename string) error {
	if err := ValidateName(filename); err != nil {
		return err
	}
	dst := filepath.Join(a.dir, filename)

	err := os.Rename(srcPath, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("ошибка публикации %s: %w", filename, err)
	}

	a.logger.Debug("Staging и архив на разных файловых системах, копирование",
		slog.String("filename", filename),
	)
	if err := copyFileAtomic(srcPath, dst); err != nil {
		return fmt.Errorf("ошибка публикации %s: %w", filename, err)
	}
	if err := os.Remove(srcPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		a.logger.Warn("Не удалось удалить staging-файл после копирования",
			slog.String("path", srcPath),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// copyFileAtomic копирует src в dst.
// Паттерн: temp файл → запись → fsync → atomic rename.
// Temp файл уникален для каждого вызова и начинается с точки,
// поэтому не пересекается с именами файлов архива (см. ValidateName).
// При ошибке temp файл удаляется.
func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("ошибка открытия исходного файла: %w", err)
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), ".publish-*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := out.Name()

	if err := out.Chmod(0o640); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка установки прав временного файла: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка копирования данных: %w", err)
	}

	// fsync для гарантии записи на диск
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// Stat возвращает размер и время модификации файла.
func (a *LocalArchive) Stat(_ context.Context, filename string) (Info, error) {
	if err := ValidateName(filename); err != nil {
		return Info{}, ErrNotFound
	}
	info, err := os.Stat(filepath.Join(a.dir, filename))
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, fmt.Errorf("ошибка получения информации о файле %s: %w", filename, err)
	}
	if info.IsDir() {
		return Info{}, ErrNotFound
	}
	return Info{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// sectionFile — ограниченный диапазон открытого файла.
type sectionFile struct {
	*io.SectionReader
	f *os.File
}

func (s *sectionFile) Close() error {
	return s.f.Close()
}

// Open открывает диапазон файла на чтение.
func (a *LocalArchive) Open(_ context.Context, filename string, offset, length int64) (io.ReadCloser, error) {
	if err := ValidateName(filename); err != nil {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(a.dir, filename))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", filename, err)
	}
	return &sectionFile{SectionReader: io.NewSectionReader(f, offset, length), f: f}, nil
}

// Ping проверяет доступность директории архива на запись.
func (a *LocalArchive) Ping(_ context.Context) error {
	testFile := filepath.Join(a.dir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("директория архива недоступна для записи: %w", err)
	}
	_ = os.Remove(testFile)
	return nil
}

// Backend возвращает имя реализации.
func (a *LocalArchive) Backend() Backend {
	return BackendLocal
}

// Dir возвращает путь к директории архива.
func (a *LocalArchive) Dir() string {
	return a.dir
}
