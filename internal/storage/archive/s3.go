package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Config — параметры S3-совместимого хранилища.
type S3Config struct {
	// Endpoint — URL хранилища (пусто — AWS по умолчанию)
	Endpoint string
	Region   string
	Bucket   string
	// AccessKey/SecretKey — статические ключи (пусто — цепочка AWS по умолчанию)
	AccessKey string
	SecretKey string
	// Prefix — префикс ключей объектов, например "files/"
	Prefix string
}

// S3Archive — архив в бакете S3-совместимого хранилища.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3 создаёт S3Archive. Для кастомного endpoint включается path-style адресация.
func NewS3(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("для S3-архива требуется имя бакета")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации AWS: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		// S3-совместимые хранилища не всегда поддерживают flexible checksums
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &S3Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.With(slog.String("component", "archive"), slog.String("backend", string(BackendS3))),
	}, nil
}

func (a *S3Archive) objectKey(filename string) string {
	return a.prefix + filename
}

// Publish загружает srcPath в бакет одним PutObject и удаляет локальный файл.
// PutObject атомарен: читатели видят либо старый объект, либо новый.
func (a *S3Archive) Publish(ctx context.Context, srcPath, filename string) error {
	if err := ValidateName(filename); err != nil {
		return err
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("ошибка открытия staging-файла: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("ошибка stat staging-файла: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.objectKey(filename)),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("ошибка загрузки %s в S3: %w", filename, err)
	}

	f.Close()
	if err := os.Remove(srcPath); err != nil {
		a.logger.Warn("Не удалось удалить staging-файл после загрузки в S3",
			slog.String("path", srcPath),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Stat выполняет HeadObject.
func (a *S3Archive) Stat(ctx context.Context, filename string) (Info, error) {
	if err := ValidateName(filename); err != nil {
		return Info{}, ErrNotFound
	}

	out, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.objectKey(filename)),
	})
	if err != nil {
		if isNotFound(err) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("ошибка HeadObject %s: %w", filename, err)
	}

	info := Info{}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.ModTime = *out.LastModified
	}
	return info, nil
}

// Open выполняет GetObject с заголовком Range.
func (a *S3Archive) Open(ctx context.Context, filename string, offset, length int64) (io.ReadCloser, error) {
	if err := ValidateName(filename); err != nil {
		return nil, ErrNotFound
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.objectKey(filename)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка GetObject %s: %w", filename, err)
	}
	return out.Body, nil
}

// Ping проверяет доступность бакета через HeadBucket.
func (a *S3Archive) Ping(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err != nil {
		return fmt.Errorf("бакет %s недоступен: %w", a.bucket, err)
	}
	return nil
}

// Backend возвращает имя реализации.
func (a *S3Archive) Backend() Backend {
	return BackendS3
}

// isNotFound распознаёт ответы S3 об отсутствии объекта.
// HeadObject возвращает NotFound без тела, GetObject — NoSuchKey.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
