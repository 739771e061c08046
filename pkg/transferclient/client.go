// Пакет transferclient — HTTP-клиент Transfer Module.
//
// Upload отправляет файл чанками и продолжает прерванную загрузку:
// стартовая позиция берётся из статуса сессии, а при ответе OUT_OF_ORDER
// клиент переходит на expected_offset из тела ошибки.
// Download скачивает файл целиком или диапазон байт.
package transferclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/transfer-module/pkg/chunkproto"
)

// DefaultChunkSize — размер чанка по умолчанию (1 MiB).
const DefaultChunkSize = 1 << 20

// maxResyncs — предел подряд идущих переходов на expected_offset без продвижения.
const maxResyncs = 3

// Коды ошибок API, на которые реагирует клиент.
const (
	CodeOutOfOrder      = chunkproto.CodeOutOfOrder
	CodeAlreadyComplete = chunkproto.CodeAlreadyComplete
)

// Значения поля status ответа статуса.
const (
	StatusPending  = "pending"
	StatusComplete = "complete"
	StatusNotFound = "not found"
)

// APIError — ошибка, возвращённая сервером в формате {"error": {...}}.
type APIError struct {
	StatusCode     int
	Code           string
	Message        string
	ExpectedOffset *int64
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Status — состояние загрузки на сервере.
type Status struct {
	Status           string     `json:"status"`
	NextExpectedByte int64      `json:"next_expected_byte"`
	TotalSize        int64      `json:"total_size"`
	LastUpdated      *time.Time `json:"last_updated,omitempty"`
}

// ServiceInfo — ответ GET /api/v1/info.
type ServiceInfo struct {
	Service        string `json:"service"`
	Version        string `json:"version"`
	StalePolicy    string `json:"stale_policy"`
	SessionStore   string `json:"session_store"`
	ArchiveBackend string `json:"archive_backend"`
	MaxChunkSize   int64  `json:"max_chunk_size"`
	MaxFileSize    int64  `json:"max_file_size"`
	ActiveSessions int    `json:"active_sessions"`
}

// Range — диапазон байт [Start, End] включительно.
type Range struct {
	Start int64
	End   int64
}

// ProgressFunc вызывается после каждого принятого чанка.
type ProgressFunc func(sent, total int64)

// Client — клиент Transfer Module.
type Client struct {
	baseURL    string
	token      string
	chunkSize  int
	httpClient *http.Client
	logger     *slog.Logger
}

// Option — настройка клиента.
type Option func(*Client)

// WithToken задаёт Bearer-токен для всех запросов.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithChunkSize задаёт размер чанка в байтах.
func WithChunkSize(size int) Option {
	return func(c *Client) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}

// WithHTTPClient задаёт HTTP-клиент (таймауты, TLS).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger задаёт логгер.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New создаёт клиент для сервиса по адресу baseURL, например "http://localhost:8040".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		chunkSize:  DefaultChunkSize,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "transfer_client"))
	return c
}

// UploadChunk отправляет один чанк [start, start+len(payload)-1].
// Возвращает next_expected_byte из ответа сервера.
func (c *Client) UploadChunk(ctx context.Context, filename string, totalSize, start int64, payload []byte) (int64, error) {
	envelope, err := chunkproto.Encode(start, payload)
	if err != nil {
		return 0, err
	}

	q := url.Values{}
	q.Set("filename", filename)
	q.Set("total_size", strconv.FormatInt(totalSize, 10))

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/upload?"+q.Encode(), bytes.NewReader(envelope))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", chunkproto.ContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ошибка отправки чанка: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, decodeError(resp)
	}

	var accepted struct {
		NextExpectedByte int64 `json:"next_expected_byte"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return 0, fmt.Errorf("ошибка декодирования ответа: %w", err)
	}
	return accepted.NextExpectedByte, nil
}

// Status возвращает состояние загрузки. Отсутствие сессии не ошибка:
// поле Status равно StatusNotFound.
func (c *Client) Status(ctx context.Context, filename string) (*Status, error) {
	var st Status
	if err := c.getJSON(ctx, "/api/v1/files/"+url.PathEscape(filename)+"/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Info возвращает информацию о сервисе.
func (c *Client) Info(ctx context.Context) (*ServiceInfo, error) {
	var info ServiceInfo
	if err := c.getJSON(ctx, "/api/v1/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Upload загружает size байт из r под именем filename.
// Если на сервере есть незавершённая сессия того же размера,
// загрузка продолжается с её next_expected_byte.
func (c *Client) Upload(ctx context.Context, filename string, r io.ReaderAt, size int64, progress ProgressFunc) error {
	if size <= 0 {
		return errors.New("пустой файл не может быть загружен")
	}

	offset, err := c.resumeOffset(ctx, filename, size)
	if err != nil {
		return err
	}
	if offset > 0 {
		c.logger.Info("Продолжение загрузки",
			slog.String("filename", filename),
			slog.Int64("offset", offset),
		)
	}

	buf := make([]byte, c.chunkSize)
	resyncs := 0
	for offset < size {
		n := int64(len(buf))
		if rest := size - offset; rest < n {
			n = rest
		}
		if _, err := r.ReadAt(buf[:n], offset); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("ошибка чтения на позиции %d: %w", offset, err)
		}

		next, err := c.UploadChunk(ctx, filename, size, offset, buf[:n])
		if err != nil {
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				return err
			}
			switch {
			case apiErr.Code == CodeOutOfOrder && apiErr.ExpectedOffset != nil && resyncs < maxResyncs:
				resyncs++
				c.logger.Warn("Чанк вне очереди, переход на ожидаемую позицию",
					slog.Int64("offset", offset),
					slog.Int64("expected", *apiErr.ExpectedOffset),
				)
				offset = *apiErr.ExpectedOffset
				continue
			case apiErr.Code == CodeAlreadyComplete:
				return nil
			default:
				return err
			}
		}

		if next <= offset {
			return fmt.Errorf("сервер не продвинул позицию: %d", next)
		}
		resyncs = 0
		offset = next
		if progress != nil {
			progress(offset, size)
		}
	}
	return nil
}

// resumeOffset определяет позицию, с которой продолжать загрузку.
func (c *Client) resumeOffset(ctx context.Context, filename string, size int64) (int64, error) {
	st, err := c.Status(ctx, filename)
	if err != nil {
		return 0, err
	}
	if st.Status != StatusPending {
		return 0, nil
	}
	if st.TotalSize != size {
		return 0, fmt.Errorf("на сервере незавершённая загрузка %s другого размера: %d байт", filename, st.TotalSize)
	}
	return st.NextExpectedByte, nil
}

// Download записывает файл (или диапазон rng, если не nil) в w.
// Возвращает число записанных байт.
func (c *Client) Download(ctx context.Context, filename string, w io.Writer, rng *Range) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/files/"+url.PathEscape(filename), nil)
	if err != nil {
		return 0, err
	}

	want := http.StatusOK
	if rng != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
		want = http.StatusPartialContent
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ошибка запроса файла: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return 0, decodeError(resp)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("ошибка чтения тела ответа: %w", err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, fmt.Errorf("получено %d байт из %d", n, resp.ContentLength)
	}
	return n, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ошибка запроса %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("ошибка декодирования ответа: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// decodeError читает тело ошибки. Тело не в формате API даёт APIError без кода.
func decodeError(resp *http.Response) error {
	var body struct {
		Error struct {
			Code           string `json:"code"`
			Message        string `json:"message"`
			ExpectedOffset *int64 `json:"expected_offset"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
		apiErr.ExpectedOffset = body.Error.ExpectedOffset
	}
	return apiErr
}
