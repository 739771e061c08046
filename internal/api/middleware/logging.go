// logging.go — журнал HTTP-запросов Transfer Module.
// Одна запись на запрос: маршрут, владелец (sub), объём принятых
// и отданных байт, запрошенный Range, статус и длительность.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// requestInfo — данные запроса, которые внутренние middleware
// сообщают журналу (сейчас только владелец).
type requestInfo struct {
	subject string
}

type requestInfoKey struct{}

func requestInfoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*requestInfo)
	return info
}

// statusRecorder запоминает статус и объём ответа.
type statusRecorder struct {
	http.ResponseWriter
	status int
	sent   int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.sent += int64(n)
	return n, err
}

// Unwrap нужен http.ResponseController (Flush при отдаче файла).
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// RequestLogger возвращает middleware журнала запросов.
// 5xx пишутся с уровнем ERROR, 4xx — WARN, остальное — INFO.
// Ставится первым в цепочке, чтобы видеть отказы аутентификации.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			info := &requestInfo{}
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)))

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("route", routePattern(r)),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(started)),
				slog.Int64("bytes_out", rec.sent),
			}
			if r.ContentLength > 0 {
				attrs = append(attrs, slog.Int64("bytes_in", r.ContentLength))
			}
			if rng := r.Header.Get("Range"); rng != "" {
				attrs = append(attrs, slog.String("range", rng))
			}
			if info.subject != "" {
				attrs = append(attrs, slog.String("sub", info.subject))
			}
			attrs = append(attrs, slog.String("remote_addr", r.RemoteAddr))

			logger.LogAttrs(r.Context(), levelFor(rec.status), "HTTP запрос", attrs...)
		})
	}
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
