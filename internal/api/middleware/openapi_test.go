package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apierrors "github.com/bigkaa/goartstore/transfer-module/internal/api/errors"
	"github.com/bigkaa/goartstore/transfer-module/internal/api/generated"
)

func newTestValidator(t *testing.T) *OpenAPIValidator {
	t.Helper()
	doc, err := generated.GetSwagger()
	if err != nil {
		t.Fatalf("GetSwagger: %v", err)
	}
	v, err := NewOpenAPIValidator(doc, testLogger())
	if err != nil {
		t.Fatalf("NewOpenAPIValidator: %v", err)
	}
	return v
}

func TestOpenAPIValidator(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"корректная загрузка", http.MethodPost, "/api/v1/upload?filename=a.bin&total_size=100", http.StatusOK},
		{"нет filename", http.MethodPost, "/api/v1/upload?total_size=100", http.StatusBadRequest},
		{"нет total_size", http.MethodPost, "/api/v1/upload?filename=a.bin", http.StatusBadRequest},
		{"total_size не число", http.MethodPost, "/api/v1/upload?filename=a.bin&total_size=abc", http.StatusBadRequest},
		{"total_size ноль", http.MethodPost, "/api/v1/upload?filename=a.bin&total_size=0", http.StatusBadRequest},
		{"статус", http.MethodGet, "/api/v1/files/a.bin/status", http.StatusOK},
		{"скачивание", http.MethodGet, "/api/v1/files/a.bin", http.StatusOK},
		{"путь вне документа", http.MethodGet, "/unknown", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := v.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader("body"))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("ожидался статус %d, получен %d, тело: %s", tt.want, rec.Code, rec.Body.String())
			}
			if tt.want == http.StatusBadRequest {
				var body apierrors.Body
				if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
					t.Fatalf("некорректный JSON: %v", err)
				}
				if body.Error.Code != apierrors.CodeValidationError {
					t.Errorf("ожидался код %s, получен %s", apierrors.CodeValidationError, body.Error.Code)
				}
			}
		})
	}
}
