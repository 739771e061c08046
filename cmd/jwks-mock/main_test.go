package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"

	"github.com/bigkaa/goartstore/transfer-module/internal/api/middleware"
)

func testIssuer(t *testing.T) *httptest.Server {
	t.Helper()
	iss, err := newIssuer(1024, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("ошибка newIssuer: %v", err)
	}
	ts := httptest.NewServer(iss.routes())
	t.Cleanup(ts.Close)
	return ts
}

func issueToken(t *testing.T, ts *httptest.Server, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/token", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("ошибка POST /token: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Token string `json:"token"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out.Token
}

// Токен mock-сервера принимается auth middleware Transfer Module.
func TestIssuedTokenAccepted(t *testing.T) {
	ts := testIssuer(t)

	resp, err := http.Get(ts.URL + "/jwks")
	if err != nil {
		t.Fatalf("ошибка GET /jwks: %v", err)
	}
	jwks, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	kf, err := keyfunc.NewJWKSetJSON(jwks)
	if err != nil {
		t.Fatalf("ошибка разбора JWKS: %v", err)
	}
	auth := middleware.NewJWTAuthWithKeyfunc(kf, 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))

	status, token := issueToken(t, ts, `{"sub":"alice","scopes":["transfers:admin"]}`)
	if status != http.StatusOK || token == "" {
		t.Fatalf("статус = %d, токен пуст: %v", status, token == "")
	}

	var subject string
	var scopes []string
	h := auth.Middleware()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		subject = middleware.SubjectFromContext(r.Context())
		scopes = middleware.ScopesFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/a.bin/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("статус middleware = %d, ожидался 200", rec.Code)
	}
	if subject != "alice" {
		t.Errorf("subject = %q, ожидался alice", subject)
	}
	if len(scopes) != 1 || scopes[0] != "transfers:admin" {
		t.Errorf("scopes = %v, ожидался [transfers:admin]", scopes)
	}
}

func TestTokenRequestValidation(t *testing.T) {
	ts := testIssuer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"без sub", `{"scopes":["x"]}`, http.StatusBadRequest},
		{"невалидный JSON", `{`, http.StatusBadRequest},
		{"без scopes", `{"sub":"bob"}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, _ := issueToken(t, ts, tt.body); status != tt.want {
				t.Errorf("статус = %d, ожидался %d", status, tt.want)
			}
		})
	}
}
