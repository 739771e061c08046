// JWKS Mock Server — выдача тестовых токенов для Transfer Module.
// Генерирует RSA ключевую пару при старте, отдаёт JWKS по GET /jwks
// и подписывает JWT по POST /token. Используется с TM_JWKS_URL=http://.../jwks.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

// keyID — kid единственного ключа.
const keyID = "transfer-mock-1"

// defaultTTL — время жизни токена, если ttl_seconds не задан.
const defaultTTL = time.Hour

// config — параметры mock-сервера из переменных окружения.
type config struct {
	Port    string // MOCK_PORT (default: 8080)
	TLSCert string // MOCK_TLS_CERT, пусто — HTTP
	TLSKey  string // MOCK_TLS_KEY
	KeySize int    // MOCK_KEY_SIZE (default: 2048, минимум 1024)
}

func loadConfig() config {
	cfg := config{
		Port:    os.Getenv("MOCK_PORT"),
		TLSCert: os.Getenv("MOCK_TLS_CERT"),
		TLSKey:  os.Getenv("MOCK_TLS_KEY"),
		KeySize: 2048,
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if v := os.Getenv("MOCK_KEY_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil && size >= 1024 {
			cfg.KeySize = size
		}
	}
	return cfg
}

// jwk — открытый RSA ключ в формате RFC 7517.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// tokenRequest — тело POST /token.
type tokenRequest struct {
	Sub        string   `json:"sub"`
	Scopes     []string `json:"scopes"`
	TTLSeconds int      `json:"ttl_seconds"`
}

// tokenClaims — claims, которые понимает auth middleware Transfer Module.
type tokenClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// issuer хранит ключ подписи и готовый JWKS.
type issuer struct {
	key    *rsa.PrivateKey
	jwks   []byte
	logger *slog.Logger
	now    func() time.Time
}

func newIssuer(keySize int, logger *slog.Logger) (*issuer, error) {
	key, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("ошибка генерации RSA ключа: %w", err)
	}

	jwks, err := json.Marshal(map[string][]jwk{"keys": {{
		Kty: "RSA",
		Kid: keyID,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}})
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации JWKS: %w", err)
	}

	return &issuer{key: key, jwks: jwks, logger: logger, now: time.Now}, nil
}

func (s *issuer) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/jwks", s.handleJWKS)
	r.Post("/token", s.handleToken)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

func (s *issuer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(s.jwks)
}

func (s *issuer) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Невалидный JSON: "+err.Error())
		return
	}
	if req.Sub == "" {
		writeError(w, http.StatusBadRequest, "Поле 'sub' обязательно")
		return
	}

	ttl := defaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.Sub,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "jwks-mock",
		},
		Scopes: req.Scopes,
	})
	token.Header["kid"] = keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		s.logger.Error("Ошибка подписи JWT", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Ошибка генерации токена")
		return
	}

	s.logger.Info("Токен выдан",
		slog.String("sub", req.Sub),
		slog.Any("scopes", req.Scopes),
		slog.Duration("ttl", ttl),
	)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": signed})
}

// writeError отвечает в формате ошибок Transfer Module.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": "VALIDATION_ERROR", "message": message},
	})
}

func main() {
	cfg := loadConfig()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger.Info("Генерация RSA ключевой пары", slog.Int("key_size", cfg.KeySize))
	iss, err := newIssuer(cfg.KeySize, logger)
	if err != nil {
		logger.Error("Ошибка инициализации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           iss.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	tls := cfg.TLSCert != "" && cfg.TLSKey != ""
	logger.Info("JWKS Mock Server запущен", slog.String("addr", srv.Addr), slog.Bool("tls", tls))
	if tls {
		err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
