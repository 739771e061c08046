// auth.go — аутентификация владельца загрузок.
//
// Запрос несёт Bearer JWT (RS256), ключи проверки берутся из JWKS.
// Из токена извлекается Principal: sub — владелец сессий загрузки
// (owner в ключе сессии), scopes — права; transfers:admin открывает
// maintenance API. Без TM_JWKS_URL работает DevAuth с фиксированным
// Principal. Публичные endpoints исключаются на уровне сервера.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/goartstore/transfer-module/internal/api/errors"
)

// Principal — аутентифицированный владелец запроса.
type Principal struct {
	// Subject — sub из токена; под ним хранятся сессии загрузки
	Subject string
	// Scopes — права из claims scope и scopes
	Scopes []string
}

// HasScope сообщает, выдано ли право scope.
func (p Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

type principalKey struct{}

// WithPrincipal возвращает контекст с Principal и отмечает его
// в журнале запроса, если запрос проходит через RequestLogger.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	if info := requestInfoFrom(ctx); info != nil {
		info.subject = p.Subject
	}
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext извлекает Principal из контекста запроса.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// SubjectFromContext возвращает владельца запроса или пустую строку.
func SubjectFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.Subject
}

// ScopesFromContext возвращает права владельца запроса.
func ScopesFromContext(ctx context.Context) []string {
	p, _ := PrincipalFromContext(ctx)
	return p.Scopes
}

// Claims — JWT claims, которые принимает Transfer Module.
// Права читаются из "scope" (OAuth2, через пробел) и "scopes" (массив).
type Claims struct {
	jwt.RegisteredClaims
	ScopeString string   `json:"scope"`
	ScopeArray  []string `json:"scopes"`
}

// Scopes возвращает права из обоих claims без повторов, в порядке появления.
func (c *Claims) Scopes() []string {
	var result []string
	for _, s := range append(strings.Fields(c.ScopeString), c.ScopeArray...) {
		if !slices.Contains(result, s) {
			result = append(result, s)
		}
	}
	return result
}

// Причины отказа в аутентификации. Текст уходит клиенту в теле 401.
var (
	errNoAuthHeader   = errors.New("Отсутствует заголовок Authorization")
	errNotBearer      = errors.New("Неверный формат Authorization: ожидается Bearer <token>")
	errEmptyToken     = errors.New("Пустой Bearer token")
	errInvalidToken   = errors.New("Невалидный или просроченный токен")
	errMissingSubject = errors.New("Отсутствует sub в токене")
)

// JWTAuth проверяет Bearer JWT и кладёт Principal в контекст.
type JWTAuth struct {
	keys   keyfunc.Keyfunc
	leeway time.Duration
	logger *slog.Logger
}

// JWTAuthConfig — параметры источника ключей и проверки токенов.
type JWTAuthConfig struct {
	// JWKSURL — endpoint с ключами (TM_JWKS_URL)
	JWKSURL string
	// CACertPath — дополнительный CA для TLS к JWKS (опционально)
	CACertPath    string
	TLSSkipVerify bool
	// ClientTimeout — таймаут одного запроса к JWKS
	ClientTimeout time.Duration
	// RefreshInterval — период перечитывания ключей
	RefreshInterval time.Duration
	// JWTLeeway — допуск расхождения часов для exp/nbf
	JWTLeeway time.Duration
}

// NewJWTAuth создаёт JWTAuth с ключами из JWKS endpoint.
// Недоступный при старте JWKS не мешает запуску: ключи подтянутся
// при следующем обновлении, а до тех пор запросы получают 401.
func NewJWTAuth(cfg JWTAuthConfig, logger *slog.Logger) (*JWTAuth, error) {
	client, err := jwksHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    client,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           cfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Не удалось обновить ключи JWKS",
				slog.String("jwks_url", cfg.JWKSURL),
				slog.String("error", err.Error()),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("JWKS storage для %s: %w", cfg.JWKSURL, err)
	}

	kf, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("keyfunc для %s: %w", cfg.JWKSURL, err)
	}

	logger.Info("Аутентификация владельцев через JWKS",
		slog.String("jwks_url", cfg.JWKSURL),
		slog.Duration("refresh_interval", cfg.RefreshInterval),
		slog.Bool("custom_ca", cfg.CACertPath != ""),
	)
	return NewJWTAuthWithKeyfunc(kf, cfg.JWTLeeway, logger), nil
}

// jwksHTTPClient — клиент для загрузки JWKS с учётом CA и skip-verify.
func jwksHTTPClient(cfg JWTAuthConfig) (*http.Client, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.TLSSkipVerify, //nolint:gosec // TM_TLS_SKIP_VERIFY
	}

	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("чтение CA-сертификата %s: %w", cfg.CACertPath, err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("в %s нет PEM-сертификатов", cfg.CACertPath)
		}
		tlsConfig.RootCAs = pool
	}

	return &http.Client{
		Timeout:   cfg.ClientTimeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, nil
}

// NewJWTAuthWithKeyfunc создаёт JWTAuth с готовым источником ключей.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, leeway time.Duration, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		keys:   kf,
		leeway: leeway,
		logger: logger.With(slog.String("component", "jwt_auth")),
	}
}

// Middleware возвращает middleware аутентификации: 401 при любой
// ошибке токена, иначе Principal в контексте.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := j.authenticate(r)
			if err != nil {
				apierrors.Unauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// authenticate проверяет токен запроса и возвращает его Principal.
func (j *JWTAuth) authenticate(r *http.Request) (Principal, error) {
	raw, err := bearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return Principal{}, err
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(raw, claims, j.keys.KeyfuncCtx(r.Context()),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(j.leeway),
	)
	if err != nil {
		j.logger.Debug("Токен отклонён",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return Principal{}, errInvalidToken
	}

	if claims.Subject == "" {
		return Principal{}, errMissingSubject
	}
	return Principal{Subject: claims.Subject, Scopes: claims.Scopes()}, nil
}

// bearerToken извлекает токен из заголовка Authorization.
// Схема Bearer сравнивается без учёта регистра.
func bearerToken(header string) (string, error) {
	if header == "" {
		return "", errNoAuthHeader
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errNotBearer
	}
	if token == "" {
		return "", errEmptyToken
	}
	return token, nil
}

// DevAuth — режим разработки: каждый запрос выполняется от имени
// subject с правами scopes, токен не проверяется.
func DevAuth(subject string, scopes []string) func(http.Handler) http.Handler {
	p := Principal{Subject: subject, Scopes: scopes}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireScope пропускает только запросы, Principal которых имеет scope.
// Ставится после JWTAuth.Middleware() или DevAuth.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				apierrors.Forbidden(w, "Запрос не аутентифицирован")
				return
			}
			if !p.HasScope(scope) {
				apierrors.Forbidden(w, "Недостаточно прав: требуется scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
