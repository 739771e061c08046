// openapi.go — валидация запросов по OpenAPI-документу (kin-openapi).
// Проверяются параметры пути, query и заголовков. Тело запроса не читается:
// чанк передаётся как поток и разбирается сервисным слоем.
package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	apierrors "github.com/bigkaa/goartstore/transfer-module/internal/api/errors"
)

// OpenAPIValidator — middleware проверки запросов по OpenAPI-документу.
type OpenAPIValidator struct {
	router routers.Router
	logger *slog.Logger
}

// NewOpenAPIValidator создаёт валидатор для документа doc.
func NewOpenAPIValidator(doc *openapi3.T, logger *slog.Logger) (*OpenAPIValidator, error) {
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("создание OpenAPI-роутера: %w", err)
	}
	return &OpenAPIValidator{
		router: router,
		logger: logger.With(slog.String("component", "openapi_validator")),
	}, nil
}

// Middleware возвращает HTTP middleware валидации.
// Запросы к путям вне документа пропускаются без проверки (404/405 отдаёт chi).
func (v *OpenAPIValidator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, pathParams, err := v.router.FindRoute(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options: &openapi3filter.Options{
					ExcludeRequestBody: true,
					// Аутентификацию выполняет JWT middleware
					AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
				},
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				v.logger.Debug("Запрос не прошёл OpenAPI-валидацию",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				apierrors.ValidationError(w, validationMessage(err))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// validationMessage формирует краткое сообщение об ошибке валидации.
func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) && reqErr.Parameter != nil {
		return fmt.Sprintf("Некорректный параметр %s: %s", reqErr.Parameter.Name, reqErr.Reason)
	}
	return "Некорректный запрос: " + err.Error()
}
