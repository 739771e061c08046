// Package generated — HTTP-контракт Transfer Module в формате oapi-codegen
// chi-server: ServerInterface, обёртка с привязкой параметров и встроенный
// OpenAPI-документ (openapi.yaml).
package generated

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

// Значения поля status в ответе GetUploadStatus.
const (
	UploadStatusStatusPending  UploadStatusStatus = "pending"
	UploadStatusStatusComplete UploadStatusStatus = "complete"
	UploadStatusStatusNotFound UploadStatusStatus = "not found"
)

// Filename — имя файла в пути запроса.
type Filename = string

// UploadStatusStatus — статус загрузки.
type UploadStatusStatus string

// ChunkAccepted — ответ на принятый чанк.
type ChunkAccepted struct {
	NextExpectedByte int64 `json:"next_expected_byte"`
}

// UploadStatus — состояние загрузки.
type UploadStatus struct {
	Status           UploadStatusStatus `json:"status"`
	NextExpectedByte *int64             `json:"next_expected_byte,omitempty"`
	TotalSize        *int64             `json:"total_size,omitempty"`
	LastUpdated      *time.Time         `json:"last_updated,omitempty"`
}

// ServiceInfo — информация о сервисе.
type ServiceInfo struct {
	Service        string `json:"service"`
	Version        string `json:"version"`
	StalePolicy    string `json:"stale_policy"`
	SessionStore   string `json:"session_store"`
	ArchiveBackend string `json:"archive_backend"`
	MaxChunkSize   *int64 `json:"max_chunk_size,omitempty"`
	MaxFileSize    *int64 `json:"max_file_size,omitempty"`
	ActiveSessions int    `json:"active_sessions"`
}

// ReapReport — результат обхода устаревших сессий.
type ReapReport struct {
	Policy      string    `json:"policy"`
	Scanned     int       `json:"scanned"`
	Evicted     int       `json:"evicted"`
	Errors      int       `json:"errors"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// UploadChunkParams — параметры POST /api/v1/upload.
type UploadChunkParams struct {
	Filename  string `form:"filename" json:"filename"`
	TotalSize int64  `form:"total_size" json:"total_size"`
}

// DownloadFileParams — параметры GET /api/v1/files/{filename}.
type DownloadFileParams struct {
	Range *string `json:"Range,omitempty"`
}

// ServerInterface — обработчики всех операций API.
type ServerInterface interface {
	// (GET /health/live)
	HealthLive(w http.ResponseWriter, r *http.Request)
	// (GET /health/ready)
	HealthReady(w http.ResponseWriter, r *http.Request)
	// (GET /metrics)
	GetMetrics(w http.ResponseWriter, r *http.Request)
	// (GET /api/v1/info)
	GetServiceInfo(w http.ResponseWriter, r *http.Request)
	// (POST /api/v1/upload)
	UploadChunk(w http.ResponseWriter, r *http.Request, params UploadChunkParams)
	// (GET /api/v1/files/{filename}/status)
	GetUploadStatus(w http.ResponseWriter, r *http.Request, filename Filename)
	// (GET /api/v1/files/{filename})
	DownloadFile(w http.ResponseWriter, r *http.Request, filename Filename, params DownloadFileParams)
	// (POST /api/v1/maintenance/reap)
	Reap(w http.ResponseWriter, r *http.Request)
}

// MiddlewareFunc — middleware отдельной операции.
type MiddlewareFunc func(http.Handler) http.Handler

// ServerInterfaceWrapper привязывает параметры запроса и вызывает ServerInterface.
type ServerInterfaceWrapper struct {
	Handler            ServerInterface
	HandlerMiddlewares []MiddlewareFunc
	ErrorHandlerFunc   func(w http.ResponseWriter, r *http.Request, err error)
}

func (siw *ServerInterfaceWrapper) serve(w http.ResponseWriter, r *http.Request, h http.HandlerFunc) {
	var handler http.Handler = h
	for _, middleware := range siw.HandlerMiddlewares {
		handler = middleware(handler)
	}
	handler.ServeHTTP(w, r)
}

// HealthLive operation middleware
func (siw *ServerInterfaceWrapper) HealthLive(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.HealthLive)
}

// HealthReady operation middleware
func (siw *ServerInterfaceWrapper) HealthReady(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.HealthReady)
}

// GetMetrics operation middleware
func (siw *ServerInterfaceWrapper) GetMetrics(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.GetMetrics)
}

// GetServiceInfo operation middleware
func (siw *ServerInterfaceWrapper) GetServiceInfo(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.GetServiceInfo)
}

// UploadChunk operation middleware
func (siw *ServerInterfaceWrapper) UploadChunk(w http.ResponseWriter, r *http.Request) {
	var params UploadChunkParams
	query := r.URL.Query()

	if err := runtime.BindQueryParameter("form", true, true, "filename", query, &params.Filename); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "filename", Err: err})
		return
	}
	if err := runtime.BindQueryParameter("form", true, true, "total_size", query, &params.TotalSize); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "total_size", Err: err})
		return
	}

	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.UploadChunk(w, r, params)
	})
}

// GetUploadStatus operation middleware
func (siw *ServerInterfaceWrapper) GetUploadStatus(w http.ResponseWriter, r *http.Request) {
	filename, ok := siw.bindFilename(w, r)
	if !ok {
		return
	}

	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.GetUploadStatus(w, r, filename)
	})
}

// DownloadFile operation middleware
func (siw *ServerInterfaceWrapper) DownloadFile(w http.ResponseWriter, r *http.Request) {
	filename, ok := siw.bindFilename(w, r)
	if !ok {
		return
	}

	var params DownloadFileParams
	if valueList, found := r.Header[http.CanonicalHeaderKey("Range")]; found {
		if len(valueList) != 1 {
			siw.ErrorHandlerFunc(w, r, &TooManyValuesForParamError{ParamName: "Range", Count: len(valueList)})
			return
		}
		var rangeHeader string
		err := runtime.BindStyledParameterWithOptions("simple", "Range", valueList[0], &rangeHeader,
			runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationHeader, Explode: false, Required: false})
		if err != nil {
			siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "Range", Err: err})
			return
		}
		params.Range = &rangeHeader
	}

	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.DownloadFile(w, r, filename, params)
	})
}

// Reap operation middleware
func (siw *ServerInterfaceWrapper) Reap(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.Reap)
}

func (siw *ServerInterfaceWrapper) bindFilename(w http.ResponseWriter, r *http.Request) (Filename, bool) {
	var filename Filename
	err := runtime.BindStyledParameterWithOptions("simple", "filename", chi.URLParam(r, "filename"), &filename,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "filename", Err: err})
		return "", false
	}
	return filename, true
}

// InvalidParamFormatError — параметр не удалось привязать.
type InvalidParamFormatError struct {
	ParamName string
	Err       error
}

func (e *InvalidParamFormatError) Error() string {
	return fmt.Sprintf("Invalid format for parameter %s: %s", e.ParamName, e.Err.Error())
}

func (e *InvalidParamFormatError) Unwrap() error {
	return e.Err
}

// TooManyValuesForParamError — параметр передан несколько раз.
type TooManyValuesForParamError struct {
	ParamName string
	Count     int
}

func (e *TooManyValuesForParamError) Error() string {
	return fmt.Sprintf("Expected one value for %s, got %d", e.ParamName, e.Count)
}

// ChiServerOptions — параметры монтирования маршрутов.
type ChiServerOptions struct {
	BaseURL          string
	BaseRouter       chi.Router
	Middlewares      []MiddlewareFunc
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

// HandlerFromMux монтирует маршруты ServerInterface на существующий роутер.
func HandlerFromMux(si ServerInterface, r chi.Router) http.Handler {
	return HandlerWithOptions(si, ChiServerOptions{
		BaseRouter: r,
	})
}

// HandlerWithOptions создаёт http.Handler с маршрутами ServerInterface.
func HandlerWithOptions(si ServerInterface, options ChiServerOptions) http.Handler {
	r := options.BaseRouter
	if r == nil {
		r = chi.NewRouter()
	}
	if options.ErrorHandlerFunc == nil {
		options.ErrorHandlerFunc = func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}
	wrapper := ServerInterfaceWrapper{
		Handler:            si,
		HandlerMiddlewares: options.Middlewares,
		ErrorHandlerFunc:   options.ErrorHandlerFunc,
	}

	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/health/live", wrapper.HealthLive)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/health/ready", wrapper.HealthReady)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/metrics", wrapper.GetMetrics)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/api/v1/info", wrapper.GetServiceInfo)
	})
	r.Group(func(r chi.Router) {
		r.Post(options.BaseURL+"/api/v1/upload", wrapper.UploadChunk)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/api/v1/files/{filename}/status", wrapper.GetUploadStatus)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/api/v1/files/{filename}", wrapper.DownloadFile)
	})
	r.Group(func(r chi.Router) {
		r.Post(options.BaseURL+"/api/v1/maintenance/reap", wrapper.Reap)
	})

	return r
}

//go:embed openapi.yaml
var swaggerSpec []byte

var (
	swaggerOnce sync.Once
	swaggerDoc  *openapi3.T
	swaggerErr  error
)

// GetSwagger возвращает разобранный и провалидированный OpenAPI-документ.
// Документ разбирается один раз; вызывающий не должен его изменять.
func GetSwagger() (*openapi3.T, error) {
	swaggerOnce.Do(func() {
		loader := openapi3.NewLoader()
		doc, err := loader.LoadFromData(swaggerSpec)
		if err != nil {
			swaggerErr = fmt.Errorf("разбор OpenAPI-документа: %w", err)
			return
		}
		if err := doc.Validate(context.Background()); err != nil {
			swaggerErr = fmt.Errorf("валидация OpenAPI-документа: %w", err)
			return
		}
		swaggerDoc = doc
	})
	return swaggerDoc, swaggerErr
}
