package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"backlogwatch/internal/cursor"
	"backlogwatch/internal/domain"
	"backlogwatch/internal/export"
	"backlogwatch/internal/logger"
	"backlogwatch/internal/monitor"
	"backlogwatch/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   monitor.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"partition_exhausted"`
	Message string         `json:"message" example:"partition has no rows left"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the monitor API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := logger.OrNop(cfg.Logger)
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = log
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Backlog Watch API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerLogin(group, cfg.Auth)
	registerDashboard(group, cfg.Engine)
	registerPartitions(group, cfg.Engine)
	registerSource(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, cursor.ErrExhausted):
		return newAPIError(http.StatusConflict, "partition_exhausted", "Já chegou no fim dessa carteira.", nil)
	case errors.Is(err, monitor.ErrNoData):
		return newAPIError(http.StatusNotFound, "no_data", err.Error(), nil)
	case errors.Is(err, monitor.ErrUnknownPanel), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, export.ErrUnsupportedFormat):
		return newAPIError(http.StatusBadRequest, "invalid_format", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "canceled", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Duration("took", time.Since(start)))
		})
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):     true,
		path.Join(basePath, "auth/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Backlog Watch API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerDashboard(api huma.API, e monitor.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Reconciliation panels",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *DateQuery) (*struct {
		Body monitor.Dashboard `json:"body"`
	}, error) {
		opts, err := input.options()
		if err != nil {
			return nil, err
		}
		d, err := e.Dashboard(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body monitor.Dashboard `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-panel",
		Method:      http.MethodGet,
		Path:        "/dashboard/panels/{panel_id}",
		Summary:     "Single reconciliation panel",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PanelID string `path:"panel_id"`
		DateQuery
	}) (*struct {
		Body PanelResponse `json:"body"`
	}, error) {
		opts, err := input.options()
		if err != nil {
			return nil, err
		}
		p, err := e.Panel(ctx, unescape(input.PanelID), opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PanelResponse `json:"body"`
		}{Body: PanelResponse{Panel: p}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-panel-persistent",
		Method:      http.MethodGet,
		Path:        "/dashboard/panels/{panel_id}/persistent",
		Summary:     "Download the persistent orders of a panel",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PanelID string `path:"panel_id"`
		Format  string `query:"format" enum:"xlsx,csv" required:"false"`
		DateQuery
	}) (*FileResponse, error) {
		opts, err := input.options()
		if err != nil {
			return nil, err
		}
		b, err := e.PanelExport(ctx, unescape(input.PanelID), input.Format, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return fileResponse(b), nil
	})
}

func registerPartitions(api huma.API, e monitor.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-partitions",
		Method:      http.MethodGet,
		Path:        "/partitions",
		Summary:     "Partitions of the current snapshot with their next batch",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body monitor.Board `json:"body"`
	}, error) {
		b, err := e.Partitions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body monitor.Board `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "peek-partition",
		Method:      http.MethodGet,
		Path:        "/partitions/{partition}",
		Summary:     "Next batch of a partition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *PartitionPath) (*struct {
		Body cursor.Window `json:"body"`
	}, error) {
		w, err := e.Partition(ctx, unescape(input.Partition))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body cursor.Window `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-partition-batch",
		Method:      http.MethodPost,
		Path:        "/partitions/{partition}/export",
		Summary:     "Download the next batch of a partition and advance its cursor",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PartitionPath
		Format string `query:"format" enum:"xlsx,csv" required:"false"`
	}) (*FileResponse, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.ExportBatch(ctx, unescape(input.Partition), input.Format, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return fileResponse(b), nil
	})
}

func registerSource(api huma.API, e monitor.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-source",
		Method:      http.MethodPost,
		Path:        "/source/check",
		Summary:     "Re-hash the current snapshot and reset cursors if it changed",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SourceCheckResponse `json:"body"`
	}, error) {
		changed, err := e.CheckSource(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SourceCheckResponse `json:"body"`
		}{Body: SourceCheckResponse{Changed: changed, Fingerprint: e.Cursors.Fingerprint()}}, nil
	})
}

func registerEvents(api huma.API, e monitor.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Export and source-change log",
	}, func(ctx context.Context, input *struct {
		After int64  `query:"after"`
		Limit int    `query:"limit"`
		Type  string `query:"type"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		if e.DB == nil {
			return &struct {
				Body EventsResponse `json:"body"`
			}{Body: EventsResponse{Items: []domain.Event{}}}, nil
		}
		items, err := e.Repo.ListEvents(ctx, normalizeLimit(input.Limit), input.After, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		resp := EventsResponse{Items: items}
		if len(items) > 0 {
			resp.NextAfter = items[len(items)-1].ID
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func fileResponse(b monitor.Batch) *FileResponse {
	return &FileResponse{
		ContentType:        b.ContentType,
		ContentDisposition: fmt.Sprintf(`attachment; filename=%q`, b.FileName),
		ExportID:           b.ExportID,
		BatchStart:         strconv.Itoa(b.Window.Start),
		BatchEnd:           strconv.Itoa(b.Window.End),
		BatchSize:          strconv.Itoa(b.Window.Size),
		Body:               b.Data,
	}
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}

func unescape(v string) string {
	if out, err := url.PathUnescape(v); err == nil {
		return out
	}
	return v
}

func (q DateQuery) options() (monitor.DashboardOptions, error) {
	if strings.TrimSpace(q.Date) == "" {
		return monitor.DashboardOptions{}, nil
	}
	d, err := time.ParseInLocation(domain.DateLayout, strings.TrimSpace(q.Date), time.Local)
	if err != nil {
		return monitor.DashboardOptions{}, newAPIError(http.StatusBadRequest, "bad_request", "date must be YYYY-MM-DD", nil)
	}
	return monitor.DashboardOptions{Date: d}, nil
}
