package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"reviewlog/internal/domain"
	"reviewlog/internal/engine"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	// NewRequestID overrides request ID generation.
	NewRequestID func() string
	// MaxBodyBytes caps request bodies; zero means 1 MiB.
	MaxBodyBytes int64
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"state_application_failed"`
	Message string         `json:"message" example:"apply log 4f1c to task 9a2e: no ingested state to apply log to"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"taskID\":\"9a2e\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the review log API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, errorDetails(errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, errorDetails(errs))
	}

	router := chi.NewRouter()
	router.Use(requestLogger(logger, cfg.NewRequestID))
	router.Use(captureBody(cfg.MaxBodyBytes))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Review Log API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	// Bodies are the documented payloads only, without a $schema link.
	hcfg.CreateHooks = nil
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerActionLogs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerTaskStates(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerOpenAPI(router, api, basePath, cfg.Auth.AllowUserHeader)

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

func errorDetails(errs []error) map[string]any {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			out = append(out, err.Error())
		}
	}
	return map[string]any{"errors": out}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"errors": verr.Errors})
	}
	if errors.Is(err, domain.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var rerr *domain.ReplayError
	if errors.As(err, &rerr) {
		details := map[string]any{"taskID": rerr.TaskID, "eventID": rerr.Event.ID}
		if rerr.Snapshot != nil {
			details["snapshot"] = rerr.Snapshot
		}
		return newAPIError(http.StatusUnprocessableEntity, "state_application_failed", err.Error(), details)
	}
	if errors.Is(err, domain.ErrContention) {
		return newAPIError(http.StatusServiceUnavailable, "contention", err.Error(), nil)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

// handleWriteError reports a partially applied batch. The events that were
// applied are listed so the caller knows which ones not to resend.
func handleWriteError(err error, applied []domain.EventRecord) huma.StatusError {
	serr := handleError(err)
	ae, ok := serr.(*apiError)
	if !ok || len(applied) == 0 {
		return serr
	}
	ids := make([]string, 0, len(applied))
	for _, rec := range applied {
		ids = append(ids, rec.Event.ID)
	}
	if ae.Body.Details == nil {
		ae.Body.Details = map[string]any{}
	}
	ae.Body.Details["appliedEventIDs"] = ids
	return ae
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
		return "state_application_failed"
	case http.StatusServiceUnavailable:
		return "contention"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, allowUserHeader bool) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath, allowUserHeader)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string, allowUserHeader bool) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	if allowUserHeader {
		oas.Components.SecuritySchemes["userHeader"] = &huma.SecurityScheme{
			Type: "apiKey",
			In:   "header",
			Name: userHeader,
		}
		security = append(security, map[string][]string{"userHeader": {}})
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Review Log API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
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

func registerActionLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "patch-action-logs",
		Method:        http.MethodPatch,
		Path:          "/actionLogs",
		Summary:       "Apply legacy action logs",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body []domain.LegacyActionLog `json:"body"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		applied, err := e.PatchActionLogs(ctx, userID, input.Body)
		if err != nil {
			return nil, handleWriteError(err, applied)
		}
		return nil, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "put-events",
		Method:      http.MethodPatch,
		Path:        "/2/events",
		Summary:     "Store events and apply them to task states",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body []domain.Event `json:"body"`
	}) (*struct {
		Body EventRecordListResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		records, err := e.PutEvents(ctx, userID, input.Body)
		if err != nil {
			return nil, handleWriteError(err, records)
		}
		return &struct {
			Body EventRecordListResponse `json:"body"`
		}{Body: EventRecordListResponse{Items: nonNilSlice(records)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/2/events",
		Summary:     "List stored events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AfterID  string `query:"afterID"`
		EntityID string `query:"entityID"`
		Limit    int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		page, err := e.ListEvents(ctx, userID, domain.EventQuery{AfterID: input.AfterID, EntityID: input.EntityID, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: nonNilSlice(page.Items), HasMore: page.HasMore}}, nil
	})
}

func registerTaskStates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-task-states",
		Method:      http.MethodGet,
		Path:        "/taskStates",
		Summary:     "List task states in creation order",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CreatedAfterID           string `query:"createdAfterID"`
		Limit                    int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
		DueBeforeTimestampMillis string `query:"dueBeforeTimestampMillis" doc:"Only non-deleted tasks due by this time, rounded up to the due bucket"`
	}) (*struct {
		Body TaskStateListResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q := domain.EntityQuery{AfterID: input.CreatedAfterID, Limit: input.Limit}
		if input.DueBeforeTimestampMillis != "" {
			due, err := strconv.ParseInt(input.DueBeforeTimestampMillis, 10, 64)
			if err != nil || due < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid dueBeforeTimestampMillis",
					map[string]any{"dueBeforeTimestampMillis": input.DueBeforeTimestampMillis})
			}
			q.DueBeforeTimestampMillis = &due
		}
		page, err := e.ListTasks(ctx, userID, q)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskStateListResponse `json:"body"`
		}{Body: TaskStateListResponse{ObjectType: "list", HasMore: page.HasMore, Data: taskStateResponses(page.Items)}}, nil
	})

	type taskPath struct {
		TaskID string `path:"taskID"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-task-state",
		Method:      http.MethodGet,
		Path:        "/taskStates/{taskID}",
		Summary:     "Get one task state",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskStateResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.GetTask(ctx, userID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskStateResponse `json:"body"`
		}{Body: taskStateResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rebuild-task-state",
		Method:      http.MethodPost,
		Path:        "/taskStates/{taskID}/rebuild",
		Summary:     "Rebuild a task state from its full event history",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskStateResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.RebuildTask(ctx, userID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskStateResponse `json:"body"`
		}{Body: taskStateResponse(rec)}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{UserID: principal.UserID, Source: principal.Source}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me-counters",
		Method:      http.MethodGet,
		Path:        "/me/counters",
		Summary:     "Aggregate counters for the current user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CountersResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.ActiveTaskCount(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CountersResponse `json:"body"`
		}{Body: CountersResponse{ActiveTaskCount: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me-counters-recount",
		Method:      http.MethodPost,
		Path:        "/me/counters/recount",
		Summary:     "Recount active tasks and correct the counter",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RecountResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, diff, err := e.RecountActiveTasks(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecountResponse `json:"body"`
		}{Body: RecountResponse{ActiveTaskCount: n, Correction: diff}}, nil
	})
}
