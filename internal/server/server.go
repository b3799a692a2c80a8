package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"stageline/internal/auth"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/events"
	"stageline/internal/index"
	"stageline/internal/stack"
	"stageline/internal/state"
	"stageline/internal/telemetry"
)

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	// Index serves GET /runs. When nil the listing is built from the state files.
	Index    *index.Index
	Metrics  *telemetry.Metrics
	Logger   zerolog.Logger
	BasePath string
	Auth     AuthConfig
	Version  string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_awaiting_approval"`
	Message string         `json:"message" example:"run is not awaiting approval"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

var validate = validator.New(validator.WithRequiredStructEnabled())

// New returns an HTTP handler exposing the pipeline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	hcfg := huma.DefaultConfig("Stageline API", version)
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, version)
	registerRuns(group, cfg)
	registerEvents(group, cfg)
	registerIndex(group, cfg)
	registerMe(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			evt := log.Info()
			if status >= http.StatusInternalServerError {
				evt = log.Error()
			}
			evt.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, stack.ErrMalformedDefinition):
		return newAPIError(http.StatusBadRequest, "malformed_definition", msg, nil)
	case errors.Is(err, state.ErrInvalidIdentifier):
		return newAPIError(http.StatusBadRequest, "invalid_identifier", msg, nil)
	case errors.Is(err, state.ErrStateNotFound):
		return newAPIError(http.StatusNotFound, "state_not_found", msg, nil)
	case errors.Is(err, index.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrNotAwaitingApproval):
		return newAPIError(http.StatusConflict, "not_awaiting_approval", msg, nil)
	case errors.Is(err, engine.ErrNothingToRetry):
		return newAPIError(http.StatusConflict, "nothing_to_retry", msg, nil)
	case errors.Is(err, engine.ErrRetryLimit):
		return newAPIError(http.StatusConflict, "retry_limit", msg, nil)
	case errors.Is(err, engine.ErrRunExists):
		return newAPIError(http.StatusConflict, "run_exists", msg, nil)
	case errors.Is(err, state.ErrLockTimeout):
		return newAPIError(http.StatusLocked, "lock_timeout", msg, nil)
	case errors.Is(err, state.ErrCorruptState):
		return newAPIError(http.StatusInternalServerError, "corrupt_state", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
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
    <title>Stageline API Docs</title>
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
  </body>
</html>`, specURL)
}

type healthBody struct {
	Status  string `json:"status" example:"ok"`
	Version string `json:"version"`
}

func registerHealth(api huma.API, version string) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body healthBody `json:"body"`
	}, error) {
		return &struct {
			Body healthBody `json:"body"`
		}{Body: healthBody{Status: "ok", Version: version}}, nil
	})
}

type threadPath struct {
	ProjectID string `path:"project_id" doc:"Project identifier"`
	ThreadID  string `path:"thread_id" doc:"Thread identifier"`
}

type stateOutput struct {
	Body domain.PipelineState `json:"body"`
}

func registerRuns(api huma.API, cfg Config) {
	e := cfg.Engine
	threadErrors := []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusLocked}

	huma.Register(api, huma.Operation{
		OperationID: "run",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/threads/{thread_id}/run",
		Summary:     "Run until the next approval gate",
		Description: "Creates the run from the given stack when it does not exist, then executes stages until a gate, a failure or completion.",
		Errors:      threadErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string      `path:"project_id"`
		ThreadID  string      `path:"thread_id"`
		Body      *RunRequest `json:"body" required:"false"`
	}) (*stateOutput, error) {
		if err := requirePermission(ctx, cfg.Auth, auth.PermRun); err != nil {
			return nil, handleError(err)
		}
		var req RunRequest
		if input.Body != nil {
			req = *input.Body
		}
		if err := validate.Struct(req); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid run request", map[string]any{"error": err.Error()})
		}
		st, err := e.RunUntilGate(ctx, input.ProjectID, input.ThreadID, engine.RunOptions{
			Stack:      req.Stack,
			Parameters: req.Parameters,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/threads/{thread_id}/approve",
		Summary:     "Approve the current gate and resume",
		Errors:      threadErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		ThreadID  string          `path:"thread_id"`
		Body      *ApproveRequest `json:"body" required:"false"`
	}) (*stateOutput, error) {
		if err := requirePermission(ctx, cfg.Auth, auth.PermApprove); err != nil {
			return nil, handleError(err)
		}
		actor := "api"
		if input.Body != nil && strings.TrimSpace(input.Body.ActorID) != "" {
			actor = strings.TrimSpace(input.Body.ActorID)
		}
		if p, ok := principalFromContext(ctx); ok {
			actor = p.ActorID
		}
		st, err := e.Approve(ctx, input.ProjectID, input.ThreadID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/threads/{thread_id}/retry",
		Summary:     "Retry the failed stage and resume",
		Errors:      threadErrors,
	}, func(ctx context.Context, input *threadPath) (*stateOutput, error) {
		if err := requirePermission(ctx, cfg.Auth, auth.PermRetry); err != nil {
			return nil, handleError(err)
		}
		st, err := e.Retry(ctx, input.ProjectID, input.ThreadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/threads/{thread_id}",
		Summary:     "Current run state",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *threadPath) (*stateOutput, error) {
		if err := requirePermission(ctx, cfg.Auth, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		st, err := e.Status(ctx, input.ProjectID, input.ThreadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: st}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/threads/{thread_id}/events",
		Summary:     "Read the run event log",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ThreadID  string `path:"thread_id"`
		Stage     string `query:"stage"`
		Type      string `query:"type" enum:"run.initialized,stage.completed,stage.failed,stage.gated,stage.approved,run.retried,run.completed"`
		Limit     int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, cfg.Auth, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := cfg.Engine.Events.Read(input.ProjectID, input.ThreadID, events.Filter{
			Stage: input.Stage,
			Type:  input.Type,
			Limit: input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: EventsResponse{Items: mapEvents(items)}}, nil
	})
}

func registerIndex(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs, most recently updated first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Status    string `query:"status" enum:"running,waiting_approval,completed,failed"`
		Limit     int    `query:"limit" minimum:"0" maximum:"1000" default:"100"`
	}) (*struct {
		Body RunsResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, cfg.Auth, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		if input.ProjectID != "" {
			if err := state.ValidateIdentifier("project_id", input.ProjectID); err != nil {
				return nil, handleError(err)
			}
		}
		f := index.Filter{ProjectID: input.ProjectID, Status: domain.RunStatus(input.Status), Limit: input.Limit}
		var (
			items []domain.RunSummary
			err   error
		)
		if cfg.Index != nil {
			items, err = cfg.Index.List(ctx, f)
		} else {
			items, err = index.Scan(cfg.Engine.Store, f)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunsResponse `json:"body"`
		}{Body: RunsResponse{Items: items}}, nil
	})
}

func registerMe(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		resp := WhoAmIResponse{Permissions: []string{auth.PermAll}}
		if p, ok := principalFromContext(ctx); ok {
			resp = WhoAmIResponse{ActorID: p.ActorID, Permissions: nonNilSlice(p.Permissions), Authenticated: true}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: resp}, nil
	})
}
