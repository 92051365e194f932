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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"claimwatch/internal/domain"
	"claimwatch/internal/engine"
	"claimwatch/internal/errs"
	"claimwatch/internal/queue"
	"claimwatch/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"claim 12: not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the claimwatch ingress and operator API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
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
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	auth := cfg.Auth
	if auth.Logger == nil {
		auth.Logger = logger
	}
	router.Use(newAuthMiddleware(basePath, auth))
	hcfg := huma.DefaultConfig("claimwatch API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerEvents(group, cfg.Engine)
	registerClaims(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerStats(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("server: request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
				"duration", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
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
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrInvalidEvent), errors.Is(err, queue.ErrBadPayload):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, errs.ErrInvalidConfiguration):
		return newAPIError(http.StatusBadRequest, "invalid_configuration", msg, nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, nil)
	case errors.Is(err, engine.ErrClaimClosed):
		return newAPIError(http.StatusConflict, "claim_closed", msg, nil)
	case errors.Is(err, errs.ErrLockTimeout), errors.Is(err, errs.ErrTransactionConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, map[string]any{"retry": true})
	case errors.Is(err, errs.ErrExternalUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", msg, map[string]any{"retry": true})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
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
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas)
			spec, _ = json.Marshal(oas)
		}
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
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
				},
			}
		}
	}
}

// applyAuthSecurity marks mutating operations as requiring the bearer token.
func applyAuthSecurity(oas *huma.OpenAPI) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil {
				op.Security = security
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>claimwatch API Docs</title>
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

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-comment",
		Method:        http.MethodPost,
		Path:          "/events/comments",
		Summary:       "Queue a comment event for claim analysis",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CommentEventRequest
	}) (*struct {
		Body SubmitResponse `json:"body"`
	}, error) {
		id, queued, err := e.SubmitComment(ctx, input.Body.event())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitResponse `json:"body"`
		}{Body: SubmitResponse{JobID: id, Queued: queued}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-comment",
		Method:      http.MethodPost,
		Path:        "/events/comments/process",
		Summary:     "Analyse and apply a comment event synchronously",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CommentEventRequest
	}) (*struct {
		Body OutcomeResponse `json:"body"`
	}, error) {
		out, err := e.ProcessComment(ctx, input.Body.event())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutcomeResponse `json:"body"`
		}{Body: outcomeResponse(out)}, nil
	})
}

type claimPath struct {
	ID int64 `path:"id"`
}

func registerClaims(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-claims",
		Method:      http.MethodGet,
		Path:        "/claims",
		Summary:     "List claims, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Repository string `query:"repository"`
		State      string `query:"state" enum:"active,nudged,released,completed"`
		Claimant   string `query:"claimant"`
		Open       bool   `query:"open"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedClaims `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		views, err := e.Repo.ListClaims(ctx, repo.ClaimFilters{
			Repository: input.Repository,
			State:      input.State,
			Claimant:   input.Claimant,
			OpenOnly:   input.Open,
			Limit:      limit + 1,
			CursorID:   cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedClaims{Items: []ClaimSummary{}}
		if len(views) > limit {
			views = views[:limit]
			resp.NextCursor = strconv.FormatInt(views[limit-1].Claim.ID, 10)
		}
		for _, v := range views {
			resp.Items = append(resp.Items, ClaimSummary{Claim: v.Claim, Issue: v.Issue})
		}
		return &struct {
			Body paginatedClaims `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-claim",
		Method:      http.MethodGet,
		Path:        "/claims/{id}",
		Summary:     "Claim with issue, progress and activity log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *claimPath) (*struct {
		Body domain.ClaimView `json:"body"`
	}, error) {
		view, err := e.Repo.ClaimView(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ClaimView `json:"body"`
		}{Body: view}, nil
	})

	override := func(id, verb string, target domain.ClaimState) {
		huma.Register(api, huma.Operation{
			OperationID: id,
			Method:      http.MethodPost,
			Path:        "/claims/{id}/" + verb,
			Summary:     "Override: mark the claim " + string(target),
			Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
		}, func(ctx context.Context, input *struct {
			ID   int64 `path:"id"`
			Body *OverrideRequest
		}) (*struct {
			Body domain.ClaimView `json:"body"`
		}, error) {
			reason := ""
			if input.Body != nil {
				reason = input.Body.Reason
			}
			if _, err := e.Override(ctx, input.ID, target, actorFromContext(ctx), reason); err != nil {
				return nil, handleError(err)
			}
			view, err := e.Repo.ClaimView(ctx, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.ClaimView `json:"body"`
			}{Body: view}, nil
		})
	}
	override("release-claim", "release", domain.ClaimReleased)
	override("complete-claim", "complete", domain.ClaimCompleted)

	huma.Register(api, huma.Operation{
		OperationID: "extend-grace",
		Method:      http.MethodPost,
		Path:        "/claims/{id}/grace",
		Summary:     "Set a per-claim grace period and restart its timer",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id"`
		Body ExtendGraceRequest
	}) (*struct {
		Body domain.Claim `json:"body"`
	}, error) {
		claim, err := e.ExtendGrace(ctx, input.ID, input.Body.Days, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Claim `json:"body"`
		}{Body: claim}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List queued jobs, newest first",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,running,succeeded,failed,dead"`
		Kind   string `query:"kind"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body JobList `json:"body"`
	}, error) {
		jobs, err := e.Repo.ListJobs(ctx, repo.JobFilters{Status: input.Status, Kind: input.Kind, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		if jobs == nil {
			jobs = []domain.QueueJob{}
		}
		return &struct {
			Body JobList `json:"body"`
		}{Body: JobList{Items: jobs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "requeue-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/requeue",
		Summary:     "Requeue a dead or failed job",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.QueueJob `json:"body"`
	}, error) {
		job, err := e.RequeueJob(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QueueJob `json:"body"`
		}{Body: job}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Claim, queue and activity counts",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Repository string `query:"repository"`
		Window     string `query:"window" default:"24h"`
	}) (*struct {
		Body engine.Stats `json:"body"`
	}, error) {
		window, err := time.ParseDuration(input.Window)
		if err != nil || window <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid window", map[string]any{"window": input.Window})
		}
		s, err := e.Stats(ctx, input.Repository, window)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Stats `json:"body"`
		}{Body: s}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
