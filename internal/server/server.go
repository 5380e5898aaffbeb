package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"hiraflow/internal/autosave"
	"hiraflow/internal/domain"
	"hiraflow/internal/engine"
	"hiraflow/internal/engine/auth"
	"hiraflow/internal/hira"
	"hiraflow/internal/repo"
	"hiraflow/internal/suggest"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Autosave queues background worksheet saves. The autosave route answers
	// 503 when it is nil.
	Autosave *autosave.Saver
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot close assessment in status draft"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"draft\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type bodyOutput[T any] struct {
	Body T `json:"body"`
}

func respond[T any](v T) *bodyOutput[T] {
	return &bodyOutput[T]{Body: v}
}

type companyPath struct {
	CompanyID string `path:"company_id"`
}

type assessmentPath struct {
	CompanyID string `path:"company_id"`
	ID        string `path:"id"`
}

// New returns an HTTP handler exposing the HIRA API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema validation is a bad request; 422 is reserved for incomplete worksheets.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("HIRA API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerCompanies(group, cfg.Engine)
	registerAssessments(group, cfg.Engine)
	registerWorksheet(group, cfg.Engine, cfg.Autosave)
	registerTransitions(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerSuggestions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
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
	var he *hira.Error
	if errors.As(err, &he) {
		details := map[string]any{"operation": he.Op}
		if he.Field != "" {
			details["field"] = he.Field
		}
		switch he.Kind {
		case hira.KindInvalidInput:
			return newAPIError(http.StatusBadRequest, string(he.Kind), err.Error(), details)
		case hira.KindEmptySelection:
			return newAPIError(http.StatusBadRequest, string(he.Kind), err.Error(), details)
		case hira.KindForbidden:
			return newAPIError(http.StatusForbidden, string(he.Kind), err.Error(), details)
		case hira.KindInvalidTransition:
			details["status"] = he.Status
			return newAPIError(http.StatusConflict, string(he.Kind), err.Error(), details)
		case hira.KindIncompleteData:
			if len(he.Rows) > 0 {
				details["rows"] = he.Rows
			}
			return newAPIError(http.StatusUnprocessableEntity, string(he.Kind), err.Error(), details)
		}
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": fe.Action})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
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
		return "incomplete_data"
	case http.StatusForbidden:
		return "forbidden"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	var errSchema *huma.Schema
	if oas.Components != nil && oas.Components.Schemas != nil {
		errSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
					"application/json": {Schema: errSchema},
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>HIRA API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/companies/{company_id}/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *companyPath) (*bodyOutput[MeResponse], error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		p, _ := principalFromContext(ctx)
		return respond(MeResponse{
			ActorID:   actor.ID,
			CompanyID: input.CompanyID,
			Role:      actor.Role,
			Source:    p.Source,
		}), nil
	})
}

func registerCompanies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-company",
		Method:        http.MethodPost,
		Path:          "/companies",
		Summary:       "Create a company owned by the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateCompanyRequest `json:"body"`
	}) (*bodyOutput[domain.Company], error) {
		actor, authErr := actorFor(ctx, input.Body.ID)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.InitCompany(ctx, input.Body.ID, input.Body.Name, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/companies/{company_id}/members",
		Summary:     "List company members",
	}, func(ctx context.Context, input *companyPath) (*bodyOutput[[]domain.Member], error) {
		if _, authErr := actorFor(ctx, input.CompanyID); authErr != nil {
			return nil, authErr
		}
		items, err := e.Members(ctx, input.CompanyID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grant-member",
		Method:      http.MethodPut,
		Path:        "/companies/{company_id}/members/{actor_id}",
		Summary:     "Grant a company role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CompanyID string             `path:"company_id"`
		ActorID   string             `path:"actor_id"`
		Body      GrantMemberRequest `json:"body"`
	}) (*bodyOutput[domain.Member], error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.GrantMember(ctx, input.CompanyID, actor, input.ActorID, input.Body.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-member",
		Method:        http.MethodDelete,
		Path:          "/companies/{company_id}/members/{actor_id}",
		Summary:       "Revoke a company role",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CompanyID string `path:"company_id"`
		ActorID   string `path:"actor_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeMember(ctx, input.CompanyID, actor, input.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/companies/{company_id}/api-keys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CompanyID string              `path:"company_id"`
		Body      CreateAPIKeyRequest `json:"body"`
	}) (*bodyOutput[CreateAPIKeyResponse], error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		raw, key, err := e.CreateAPIKey(ctx, input.CompanyID, actor, input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(CreateAPIKeyResponse{Key: raw, ID: key.ID, Actor: key.ActorID, Name: key.Name, Create: key.CreatedAt}), nil
	})
}

func registerAssessments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-assessment",
		Method:        http.MethodPost,
		Path:          "/companies/{company_id}/assessments",
		Summary:       "Create a draft assessment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		CompanyID string                  `path:"company_id"`
		Body      CreateAssessmentRequest `json:"body"`
	}) (*bodyOutput[domain.Assessment], error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		a, err := e.CreateAssessment(ctx, input.CompanyID, actor, input.Body.toInput())
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assessments",
		Method:      http.MethodGet,
		Path:        "/companies/{company_id}/assessments",
		Summary:     "List assessments, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CompanyID  string `path:"company_id"`
		Status     string `query:"status" enum:"draft,in_progress,completed,approved,actions_assigned,actions_completed,closed"`
		AssessorID string `query:"assessor_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*bodyOutput[paginatedAssessments], error) {
		if _, authErr := actorFor(ctx, input.CompanyID); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		createdAt, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListAssessments(ctx, repo.AssessmentFilters{
			CompanyID:       input.CompanyID,
			Status:          input.Status,
			AssessorID:      input.AssessorID,
			Limit:           limit + 1,
			CursorCreatedAt: createdAt,
			CursorID:        id,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAssessments{Items: []domain.Assessment{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return respond(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assessment",
		Method:      http.MethodGet,
		Path:        "/companies/{company_id}/assessments/{id}",
		Summary:     "Assessment with scores, summary, actions and the caller's permitted transitions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *assessmentPath) (*bodyOutput[engine.View], error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.View(ctx, input.CompanyID, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-summary",
		Method:      http.MethodGet,
		Path:        "/companies/{company_id}/assessments/{id}/summary",
		Summary:     "Risk and action summary",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *assessmentPath) (*bodyOutput[domain.Summary], error) {
		if _, authErr := actorFor(ctx, input.CompanyID); authErr != nil {
			return nil, authErr
		}
		s, err := e.Summary(ctx, input.CompanyID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "allowed-transitions",
		Method:      http.MethodGet,
		Path:        "/companies/{company_id}/assessments/{id}/transitions",
		Summary:     "Transitions the caller may perform now",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *assessmentPath) (*bodyOutput[[]hira.Transition], error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		ts, err := e.AllowedTransitions(ctx, input.CompanyID, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ts), nil
	})
}

func registerWorksheet(api huma.API, e engine.Engine, saver *autosave.Saver) {
	huma.Register(api, huma.Operation{
		OperationID: "save-worksheet",
		Method:      http.MethodPut,
		Path:        "/companies/{company_id}/assessments/{id}/worksheet",
		Summary:     "Replace the worksheet",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CompanyID string           `path:"company_id"`
		ID        string           `path:"id"`
		Body      WorksheetRequest `json:"body"`
	}) (*bodyOutput[domain.Assessment], error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SaveWorksheet(ctx, input.CompanyID, input.ID, actor, toRows(input.Body.Rows))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "autosave-worksheet",
		Method:        http.MethodPost,
		Path:          "/companies/{company_id}/assessments/{id}/worksheet/autosave",
		Summary:       "Queue a background worksheet save",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		CompanyID string           `path:"company_id"`
		ID        string           `path:"id"`
		Body      WorksheetRequest `json:"body"`
	}) (*struct{}, error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		if saver == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "autosave_disabled", "autosave is not running", nil)
		}
		v, err := e.View(ctx, input.CompanyID, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		if !v.CanEditRows {
			return nil, newAPIError(http.StatusForbidden, "forbidden", fmt.Sprintf("actor %s may not edit this worksheet", actor.ID), map[string]any{"status": v.Assessment.Status})
		}
		saver.Queue(autosave.Key{CompanyID: input.CompanyID, AssessmentID: input.ID, Actor: actor}, toRows(input.Body.Rows))
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-rows",
		Method:      http.MethodPost,
		Path:        "/companies/{company_id}/assessments/{id}/worksheet/rows",
		Summary:     "Insert worksheet rows",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CompanyID string         `path:"company_id"`
		ID        string         `path:"id"`
		Body      AddRowsRequest `json:"body"`
	}) (*bodyOutput[domain.Assessment], error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		at := -1
		if input.Body.Position != nil {
			at = *input.Body.Position
		}
		a, err := e.AddRows(ctx, input.CompanyID, input.ID, actor, at, toRows(input.Body.Rows))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-row",
		Method:      http.MethodPatch,
		Path:        "/companies/{company_id}/assessments/{id}/worksheet/rows/{index}",
		Summary:     "Edit one worksheet field",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CompanyID string         `path:"company_id"`
		ID        string         `path:"id"`
		Index     int            `path:"index"`
		Body      RowEditRequest `json:"body"`
	}) (*bodyOutput[domain.Assessment], error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.EditRow(ctx, input.CompanyID, input.ID, actor, input.Index, hira.RowField(input.Body.Field), input.Body.Value)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-row",
		Method:      http.MethodDelete,
		Path:        "/companies/{company_id}/assessments/{id}/worksheet/rows/{index}",
		Summary:     "Remove a worksheet row",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CompanyID string `path:"company_id"`
		ID        string `path:"id"`
		Index     int    `path:"index"`
	}) (*bodyOutput[domain.Assessment], error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RemoveRow(ctx, input.CompanyID, input.ID, actor, input.Index)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assign-assessment",
		Method:      http.MethodPost,
		Path:        "/companies/{company_id}/assessments/{id}/assign",
		Summary:     "Assign a draft to its team",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CompanyID string        `path:"company_id"`
		ID        string        `path:"id"`
		Body      AssignRequest `json:"body"`
	}) (*bodyOutput[domain.Assessment], error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Assign(ctx, input.CompanyID, input.ID, actor, hira.AssignInput{
			Team:       input.Body.Team,
			DueDate:    input.Body.DueDate,
			Priority:   domain.Priority(input.Body.Priority),
			Comments:   input.Body.Comments,
			AssessorID: input.Body.AssessorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-assessment",
		Method:      http.MethodPost,
		Path:        "/companies/{company_id}/assessments/{id}/complete",
		Summary:     "Submit the worksheet for review",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CompanyID string          `path:"company_id"`
		ID        string          `path:"id"`
		Body      CompleteRequest `json:"body"`
	}) (*bodyOutput[domain.Assessment], error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Complete(ctx, input.CompanyID, input.ID, actor, toRows(input.Body.Rows))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-assessment",
		Method:      http.MethodPost,
		Path:        "/companies/{company_id}/assessments/{id}/review",
		Summary:     "Approve or reject a completed assessment",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CompanyID string        `path:"company_id"`
		ID        string        `path:"id"`
		Body      ReviewRequest `json:"body"`
	}) (*bodyOutput[domain.Assessment], error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Review(ctx, input.CompanyID, input.ID, actor, hira.ReviewInput{
			Decision: input.Body.Decision,
			Comments: input.Body.Comments,
			Rating:   input.Body.Rating,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-actions",
		Method:      http.MethodPost,
		Path:        "/companies/{company_id}/assessments/{id}/assign-actions",
		Summary:     "Assign owners and target dates to actions",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CompanyID string               `path:"company_id"`
		ID        string               `path:"id"`
		Body      AssignActionsRequest `json:"body"`
	}) (*bodyOutput[domain.Assessment], error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AssignActions(ctx, input.CompanyID, input.ID, actor, input.Body.Assignments)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-assessment",
		Method:      http.MethodPost,
		Path:        "/companies/{company_id}/assessments/{id}/close",
		Summary:     "Close an assessment",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CompanyID string       `path:"company_id"`
		ID        string       `path:"id"`
		Body      CloseRequest `json:"body"`
	}) (*bodyOutput[domain.Assessment], error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Close(ctx, input.CompanyID, input.ID, actor, hira.CloseInput{
			Comments:          input.Body.Comments,
			PerformanceRating: input.Body.PerformanceRating,
			LessonsLearned:    input.Body.LessonsLearned,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/companies/{company_id}/assessments/{id}/actions",
		Summary:     "Action items derived from the worksheet",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *assessmentPath) (*bodyOutput[[]domain.ActionItem], error) {
		if _, authErr := actorFor(ctx, input.CompanyID); authErr != nil {
			return nil, authErr
		}
		items, err := e.Actions(ctx, input.CompanyID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-assign-actions",
		Method:      http.MethodPost,
		Path:        "/companies/{company_id}/assessments/{id}/actions/bulk-assign",
		Summary:     "Give several actions the same owner and target date",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CompanyID string            `path:"company_id"`
		ID        string            `path:"id"`
		Body      BulkAssignRequest `json:"body"`
	}) (*bodyOutput[domain.Assessment], error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.BulkAssign(ctx, input.CompanyID, input.ID, actor, input.Body.Indices, input.Body.ActionOwner, input.Body.TargetDate)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-action",
		Method:      http.MethodPatch,
		Path:        "/companies/{company_id}/assessments/{id}/actions/{index}",
		Summary:     "Change an action's owner, target date or remarks",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CompanyID string            `path:"company_id"`
		ID        string            `path:"id"`
		Index     int               `path:"index"`
		Body      hira.ActionUpdate `json:"body"`
	}) (*bodyOutput[domain.Assessment], error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.UpdateAction(ctx, input.CompanyID, input.ID, actor, input.Index, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "progress-action",
		Method:      http.MethodPost,
		Path:        "/companies/{company_id}/assessments/{id}/actions/{index}/progress",
		Summary:     "Owner's status update on an action",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CompanyID string              `path:"company_id"`
		ID        string              `path:"id"`
		Index     int                 `path:"index"`
		Body      hira.ActionProgress `json:"body"`
	}) (*bodyOutput[domain.Assessment], error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.ProgressAction(ctx, input.CompanyID, input.ID, actor, input.Index, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})
}

func registerSuggestions(api huma.API, e engine.Engine) {
	type rowPath struct {
		CompanyID string `path:"company_id"`
		ID        string `path:"id"`
		Index     int    `path:"index"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "request-suggestions",
		Method:        http.MethodPost,
		Path:          "/companies/{company_id}/assessments/{id}/worksheet/rows/{index}/suggestions",
		Summary:       "Request advisory hazard suggestions for a row",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *rowPath) (*bodyOutput[suggest.Result], error) {
		actor, authErr := actorFor(ctx, input.CompanyID)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RequestSuggestions(ctx, input.CompanyID, input.ID, actor, input.Index)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-suggestions",
		Method:      http.MethodGet,
		Path:        "/companies/{company_id}/assessments/{id}/worksheet/rows/{index}/suggestions",
		Summary:     "Latest suggestion outcome for a row",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *rowPath) (*bodyOutput[suggest.Result], error) {
		if _, authErr := actorFor(ctx, input.CompanyID); authErr != nil {
			return nil, authErr
		}
		res, err := e.SuggestionResult(ctx, input.CompanyID, input.ID, input.Index)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/companies/{company_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CompanyID string `path:"company_id"`
		Type      string `query:"type"`
		EntityID  string `query:"entity_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*bodyOutput[paginatedEvents], error) {
		if _, authErr := actorFor(ctx, input.CompanyID); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Events(ctx, repo.EventFilters{
			CompanyID: input.CompanyID,
			Type:      input.Type,
			EntityID:  input.EntityID,
			Cursor:    cursorID,
			Limit:     limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return respond(resp), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*bodyOutput[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, strings.TrimSpace(input.Body.Role), 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return respond(DevLoginResponse{Token: token}), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
