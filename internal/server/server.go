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
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"taskhub/internal/domain"
	"taskhub/internal/engine"
	"taskhub/internal/engine/auth"
	"taskhub/internal/events"
	"taskhub/internal/identity"
	"taskhub/internal/session"
	"taskhub/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Identity *identity.Local
	BasePath string
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"task.delete forbidden: role employee"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"action\":\"task.delete\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the TaskHub API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Identity == nil {
		return nil, errors.New("identity provider required")
	}
	if cfg.Engine.Store == nil {
		return nil, errors.New("engine store required")
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
	router.Use(requestLogger(log))
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
	router.Use(newAuthMiddleware(basePath, cfg.Identity, cfg.Engine.Store, log))
	hcfg := huma.DefaultConfig("TaskHub API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Identity)
	registerMe(group)
	registerDashboard(group, cfg.Engine)
	registerEmployees(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerKPIs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if ww.Status() >= http.StatusInternalServerError {
				log.Error("request", fields...)
				return
			}
			log.Info("request", fields...)
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
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": fe.Action})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var ae *identity.AuthError
	if errors.As(err, &ae) {
		switch {
		case errors.Is(err, identity.ErrAlreadyRegistered):
			return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
		case errors.Is(err, identity.ErrWeakPassword), errors.Is(err, identity.ErrInvalidEmail):
			return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		case errors.Is(err, identity.ErrInvalidCredentials), errors.Is(err, identity.ErrInvalidToken):
			return newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil)
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var storeErr *store.Error
	if errors.As(err, &storeErr) {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
		}
		return newAPIError(http.StatusInternalServerError, "store_error", err.Error(), map[string]any{"collection": storeErr.Collection, "op": storeErr.Op})
	}
	if ae != nil {
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
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
	public := map[string]bool{}
	for _, p := range []string{"health", "auth/signup", "auth/login"} {
		public[path.Join("/", basePath, p)] = true
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>TaskHub API Docs</title>
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
      Sign in with POST %s and send Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL, path.Join("/", basePath, "auth/login"))
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

func registerAuth(api huma.API, e engine.Engine, ident *identity.Local) {
	huma.Register(api, huma.Operation{
		OperationID:   "signup",
		Method:        http.MethodPost,
		Path:          "/auth/signup",
		Summary:       "Register an employee account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SignupRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		u, err := ident.SignUp(ctx, input.Body.Email, input.Body.Password, identity.Attributes{
			FullName:   input.Body.FullName,
			Role:       domain.RoleEmployee,
			Department: input.Body.Department,
		})
		if err != nil {
			return nil, handleError(err)
		}
		sess, err := ident.Authenticate(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: tokenResponse(sess, &u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Sign in with email and password",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		sess, err := ident.Authenticate(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		u, err := session.Resolve(ctx, e.Store, sess)
		if err != nil {
			return nil, handleError(err)
		}
		if u == nil {
			_ = ident.Revoke(ctx, sess.AccessToken)
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "account is deactivated", nil)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: tokenResponse(sess, u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh",
		Method:      http.MethodPost,
		Path:        "/auth/refresh",
		Summary:     "Exchange the current token for a fresh one",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		next, err := ident.RefreshToken(ctx, p.Session.AccessToken)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: tokenResponse(next, p.User)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "logout",
		Method:        http.MethodPost,
		Path:          "/auth/logout",
		Summary:       "Revoke the current token",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := ident.Revoke(ctx, p.Session.AccessToken); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal and the sections it can reach",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			User:     *p.User,
			Sections: nonNilSlice(auth.VisibleSections(p.User.Role)),
			Grants:   nonNilSlice(auth.GrantableRoles(p.User)),
		}}, nil
	})
}

func registerDashboard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Dashboard statistics",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.DashboardStats `json:"body"`
	}, error) {
		stats, err := e.DashboardStats(ctx, userFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DashboardStats `json:"body"`
		}{Body: stats}, nil
	})
}

func registerEmployees(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-employees",
		Method:      http.MethodGet,
		Path:        "/employees",
		Summary:     "List employees and managers",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Role       string `query:"role" enum:"admin,manager,employee"`
		ActiveOnly bool   `query:"active_only"`
		Assignable bool   `query:"assignable" doc:"Only active users a task can be assigned to"`
	}) (*struct {
		Body listUsers `json:"body"`
	}, error) {
		p := userFromContext(ctx)
		var (
			users []domain.User
			err   error
		)
		if input.Assignable {
			users, err = e.AssignableUsers(ctx, p)
		} else {
			users, err = e.ListEmployees(ctx, p, engine.EmployeeFilter{Role: domain.Role(input.Role), ActiveOnly: input.ActiveOnly})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listUsers `json:"body"`
		}{Body: listUsers{Items: nonNilSlice(users)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-employee",
		Method:        http.MethodPost,
		Path:          "/employees",
		Summary:       "Create employee",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateEmployeeRequest `json:"body"`
	}) (*struct {
		Body CreatedEmployeeResponse `json:"body"`
	}, error) {
		opts := engine.EmployeeCreateOptions{
			Email:      input.Body.Email,
			FullName:   input.Body.FullName,
			Role:       domain.Role(input.Body.Role),
			Department: input.Body.Department,
		}
		if input.Body.Password != nil {
			opts.Password = *input.Body.Password
		}
		created, err := e.CreateEmployee(ctx, userFromContext(ctx), opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedEmployeeResponse `json:"body"`
		}{Body: CreatedEmployeeResponse(created)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-employee",
		Method:      http.MethodGet,
		Path:        "/employees/{id}",
		Summary:     "Get employee",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		u, err := e.GetEmployee(ctx, userFromContext(ctx), input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-employee",
		Method:      http.MethodPatch,
		Path:        "/employees/{id}",
		Summary:     "Update employee",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpdateEmployeeRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		raw := rawBodyMap(ctx)
		opts := engine.EmployeeUpdateOptions{
			FullName:   input.Body.FullName,
			Role:       optionalRole(input.Body.Role),
			Department: input.Body.Department,
			AvatarURL:  input.Body.AvatarURL,
			IsActive:   input.Body.IsActive,
		}
		clearIfNull(raw, "department", &opts.Department)
		clearIfNull(raw, "avatar_url", &opts.AvatarURL)
		u, err := e.UpdateEmployee(ctx, userFromContext(ctx), input.ID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-employee",
		Method:      http.MethodDelete,
		Path:        "/employees/{id}",
		Summary:     "Deactivate employee",
		Description: "Sets is_active to false. Employee records are never deleted.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		u, err := e.DeactivateEmployee(ctx, userFromContext(ctx), input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "employee-stats",
		Method:      http.MethodGet,
		Path:        "/employees/{id}/stats",
		Summary:     "Task statistics for an employee",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.EmployeeStats `json:"body"`
	}, error) {
		stats, err := e.EmployeeStats(ctx, userFromContext(ctx), input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EmployeeStats `json:"body"`
		}{Body: stats}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List visible tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"not_started,in_progress,completed,on_hold,cancelled"`
		Priority   string `query:"priority" enum:"low,medium,high,urgent"`
		AssignedTo string `query:"assigned_to"`
		Overdue    bool   `query:"overdue"`
	}) (*struct {
		Body listTasks `json:"body"`
	}, error) {
		tasks, err := e.ListTasks(ctx, userFromContext(ctx), engine.TaskFilter{
			Status:     domain.TaskStatus(input.Status),
			Priority:   domain.Priority(input.Priority),
			AssignedTo: input.AssignedTo,
			Overdue:    input.Overdue,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listTasks `json:"body"`
		}{Body: listTasks{Items: nonNilSlice(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		t, err := e.CreateTask(ctx, userFromContext(ctx), engine.TaskCreateOptions{
			Title:              input.Body.Title,
			Description:        input.Body.Description,
			AssignedTo:         input.Body.AssignedTo,
			Status:             domain.TaskStatus(input.Body.Status),
			Priority:           domain.Priority(input.Body.Priority),
			DueDate:            input.Body.DueDate,
			ProgressPercentage: input.Body.ProgressPercentage,
			Notes:              input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, userFromContext(ctx), input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if t == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found", nil)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: *t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		raw := rawBodyMap(ctx)
		opts := engine.TaskUpdateOptions{
			Title:              input.Body.Title,
			Description:        input.Body.Description,
			AssignedTo:         input.Body.AssignedTo,
			DueDate:            input.Body.DueDate,
			ProgressPercentage: input.Body.ProgressPercentage,
			Notes:              input.Body.Notes,
		}
		clearIfNull(raw, "description", &opts.Description)
		clearIfNull(raw, "assigned_to", &opts.AssignedTo)
		clearIfNull(raw, "due_date", &opts.DueDate)
		clearIfNull(raw, "notes", &opts.Notes)
		if input.Body.Status != nil {
			s := domain.TaskStatus(*input.Body.Status)
			opts.Status = &s
		}
		if input.Body.Priority != nil {
			pr := domain.Priority(*input.Body.Priority)
			opts.Priority = &pr
		}
		t, err := e.UpdateTask(ctx, userFromContext(ctx), input.ID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/status",
		Summary:     "Change task status",
		Description: "completed_at is set when the status becomes completed and cleared for any other status.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body SetTaskStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.SetTaskStatus(ctx, userFromContext(ctx), input.ID, domain.TaskStatus(input.Body.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{id}",
		Summary:       "Delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteTask(ctx, userFromContext(ctx), input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerKPIs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-kpis",
		Method:      http.MethodGet,
		Path:        "/kpis",
		Summary:     "List KPI records",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		MetricName string `query:"metric_name"`
		Period     string `query:"period" enum:"daily,weekly,monthly,yearly"`
		From       string `query:"from" format:"date"`
		To         string `query:"to" format:"date"`
	}) (*struct {
		Body listKPIs `json:"body"`
	}, error) {
		kpis, err := e.ListKPIs(ctx, userFromContext(ctx), engine.KPIFilter{
			MetricName: input.MetricName,
			Period:     domain.Period(input.Period),
			From:       input.From,
			To:         input.To,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listKPIs `json:"body"`
		}{Body: listKPIs{Items: nonNilSlice(kpis)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-kpi",
		Method:        http.MethodPost,
		Path:          "/kpis",
		Summary:       "Create KPI record",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateKPIRequest `json:"body"`
	}) (*struct {
		Body domain.KPI `json:"body"`
	}, error) {
		k, err := e.CreateKPI(ctx, userFromContext(ctx), engine.KPICreateOptions{
			MetricName:  input.Body.MetricName,
			MetricValue: input.Body.MetricValue,
			MetricDate:  input.Body.MetricDate,
			Period:      domain.Period(input.Body.Period),
			DataSource:  domain.DataSource(input.Body.DataSource),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.KPI `json:"body"`
		}{Body: k}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-kpi",
		Method:      http.MethodPatch,
		Path:        "/kpis/{id}",
		Summary:     "Update KPI record",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body UpdateKPIRequest `json:"body"`
	}) (*struct {
		Body domain.KPI `json:"body"`
	}, error) {
		opts := engine.KPIUpdateOptions{
			MetricName:  input.Body.MetricName,
			MetricValue: input.Body.MetricValue,
			MetricDate:  input.Body.MetricDate,
			ClearValue:  input.Body.MetricValue == nil && isNullRaw(rawBodyMap(ctx)["metric_value"]),
		}
		if input.Body.Period != nil {
			p := domain.Period(*input.Body.Period)
			opts.Period = &p
		}
		if input.Body.DataSource != nil {
			d := domain.DataSource(*input.Body.DataSource)
			opts.DataSource = &d
		}
		k, err := e.UpdateKPI(ctx, userFromContext(ctx), input.ID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.KPI `json:"body"`
		}{Body: k}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-kpi",
		Method:        http.MethodDelete,
		Path:          "/kpis/{id}",
		Summary:       "Delete KPI record",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteKPI(ctx, userFromContext(ctx), input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"user,task,kpi"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body listEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.ListEvents(ctx, userFromContext(ctx), events.Filter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := listEvents{Items: []EventResponse{}}
		if len(items) == limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body listEvents `json:"body"`
		}{Body: resp}, nil
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

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	return outer
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && bytes.Equal(trimmed, []byte("null"))
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
