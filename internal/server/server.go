package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskgraph/internal/domain"
	"taskgraph/internal/engine"
	"taskgraph/internal/recurrence"
	"taskgraph/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"circular_dependency"`
	Message string         `json:"message" example:"would create a circular dependency: C -> A -> B -> C"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
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

// response wraps an operation's body.
type response[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *response[T] {
	return &response[T]{Body: v}
}

// New returns an HTTP handler exposing the taskgraph API.
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
		logger = log.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema and request validation failures are the caller's fault.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("taskgraph API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerDependencies(group, cfg.Engine)
	registerRecurring(group, cfg.Engine)
	registerTaskHealth(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerStream(router, basePath, cfg.Engine.Bus, logger)
	registerOpenAPI(router, api, basePath, cfg.Auth)

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
	var cycle domain.CircularDependencyError
	if errors.As(err, &cycle) {
		return newAPIError(http.StatusConflict, "circular_dependency", err.Error(), map[string]any{
			"from": cycle.From, "to": cycle.To, "path": cycle.Path,
		})
	}
	var edge domain.InvalidEdgeError
	if errors.As(err, &edge) {
		return newAPIError(http.StatusBadRequest, "invalid_dependency", err.Error(), map[string]any{
			"from": edge.From, "to": edge.To, "reason": edge.Reason,
		})
	}
	var pattern domain.RecurrencePatternError
	if errors.As(err, &pattern) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_recurrence_pattern", err.Error(), map[string]any{"field": pattern.Field})
	}
	var unmet domain.UnmetDependencyError
	if errors.As(err, &unmet) {
		return newAPIError(http.StatusUnprocessableEntity, "unmet_dependency", err.Error(), map[string]any{"predecessors": unmet.Predecessors})
	}
	var transition domain.InvalidTransitionError
	if errors.As(err, &transition) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"from": transition.From, "to": transition.To,
		})
	}
	var busy domain.ConcurrentModificationError
	if errors.As(err, &busy) {
		return newAPIError(http.StatusConflict, "concurrent_modification", err.Error(), map[string]any{
			"resource": busy.Resource, "attempts": busy.Attempts,
		})
	}
	var invalid domain.ValidationError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": invalid.Field})
	}
	var unknown domain.UnknownTaskError
	if errors.As(err, &unknown) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"task_id": unknown.TaskID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newAPIError(http.StatusServiceUnavailable, "", err.Error(), nil)
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string, auth AuthConfig) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if strings.TrimSpace(auth.JWTSecret) != "" {
				applyAuthSecurity(oas, basePath)
			}
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
    <title>taskgraph API Docs</title>
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
      Identify with Authorization: Bearer &lt;token&gt; or X-Actor-Id.
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
	}, func(ctx context.Context, _ *struct{}) (*response[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*response[ProjectResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.ID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.GetProject(ctx, input.Body.ID); err == nil {
			return nil, newAPIError(http.StatusConflict, "project_exists", fmt.Sprintf("project %s already exists", input.Body.ID), nil)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		p, err := e.InitProject(ctx, input.Body.ID, optionalString(input.Body.Description), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(projectResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*response[[]ProjectResponse], error) {
		items, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ProjectResponse, 0, len(items))
		for _, p := range items {
			res = append(res, projectResponse(p))
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*response[ProjectResponse], error) {
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(projectResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-tree",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tree",
		Summary:     "Task hierarchy with stored health",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*response[[]*engine.TreeNode], error) {
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		tree, err := e.TaskTree(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if tree == nil {
			tree = []*engine.TreeNode{}
		}
		return reply(tree), nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*response[TaskResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			ID:                   optionalString(input.Body.ID),
			ProjectID:            input.ProjectID,
			ParentID:             optionalString(input.Body.ParentID),
			Title:                input.Body.Title,
			Description:          optionalString(input.Body.Description),
			Priority:             domain.Priority(input.Body.Priority),
			Assignees:            input.Body.Assignees,
			CompletionPercentage: input.Body.CompletionPercentage,
			ActorID:              actorID,
		}
		if input.Body.Weight != nil {
			opts.Weight = *input.Body.Weight
		}
		if input.Body.DueDate != nil && *input.Body.DueDate != "" {
			due, err := parseDay("due_date", *input.Body.DueDate)
			if err != nil {
				return nil, handleError(err)
			}
			opts.DueDate = &due
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID     string `path:"project_id"`
		Status        string `query:"status" enum:"todo,in_progress,under_review,on_hold,blocked,completed,cancelled"`
		Priority      string `query:"priority" enum:"low,medium,high,urgent"`
		ParentID      string `query:"parent_id"`
		RootsOnly     bool   `query:"roots_only"`
		RecurrenceRef string `query:"recurrence_ref"`
		Limit         int    `query:"limit" default:"50"`
	}) (*response[[]TaskResponse], error) {
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListTasks(ctx, repo.TaskFilters{
			ProjectID:     input.ProjectID,
			Status:        input.Status,
			Priority:      input.Priority,
			Parent:        input.ParentID,
			RootsOnly:     input.RootsOnly,
			RecurrenceRef: input.RecurrenceRef,
			Limit:         normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapTasks(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*response[TaskResponse], error) {
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task fields or status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*response[TaskResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts, err := updateTaskOptions(input.ID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		opts.ActorID = actorID
		t, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Complete task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body *CompleteTaskRequest `json:"body,omitempty" required:"false"`
	}) (*response[TaskResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		force := input.Body != nil && input.Body.Force
		t, err := e.CompleteTask(ctx, input.ID, actorID, force)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete task and its subtasks",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*response[DeleteTaskResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		removed, err := e.DeleteTask(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if removed == nil {
			removed = []string{}
		}
		return reply(DeleteTaskResponse{Removed: removed}), nil
	})
}

func updateTaskOptions(id string, body UpdateTaskRequest) (engine.TaskUpdateOptions, error) {
	opts := engine.TaskUpdateOptions{
		ID:          id,
		Title:       body.Title,
		Description: body.Description,
		ParentID:    body.ParentID,
		Assignees:   body.Assignees,
		Weight:      body.Weight,
		Force:       body.Force,
	}
	if body.Priority != nil {
		p := domain.Priority(*body.Priority)
		opts.Priority = &p
	}
	if body.Status != nil {
		opts.Status = domain.TaskStatus(*body.Status)
	}
	if body.DueDate != nil {
		if *body.DueDate == "" {
			opts.ClearDueDate = true
		} else {
			due, err := parseDay("due_date", *body.DueDate)
			if err != nil {
				return opts, err
			}
			opts.DueDate = &due
		}
	}
	if body.CompletionPercentage != nil {
		if *body.CompletionPercentage < 0 {
			opts.ClearCompletion = true
		} else {
			opts.CompletionPercentage = body.CompletionPercentage
		}
	}
	return opts, nil
}

func registerDependencies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-dependency",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/dependencies/{dependency_id}",
		Summary:       "Make a task depend on another",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID           string                `path:"id"`
		DependencyID string                `path:"dependency_id"`
		Body         *AddDependencyRequest `json:"body,omitempty" required:"false"`
	}) (*response[EdgeResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.DependencyOptions{TaskID: input.ID, DependencyID: input.DependencyID, ActorID: actorID}
		if input.Body != nil {
			opts.Type = domain.DependencyType(input.Body.Type)
			opts.DelayDays = input.Body.Delay
		}
		edge, err := e.AddDependency(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(edgeResponse(edge)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-dependency",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}/dependencies/{dependency_id}",
		Summary:     "Remove a dependency",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID           string `path:"id"`
		DependencyID string `path:"dependency_id"`
	}) (*response[RemoveDependencyResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		removed, err := e.RemoveDependency(ctx, input.ID, input.DependencyID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(RemoveDependencyResponse{Removed: removed}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dependencies",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/dependencies",
		Summary:     "List predecessors and successors",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*response[DependencyListResponse], error) {
		list, err := e.ListDependencies(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(dependencyListResponse(list)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-circular",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/check-circular/{dependency_id}",
		Summary:     "Check whether a dependency would close a cycle",
	}, func(ctx context.Context, input *struct {
		ID           string `path:"id"`
		DependencyID string `path:"dependency_id"`
	}) (*response[CircularCheckResponse], error) {
		check, err := e.CheckCircular(ctx, input.ID, input.DependencyID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CircularCheckResponse{WouldCreateCycle: check.WouldCreateCycle, Path: check.Path}), nil
	})
}

func registerRecurring(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-recurring-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/recurring-tasks",
		Summary:       "Create recurrence pattern",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID string                 `path:"project_id"`
		Body      CreateRecurringRequest `json:"body"`
	}) (*response[PatternResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		end, err := endCondition(input.Body.End)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.RecurringCreateOptions{
			ID:        optionalString(input.Body.ID),
			ProjectID: input.ProjectID,
			Template: domain.TaskTemplate{
				Title:       input.Body.Template.Title,
				Description: input.Body.Template.Description,
				Priority:    domain.Priority(input.Body.Template.Priority),
				Assignees:   input.Body.Template.Assignees,
			},
			ParentTaskID: optionalString(input.Body.ParentTaskID),
			Frequency:    domain.Frequency(input.Body.Frequency),
			Interval:     input.Body.Interval,
			End:          end,
			ActorID:      actorID,
		}
		if input.Body.StartDate != "" {
			start, err := parseDay("start_date", input.Body.StartDate)
			if err != nil {
				return nil, handleError(err)
			}
			opts.StartDate = start
		}
		p, err := e.CreateRecurringTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(patternResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-recurring-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/recurring-tasks",
		Summary:     "List recurrence patterns",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*response[[]PatternResponse], error) {
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListRecurringTasks(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]PatternResponse, 0, len(items))
		for _, p := range items {
			res = append(res, patternResponse(p))
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-recurring-task",
		Method:      http.MethodGet,
		Path:        "/recurring-tasks/{id}",
		Summary:     "Get recurrence pattern",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*response[PatternResponse], error) {
		p, err := e.GetRecurringTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(patternResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recurring-task-instances",
		Method:      http.MethodGet,
		Path:        "/recurring-tasks/{id}/instances",
		Summary:     "List generated instances",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*response[[]TaskResponse], error) {
		if _, err := e.GetRecurringTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.PatternInstances(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapTasks(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-recurring-task",
		Method:      http.MethodPatch,
		Path:        "/recurring-tasks/{id}",
		Summary:     "Update recurrence pattern",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body UpdateRecurringRequest `json:"body"`
	}) (*response[PatternResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts, err := updateRecurringOptions(input.ID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		opts.ActorID = actorID
		p, err := e.UpdateRecurringTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(patternResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-recurring-task",
		Method:        http.MethodDelete,
		Path:          "/recurring-tasks/{id}",
		Summary:       "Delete recurrence pattern; generated instances are kept",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteRecurringTask(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "generate-recurring",
		Method:      http.MethodPost,
		Path:        "/recurring/generate",
		Summary:     "Materialize recurring instances up to a horizon",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Days      int    `query:"days" minimum:"0" doc:"horizon in days; 0 uses the configured default"`
		PatternID string `query:"pattern_id"`
	}) (*response[GenerateResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.PatternID != "" {
			run, err := e.GeneratePattern(ctx, input.PatternID, input.Days, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(generateResponse([]recurrence.PatternRun{run})), nil
		}
		runs, err := e.RunRecurringGeneration(ctx, input.Days, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(generateResponse(runs)), nil
	})
}

func updateRecurringOptions(id string, body UpdateRecurringRequest) (engine.RecurringUpdateOptions, error) {
	opts := engine.RecurringUpdateOptions{
		ID:           id,
		Title:        body.Title,
		Description:  body.Description,
		Assignees:    body.Assignees,
		ParentTaskID: body.ParentTaskID,
		Interval:     body.Interval,
		Active:       body.Active,
	}
	if body.Priority != nil {
		p := domain.Priority(*body.Priority)
		opts.Priority = &p
	}
	if body.Frequency != nil {
		f := domain.Frequency(*body.Frequency)
		opts.Frequency = &f
	}
	if body.StartDate != nil {
		start, err := parseDay("start_date", *body.StartDate)
		if err != nil {
			return opts, err
		}
		opts.StartDate = &start
	}
	if body.End != nil {
		end, err := endCondition(body.End)
		if err != nil {
			return opts, err
		}
		opts.End = &end
	}
	return opts, nil
}

func registerTaskHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "task-health",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/health",
		Summary:     "Recompute task health",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*response[HealthResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.TaskHealth(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(healthResponse(rec)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-tasks-health",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks-health",
		Summary:     "Recompute the health of every task in a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*response[[]HealthResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		recs, err := e.ProjectTasksHealth(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]HealthResponse, 0, len(recs))
		for _, r := range recs {
			res = append(res, healthResponse(r))
		}
		return reply(res), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,task,dependency,pattern"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*response[paginatedEvents], error) {
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
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
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			BeforeID:   cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			// Next page starts below the last item returned.
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func optionalString(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}
