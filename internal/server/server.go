// Package server exposes the HTTP API. Handlers are thin: they check the
// caller's role and session scope, call the engine and map domain errors to
// the wire envelope.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"sessiongate/internal/config"
	"sessiongate/internal/domain"
	"sessiongate/internal/engine"
	"sessiongate/internal/repo"
	"sessiongate/internal/token"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Signer   token.Signer
	BasePath string
	Logger   *log.Logger
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"role not permitted for this operation"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the session governance API.
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
		if status == http.StatusUnprocessableEntity {
			// Schema validation failures are invalid_request 400.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Signer, cfg.logger()))
	hcfg := huma.DefaultConfig("Sessiongate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAuth(group, cfg)
	registerProjects(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerArtifacts(group, cfg.Engine)
	registerSignals(group, cfg.Engine)
	registerGates(group, cfg.Engine)
	registerAudit(group, cfg.Engine)

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
	var pe engine.PolicyError
	if errors.As(err, &pe) {
		return newAPIError(pe.Status, pe.Code, pe.Message, pe.Details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

type sessionPath struct {
	SessionID string `path:"session_id"`
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

func registerAuth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "exchange-token",
		Method:      http.MethodPost,
		Path:        "/auth/token",
		Summary:     "Exchange an API key for a bearer token",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body TokenRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		cred, ok := cfg.Engine.Config.Lookup(input.Body.APIKey)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_api_key", "unknown api key", nil)
		}
		if !cred.AllowsRole(input.Body.Role) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "credential may not assume this role",
				map[string]any{"role": input.Body.Role})
		}
		signed, err := cfg.Signer.Mint(token.Principal{
			Subject:   cred.Subject,
			Role:      input.Body.Role,
			SessionID: input.Body.SessionID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{Token: signed, ExpiresIn: cfg.Engine.Config.Token.TTLSeconds}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, statusErr := requireRole(ctx, config.RoleAdmin)
		if statusErr != nil {
			return nil, statusErr
		}
		project, err := e.CreateProject(ctx, p.Subject, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: project}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Project detail",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if _, statusErr := requireRole(ctx, config.RoleAdmin, config.RoleUser); statusErr != nil {
			return nil, statusErr
		}
		project, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: project}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		if _, statusErr := requireRole(ctx, config.RoleAdmin, config.RoleUser); statusErr != nil {
			return nil, statusErr
		}
		items, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/sessions",
		Summary:       "Open a session under a project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      CreateSessionRequest `json:"body"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		p, statusErr := requireRole(ctx, config.RoleAdmin, config.RoleUser)
		if statusErr != nil {
			return nil, statusErr
		}
		s, err := e.CreateSession(ctx, p.Subject, input.ProjectID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Session detail",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionDetailResponse `json:"body"`
	}, error) {
		if _, statusErr := requireSessionScope(ctx, input.SessionID, config.RoleAdmin, config.RoleUser, config.RoleRunner); statusErr != nil {
			return nil, statusErr
		}
		s, err := e.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		iterations, err := e.Repo.ListIterations(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.Repo.ListTasks(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		artifacts, err := e.Repo.ListArtifacts(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionDetailResponse `json:"body"`
		}{Body: SessionDetailResponse{Session: s, Iterations: iterations, Tasks: tasks, Artifacts: artifacts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "open-iteration",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/iterations",
		Summary:       "Open the next iteration",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body domain.Iteration `json:"body"`
	}, error) {
		p, statusErr := requireSessionScope(ctx, input.SessionID, config.RoleAdmin, config.RoleUser)
		if statusErr != nil {
			return nil, statusErr
		}
		it, err := e.OpenIteration(ctx, p.Subject, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Iteration `json:"body"`
		}{Body: it}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-task",
		Method:      http.MethodPut,
		Path:        "/sessions/{session_id}/tasks",
		Summary:     "Insert or update a task by dedupe key",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string            `path:"session_id"`
		Body      UpsertTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		p, statusErr := requireSessionScope(ctx, input.SessionID, config.RoleAdmin, config.RoleUser)
		if statusErr != nil {
			return nil, statusErr
		}
		t, err := e.UpsertTask(ctx, p.Subject, input.SessionID, engine.TaskUpsertOptions{
			DedupeKey:          input.Body.DedupeKey,
			TaskID:             input.Body.TaskID,
			Title:              input.Body.Title,
			OriginatingSpec:    input.Body.OriginatingSpec,
			AcceptanceCriteria: input.Body.AcceptanceCriteria,
			MappedFiles:        input.Body.MappedFiles,
			MappedTests:        input.Body.MappedTests,
			Status:             input.Body.Status,
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
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/tasks",
		Summary:     "List session tasks",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		if _, statusErr := requireSessionScope(ctx, input.SessionID, config.RoleAdmin, config.RoleUser, config.RoleRunner); statusErr != nil {
			return nil, statusErr
		}
		tasks, err := e.ListTasks(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Tasks: tasks}}, nil
	})
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "presign-put",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/artifacts/presign-put",
		Summary:     "Request an artifact upload URL",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string            `path:"session_id"`
		Body      PresignPutRequest `json:"body"`
	}) (*struct {
		Body engine.PresignResult `json:"body"`
	}, error) {
		p, statusErr := requireSessionScope(ctx, input.SessionID, config.RoleAdmin, config.RoleUser, config.RoleRunner)
		if statusErr != nil {
			return nil, statusErr
		}
		res, err := e.PresignPut(ctx, p.Subject, input.SessionID, engine.PresignPutOptions{
			Iteration:   input.Body.Iteration,
			Name:        input.Body.Name,
			ContentType: input.Body.ContentType,
			SizeBytes:   input.Body.SizeBytes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PresignResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-artifact",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/artifacts/complete",
		Summary:     "Mark an uploaded artifact complete",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string                  `path:"session_id"`
		Body      CompleteArtifactRequest `json:"body"`
	}) (*struct {
		Body domain.Artifact `json:"body"`
	}, error) {
		p, statusErr := requireSessionScope(ctx, input.SessionID, config.RoleAdmin, config.RoleUser, config.RoleRunner)
		if statusErr != nil {
			return nil, statusErr
		}
		a, err := e.CompleteArtifact(ctx, p.Subject, input.SessionID, input.Body.Key, input.Body.SHA256, input.Body.SizeBytes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Artifact `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "presign-get",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/artifacts/presign-get",
		Summary:     "Request an artifact download URL",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string            `path:"session_id"`
		Body      PresignGetRequest `json:"body"`
	}) (*struct {
		Body engine.PresignResult `json:"body"`
	}, error) {
		p, statusErr := requireSessionScope(ctx, input.SessionID, config.RoleAdmin, config.RoleUser, config.RoleRunner)
		if statusErr != nil {
			return nil, statusErr
		}
		res, err := e.PresignGet(ctx, p.Subject, input.SessionID, input.Body.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PresignResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerSignals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-test-run",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/test-runs",
		Summary:       "Record a test run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string         `path:"session_id"`
		Body      TestRunRequest `json:"body"`
	}) (*struct {
		Body domain.TestRun `json:"body"`
	}, error) {
		p, statusErr := requireSessionScope(ctx, input.SessionID, config.RoleAdmin, config.RoleRunner)
		if statusErr != nil {
			return nil, statusErr
		}
		run, err := e.RecordTestRun(ctx, p.Subject, input.SessionID, input.Body.Passed, input.Body.Total, input.Body.Failed, input.Body.Details)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TestRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-coverage-run",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/coverage-runs",
		Summary:       "Record a coverage run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string             `path:"session_id"`
		Body      CoverageRunRequest `json:"body"`
	}) (*struct {
		Body domain.CoverageRun `json:"body"`
	}, error) {
		p, statusErr := requireSessionScope(ctx, input.SessionID, config.RoleAdmin, config.RoleRunner)
		if statusErr != nil {
			return nil, statusErr
		}
		run, err := e.RecordCoverageRun(ctx, p.Subject, input.SessionID, input.Body.Percent)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CoverageRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-security-check",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/security-checks",
		Summary:       "Record a security check",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string               `path:"session_id"`
		Body      SecurityCheckRequest `json:"body"`
	}) (*struct {
		Body domain.SecurityCheck `json:"body"`
	}, error) {
		p, statusErr := requireSessionScope(ctx, input.SessionID, config.RoleAdmin, config.RoleRunner)
		if statusErr != nil {
			return nil, statusErr
		}
		check, err := e.RecordSecurityCheck(ctx, p.Subject, input.SessionID, input.Body.Status, input.Body.Findings)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SecurityCheck `json:"body"`
		}{Body: check}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-report",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/reports",
		Summary:       "Create a report",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string              `path:"session_id"`
		Body      CreateReportRequest `json:"body"`
	}) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		p, statusErr := requireSessionScope(ctx, input.SessionID, config.RoleAdmin, config.RoleUser)
		if statusErr != nil {
			return nil, statusErr
		}
		rep, err := e.CreateReport(ctx, p.Subject, input.SessionID, input.Body.Title, input.Body.Kind, input.Body.ArtifactKey, input.Body.Summary)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/reports",
		Summary:     "List session reports",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body []domain.Report `json:"body"`
	}, error) {
		if _, statusErr := requireSessionScope(ctx, input.SessionID, config.RoleAdmin, config.RoleUser, config.RoleRunner); statusErr != nil {
			return nil, statusErr
		}
		reports, err := e.ListReports(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Report `json:"body"`
		}{Body: reports}, nil
	})
}

func registerGates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-gates",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/gates/evaluate",
		Summary:     "Evaluate session gates",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body GateResponse `json:"body"`
	}, error) {
		if _, statusErr := requireSessionScope(ctx, input.SessionID, config.RoleAdmin, config.RoleUser, config.RoleRunner); statusErr != nil {
			return nil, statusErr
		}
		v, err := e.EvaluateGates(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateResponse `json:"body"`
		}{Body: gateResponse(v)}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Read the audit log",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"100"`
	}) (*struct {
		Body AuditResponse `json:"body"`
	}, error) {
		if _, statusErr := requireRole(ctx, config.RoleAdmin); statusErr != nil {
			return nil, statusErr
		}
		logs, err := e.ListAudit(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditResponse `json:"body"`
		}{Body: AuditResponse{Logs: logs}}, nil
	})
}
