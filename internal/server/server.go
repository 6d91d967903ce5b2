// Package server exposes the lifecycle engine over HTTP with a uniform
// error envelope.
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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"dealdesk/internal/domain"
	"dealdesk/internal/engine"
	"dealdesk/internal/escrow"
	"dealdesk/internal/phase"
	"dealdesk/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"reason: required to reject a release"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the DealDesk API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("DealDesk API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerDeliverables(group, cfg.Engine)
	registerEscrow(group, cfg.Engine)
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
	var authErr domain.AuthorizationError
	if errors.As(err, &authErr) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": string(authErr.Role)})
	}
	var valErr domain.ValidationError
	if errors.As(err, &valErr) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": valErr.Field})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var perErr engine.PersistenceError
	if errors.As(err, &perErr) {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"op": perErr.Op})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>DealDesk API Docs</title>
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

func projectResponse(ctx context.Context, e engine.Engine, p domain.Project) (ProjectResponse, error) {
	deliverables, err := e.Repo.ListDeliverables(ctx, p.ID)
	if err != nil {
		return ProjectResponse{}, err
	}
	return ProjectResponse{Project: p, Phase: phase.FromProject(p, deliverables)}, nil
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		clientID := input.Body.ClientID
		if clientID == "" && actor.Role == domain.RoleClient {
			clientID = actor.ID
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:       input.Body.ID,
			ClientID: clientID,
			Title:    input.Body.Title,
			Actor:    actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: ProjectResponse{Project: p, Phase: domain.PhaseLive}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ProjectResponse, 0, len(items))
		for _, p := range items {
			resp, err := projectResponse(ctx, e, p)
			if err != nil {
				return nil, handleError(err)
			}
			out = append(out, resp)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		snap, err := e.Snapshot(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-talent",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/assign",
		Summary:     "Assign talent to project",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      AssignTalentRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.AssignTalent(ctx, input.ProjectID, input.Body.TalentID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := projectResponse(ctx, e, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/archive",
		Summary:     "Archive project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ArchiveProject(ctx, input.ProjectID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := projectResponse(ctx, e, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-tracking-info",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tracking-info",
		Summary:     "Add performance tracking info",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      TrackingInfoRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.AddTrackingInfo(ctx, input.ProjectID, input.Body.TrackingInfo, actor)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := projectResponse(ctx, e, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: resp}, nil
	})

	type reviewOp struct {
		id, pathSuffix, summary string
		call                    func(context.Context, string, domain.Actor) (domain.Project, error)
	}
	for _, op := range []reviewOp{
		{"submit-for-review", "submit", "Submit work for review", e.SubmitForReview},
		{"request-revisions", "revisions", "Request revisions", e.RequestRevisions},
		{"move-to-final-payment", "final-payment", "Move to final payment", e.MoveToFinalPayment},
	} {
		call := op.call
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        "/projects/{project_id}/review/" + op.pathSuffix,
			Summary:     op.summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
		}, func(ctx context.Context, input *struct {
			ProjectID string `path:"project_id"`
		}) (*struct {
			Body ProjectResponse `json:"body"`
		}, error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			p, err := call(ctx, input.ProjectID, actor)
			if err != nil {
				return nil, handleError(err)
			}
			resp, err := projectResponse(ctx, e, p)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body ProjectResponse `json:"body"`
			}{Body: resp}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "approval-progress",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/progress",
		Summary:     "Approval progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.ApprovalProgress `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		progress, err := e.ApprovalProgress(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalProgress `json:"body"`
		}{Body: progress}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workspace-access",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/access",
		Summary:     "Workspace accessibility",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body AccessResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		open, err := e.CanAccess(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccessResponse `json:"body"`
		}{Body: AccessResponse{ProjectID: input.ProjectID, CanAccess: open}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activity-log",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/activity",
		Summary:     "Project activity log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body []domain.ActivityEntry `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		entries, err := e.ActivityLog(ctx, input.ProjectID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ActivityEntry `json:"body"`
		}{Body: entries}, nil
	})
}

func registerDeliverables(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-deliverable",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/deliverables",
		Summary:       "Add deliverable",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		Body      CreateDeliverableRequest `json:"body"`
	}) (*struct {
		Body domain.Deliverable `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.DeliverableCreateOptions{
			ID:             input.Body.ID,
			ProjectID:      input.ProjectID,
			Title:          input.Body.Title,
			KPIs:           input.Body.KPIs,
			EstimatedHours: input.Body.EstimatedHours,
			Actor:          actor,
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.Problem != nil {
			opts.Problem = *input.Body.Problem
		}
		d, err := e.AddDeliverable(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Deliverable `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-deliverable",
		Method:      http.MethodPatch,
		Path:        "/deliverables/{deliverable_id}",
		Summary:     "Update deliverable",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		DeliverableID string                   `path:"deliverable_id"`
		Body          UpdateDeliverableRequest `json:"body"`
	}) (*struct {
		Body domain.Deliverable `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.UpdateDeliverable(ctx, engine.DeliverableUpdateOptions{
			ID:             input.DeliverableID,
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Problem:        input.Body.Problem,
			KPIs:           input.Body.KPIs,
			EstimatedHours: input.Body.EstimatedHours,
			Actor:          actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Deliverable `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-deliverable-status",
		Method:      http.MethodPost,
		Path:        "/deliverables/{deliverable_id}/status",
		Summary:     "Update deliverable status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		DeliverableID string                      `path:"deliverable_id"`
		Body          SetDeliverableStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Deliverable `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.UpdateDeliverableStatus(ctx, input.DeliverableID, domain.DeliverableStatus(input.Body.Status), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Deliverable `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-tracking",
		Method:      http.MethodPost,
		Path:        "/deliverables/{deliverable_id}/track/start",
		Summary:     "Start a time session",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		DeliverableID string `path:"deliverable_id"`
	}) (*struct {
		Body domain.TimeEntry `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.StartTracking(ctx, input.DeliverableID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TimeEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-tracking",
		Method:      http.MethodPost,
		Path:        "/deliverables/{deliverable_id}/track/stop",
		Summary:     "Stop the open time session",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		DeliverableID string `path:"deliverable_id"`
	}) (*struct {
		Body domain.TimeEntry `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.StopTracking(ctx, input.DeliverableID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TimeEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-file",
		Method:        http.MethodPost,
		Path:          "/deliverables/{deliverable_id}/files",
		Summary:       "Attach a file",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		DeliverableID string         `path:"deliverable_id"`
		Body          AddFileRequest `json:"body"`
	}) (*struct {
		Body domain.FileAttachment `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.AddFile(ctx, input.DeliverableID, input.Body.Name, input.Body.URL, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FileAttachment `json:"body"`
		}{Body: f}, nil
	})
}

func registerEscrow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "escrow-state",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/escrow",
		Summary:     "Escrow status and history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.EscrowState `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		state, err := e.EscrowHistory(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EscrowState `json:"body"`
		}{Body: state}, nil
	})

	type escrowOp struct {
		id, pathSuffix, summary string
		call                    func(context.Context, string, domain.Actor, EscrowActionRequest) (domain.EscrowState, error)
	}
	for _, op := range []escrowOp{
		{"escrow-request", "request", "Request escrow release", func(ctx context.Context, projectID string, actor domain.Actor, req EscrowActionRequest) (domain.EscrowState, error) {
			return e.RequestEscrowRelease(ctx, projectID, actor, req.RequestID)
		}},
		{"escrow-approve", "approve", "Approve escrow release", func(ctx context.Context, projectID string, actor domain.Actor, req EscrowActionRequest) (domain.EscrowState, error) {
			return e.ApproveEscrowRelease(ctx, projectID, actor, req.RequestID)
		}},
		{"escrow-reject", "reject", "Reject escrow release", func(ctx context.Context, projectID string, actor domain.Actor, req EscrowActionRequest) (domain.EscrowState, error) {
			return e.RejectEscrowRelease(ctx, projectID, actor, req.Reason, req.RequestID)
		}},
		{"escrow-flag", "flag", "Flag escrow for review", func(ctx context.Context, projectID string, actor domain.Actor, req EscrowActionRequest) (domain.EscrowState, error) {
			return e.FlagEscrow(ctx, projectID, actor, req.Reason, req.RequestID)
		}},
	} {
		call := op.call
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        "/projects/{project_id}/escrow/" + op.pathSuffix,
			Summary:     op.summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
		}, func(ctx context.Context, input *struct {
			ProjectID string              `path:"project_id"`
			Body      EscrowActionRequest `json:"body"`
		}) (*struct {
			Body domain.EscrowState `json:"body"`
		}, error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			state, err := call(ctx, input.ProjectID, actor, input.Body)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.EscrowState `json:"body"`
			}{Body: state}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "escrow-override",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/escrow/override",
		Summary:     "Override escrow",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      EscrowOverrideRequest `json:"body"`
	}) (*struct {
		Body domain.EscrowState `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		state, err := e.OverrideEscrow(ctx, input.ProjectID, actor, escrow.OverrideKind(input.Body.Action), input.Body.Reason, input.Body.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EscrowState `json:"body"`
		}{Body: state}, nil
	})
}
