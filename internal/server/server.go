package server

import (
	"context"
	"encoding/base64"
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

	"github.com/htung0403/crm-web-sub002/internal/domain"
	"github.com/htung0403/crm-web-sub002/internal/engine"
	"github.com/htung0403/crm-web-sub002/internal/pipeline"
	"github.com/htung0403/crm-web-sub002/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"no_op_transition"`
	Message string         `json:"message" example:"item is already at stage"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Opsboard API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Opsboard API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerShop(group, cfg.Engine)
	registerPipelines(group)
	registerWorkItems(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerBoards(group, cfg.Engine)
	registerLog(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startNotifier(cfg.Engine)

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

// handleError maps engine/registry/repo errors onto the API envelope. The
// rejected-transition codes surface which rule blocked the move so the UI can
// explain it inline.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var unknownPipeline pipeline.UnknownPipelineError
	if errors.As(err, &unknownPipeline) {
		return newAPIError(http.StatusBadRequest, "unknown_pipeline", err.Error(), map[string]any{"pipeline": string(unknownPipeline.Pipeline)})
	}
	var unknownStage pipeline.UnknownStageError
	if errors.As(err, &unknownStage) {
		return newAPIError(http.StatusBadRequest, "unknown_stage", err.Error(), map[string]any{
			"pipeline": string(unknownStage.Pipeline),
			"stage_id": unknownStage.StageID,
		})
	}
	var noOp engine.NoOpTransitionError
	if errors.As(err, &noOp) {
		return newAPIError(http.StatusBadRequest, "no_op_transition", err.Error(), map[string]any{"stage_id": noOp.StageID})
	}
	var branch engine.InvalidBranchStateError
	if errors.As(err, &branch) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_branch_state", err.Error(), map[string]any{"stage_id": branch.StageID})
	}
	var dueDate engine.InvalidDueDateError
	if errors.As(err, &dueDate) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_due_date", err.Error(), nil)
	}
	var conflict repo.ConcurrentModificationError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "concurrent_modification", err.Error(), map[string]any{"work_item_id": conflict.WorkItemID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Opsboard API Docs</title>
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
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerShop(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-shop",
		Method:      http.MethodGet,
		Path:        "/shop",
		Summary:     "Get shop",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ShopResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetShop(ctx, e.Config.Shop.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ShopResponse `json:"body"`
		}{Body: shopResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "shop-status",
		Method:      http.MethodGet,
		Path:        "/shop/status",
		Summary:     "Per-pipeline stage counts",
	}, func(ctx context.Context, input *struct {
		Pipeline string `query:"pipeline"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		kind := domain.PipelineKind(input.Pipeline)
		if input.Pipeline == "" {
			kind = domain.PipelineSales
		}
		if !pipeline.ValidKind(kind) {
			return nil, handleError(pipeline.UnknownPipelineError{Pipeline: kind})
		}
		counts, err := e.Repo.CountByStage(ctx, e.Config.Shop.ID, string(kind))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"shop_id":      e.Config.Shop.ID,
			"pipeline":     kind,
			"stage_counts": counts,
		}}, nil
	})
}

func registerPipelines(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pipelines",
		Method:      http.MethodGet,
		Path:        "/pipelines",
		Summary:     "List pipelines",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		kinds := pipeline.Kinds()
		out := make([]string, 0, len(kinds))
		for _, k := range kinds {
			out = append(out, string(k))
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline}/stages",
		Summary:     "List stages of a pipeline",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Pipeline string `path:"pipeline"`
	}) (*struct {
		Body []StageResponse `json:"body"`
	}, error) {
		stages, err := pipeline.Stages(domain.PipelineKind(input.Pipeline))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []StageResponse `json:"body"`
		}{Body: stageResponses(stages)}, nil
	})
}

func registerWorkItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkItemRequest `json:"body"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if input.Body.Pipeline == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "pipeline is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateWorkItemOptions{
			Kind:       input.Body.Kind,
			Title:      input.Body.Title,
			Pipeline:   domain.PipelineKind(input.Body.Pipeline),
			Attributes: input.Body.Attributes,
			Actor:      actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		it, err := e.CreateWorkItem(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Pipeline string `query:"pipeline"`
		StageID  string `query:"stage_id"`
		Kind     string `query:"kind"`
		Archived bool   `query:"archived"`
		Pending  bool   `query:"pending"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedWorkItems `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{
			ShopID:          e.Config.Shop.ID,
			Pipeline:        input.Pipeline,
			StageID:         input.StageID,
			Kind:            input.Kind,
			Pending:         input.Pending,
			IncludeArchived: input.Archived,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		var next *string
		if len(items) > limit {
			last := items[limit-1]
			items = items[:limit]
			cursor := encodeCompositeCursor(last.CreatedAt, last.ID)
			next = &cursor
		}
		return &struct {
			Body paginatedWorkItems `json:"body"`
		}{Body: paginatedWorkItems{Items: mapWorkItems(items), NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		it, err := e.Repo.GetWorkItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "work-item-history",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/history",
		Summary:     "Work item history, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body []HistoryEntryResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWorkItem(ctx, input.ItemID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.HistoryFor(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []HistoryEntryResponse `json:"body"`
		}{Body: historyResponse(entries)}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-work-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/transition",
		Summary:     "Attempt a stage transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string            `path:"item_id"`
		Body   TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionOutcomeResponse `json:"body"`
	}, error) {
		if input.Body.TargetStageID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target_stage_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body.Reason != nil {
			reason = *input.Body.Reason
		}
		out, err := e.AttemptTransition(ctx, input.ItemID, input.Body.TargetStageID, actorID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionOutcomeResponse `json:"body"`
		}{Body: outcomeResponse(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-feedback",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/feedback",
		Summary:     "Resolve customer feedback at the after-sale branch point",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string          `path:"item_id"`
		Body   FeedbackRequest `json:"body"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.ResolveFeedback(ctx, input.ItemID, engine.FeedbackOutcome(input.Body.Outcome), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-extension",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/extension-decision",
		Summary:     "Approve or reject a service-extension request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string                   `path:"item_id"`
		Body   ExtensionDecisionRequest `json:"body"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ExtensionDecisionOptions{}
		if input.Body.NewDueAt != nil {
			opts.NewDueAt = *input.Body.NewDueAt
		}
		if input.Body.ValidReason != nil {
			opts.ValidReason = *input.Body.ValidReason
		}
		if input.Body.CustomerContactResult != nil {
			opts.CustomerContactResult = *input.Body.CustomerContactResult
		}
		it, err := e.ResolveExtensionApproval(ctx, input.ItemID, engine.ExtensionDecision(input.Body.Decision), opts, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-request",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/approve",
		Summary:     "Operator approve action for accessory and partner items",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string                 `path:"item_id"`
		Body   RequestApprovalRequest `json:"body"`
	}) (*struct {
		Body TransitionOutcomeResponse `json:"body"`
	}, error) {
		if input.Body.TargetStageID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target_stage_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		notes := ""
		if input.Body.Notes != nil {
			notes = *input.Body.Notes
		}
		reason := ""
		if input.Body.Reason != nil {
			reason = *input.Body.Reason
		}
		out, err := e.ResolveRequestApproval(ctx, input.ItemID, input.Body.TargetStageID, notes, reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionOutcomeResponse `json:"body"`
		}{Body: outcomeResponse(out)}, nil
	})
}

func registerBoards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "board",
		Method:      http.MethodGet,
		Path:        "/board/{pipeline}",
		Summary:     "Board projection for one pipeline",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Pipeline string `path:"pipeline"`
		Archived bool   `query:"archived"`
	}) (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		kind := domain.PipelineKind(input.Pipeline)
		stages, err := pipeline.Stages(kind)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{
			ShopID:          e.Config.Shop.ID,
			Pipeline:        input.Pipeline,
			IncludeArchived: input.Archived,
		})
		if err != nil {
			return nil, handleError(err)
		}
		board, err := pipeline.ProjectBoard(items, kind)
		if err != nil {
			return nil, handleError(err)
		}
		columns := make(map[string][]WorkItemResponse, len(board))
		for stage, stageItems := range board {
			columns[stage] = mapWorkItems(stageItems)
		}
		return &struct {
			Body BoardResponse `json:"body"`
		}{Body: BoardResponse{
			Pipeline: input.Pipeline,
			Stages:   stageResponses(stages),
			Columns:  columns,
		}}, nil
	})
}

func registerLog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tail-log",
		Method:      http.MethodGet,
		Path:        "/log",
		Summary:     "Tail the history ledger",
	}, func(ctx context.Context, input *struct {
		N        int    `query:"n" default:"20"`
		Category string `query:"category"`
		ItemID   string `query:"item_id"`
	}) (*struct {
		Body []HistoryEntryResponse `json:"body"`
	}, error) {
		entries, err := e.Repo.LatestEntries(ctx, input.N, input.Category, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []HistoryEntryResponse `json:"body"`
		}{Body: historyResponse(entries)}, nil
	})
}

// --- cursor helpers ---

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func encodeCompositeCursor(createdAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(createdAt + "|" + id))
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return parts[0], parts[1], nil
}
