package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"
)

// ListWorkflowsParams are the query parameters of GET /workflows.
type ListWorkflowsParams struct {
	Latest *bool `form:"latest,omitempty" json:"latest,omitempty"`
}

// CreateWorkflowParams are the query parameters of POST /workflows.
type CreateWorkflowParams struct {
	// Run starts a run after storing the definition. Defaults to true.
	Run *bool `form:"run,omitempty" json:"run,omitempty"`
}

// StartRunParams are the query parameters of POST /workflows/{id}/runs.
type StartRunParams struct {
	Version     *string `form:"version,omitempty" json:"version,omitempty"`
	TriggeredBy *string `form:"triggered_by,omitempty" json:"triggered_by,omitempty"`
}

// ListExecutionsParams are the query parameters of GET /executions.
type ListExecutionsParams struct {
	WorkflowID *string `form:"workflow_id,omitempty" json:"workflow_id,omitempty"`
	Status     *string `form:"status,omitempty" json:"status,omitempty"`
	Limit      *int    `form:"limit,omitempty" json:"limit,omitempty"`
}

// FeedParams are the query parameters of GET /ws.
type FeedParams struct {
	RunID *string `form:"run_id,omitempty" json:"run_id,omitempty"`
}

// ServerInterface is the set of operations described in openapi.yaml.
type ServerInterface interface {
	// (GET /health)
	GetHealth(ctx echo.Context) error
	// (GET /workflows)
	ListWorkflows(ctx echo.Context, params ListWorkflowsParams) error
	// (POST /workflows)
	CreateWorkflow(ctx echo.Context, params CreateWorkflowParams) error
	// (GET /workflows/{id})
	GetWorkflow(ctx echo.Context, id string) error
	// (POST /workflows/{id}/runs)
	StartRun(ctx echo.Context, id string, params StartRunParams) error
	// (GET /executions)
	ListExecutions(ctx echo.Context, params ListExecutionsParams) error
	// (GET /executions/{id})
	GetExecution(ctx echo.Context, id string) error
	// (POST /executions/{id}/cancel)
	CancelExecution(ctx echo.Context, id string) error
	// (POST /executions/{id}/pause)
	PauseExecution(ctx echo.Context, id string) error
	// (POST /executions/{id}/resume)
	ResumeExecution(ctx echo.Context, id string) error
	// (GET /task-kinds)
	ListTaskKinds(ctx echo.Context) error
	// (GET /ws)
	StreamEvents(ctx echo.Context, params FeedParams) error
}

// ServerInterfaceWrapper converts echo contexts to typed parameters.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

func (w *ServerInterfaceWrapper) GetHealth(ctx echo.Context) error {
	return w.Handler.GetHealth(ctx)
}

func (w *ServerInterfaceWrapper) ListWorkflows(ctx echo.Context) error {
	var params ListWorkflowsParams
	if err := runtime.BindQueryParameter("form", true, false, "latest", ctx.QueryParams(), &params.Latest); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter latest: "+err.Error())
	}
	return w.Handler.ListWorkflows(ctx, params)
}

func (w *ServerInterfaceWrapper) CreateWorkflow(ctx echo.Context) error {
	var params CreateWorkflowParams
	if err := runtime.BindQueryParameter("form", true, false, "run", ctx.QueryParams(), &params.Run); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter run: "+err.Error())
	}
	return w.Handler.CreateWorkflow(ctx, params)
}

func (w *ServerInterfaceWrapper) GetWorkflow(ctx echo.Context) error {
	id, err := bindID(ctx)
	if err != nil {
		return err
	}
	return w.Handler.GetWorkflow(ctx, id)
}

func (w *ServerInterfaceWrapper) StartRun(ctx echo.Context) error {
	id, err := bindID(ctx)
	if err != nil {
		return err
	}
	var params StartRunParams
	if err := runtime.BindQueryParameter("form", true, false, "version", ctx.QueryParams(), &params.Version); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter version: "+err.Error())
	}
	if err := runtime.BindQueryParameter("form", true, false, "triggered_by", ctx.QueryParams(), &params.TriggeredBy); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter triggered_by: "+err.Error())
	}
	return w.Handler.StartRun(ctx, id, params)
}

func (w *ServerInterfaceWrapper) ListExecutions(ctx echo.Context) error {
	var params ListExecutionsParams
	if err := runtime.BindQueryParameter("form", true, false, "workflow_id", ctx.QueryParams(), &params.WorkflowID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter workflow_id: "+err.Error())
	}
	if err := runtime.BindQueryParameter("form", true, false, "status", ctx.QueryParams(), &params.Status); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter status: "+err.Error())
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", ctx.QueryParams(), &params.Limit); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter limit: "+err.Error())
	}
	return w.Handler.ListExecutions(ctx, params)
}

func (w *ServerInterfaceWrapper) GetExecution(ctx echo.Context) error {
	id, err := bindID(ctx)
	if err != nil {
		return err
	}
	return w.Handler.GetExecution(ctx, id)
}

func (w *ServerInterfaceWrapper) CancelExecution(ctx echo.Context) error {
	id, err := bindID(ctx)
	if err != nil {
		return err
	}
	return w.Handler.CancelExecution(ctx, id)
}

func (w *ServerInterfaceWrapper) PauseExecution(ctx echo.Context) error {
	id, err := bindID(ctx)
	if err != nil {
		return err
	}
	return w.Handler.PauseExecution(ctx, id)
}

func (w *ServerInterfaceWrapper) ResumeExecution(ctx echo.Context) error {
	id, err := bindID(ctx)
	if err != nil {
		return err
	}
	return w.Handler.ResumeExecution(ctx, id)
}

func (w *ServerInterfaceWrapper) ListTaskKinds(ctx echo.Context) error {
	return w.Handler.ListTaskKinds(ctx)
}

func (w *ServerInterfaceWrapper) StreamEvents(ctx echo.Context) error {
	var params FeedParams
	if err := runtime.BindQueryParameter("form", true, false, "run_id", ctx.QueryParams(), &params.RunID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter run_id: "+err.Error())
	}
	return w.Handler.StreamEvents(ctx, params)
}

func bindID(ctx echo.Context) (string, error) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", ctx.Param("id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter id: "+err.Error())
	}
	return id, nil
}

// EchoRouter is satisfied by *echo.Echo and *echo.Group.
type EchoRouter interface {
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// RegisterHandlers mounts si on router under baseURL.
func RegisterHandlers(router EchoRouter, si ServerInterface, baseURL string) {
	w := &ServerInterfaceWrapper{Handler: si}

	router.GET(baseURL+"/", w.GetHealth)
	router.GET(baseURL+"/health", w.GetHealth)
	router.GET(baseURL+"/workflows", w.ListWorkflows)
	router.POST(baseURL+"/workflows", w.CreateWorkflow)
	router.GET(baseURL+"/workflows/:id", w.GetWorkflow)
	router.POST(baseURL+"/workflows/:id/runs", w.StartRun)
	router.GET(baseURL+"/executions", w.ListExecutions)
	router.GET(baseURL+"/executions/:id", w.GetExecution)
	router.POST(baseURL+"/executions/:id/cancel", w.CancelExecution)
	router.POST(baseURL+"/executions/:id/pause", w.PauseExecution)
	router.POST(baseURL+"/executions/:id/resume", w.ResumeExecution)
	router.GET(baseURL+"/task-kinds", w.ListTaskKinds)
	router.GET(baseURL+"/ws", w.StreamEvents)
}
