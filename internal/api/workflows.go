// Package api exposes the workflow engine over HTTP.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"taskflow/backend/internal/feed"
	"taskflow/backend/internal/repository"
	"taskflow/backend/internal/services"
	"taskflow/backend/pkg/models"
)

// MaxListLimit caps GET /executions.
const MaxListLimit = 1000

// Server implements ServerInterface.
type Server struct {
	*Handler
	svc *services.WorkflowService
	hub *feed.Hub

	feedBuffer   int
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

var _ ServerInterface = (*Server)(nil)

// Option configures a Server.
type Option func(*Server)

// WithFeedBuffer sets the per-connection event buffer of /ws.
func WithFeedBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.feedBuffer = n
		}
	}
}

// WithPingInterval sets how often /ws connections are pinged.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// NewServer creates a new Server.
func NewServer(svc *services.WorkflowService, hub *feed.Hub, health *Handler, opts ...Option) *Server {
	s := &Server{
		Handler:      health,
		svc:          svc,
		hub:          hub,
		feedBuffer:   256,
		pingInterval: 30 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served from another origin; CORS is open too.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListWorkflows returns stored definitions
// (GET /workflows)
func (s *Server) ListWorkflows(c echo.Context, params ListWorkflowsParams) error {
	latest := params.Latest != nil && *params.Latest
	defs, err := s.svc.ListWorkflows(c.Request().Context(), latest)
	if err != nil {
		return err
	}
	if defs == nil {
		defs = []*models.WorkflowDefinition{}
	}
	return c.JSON(http.StatusOK, defs)
}

// CreateWorkflow stores a definition and, unless run=false, starts a manual run of it
// (POST /workflows)
func (s *Server) CreateWorkflow(c echo.Context, params CreateWorkflowParams) error {
	ctx := c.Request().Context()

	var def models.WorkflowDefinition
	if err := c.Bind(&def); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	var (
		stored  *models.WorkflowDefinition
		created bool
		run     *models.Run
		err     error
	)
	if params.Run != nil && !*params.Run {
		stored, created, err = s.svc.DefineWorkflow(ctx, &def)
	} else {
		stored, created, run, err = s.svc.SubmitWorkflow(ctx, &def)
	}
	if err != nil {
		return err
	}

	if run != nil {
		c.Response().Header().Set(echo.HeaderLocation, "/executions/"+run.ID)
		c.Response().Header().Set("X-Run-Id", run.ID)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, stored)
}

// GetWorkflow returns the latest version of a definition
// (GET /workflows/{id})
func (s *Server) GetWorkflow(c echo.Context, id string) error {
	def, err := s.svc.GetWorkflow(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

// StartRun triggers a run of a stored definition
// (POST /workflows/{id}/runs)
func (s *Server) StartRun(c echo.Context, id string, params StartRunParams) error {
	var version string
	if params.Version != nil {
		version = *params.Version
	}
	trigger := models.TriggerAPI
	if params.TriggeredBy != nil {
		trigger = models.Trigger(*params.TriggeredBy)
		if !trigger.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown trigger %q", trigger))
		}
	}

	run, err := s.svc.StartRun(c.Request().Context(), id, version, trigger)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, "/executions/"+run.ID)
	return c.JSON(http.StatusAccepted, run)
}

// ListExecutions returns runs, newest first
// (GET /executions)
func (s *Server) ListExecutions(c echo.Context, params ListExecutionsParams) error {
	var filter repository.RunFilter
	if params.WorkflowID != nil {
		filter.WorkflowID = *params.WorkflowID
	}
	if params.Status != nil {
		filter.Status = models.RunStatus(*params.Status)
		if !filter.Status.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown run status %q", *params.Status))
		}
	}
	if params.Limit != nil {
		if *params.Limit < 0 || *params.Limit > MaxListLimit {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("limit must be between 0 and %d", MaxListLimit))
		}
		filter.Limit = *params.Limit
	}

	runs, err := s.svc.ListRuns(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

// GetExecution returns one run
// (GET /executions/{id})
func (s *Server) GetExecution(c echo.Context, id string) error {
	run, err := s.svc.GetRun(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// CancelExecution stops dispatching new tasks for a run
// (POST /executions/{id}/cancel)
func (s *Server) CancelExecution(c echo.Context, id string) error {
	run, err := s.svc.CancelRun(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, run)
}

// PauseExecution holds back a run's remaining tasks
// (POST /executions/{id}/pause)
func (s *Server) PauseExecution(c echo.Context, id string) error {
	run, err := s.svc.PauseRun(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// (POST /executions/{id}/resume)
func (s *Server) ResumeExecution(c echo.Context, id string) error {
	run, err := s.svc.ResumeRun(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// ListTaskKinds describes the registered task kinds
// (GET /task-kinds)
func (s *Server) ListTaskKinds(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.TaskKinds())
}
