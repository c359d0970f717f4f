package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"taskflow/backend/internal/services"
	"taskflow/backend/pkg/models"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "taskflow"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the health endpoint.
type Handler struct {
	version string
	svc     *services.WorkflowService
	store   Pinger
}

// NewHandler creates a new Handler. store may be nil.
func NewHandler(version string, svc *services.WorkflowService, store Pinger) *Handler {
	return &Handler{version: version, svc: svc, store: store}
}

// GetHealth reports service status and the number of runs per status. A
// failing store degrades the status but still answers 200.
func (h *Handler) GetHealth(c echo.Context) error {
	status := models.HealthStatus{
		Status:    "ok",
		Service:   ServiceName,
		Version:   h.version,
		Timestamp: time.Now().UTC(),
		Checks:    map[string]string{},
		Runs:      h.svc.RunHealth(),
		Workers:   h.svc.WorkerLoad(),
	}
	if h.store != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Checks["store"] = err.Error()
		} else {
			status.Checks["store"] = "ok"
		}
	}
	return c.JSON(http.StatusOK, status)
}
