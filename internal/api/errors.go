package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/trace"

	"taskflow/backend/internal/dag"
	"taskflow/backend/internal/logging"
	"taskflow/backend/internal/repository"
	"taskflow/backend/internal/scheduler"
	"taskflow/backend/internal/tracker"
	"taskflow/backend/pkg/models"
)

// StatusFor maps a service error to its HTTP status.
func StatusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, dag.ErrInvalidDefinition):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, tracker.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrDefinitionConflict), errors.Is(err, scheduler.ErrRunNotActive):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// HTTPErrorHandler renders every error as RFC 7807 problem details.
func HTTPErrorHandler() echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		logger := logging.FromContext(c.Request().Context())

		status := StatusFor(err)
		detail := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			if msg, ok := he.Message.(string); ok {
				detail = msg
			}
		}
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(c.Request().Context(), "request failed",
				"method", c.Request().Method, "path", c.Path(), "error", err)
			if status == http.StatusInternalServerError {
				detail = "internal server error"
			}
		}

		problem := models.ProblemDetails{
			Type:     "about:blank",
			Title:    http.StatusText(status),
			Status:   status,
			Detail:   detail,
			Instance: c.Request().URL.Path,
		}
		if sc := trace.SpanContextFromContext(c.Request().Context()); sc.HasTraceID() {
			problem.TraceID = sc.TraceID().String()
		}

		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		if err := c.JSON(status, problem); err != nil {
			logger.Error("failed to write problem response", "error", err)
		}
	}
}
