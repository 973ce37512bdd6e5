package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/clarity-dev/clarity/pkg/container"
	"github.com/clarity-dev/clarity/pkg/executor"
	"github.com/clarity-dev/clarity/pkg/services"
)

// Stable error codes carried in the error_code response field.
const (
	codeValidation = "VALIDATION_ERROR"
	codeNotFound   = "NOT_FOUND"
	codeConflict   = "CONFLICT"
	codeContainer  = "CONTAINER_ERROR"
	codeExecution  = "EXECUTION_ERROR"
	codeService    = "SERVICE_ERROR"
)

// writeServiceError maps a service-layer error to the HTTP error
// envelope. Container details stay in the logs; only the executor's
// already-truncated stderr tail reaches the client.
func writeServiceError(c *echo.Context, err error) error {
	if fields, ok := services.AsValidationErrors(err); ok {
		return c.JSON(http.StatusUnprocessableEntity, &Response{
			ErrorCode: codeValidation,
			Message:   fields.Error(),
			Details:   map[string]any{"fields": fields},
		})
	}

	if errors.Is(err, services.ErrNotFound) {
		return c.JSON(http.StatusNotFound, &Response{
			ErrorCode: codeNotFound,
			Message:   "resource not found",
		})
	}

	var conflict *services.ConflictError
	if errors.As(err, &conflict) {
		return c.JSON(http.StatusConflict, &Response{
			ErrorCode: codeConflict,
			Message:   conflict.Message,
			Details:   conflict.Details,
		})
	}

	var containerErr *container.Error
	if errors.As(err, &containerErr) {
		slog.Error("Container runtime error", "op", containerErr.Op, "error", err)
		return c.JSON(http.StatusInternalServerError, &Response{
			ErrorCode: codeContainer,
			Message:   "container runtime failure",
		})
	}

	var execErr *executor.ExecutionError
	if errors.As(err, &execErr) {
		return c.JSON(http.StatusInternalServerError, &Response{
			ErrorCode: codeExecution,
			Message:   execErr.Message,
		})
	}

	slog.Error("Unexpected service error", "error", err)
	return c.JSON(http.StatusInternalServerError, &Response{
		ErrorCode: codeService,
		Message:   "internal server error",
	})
}
