package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/clarity-dev/clarity/pkg/models"
	"github.com/clarity-dev/clarity/pkg/services"
)

// broadcastTimeout bounds the lifecycle broadcast so a stalled
// publisher cannot delay the HTTP response path.
const broadcastTimeout = 2 * time.Second

// initializeHandler handles POST /api/devteam/automation/initialize.
// Idempotency replays surface as 409 with the prior execution_id.
func (s *Server) initializeHandler(c *echo.Context) error {
	var in services.InitializeInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, &Response{
			ErrorCode: codeValidation,
			Message:   "malformed JSON body",
		})
	}

	result, err := s.automation.Initialize(c.Request().Context(), in)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusAccepted, ok(result))
}

// statusHandler handles GET /api/devteam/automation/status/{project_id}.
func (s *Server) statusHandler(c *echo.Context) error {
	proj, err := s.automation.Status(c.Request().Context(), projectParam(c))
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, ok(proj))
}

func (s *Server) pauseHandler(c *echo.Context) error {
	return s.transition(c, models.StatusPaused)
}

func (s *Server) resumeHandler(c *echo.Context) error {
	return s.transition(c, models.StatusRunning)
}

func (s *Server) stopHandler(c *echo.Context) error {
	return s.transition(c, models.StatusStopping)
}

// transition applies a lifecycle transition and broadcasts the new
// projection to the project's WebSocket subscribers. The broadcast is
// best-effort: the transition is already durable.
func (s *Server) transition(c *echo.Context, target models.ExecutionStatus) error {
	projectID := projectParam(c)
	proj, err := s.automation.Transition(c.Request().Context(), projectID, target)
	if err != nil {
		return writeServiceError(c, err)
	}

	if s.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
		defer cancel()
		if err := s.publisher.PublishExecutionUpdate(ctx, projectID, map[string]any{
			"kind":         "lifecycle",
			"status":       proj.Status,
			"execution_id": proj.ExecutionID,
		}); err != nil {
			slog.Warn("Failed to broadcast lifecycle transition",
				"project_id", projectID, "target", target, "error", err)
		}
	}

	return c.JSON(http.StatusOK, ok(proj))
}
