package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/clarity-dev/clarity/pkg/models"
)

// submitEventHandler handles POST /events. Accepted submissions return
// 202 with the durable event id; acceptance means persisted, not
// processed.
func (s *Server) submitEventHandler(c *echo.Context) error {
	var sub models.Submission
	if err := c.Bind(&sub); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, &Response{
			ErrorCode: codeValidation,
			Message:   "malformed JSON body",
		})
	}

	result, err := s.automation.SubmitEvent(c.Request().Context(), &sub)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusAccepted, ok(result))
}
