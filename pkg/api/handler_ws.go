package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/clarity-dev/clarity/pkg/services"
)

// wsHandler handles GET /api/v1/ws/devteam?projectId=…
//
// Authentication and parameter validation happen before the upgrade so
// rejections are plain HTTP status codes; after the upgrade, protocol
// violations close the socket with 1008.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.connManager == nil {
		return c.JSON(http.StatusServiceUnavailable, &Response{
			ErrorCode: codeService,
			Message:   "WebSocket not available",
		})
	}
	if !authorizeServiceKey(c, s.cfg.ServiceKey) {
		return c.JSON(http.StatusUnauthorized, &Response{
			ErrorCode: codeService,
			Message:   "invalid or missing bearer token",
		})
	}

	projectID := c.QueryParam("projectId")
	if err := services.ValidateProjectID(projectID); err != nil {
		return writeServiceError(c, err)
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Subscribers authenticate with the service key, not cookies, so
		// cross-origin upgrades carry no ambient authority.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connManager.HandleConnection(c.Request().Context(), conn, projectID)
	return nil
}
