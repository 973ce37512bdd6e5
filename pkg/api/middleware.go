package api

import (
	echo "github.com/labstack/echo/v5"
)

// securityHeaders hardens every response, API and WebSocket-upgrade
// alike. The orchestrator serves no browser UI, so framing and the
// browser feature set are denied outright.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}
