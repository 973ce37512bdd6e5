package api

import (
	"crypto/subtle"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// authorizeServiceKey validates the bearer token against the configured
// service-role key. Fails closed: an empty configured key rejects
// everything. Comparison is constant-time.
func authorizeServiceKey(c *echo.Context, serviceKey string) bool {
	if serviceKey == "" {
		return false
	}
	header := c.Request().Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(serviceKey)) == 1
}
