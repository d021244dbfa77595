package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists route paths that bypass SessionMiddleware. The websocket
// handshake is listed because it authenticates the token itself before the
// upgrade.
var publicPaths = map[string]bool{
	"/health":              true,
	"/health/db":           true,
	"/metrics":             true,
	"/ws":                  true,
	"/api/v1/auth/login":   true,
	"/api/v1/auth/refresh": true,
}

// AuthSkipper returns true for requests whose path should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether the given path bypasses authentication.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
