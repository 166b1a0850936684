package api

import (
	echo "github.com/labstack/echo/v5"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// extractActor resolves the requesting operator's identity for the audit
// trail. Auth proxies inject the forwarded headers; anonymous callers are
// recorded as such.
func extractActor(c *echo.Context) string {
	if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.Request().Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	return "anonymous"
}
