package middleware

import (
	"github.com/labstack/echo/v4"
)

// securityHeaders are the baseline response headers of the gateway. A
// forwarded response that sets one of them itself keeps its own value.
var securityHeaders = map[string]string{
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	"Referrer-Policy":           "no-referrer",
	// Patient and admission data must not end up in shared caches.
	"Cache-Control": "no-store",
}

// SecurityHeaders sets the baseline security headers before the request is
// handled.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for k, v := range securityHeaders {
				h.Set(k, v)
			}
			return next(c)
		}
	}
}
