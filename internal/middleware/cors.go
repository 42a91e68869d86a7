package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"streamproxy-go/internal/config"
)

// CORS header values sent on every response.
const (
	corsAllowMethods  = "GET, OPTIONS"
	corsAllowHeaders  = "Content-Type, Authorization, Range"
	corsExposeHeaders = "Content-Length, Content-Range"
)

// CORS returns an Echo middleware that lets browser players on any allowed
// origin read proxy responses. Preflight requests are answered with 204.
//
// With a wildcard policy Access-Control-Allow-Origin is always "*", also for
// requests without an Origin header; otherwise a listed Origin is echoed.
func CORS(cfg config.CORSConfig) echo.MiddlewareFunc {
	anyOrigin := cfg.AllowsAnyOrigin()
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[strings.TrimSuffix(o, "/")] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			origin := c.Request().Header.Get(echo.HeaderOrigin)

			switch {
			case anyOrigin:
				h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			case origin != "" && allowed[origin]:
				h.Set(echo.HeaderAccessControlAllowOrigin, origin)
				h.Add(echo.HeaderVary, echo.HeaderOrigin)
			default:
				h.Add(echo.HeaderVary, echo.HeaderOrigin)
			}
			h.Set(echo.HeaderAccessControlAllowMethods, corsAllowMethods)
			h.Set(echo.HeaderAccessControlAllowHeaders, corsAllowHeaders)
			h.Set(echo.HeaderAccessControlExposeHeaders, corsExposeHeaders)

			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}
