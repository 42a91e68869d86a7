package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"streamproxy-go/internal/codec"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	codec   *codec.Codec
	sources bool
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(c *codec.Codec, sources *SourcesHandler, v Version) *HealthHandler {
	return &HealthHandler{codec: c, sources: sources != nil, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         string(h.version),
		"proxy_endpoint":  h.codec.Endpoint(),
		"sources_enabled": h.sources,
	})
}
