package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamproxy-go/internal/config"
	"streamproxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// sources and m may be nil, in which case their routes are not registered.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, sources *SourcesHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	e.GET(cfg.Server.ProxyPath, proxy.Handle)

	if sources != nil {
		e.GET("/sources", sources.Handle)
	}

	if m != nil && cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
