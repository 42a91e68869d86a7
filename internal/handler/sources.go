package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"streamproxy-go/internal/client"
	"streamproxy-go/internal/service"
)

// SourcesHandler resolves an episode to proxied sources.
type SourcesHandler struct {
	service *service.SourcesService
	logger  *slog.Logger
}

// NewSourcesHandler creates a SourcesHandler. It returns nil when the
// aggregator is not configured.
func NewSourcesHandler(svc *service.SourcesService, logger *slog.Logger) *SourcesHandler {
	if svc == nil {
		return nil
	}
	return &SourcesHandler{
		service: svc,
		logger:  logger.With("component", "sources_handler"),
	}
}

// Handle serves GET /sources?id=<episode>&dub=<bool>.
func (h *SourcesHandler) Handle(c echo.Context) error {
	dub := false
	switch c.QueryParam("dub") {
	case "true", "1":
		dub = true
	}

	es, err := h.service.Resolve(c.Request().Context(), c.QueryParam("id"), dub)
	if err != nil {
		var te *client.TransportError
		if errors.Is(err, service.ErrMissingEpisodeID) || errors.As(err, &te) {
			return mapError(c, h.logger, err)
		}
		// Aggregator statuses and bodies are not relayed.
		h.logger.Warn("aggregator error", "err", sanitizeError(err))
		return c.String(http.StatusBadGateway, "failed to fetch episode sources")
	}

	return c.JSON(http.StatusOK, es)
}
