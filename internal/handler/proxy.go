package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"streamproxy-go/internal/client"
	"streamproxy-go/internal/codec"
	"streamproxy-go/internal/hls"
	"streamproxy-go/internal/metrics"
	"streamproxy-go/internal/service"
)

var (
	// headersPattern matches header context values in proxy URLs embedded in error messages.
	headersPattern = regexp.MustCompile(`(?i)(headers=)[^&\s"]+`)
	// queryPattern matches query strings of upstream URLs, which often carry signed tokens.
	queryPattern = regexp.MustCompile(`(https?://[^\s"?]+)\?[^\s"]*`)
)

// ProxyHandler serves the proxy endpoint: it resolves the target, fetches it
// and streams the (possibly rewritten) body back.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. m may be nil.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle proxies one request and streams the response to the client.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	resp, err := h.service.Forward(req.Context(), req.URL.Query(), req.Header.Get("Range"))
	if err != nil {
		return mapError(c, h.logger, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is sent a mid-stream failure can only truncate the body.
	n, err := io.Copy(c.Response(), resp.Body)
	if h.metrics != nil {
		h.metrics.BytesStreamed.Add(float64(n))
	}
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, context.Canceled) {
			level = slog.LevelDebug
		}
		h.logger.Log(req.Context(), level, "streaming response body",
			"err", sanitizeError(err),
			"bytes", n,
			"playlist", resp.Playlist,
		)
	}

	return nil
}

// mapError writes a plain-text error response for err.
func mapError(c echo.Context, logger *slog.Logger, err error) error {
	status, msg := classify(err)

	level := slog.LevelWarn
	if status == http.StatusInternalServerError {
		level = slog.LevelError
	}
	logger.Log(c.Request().Context(), level, "proxy error",
		"err", sanitizeError(err),
		"status", status,
		"path", c.Request().URL.Path,
	)

	return c.String(status, msg)
}

func classify(err error) (int, string) {
	if errors.Is(err, codec.ErrMalformedProxyURL) {
		return http.StatusBadRequest, sanitizeError(err)
	}
	if errors.Is(err, service.ErrMissingEpisodeID) {
		return http.StatusBadRequest, err.Error()
	}

	var ue *client.UpstreamError
	if errors.As(err, &ue) {
		return ue.Status, ue.Error()
	}

	var te *client.TransportError
	if errors.As(err, &te) {
		var dnsErr *net.DNSError
		switch {
		case te.Timeout:
			return http.StatusGatewayTimeout, "upstream request timed out"
		case errors.Is(te, context.Canceled):
			return http.StatusBadGateway, "client disconnected"
		case errors.As(te, &dnsErr):
			return http.StatusBadGateway, "upstream host unreachable"
		default:
			return http.StatusBadGateway, "upstream connection failed"
		}
	}

	if errors.Is(err, hls.ErrMalformedPlaylist) {
		return http.StatusBadGateway, "upstream returned a malformed playlist"
	}
	if errors.Is(err, service.ErrPlaylistTooLarge) {
		return http.StatusBadGateway, "upstream playlist too large"
	}

	return http.StatusInternalServerError, "internal proxy error"
}

// sanitizeError redacts header contexts and upstream query strings from
// error messages.
func sanitizeError(err error) string {
	s := headersPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
	return queryPattern.ReplaceAllString(s, "${1}?[REDACTED]")
}
