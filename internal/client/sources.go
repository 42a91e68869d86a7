package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"streamproxy-go/internal/config"
	"streamproxy-go/internal/metrics"
	"streamproxy-go/internal/model"
)

// maxSourcesBodyBytes bounds the aggregator response size.
const maxSourcesBodyBytes = 4 * 1024 * 1024

// SourcesClient resolves episode identifiers to playable sources through the
// external aggregator.
type SourcesClient struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewSourcesClient creates a SourcesClient. It returns nil when no aggregator
// is configured.
func NewSourcesClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *SourcesClient {
	if cfg.Sources.BaseURL == "" {
		return nil
	}
	return &SourcesClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Sources.TimeoutSeconds) * time.Second,
		},
		baseURL:   strings.TrimSuffix(cfg.Sources.BaseURL, "/"),
		userAgent: cfg.Upstream.UserAgent,
		logger:    logger.With("component", "sources_client"),
		metrics:   m,
	}
}

// Episode fetches the sources of an episode, optionally the dubbed variant.
func (c *SourcesClient) Episode(ctx context.Context, id string, dub bool) (*model.EpisodeSources, error) {
	endpoint := c.baseURL + "/watch/" + url.PathEscape(id)
	if dub {
		endpoint += "?dub=true"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build sources request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	c.logger.Debug("sources request", "id", id, "dub", dub)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()
	if err != nil {
		te := newTransportError(err)
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(http.MethodGet).Observe(duration)
			c.metrics.UpstreamFailures.WithLabelValues(failureReason(te)).Inc()
		}
		return nil, te
	}
	defer func() { _ = resp.Body.Close() }()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(http.MethodGet).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(http.MethodGet, strconv.Itoa(resp.StatusCode)).Inc()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &UpstreamError{Status: resp.StatusCode, StatusText: http.StatusText(resp.StatusCode)}
	}

	var out model.EpisodeSources
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSourcesBodyBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode sources response: %w", err)
	}
	return &out, nil
}
