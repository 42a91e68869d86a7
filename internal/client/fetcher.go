// Package client performs outbound requests: proxied media fetches and the
// episode source aggregator.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elnormous/contenttype"

	"streamproxy-go/internal/config"
	"streamproxy-go/internal/metrics"
	"streamproxy-go/internal/model"
)

// playlistMediaTypes are the media types HLS manifests are served with.
var playlistMediaTypes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"application/mpegurl":           true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
}

// PlaylistExtension is the conventional file extension of HLS manifests.
const PlaylistExtension = ".m3u8"

// maxErrorBodyBytes bounds how much of a failed upstream body is drained so
// the connection can be reused.
const maxErrorBodyBytes = 64 * 1024

// Fetcher issues outbound GET requests for proxied resources.
type Fetcher struct {
	httpClient *http.Client
	defaults   http.Header
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewFetcher creates a Fetcher with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewFetcher(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Fetcher {
	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	maxRedirects := cfg.Upstream.MaxRedirects
	return &Fetcher{
		httpClient: &http.Client{
			Transport: transport,
			// No overall Timeout: segment bodies may legitimately stream for
			// longer than the header timeout. Body reads end when the inbound
			// request context is canceled.
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		defaults: defaultHeaders(&cfg.Upstream),
		logger:   logger.With("component", "fetcher"),
		metrics:  m,
	}
}

// defaultHeaders builds the header set sent with every upstream request.
func defaultHeaders(cfg *config.UpstreamConfig) http.Header {
	h := make(http.Header)
	h.Set("Accept", "*/*")
	ua := cfg.UserAgent
	if ua == "" {
		ua = config.DefaultUserAgent
	}
	h.Set("User-Agent", ua)
	for k, v := range cfg.Headers {
		if !model.IsHopByHop(k) {
			h.Set(k, v)
		}
	}
	return h
}

// Fetch requests pr.Target with the default headers overlaid by pr.Headers.
// rangeHeader, when non-empty, is forwarded as the Range request header.
// A non-2xx upstream status yields *UpstreamError and a network failure
// *TransportError. On success the caller owns the returned Body.
func (f *Fetcher) Fetch(ctx context.Context, pr *model.ProxyRequest, rangeHeader string) (*model.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pr.Target.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = f.buildHeader(pr.Headers)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	f.logger.Debug("upstream request", "url", pr.Target.String())

	start := time.Now()
	resp, err := f.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via FetchResult
	duration := time.Since(start).Seconds()

	if err != nil {
		te := newTransportError(err)
		if f.metrics != nil {
			f.metrics.UpstreamDuration.WithLabelValues(http.MethodGet).Observe(duration)
			f.metrics.UpstreamFailures.WithLabelValues(failureReason(te)).Inc()
		}
		return nil, te
	}

	if f.metrics != nil {
		f.metrics.UpstreamDuration.WithLabelValues(http.MethodGet).Observe(duration)
		f.metrics.UpstreamResponses.WithLabelValues(http.MethodGet, strconv.Itoa(resp.StatusCode)).Inc()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = resp.Body.Close()
		f.logger.Info("upstream failure status",
			"host", pr.Target.Host,
			"status", resp.StatusCode,
		)
		return nil, &UpstreamError{Status: resp.StatusCode, StatusText: http.StatusText(resp.StatusCode)}
	}

	finalURL := pr.Target
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}
	contentType := resp.Header.Get("Content-Type")

	return &model.FetchResult{
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Playlist:    IsPlaylist(contentType, finalURL.Path) || IsPlaylist("", pr.Target.Path),
		FinalURL:    finalURL,
		Header:      resp.Header,
		Body:        resp.Body,
	}, nil
}

// buildHeader overlays caller headers on the defaults. Caller values win,
// except for headers the proxy controls itself.
func (f *Fetcher) buildHeader(caller map[string]string) http.Header {
	h := f.defaults.Clone()
	for k, v := range caller {
		if strings.TrimSpace(k) == "" || model.IsHopByHop(k) {
			continue
		}
		h.Set(k, v)
	}
	return h
}

// IsPlaylist reports whether a response is an HLS manifest, judged by its
// declared media type or, for mislabeled content, the URL path extension.
func IsPlaylist(contentType, path string) bool {
	if IsPlaylistMediaType(contentType) {
		return true
	}
	return strings.HasSuffix(strings.ToLower(path), PlaylistExtension)
}

// IsPlaylistMediaType reports whether contentType names an HLS manifest type.
func IsPlaylistMediaType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, err := contenttype.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return playlistMediaTypes[strings.ToLower(mt.Type+"/"+mt.Subtype)]
}
