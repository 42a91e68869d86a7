// Package service implements the per-request proxy pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"streamproxy-go/internal/client"
	"streamproxy-go/internal/codec"
	"streamproxy-go/internal/config"
	"streamproxy-go/internal/hls"
	"streamproxy-go/internal/metrics"
	"streamproxy-go/internal/model"
)

// ErrPlaylistTooLarge is returned when a playlist body exceeds upstream.max_playlist_bytes.
var ErrPlaylistTooLarge = errors.New("playlist too large")

// errPlaylistDeadline is the cancel cause of a playlist fetch whose body did
// not arrive within the upstream timeout.
var errPlaylistDeadline = errors.New("playlist body deadline exceeded")

// DefaultPlaylistType is declared when an upstream playlist arrives without
// an HLS media type.
const DefaultPlaylistType = "application/vnd.apple.mpegurl"

// DefaultBinaryType is declared when an upstream binary arrives without a content type.
const DefaultBinaryType = "application/octet-stream"

// forwardableResponseHeaders are the upstream headers mirrored on binary responses.
var forwardableResponseHeaders = []string{
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"Content-Encoding",
	"Cache-Control",
	"Last-Modified",
	"ETag",
}

// ProxyService fetches proxied resources and rewrites playlists.
type ProxyService struct {
	codec            *codec.Codec
	fetcher          *client.Fetcher
	maxPlaylistBytes int64
	timeout          time.Duration
	logger           *slog.Logger
	metrics          *metrics.Metrics
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable rewrite metrics.
func NewProxyService(c *codec.Codec, f *client.Fetcher, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		codec:            c,
		fetcher:          f,
		maxPlaylistBytes: cfg.Upstream.MaxPlaylistBytes,
		timeout:          time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		logger:           logger.With("component", "proxy_service"),
		metrics:          m,
	}
}

// Forward decodes the proxy query, fetches the target and returns either the
// rewritten playlist or the upstream body for streaming. rangeHeader is the
// inbound Range header, forwarded for non-playlist targets.
// Playlist bodies must arrive within the upstream timeout; binary bodies are
// streamed for as long as the upstream sends them.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(ctx context.Context, query url.Values, rangeHeader string) (*model.ProxyResponse, error) {
	pr, err := s.codec.Decode(query)
	if err != nil {
		return nil, err
	}

	// A byte range of a manifest cannot be rewritten.
	if strings.HasSuffix(strings.ToLower(pr.Target.Path), client.PlaylistExtension) {
		rangeHeader = ""
	}

	fctx, cancel := context.WithCancelCause(ctx)
	res, err := s.fetch(fctx, pr, rangeHeader)
	if err != nil {
		cancel(nil)
		return nil, err
	}

	// Manifests recognized by content type only: ask again for the whole document.
	if res.Playlist && res.StatusCode == http.StatusPartialContent {
		_ = res.Body.Close()
		if res, err = s.fetch(fctx, pr, ""); err != nil {
			cancel(nil)
			return nil, err
		}
	}

	if !res.Playlist {
		res.Body = &cancelOnClose{ReadCloser: res.Body, cancel: cancel}
		return s.passthrough(res), nil
	}

	defer cancel(nil)
	defer func() { _ = res.Body.Close() }()
	if s.timeout > 0 {
		timer := time.AfterFunc(s.timeout, func() { cancel(errPlaylistDeadline) })
		defer timer.Stop()
	}
	return s.rewrite(fctx, res, pr.Headers)
}

func (s *ProxyService) fetch(ctx context.Context, pr *model.ProxyRequest, rangeHeader string) (*model.FetchResult, error) {
	res, err := s.fetcher.Fetch(ctx, pr, rangeHeader)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pr.Target.Host, err)
	}
	return res, nil
}

// cancelOnClose releases the fetch context once the streamed body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel(nil)
	return err
}

func (s *ProxyService) passthrough(res *model.FetchResult) *model.ProxyResponse {
	h := make(http.Header)
	for _, key := range forwardableResponseHeaders {
		if vals := res.Header.Values(key); len(vals) > 0 {
			h[key] = vals
		}
	}
	ct := res.ContentType
	if ct == "" {
		ct = DefaultBinaryType
	}
	h.Set("Content-Type", ct)

	return &model.ProxyResponse{
		StatusCode: res.StatusCode,
		Header:     h,
		Body:       res.Body,
	}
}

func (s *ProxyService) rewrite(ctx context.Context, res *model.FetchResult, headers map[string]string) (*model.ProxyResponse, error) {
	data, err := s.readPlaylist(ctx, res)
	if err != nil {
		return nil, err
	}

	p, err := hls.Parse(data)
	if err != nil {
		return nil, err
	}
	out, err := hls.Rewrite(p, res.FinalURL, headers, s.codec.Encode)
	if err != nil {
		return nil, err
	}

	kind := p.Kind()
	if s.metrics != nil {
		s.metrics.PlaylistsRewritten.WithLabelValues(kind).Inc()
		s.metrics.URIsRewritten.Add(float64(out.Rewritten))
	}
	s.logger.Debug("playlist rewritten",
		"host", res.FinalURL.Host,
		"kind", kind,
		"uris", out.Rewritten,
	)

	ct := res.ContentType
	if !client.IsPlaylistMediaType(ct) {
		ct = DefaultPlaylistType
	}
	h := make(http.Header)
	h.Set("Content-Type", ct)
	h.Set("Content-Length", strconv.Itoa(len(out.Text)))
	if cc := res.Header.Get("Cache-Control"); cc != "" {
		h.Set("Cache-Control", cc)
	}

	return &model.ProxyResponse{
		StatusCode: http.StatusOK,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(out.Text)),
		Playlist:   true,
	}, nil
}

// readPlaylist buffers the decoded playlist body, bounded by maxPlaylistBytes.
func (s *ProxyService) readPlaylist(ctx context.Context, res *model.FetchResult) ([]byte, error) {
	body, err := client.DecodeBody(res.Header.Get("Content-Encoding"), res.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, s.bodyError(ctx, err)
		}
		return nil, fmt.Errorf("%w: %v", hls.ErrMalformedPlaylist, err)
	}
	defer func() { _ = body.Close() }()

	r := io.Reader(body)
	if s.maxPlaylistBytes > 0 {
		r = io.LimitReader(body, s.maxPlaylistBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, s.bodyError(ctx, err)
	}
	if s.maxPlaylistBytes > 0 && int64(len(data)) > s.maxPlaylistBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrPlaylistTooLarge, s.maxPlaylistBytes)
	}
	return data, nil
}

func (s *ProxyService) bodyError(ctx context.Context, err error) error {
	timeout := errors.Is(context.Cause(ctx), errPlaylistDeadline) || errors.Is(err, context.DeadlineExceeded)
	if timeout && s.metrics != nil {
		s.metrics.UpstreamFailures.WithLabelValues("timeout").Inc()
	}
	return fmt.Errorf("read playlist body: %w", &client.TransportError{Err: err, Timeout: timeout})
}
