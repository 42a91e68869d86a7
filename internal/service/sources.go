package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"streamproxy-go/internal/client"
	"streamproxy-go/internal/codec"
	"streamproxy-go/internal/model"
)

// ErrMissingEpisodeID is returned when no episode identifier was supplied.
var ErrMissingEpisodeID = errors.New("episode id is required")

// SourcesService resolves episodes to sources playable through the proxy.
type SourcesService struct {
	client *client.SourcesClient
	codec  *codec.Codec
	logger *slog.Logger
}

// NewSourcesService creates a SourcesService. It returns nil when the
// aggregator client is not configured.
func NewSourcesService(sc *client.SourcesClient, c *codec.Codec, logger *slog.Logger) *SourcesService {
	if sc == nil {
		return nil
	}
	return &SourcesService{
		client: sc,
		codec:  c,
		logger: logger.With("component", "sources_service"),
	}
}

// Resolve fetches the sources of an episode and replaces every source and
// subtitle URL with a proxy URL carrying the aggregator's header map.
func (s *SourcesService) Resolve(ctx context.Context, id string, dub bool) (*model.EpisodeSources, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrMissingEpisodeID
	}

	es, err := s.client.Episode(ctx, id, dub)
	if err != nil {
		return nil, fmt.Errorf("episode %q: %w", id, err)
	}

	out := &model.EpisodeSources{
		Headers:   es.Headers,
		Sources:   make([]model.Source, 0, len(es.Sources)),
		Subtitles: make([]model.Subtitle, 0, len(es.Subtitles)),
	}
	for _, src := range es.Sources {
		if src.URL == "" {
			continue
		}
		src.URL = s.codec.Encode(src.URL, es.Headers)
		out.Sources = append(out.Sources, src)
	}
	for _, sub := range es.Subtitles {
		if sub.URL == "" {
			continue
		}
		sub.URL = s.codec.Encode(sub.URL, es.Headers)
		out.Subtitles = append(out.Subtitles, sub)
	}

	out.Default = DefaultQuality(out.Sources)

	s.logger.Debug("episode resolved", "id", id, "dub", dub, "sources", len(out.Sources))
	return out, nil
}

// DefaultQuality picks the initial quality: "auto", then "default", then the
// first listed source.
func DefaultQuality(sources []model.Source) string {
	for _, want := range []string{"auto", "default"} {
		for _, s := range sources {
			if strings.EqualFold(s.Quality, want) {
				return s.Quality
			}
		}
	}
	if len(sources) > 0 {
		return sources[0].Quality
	}
	return ""
}
