package model

// EpisodeSources is the aggregator's answer for a playback identifier.
type EpisodeSources struct {
	Headers   map[string]string `json:"headers,omitempty"`
	Sources   []Source          `json:"sources"`
	Subtitles []Subtitle        `json:"subtitles,omitempty"`
	Default   string            `json:"default,omitempty"`
}

// Source is one candidate stream.
type Source struct {
	URL     string `json:"url"`
	Quality string `json:"quality,omitempty"`
	IsM3U8  bool   `json:"isM3U8"`
}

// Subtitle is an optional subtitle track descriptor.
type Subtitle struct {
	URL  string `json:"url"`
	Lang string `json:"lang,omitempty"`
}
