// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
	"net/url"
)

// HopByHopHeaders are connection-management headers owned by the proxy itself.
// They are never forwarded in either direction and never carried in a header context.
var HopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
}

// IsHopByHop reports whether name is one of HopByHopHeaders (case-insensitive).
func IsHopByHop(name string) bool {
	canon := http.CanonicalHeaderKey(name)
	for _, h := range HopByHopHeaders {
		if http.CanonicalHeaderKey(h) == canon {
			return true
		}
	}
	return false
}

// ProxyRequest is a decoded inbound proxy call: the upstream target and the
// header context that must accompany every fetch of it.
type ProxyRequest struct {
	Target  *url.URL
	Headers map[string]string
}

// FetchResult is a successful (2xx) upstream response.
// Body is owned by whoever consumes the result and must be closed exactly once.
type FetchResult struct {
	StatusCode  int
	ContentType string
	Playlist    bool
	FinalURL    *url.URL
	Header      http.Header
	Body        io.ReadCloser
}

// ProxyResponse is what the streamer writes back to the client.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Playlist   bool
}
