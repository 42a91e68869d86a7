// Package codec converts a (target URL, header context) pair into a proxy URL
// served by this process, and back.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"streamproxy-go/internal/config"
	"streamproxy-go/internal/model"
)

// ErrMalformedProxyURL is returned when the url parameter is missing or not an
// absolute http(s) URL, or the headers parameter is not a JSON object of strings.
var ErrMalformedProxyURL = errors.New("malformed proxy url")

// Query parameter names understood by the proxy endpoint.
const (
	ParamURL     = "url"
	ParamHeaders = "headers"
)

// maxUnwrapDepth bounds how many proxy layers are peeled off a target.
const maxUnwrapDepth = 8

// Codec encodes and decodes proxy URLs for a single endpoint.
type Codec struct {
	endpoint *url.URL
}

// New creates a Codec for the endpoint at path, optionally rooted at an
// absolute publicURL. With an empty publicURL, encoded URLs are root-relative.
func New(publicURL, path string) (*Codec, error) {
	if path == "" || path[0] != '/' {
		return nil, fmt.Errorf("codec: endpoint path must start with '/'; got %q", path)
	}
	ep := &url.URL{Path: path}
	if publicURL != "" {
		base, err := url.Parse(publicURL)
		if err != nil {
			return nil, fmt.Errorf("codec: parse public url: %w", err)
		}
		if base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("codec: public url must be absolute; got %q", publicURL)
		}
		ep.Scheme = base.Scheme
		ep.Host = base.Host
		ep.Path = strings.TrimSuffix(base.Path, "/") + path
	}
	return &Codec{endpoint: ep}, nil
}

// NewFromConfig creates a Codec from the server section of cfg.
func NewFromConfig(cfg *config.Config) (*Codec, error) {
	return New(cfg.Server.PublicURL, cfg.Server.ProxyPath)
}

// Endpoint returns the proxy endpoint URL without a query.
func (c *Codec) Endpoint() string {
	return c.endpoint.String()
}

// Encode returns a proxy URL that fetches target with headers.
// If target is itself a proxy URL of this endpoint it is unwrapped first, so
// repeated rewrite passes never nest. Headers carried by the inner URL take
// precedence over headers passed here.
func (c *Codec) Encode(target string, headers map[string]string) string {
	merged := make(map[string]string, len(headers))
	for k, v := range headers {
		merged[k] = v
	}

	if u, err := url.Parse(target); err == nil && c.isSelf(u) {
		if inner, err := c.Decode(u.Query()); err == nil {
			target = inner.Target.String()
			for k, v := range inner.Headers {
				merged[k] = v
			}
		}
	}

	var b strings.Builder
	b.WriteString(c.endpoint.String())
	b.WriteString("?" + ParamURL + "=")
	b.WriteString(url.QueryEscape(target))
	if len(merged) > 0 {
		// A map[string]string always marshals.
		data, _ := json.Marshal(merged)
		b.WriteString("&" + ParamHeaders + "=")
		b.WriteString(url.QueryEscape(string(data)))
	}
	return b.String()
}

// Decode extracts the target and header context from the query of an inbound
// proxy request. Connection-management headers are dropped from the context.
// A target that is itself a proxy URL of this endpoint is unwrapped, with the
// inner header context taking precedence.
func (c *Codec) Decode(query url.Values) (*model.ProxyRequest, error) {
	pr, err := decodeQuery(query)
	if err != nil {
		return nil, err
	}
	for i := 0; i < maxUnwrapDepth; i++ {
		if !c.isSelf(pr.Target) {
			return pr, nil
		}
		inner, err := decodeQuery(pr.Target.Query())
		if err != nil {
			return nil, err
		}
		for k, v := range inner.Headers {
			pr.Headers[k] = v
		}
		pr.Target = inner.Target
	}
	return nil, fmt.Errorf("%w: more than %d nested proxy layers", ErrMalformedProxyURL, maxUnwrapDepth)
}

func decodeQuery(query url.Values) (*model.ProxyRequest, error) {
	raw := query.Get(ParamURL)
	if raw == "" {
		return nil, fmt.Errorf("%w: missing %s parameter", ErrMalformedProxyURL, ParamURL)
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s parameter: %v", ErrMalformedProxyURL, ParamURL, err)
	}
	if !target.IsAbs() || target.Host == "" {
		return nil, fmt.Errorf("%w: %s parameter must be an absolute URL", ErrMalformedProxyURL, ParamURL)
	}
	if s := strings.ToLower(target.Scheme); s != "http" && s != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrMalformedProxyURL, target.Scheme)
	}

	headers := make(map[string]string)
	if rawHeaders := query.Get(ParamHeaders); rawHeaders != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(rawHeaders), &parsed); err != nil {
			return nil, fmt.Errorf("%w: %s parameter: %v", ErrMalformedProxyURL, ParamHeaders, err)
		}
		for k, v := range parsed {
			if strings.TrimSpace(k) == "" || model.IsHopByHop(k) {
				continue
			}
			headers[k] = v
		}
	}

	return &model.ProxyRequest{Target: target, Headers: headers}, nil
}

// DecodeURL decodes a complete proxy URL previously produced by Encode.
func (c *Codec) DecodeURL(raw string) (*model.ProxyRequest, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProxyURL, err)
	}
	if u.Path != c.endpoint.Path {
		return nil, fmt.Errorf("%w: path %q is not the proxy endpoint", ErrMalformedProxyURL, u.Path)
	}
	return c.Decode(u.Query())
}

// IsProxyURL reports whether raw points at this proxy endpoint.
func (c *Codec) IsProxyURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return c.isSelf(u)
}

func (c *Codec) isSelf(u *url.URL) bool {
	if u.Path != c.endpoint.Path || !u.Query().Has(ParamURL) {
		return false
	}
	if c.endpoint.Host == "" {
		return u.Host == ""
	}
	// Scheme is ignored: TLS is often terminated in front of the proxy.
	return strings.EqualFold(u.Host, c.endpoint.Host)
}
