// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency. Segment downloads can take
// much longer than playlist fetches, hence the long tail.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamFailures  *prometheus.CounterVec

	PlaylistsRewritten *prometheus.CounterVec
	URIsRewritten      prometheus.Counter
	BytesStreamed      prometheus.Counter

	prefixes []string
}

// knownPrefixes lists the default path label values (bounded cardinality).
var knownPrefixes = []string{"/proxy", "/sources", "/healthz", "/status", "/metrics"}

// New creates a Metrics instance with a custom registry and all collectors registered.
// routes adds path label values beyond the built-in ones, such as a custom
// proxy or metrics path.
func New(routes ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamproxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamproxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamproxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamproxy_upstream_request_duration_seconds",
			Help:    "Time to upstream response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamproxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamproxy_upstream_failures_total",
			Help: "Upstream requests that produced no response, by reason.",
		}, []string{"reason"}),

		PlaylistsRewritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamproxy_playlists_rewritten_total",
			Help: "Playlists rewritten, by kind (master or media).",
		}, []string{"kind"}),

		URIsRewritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamproxy_uris_rewritten_total",
			Help: "URI references replaced with proxy URLs.",
		}),

		BytesStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamproxy_bytes_streamed_total",
			Help: "Response body bytes written to clients.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamFailures,
		m.PlaylistsRewritten,
		m.URIsRewritten,
		m.BytesStreamed,
	)

	m.prefixes = append(m.prefixes, knownPrefixes...)
	for _, r := range routes {
		if r != "" && r[0] == '/' {
			m.prefixes = append(m.prefixes, strings.TrimSuffix(r, "/"))
		}
	}

	return m
}

// PathLabel returns a bounded path label using the built-in and configured routes.
func (m *Metrics) PathLabel(path string) string {
	return normalize(path, m.prefixes)
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

func normalize(path string, prefixes []string) string {
	for _, prefix := range prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
