package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"streamproxy-go/internal/metrics"
)

// requestCount returns the value of the first requests_total series whose
// labels satisfy match.
func requestCount(t *testing.T, m *metrics.Metrics, match func(map[string]string) bool) (float64, bool) {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "streamproxy_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if match(labels) {
				return metric.GetCounter().GetValue(), true
			}
		}
	}
	return 0, false
}

func TestMetricsMiddleware_IncrementsCounter(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/proxy", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/proxy?url=https%3A%2F%2Fcdn.example%2Fa.ts", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	v, ok := requestCount(t, m, func(l map[string]string) bool { return l["path_prefix"] == "/proxy" })
	if !ok {
		t.Fatal("expected streamproxy_http_requests_total with path_prefix=/proxy")
	}
	if v != 1 {
		t.Errorf("counter value = %v, want 1", v)
	}
}

func TestMetricsMiddleware_CustomProxyPath(t *testing.T) {
	m := metrics.New("/stream/")

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/stream", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/stream", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if _, ok := requestCount(t, m, func(l map[string]string) bool { return l["path_prefix"] == "/stream" }); !ok {
		t.Error("expected streamproxy_http_requests_total with path_prefix=/stream")
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "streamproxy_http_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				if metric.GetHistogram().GetSampleCount() > 0 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected streamproxy_http_request_duration_seconds with at least one sample")
	}
}

func TestMetricsMiddleware_HTTPErrorStatus(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/sources", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	})

	req := httptest.NewRequest(http.MethodGet, "/sources", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	match := func(l map[string]string) bool { return l["path_prefix"] == "/sources" && l["status_code"] == "404" }
	if _, ok := requestCount(t, m, match); !ok {
		t.Error("expected streamproxy_http_requests_total with path_prefix=/sources, status_code=404")
	}
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/proxy", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest("XYZZY", "/proxy", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	match := func(l map[string]string) bool { return l["path_prefix"] == "/proxy" && l["method"] == "other" }
	if _, ok := requestCount(t, m, match); !ok {
		t.Error("expected streamproxy_http_requests_total with path_prefix=/proxy and method=other")
	}
}

func TestMetricsMiddleware_RouterNotFound(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	match := func(l map[string]string) bool {
		return l["path_prefix"] == "other" && l["method"] == "GET" && l["status_code"] == "404"
	}
	if _, ok := requestCount(t, m, match); !ok {
		t.Error("expected streamproxy_http_requests_total with path_prefix=other, method=GET, status_code=404")
	}
}

func TestMetricsMiddleware_SkipsScrapePath(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, "/metrics"))
	e.GET("/metrics", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if _, ok := requestCount(t, m, func(map[string]string) bool { return true }); ok {
		t.Error("scrape requests should not be recorded")
	}
}
