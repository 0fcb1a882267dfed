package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/agentmem/internal/telemetry"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	m := newHTTPMetrics(tt.Meter(httpInstrumentationName), nil)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.DELETE("/api/v1/documents/:id", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	for _, r := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/health", nil),
		httptest.NewRequest(http.MethodDelete, "/api/v1/documents/abc", nil),
		httptest.NewRequest(http.MethodDelete, "/api/v1/documents/def", nil),
	} {
		e.ServeHTTP(httptest.NewRecorder(), r)
	}

	rm, err := tt.Collect(context.Background())
	require.NoError(t, err)
	assert.Subset(t, telemetry.MetricNames(rm), []string{
		"agentmem.http.requests_total",
		"agentmem.http.request_duration_seconds",
		"agentmem.http.response_size_bytes",
	})

	routes := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "agentmem.http.requests_total" {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				route, _ := dp.Attributes.Value("route")
				routes[route.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"/health": 1, "/api/v1/documents/:id": 2}, routes)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/api/v1/query", routeLabel("/api/v1/query"))
}
