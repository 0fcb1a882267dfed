package http

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentmem/internal/logging"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/agentmem/internal/http"

// HTTPMetrics records request counts, latency and response sizes through
// the otel meter.
type HTTPMetrics struct {
	meter          metric.Meter
	logger         *logging.Logger
	requestsTotal  metric.Int64Counter
	requestDur     metric.Float64Histogram
	responseSize   metric.Int64Histogram
	activeRequests metric.Int64UpDownCounter
}

// NewHTTPMetrics uses the global meter provider.
func NewHTTPMetrics(logger *logging.Logger) *HTTPMetrics {
	return newHTTPMetrics(otel.Meter(httpInstrumentationName), logger)
}

func newHTTPMetrics(meter metric.Meter, logger *logging.Logger) *HTTPMetrics {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &HTTPMetrics{meter: meter, logger: logger}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	var err error
	warn := func(what string, err error) {
		m.logger.Warn(context.Background(), "failed to create "+what, zap.Error(err))
	}

	m.requestsTotal, err = m.meter.Int64Counter(
		"agentmem.http.requests_total",
		metric.WithDescription("Total HTTP requests by method, route and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		warn("requests counter", err)
	}

	m.requestDur, err = m.meter.Float64Histogram(
		"agentmem.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds by method, route and status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		warn("duration histogram", err)
	}

	m.responseSize, err = m.meter.Int64Histogram(
		"agentmem.http.response_size_bytes",
		metric.WithDescription("HTTP response body size in bytes"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 50000, 100000, 500000),
	)
	if err != nil {
		warn("response size histogram", err)
	}

	m.activeRequests, err = m.meter.Int64UpDownCounter(
		"agentmem.http.active_requests",
		metric.WithDescription("Number of in-flight HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		warn("active requests gauge", err)
	}
}

// MetricsMiddleware returns an Echo middleware that records HTTP metrics.
// Routes are labelled by their pattern, so document IDs never become labels.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := req.Context()

			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, 1)
			}
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			attrs := metric.WithAttributes(
				attribute.String("method", req.Method),
				attribute.String("route", routeLabel(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if m.requestsTotal != nil {
				m.requestsTotal.Add(ctx, 1, attrs)
			}
			if m.requestDur != nil {
				m.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.responseSize != nil {
				m.responseSize.Record(ctx, c.Response().Size, attrs)
			}
			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, -1)
			}
			return nil
		}
	}
}

// routeLabel names unmatched requests so they share one series.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
