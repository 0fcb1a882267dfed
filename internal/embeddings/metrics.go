package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/agentmem/internal/embeddings"

// Metrics records embedding latency, batch size and errors through the
// global OpenTelemetry meter provider.
type Metrics struct {
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
	cache     metric.Int64Counter
}

// NewMetrics creates instruments on the global meter. Instruments that fail
// to register are left nil and skipped.
func NewMetrics() *Metrics {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}

	m.duration, _ = meter.Float64Histogram(
		"agentmem.embedding.duration_seconds",
		metric.WithDescription("Duration of embedding generation by provider, model and operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	m.batchSize, _ = meter.Int64Histogram(
		"agentmem.embedding.batch_size",
		metric.WithDescription("Number of texts per embedding request"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250),
	)
	m.errors, _ = meter.Int64Counter(
		"agentmem.embedding.errors_total",
		metric.WithDescription("Embedding generation errors by provider, model and operation"),
		metric.WithUnit("{error}"),
	)
	m.cache, _ = meter.Int64Counter(
		"agentmem.embedding.cache_total",
		metric.WithDescription("Embedding cache lookups by result (hit, miss)"),
		metric.WithUnit("{lookup}"),
	)
	return m
}

// RecordGeneration records one provider call.
func (m *Metrics) RecordGeneration(ctx context.Context, provider, model, operation string, d time.Duration, batch int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("operation", operation),
	)
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if batch > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batch), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

// RecordCache records a cache hit or miss.
func (m *Metrics) RecordCache(ctx context.Context, hit bool) {
	if m == nil || m.cache == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
