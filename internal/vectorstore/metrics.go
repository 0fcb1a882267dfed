package vectorstore

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("agentmem.vectorstore")

var (
	// OperationsTotal counts adapter operations.
	// Labels: backend (local, remote), op, result (ok or the error kind)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentmem",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Total number of adapter operations by result",
		},
		[]string{"backend", "op", "result"},
	)

	// OperationDuration tracks adapter operation latency.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentmem",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of adapter operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// RetriesTotal counts retried remote calls.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentmem",
			Subsystem: "vectorstore",
			Name:      "retries_total",
			Help:      "Total number of retried backend calls",
		},
		[]string{"backend", "op"},
	)

	// DocumentsAdded counts stored documents.
	DocumentsAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentmem",
			Subsystem: "vectorstore",
			Name:      "documents_added_total",
			Help:      "Total number of documents added",
		},
		[]string{"backend"},
	)
)

func observe(backend, op string, start time.Time, err error) {
	OperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	OperationsTotal.WithLabelValues(backend, op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrEmbedding):
		return "embedding"
	case errors.Is(err, ErrBackendUnavailable):
		return "unavailable"
	case errors.Is(err, ErrPath):
		return "path"
	default:
		return "query"
	}
}
