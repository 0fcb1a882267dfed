package vectorstore

import (
	"fmt"
	"math"
	"strings"

	"github.com/fyrsmithlabs/agentmem/internal/ingest"
)

// reservedPrefix marks keys the adapters store alongside user metadata.
const reservedPrefix = "_am_"

// Metadata maps keys to scalar values: string, bool, integer or float kinds.
//
// Values come back from Query normalized: integer kinds as int64, float kinds
// as float64.
type Metadata map[string]any

// Filter is an exact-match constraint on metadata, evaluated by the backend.
type Filter map[string]any

// Document is a unit of text to be embedded and stored.
type Document struct {
	Text     string
	Metadata Metadata
}

// QueryResult is one normalized match.
type QueryResult struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
	// Distance is the normalized relevance key, lower is more relevant for
	// every backend and metric.
	Distance float32 `json:"distance"`
	// Score is the backend's native similarity value.
	Score float32 `json:"score"`
}

// TraverseReport summarizes a TraverseDirectory call.
type TraverseReport = ingest.Report

// Metric is the distance function an index is built with.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
	MetricIP     Metric = "ip"
)

// ParseMetric validates a metric name. Empty means cosine.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return MetricCosine, nil
	case MetricCosine, MetricL2, MetricIP:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown metric %q (want cosine, l2 or ip)", ErrConfig, s)
	}
}

// validateScalars checks that every value is a supported scalar and no key
// collides with the adapters' reserved keys.
func validateScalars(m map[string]any) error {
	for k, v := range m {
		if k == "" {
			return fmt.Errorf("%w: empty key", ErrInvalidMetadata)
		}
		if strings.HasPrefix(k, reservedPrefix) {
			return fmt.Errorf("%w: key %q uses reserved prefix %q", ErrInvalidMetadata, k, reservedPrefix)
		}
		switch val := v.(type) {
		case string, bool:
		case int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64:
			if _, ok := toInt64(v); !ok {
				return fmt.Errorf("%w: key %q overflows int64", ErrInvalidMetadata, k)
			}
		case float32:
			if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
				return fmt.Errorf("%w: key %q is not a finite number", ErrInvalidMetadata, k)
			}
		case float64:
			if math.IsNaN(val) || math.IsInf(val, 0) {
				return fmt.Errorf("%w: key %q is not a finite number", ErrInvalidMetadata, k)
			}
		default:
			return fmt.Errorf("%w: key %q has non-scalar value of type %T", ErrInvalidMetadata, k, v)
		}
	}
	return nil
}

// toInt64 reports whether v is an integer kind and returns it widened.
// uint64 values above math.MaxInt64 are rejected.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), uint64(n) <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
