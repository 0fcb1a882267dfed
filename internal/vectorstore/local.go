package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentmem/internal/ingest"
	"github.com/fyrsmithlabs/agentmem/internal/logging"
)

const (
	localCollection = "agentmem"

	// chromem keeps only normalized vectors, so the raw norm is stored
	// alongside to recover l2 and inner product distances.
	normKey = reservedPrefix + "norm"
	// typeKeyPrefix + key records the scalar type of non-string values.
	typeKeyPrefix = reservedPrefix + "t_"
)

// LocalConfig configures a LocalAdapter.
type LocalConfig struct {
	// OutputDir holds the manifest and the chromem index. Required.
	OutputDir string
	// Metric is fixed once the first document is stored. Defaults to cosine.
	Metric Metric
	// Compress gzips the persisted index files.
	Compress bool
	// Timeout applies to calls whose context has no deadline. Defaults to 30s.
	Timeout time.Duration
	Hooks   Hooks
	Ingest  ingest.Options
}

// LocalAdapter stores documents in an embedded, file-persisted chromem-go
// index under OutputDir.
type LocalAdapter struct {
	core

	mu       sync.Mutex
	dir      string
	metric   Metric
	db       *chromem.DB
	coll     *chromem.Collection
	manifest *manifest
	used     bool
}

// NewLocalAdapter opens or creates the index in cfg.OutputDir. Reopening an
// index that already holds documents with a different metric fails with
// ErrConfig.
func NewLocalAdapter(cfg LocalConfig, embedder Embedder, logger *logging.Logger) (*LocalAdapter, error) {
	metric, err := ParseMetric(string(cfg.Metric))
	if err != nil {
		return nil, newError(BackendLocal, "open", ErrConfig, err)
	}
	if cfg.OutputDir == "" {
		return nil, newError(BackendLocal, "open", ErrConfig, errors.New("output directory is required"))
	}
	c, err := newCore(BackendLocal, embedder, cfg.Hooks, cfg.Timeout, cfg.Ingest, logger)
	if err != nil {
		return nil, err
	}

	dir, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return nil, c.fail("open", ErrConfig, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, c.fail("open", ErrConfig, fmt.Errorf("creating output directory: %w", err))
	}

	m, err := readManifest(dir)
	if err != nil {
		return nil, c.fail("open", ErrConfig, err)
	}
	switch {
	case m == nil:
		m = &manifest{Version: manifestVersion, Metric: metric, CreatedAt: time.Now().UTC()}
		if err := writeManifest(dir, m); err != nil {
			return nil, c.fail("open", ErrConfig, err)
		}
	case m.Metric != metric && m.used():
		return nil, c.fail("open", ErrConfig,
			fmt.Errorf("index in %s was built with metric %q, cannot reopen with %q", dir, m.Metric, metric))
	case m.Metric != metric:
		m.Metric = metric
		if err := writeManifest(dir, m); err != nil {
			return nil, c.fail("open", ErrConfig, err)
		}
	}

	ctx := context.Background()
	db, err := openIndex(ctx, filepath.Join(dir, "index"), filepath.Join(dir, ".quarantine"), cfg.Compress, c.logger)
	if err != nil {
		return nil, c.fail("open", ErrBackendUnavailable, err)
	}

	a := &LocalAdapter{
		core:     c,
		dir:      dir,
		metric:   metric,
		db:       db,
		manifest: m,
		used:     m.used(),
	}
	// vectors are always supplied, the function only guards against
	// chromem falling back to its default remote embedder
	coll, err := db.GetOrCreateCollection(localCollection, nil, func(ctx context.Context, text string) ([]float32, error) {
		return a.embedder.EmbedQuery(ctx, text)
	})
	if err != nil {
		return nil, c.fail("open", ErrBackendUnavailable, err)
	}
	a.coll = coll

	c.logger.Info(ctx, "local index opened",
		zap.String("path", dir),
		zap.String("metric", string(metric)),
		zap.Int("documents", coll.Count()),
	)
	return a, nil
}

// Metric returns the index metric.
func (a *LocalAdapter) Metric() Metric {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metric
}

// SetMetric changes the metric of an index that has not been used yet.
// After the first Add or Query any change fails with ErrConfig.
func (a *LocalAdapter) SetMetric(m Metric) error {
	m, err := ParseMetric(string(m))
	if err != nil {
		return a.fail("set_metric", ErrConfig, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if m == a.metric {
		return nil
	}
	if a.used {
		return a.fail("set_metric", ErrConfig,
			fmt.Errorf("metric is fixed to %q after first use, rebuild the index to change it", a.metric))
	}
	next := *a.manifest
	next.Metric = m
	if err := writeManifest(a.dir, &next); err != nil {
		return a.fail("set_metric", ErrConfig, err)
	}
	a.manifest = &next
	a.metric = m
	return nil
}

func (a *LocalAdapter) Add(ctx context.Context, text string, metadata Metadata) (id string, err error) {
	ctx, span := tracer.Start(ctx, "local.Add")
	start := time.Now()
	defer func() { a.finishSpan(span, "add", start, err) }()

	if err := validateScalars(metadata); err != nil {
		return "", a.fail("add", ErrEmbedding, err)
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	text, vec, err := a.embedDocument(ctx, text)
	if err != nil {
		return "", a.fail("add", ErrEmbedding, err)
	}
	norm := vectorNorm(vec)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return "", a.fail("add", ErrEmbedding, errors.New("embedder returned a zero or non-finite vector"))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkDimension(len(vec)); err != nil {
		return "", a.fail("add", ErrEmbedding, err)
	}

	id = uuid.NewString()
	doc := chromem.Document{
		ID:        id,
		Content:   text,
		Metadata:  encodeMetadata(metadata, norm),
		Embedding: slices.Clone(vec),
	}
	if err := a.coll.AddDocument(ctx, doc); err != nil {
		return "", a.fail("add", ErrQuery, err)
	}
	a.used = true

	DocumentsAdded.WithLabelValues(BackendLocal).Inc()
	span.SetAttributes(attribute.String("id", id))
	a.logger.Debug(ctx, "document added", zap.String("id", id), zap.Int("dimension", len(vec)))
	return id, nil
}

// checkDimension pins the index dimension on first add. Caller holds a.mu.
func (a *LocalAdapter) checkDimension(dim int) error {
	switch a.manifest.Dimension {
	case dim:
		return nil
	case 0:
		next := *a.manifest
		next.Dimension = dim
		if err := writeManifest(a.dir, &next); err != nil {
			return err
		}
		a.manifest = &next
		return nil
	default:
		return fmt.Errorf("vector dimension %d does not match index dimension %d", dim, a.manifest.Dimension)
	}
}

func (a *LocalAdapter) Query(ctx context.Context, text string, nResults int, filter Filter) (results []QueryResult, err error) {
	ctx, span := tracer.Start(ctx, "local.Query")
	start := time.Now()
	defer func() { a.finishSpan(span, "query", start, err) }()
	span.SetAttributes(attribute.Int("n_results", nResults))

	if nResults < 1 {
		return nil, a.fail("query", ErrQuery, fmt.Errorf("n_results must be >= 1, got %d", nResults))
	}
	if err := validateScalars(filter); err != nil {
		return nil, a.fail("query", ErrQuery, err)
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	vec, err := a.embedQuery(ctx, text)
	if err != nil {
		return nil, a.fail("query", ErrQuery, err)
	}
	qnorm := vectorNorm(vec)
	if qnorm == 0 || math.IsNaN(qnorm) || math.IsInf(qnorm, 0) {
		return nil, a.fail("query", ErrQuery, fmt.Errorf("%w: zero or non-finite query vector", ErrEmbedding))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.used = true

	count := a.coll.Count()
	if count == 0 {
		return []QueryResult{}, nil
	}
	if dim := a.manifest.Dimension; dim > 0 && len(vec) != dim {
		return nil, a.fail("query", ErrQuery, fmt.Errorf("query dimension %d does not match index dimension %d", len(vec), dim))
	}

	// chromem ranks by cosine similarity; other metrics and postprocessors
	// can reorder or drop candidates, so those rank the full set
	n := nResults
	if a.metric != MetricCosine || a.hooks.Postprocess != nil {
		n = count
	}
	n = min(n, count)

	raw, err := a.coll.QueryEmbedding(ctx, slices.Clone(vec), n, encodeFilter(filter), nil)
	if err != nil {
		return nil, a.fail("query", ErrQuery, err)
	}

	results = make([]QueryResult, 0, len(raw))
	for _, r := range raw {
		md, dnorm := decodeMetadata(r.Metadata)
		results = append(results, QueryResult{
			ID:       r.ID,
			Text:     r.Content,
			Metadata: md,
			Distance: a.distance(r.Similarity, qnorm, dnorm),
			Score:    r.Similarity,
		})
	}
	results = a.normalize(results, nResults)

	span.SetAttributes(attribute.Int("results", len(results)))
	a.logger.Debug(ctx, "query served", zap.Int("candidates", len(raw)), zap.Int("results", len(results)))
	return results, nil
}

// distance converts chromem's cosine similarity into the metric's distance
// using the stored vector norms.
func (a *LocalAdapter) distance(sim float32, qnorm, dnorm float64) float32 {
	cos := float64(sim)
	if dnorm == 0 {
		dnorm = 1
	}
	switch a.metric {
	case MetricL2:
		return float32(max(0, qnorm*qnorm+dnorm*dnorm-2*qnorm*dnorm*cos))
	case MetricIP:
		return float32(1 - qnorm*dnorm*cos)
	default:
		return float32(1 - cos)
	}
}

func (a *LocalAdapter) TraverseDirectory(ctx context.Context, path string) (TraverseReport, error) {
	return a.traverse(ctx, path, func(ctx context.Context, text string, md map[string]any) (string, error) {
		return a.Add(ctx, text, md)
	})
}

func (a *LocalAdapter) Delete(ctx context.Context, ids ...string) (err error) {
	ctx, span := tracer.Start(ctx, "local.Delete")
	start := time.Now()
	defer func() { a.finishSpan(span, "delete", start, err) }()

	if len(ids) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.coll.Delete(ctx, nil, nil, ids...); err != nil {
		return a.fail("delete", ErrQuery, err)
	}
	return nil
}

func (a *LocalAdapter) DeleteWhere(ctx context.Context, filter Filter) (err error) {
	ctx, span := tracer.Start(ctx, "local.DeleteWhere")
	start := time.Now()
	defer func() { a.finishSpan(span, "delete", start, err) }()

	if len(filter) == 0 {
		return a.fail("delete", ErrQuery, errors.New("filter is required"))
	}
	if err := validateScalars(filter); err != nil {
		return a.fail("delete", ErrQuery, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.coll.Delete(ctx, encodeFilter(filter), nil); err != nil {
		return a.fail("delete", ErrQuery, err)
	}
	return nil
}

func (a *LocalAdapter) Count(context.Context) (int, error) {
	return a.coll.Count(), nil
}

// Close is a no-op; chromem persists every write immediately.
func (a *LocalAdapter) Close() error {
	a.logger.Debug(context.Background(), "local index closed", zap.String("path", a.dir))
	return nil
}

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// encodeScalar renders a validated scalar the same way for stored metadata
// and filters, so chromem's string equality matches typed values.
func encodeScalar(v any) (s string, typ string) {
	switch val := v.(type) {
	case string:
		return val, ""
	case bool:
		return strconv.FormatBool(val), "b"
	}
	if n, ok := toInt64(v); ok {
		return strconv.FormatInt(n, 10), "i"
	}
	if f, ok := toFloat64(v); ok {
		return strconv.FormatFloat(f, 'g', -1, 64), "f"
	}
	return fmt.Sprint(v), ""
}

func encodeMetadata(md Metadata, norm float64) map[string]string {
	out := make(map[string]string, len(md)+1)
	for k, v := range md {
		s, typ := encodeScalar(v)
		out[k] = s
		if typ != "" {
			out[typeKeyPrefix+k] = typ
		}
	}
	out[normKey] = strconv.FormatFloat(norm, 'g', -1, 64)
	return out
}

func encodeFilter(f Filter) map[string]string {
	if len(f) == 0 {
		return nil
	}
	out := make(map[string]string, len(f))
	for k, v := range f {
		out[k], _ = encodeScalar(v)
	}
	return out
}

func decodeMetadata(stored map[string]string) (Metadata, float64) {
	md := make(Metadata, len(stored))
	var norm float64
	for k, s := range stored {
		switch {
		case k == normKey:
			norm, _ = strconv.ParseFloat(s, 64)
			continue
		case strings.HasPrefix(k, reservedPrefix):
			continue
		}
		var v any = s
		switch stored[typeKeyPrefix+k] {
		case "b":
			if b, err := strconv.ParseBool(s); err == nil {
				v = b
			}
		case "i":
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				v = n
			}
		case "f":
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				v = f
			}
		}
		md[k] = v
	}
	return md, norm
}
