package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/fyrsmithlabs/agentmem/internal/ingest"
	"github.com/fyrsmithlabs/agentmem/internal/logging"
)

const (
	// DefaultRemotePort is the Qdrant gRPC port.
	DefaultRemotePort = 6334

	cloudDomain    = "cloud.qdrant.io"
	textPayloadKey = reservedPrefix + "text"
	maxMessageSize = 50 << 20

	// query page size with a postprocessor: n*postprocessOverfetch, at
	// least postprocessMinPage
	postprocessOverfetch = 4
	postprocessMinPage   = 32
)

// RemoteConfig configures a RemoteAdapter backed by Qdrant Cloud.
type RemoteConfig struct {
	// APIKey authenticates every request. Required.
	APIKey string
	// Environment is the cloud region, e.g. "us-east4-0.gcp". Required.
	Environment string
	// IndexName is the Qdrant collection. Required.
	IndexName string

	// Cluster is the cluster ID used to derive the cloud endpoint
	// <cluster>.<environment>.cloud.qdrant.io when Host is empty.
	Cluster string
	// Host overrides the derived endpoint, e.g. for a self-hosted instance.
	Host   string
	Port   int
	UseTLS bool

	// Metric is the collection distance used when the collection is created.
	Metric Metric

	// MaxAttempts bounds tries per call on transient failures. Defaults to 3.
	MaxAttempts int
	// RetryBackoff is the first retry delay, doubling per attempt up to 8x
	// with ±50% jitter. Defaults to 500ms.
	RetryBackoff time.Duration
	// MaxElapsed caps total retry time per call. Defaults to 10s.
	MaxElapsed time.Duration
	// RateLimit caps requests per second. 0 disables limiting.
	RateLimit float64

	Timeout time.Duration
	Hooks   Hooks
	Ingest  ingest.Options

	// LoggerConfig builds the adapter's logger when none is passed to the
	// constructor.
	LoggerConfig *logging.Config
}

// endpoint resolves the host, port and TLS setting to dial.
func (c RemoteConfig) endpoint() (host string, port int, useTLS bool, err error) {
	if c.Host != "" {
		host, port, useTLS = c.Host, c.Port, c.UseTLS
		if h, p, splitErr := net.SplitHostPort(c.Host); splitErr == nil {
			n, convErr := strconv.Atoi(p)
			if convErr != nil {
				return "", 0, false, fmt.Errorf("invalid port in host %q", c.Host)
			}
			host, port = h, n
		}
		if port == 0 {
			port = DefaultRemotePort
		}
		return host, port, useTLS, nil
	}
	if c.Cluster == "" {
		return "", 0, false, errors.New("either host or cluster is required")
	}
	return c.Cluster + "." + c.Environment + "." + cloudDomain, DefaultRemotePort, true, nil
}

func (c RemoteConfig) validate() error {
	var errs []error
	if c.APIKey == "" {
		errs = append(errs, errors.New("api key is required"))
	}
	if c.Environment == "" {
		errs = append(errs, errors.New("environment is required"))
	}
	if c.IndexName == "" {
		errs = append(errs, errors.New("index name is required"))
	}
	if c.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("max attempts must be >= 1, got %d", c.MaxAttempts))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must be >= 0, got %v", c.RateLimit))
	}
	return errors.Join(errs...)
}

// pointClient is the subset of *qdrant.Client the adapter uses.
type pointClient interface {
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Count(ctx context.Context, request *qdrant.CountPoints) (uint64, error)
	Close() error
}

// RemoteAdapter stores documents in a Qdrant collection over gRPC. Transient
// failures are retried with exponential backoff; credential failures are
// reported as ErrConfig without retrying.
type RemoteAdapter struct {
	core

	client       pointClient
	collection   string
	distance     qdrant.Distance
	maxAttempts  int
	retryBackoff time.Duration
	maxElapsed   time.Duration
	limiter      *rate.Limiter

	mu     sync.Mutex
	exists bool
}

// NewRemoteAdapter validates cfg and builds a gRPC client. The connection is
// established lazily, so a bad API key surfaces on the first call.
func NewRemoteAdapter(cfg RemoteConfig, embedder Embedder, logger *logging.Logger) (*RemoteAdapter, error) {
	if err := cfg.validate(); err != nil {
		return nil, newError(BackendRemote, "open", ErrConfig, err)
	}
	host, port, useTLS, err := cfg.endpoint()
	if err != nil {
		return nil, newError(BackendRemote, "open", ErrConfig, err)
	}
	if logger == nil && cfg.LoggerConfig != nil {
		if logger, err = logging.NewLogger(cfg.LoggerConfig, nil); err != nil {
			return nil, newError(BackendRemote, "open", ErrConfig, err)
		}
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:                   host,
		Port:                   port,
		APIKey:                 cfg.APIKey,
		UseTLS:                 useTLS,
		SkipCompatibilityCheck: true,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(maxMessageSize),
				grpc.MaxCallSendMsgSize(maxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, newError(BackendRemote, "open", ErrConfig, err)
	}

	a, err := newRemoteAdapter(cfg, client, embedder, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	a.logger.Info(context.Background(), "remote index configured",
		zap.String("host", host),
		zap.Int("port", port),
		zap.Bool("tls", useTLS),
		zap.String("collection", cfg.IndexName),
	)
	if !useTLS {
		a.logger.Warn(context.Background(), "remote gRPC connection is not encrypted")
	}
	return a, nil
}

func newRemoteAdapter(cfg RemoteConfig, client pointClient, embedder Embedder, logger *logging.Logger) (*RemoteAdapter, error) {
	if err := cfg.validate(); err != nil {
		return nil, newError(BackendRemote, "open", ErrConfig, err)
	}
	metric, err := ParseMetric(string(cfg.Metric))
	if err != nil {
		return nil, newError(BackendRemote, "open", ErrConfig, err)
	}
	c, err := newCore(BackendRemote, embedder, cfg.Hooks, cfg.Timeout, cfg.Ingest, logger)
	if err != nil {
		return nil, err
	}

	a := &RemoteAdapter{
		core:         c,
		client:       client,
		collection:   cfg.IndexName,
		distance:     qdrantDistance(metric),
		maxAttempts:  cfg.MaxAttempts,
		retryBackoff: cfg.RetryBackoff,
		maxElapsed:   cfg.MaxElapsed,
	}
	if a.maxAttempts == 0 {
		a.maxAttempts = 3
	}
	if a.retryBackoff <= 0 {
		a.retryBackoff = 500 * time.Millisecond
	}
	if a.maxElapsed <= 0 {
		a.maxElapsed = 10 * time.Second
	}
	if cfg.RateLimit > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(math.Ceil(cfg.RateLimit))))
	}
	return a, nil
}

func qdrantDistance(m Metric) qdrant.Distance {
	switch m {
	case MetricL2:
		return qdrant.Distance_Euclid
	case MetricIP:
		return qdrant.Distance_Dot
	default:
		return qdrant.Distance_Cosine
	}
}

// classify maps a client failure to an error kind.
func (a *RemoteAdapter) classify(ctx context.Context, op string, fallback, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return a.fail(op, ErrTimeout, err)
	case IsAuthError(err):
		return a.fail(op, ErrConfig, err)
	case errors.Is(err, errRetriesExhausted), IsTransientError(err):
		return a.fail(op, ErrBackendUnavailable, err)
	default:
		return a.fail(op, fallback, err)
	}
}

// collectionExists asks the service once and remembers a positive answer.
// Caller holds a.mu.
func (a *RemoteAdapter) collectionExists(ctx context.Context) (bool, error) {
	if a.exists {
		return true, nil
	}
	exists, err := retry(ctx, a, "collection_exists", func(ctx context.Context) (bool, error) {
		return a.client.CollectionExists(ctx, a.collection)
	})
	if err != nil {
		return false, err
	}
	a.exists = exists
	return exists, nil
}

// ensureCollection creates the collection on first write. Caller holds a.mu.
func (a *RemoteAdapter) ensureCollection(ctx context.Context, dim int) error {
	exists, err := a.collectionExists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		_, err = retry(ctx, a, "create_collection", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: a.collection,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(dim),
					Distance: a.distance,
				}),
			})
		})
		if err != nil {
			return err
		}
		a.logger.Info(ctx, "collection created",
			zap.String("collection", a.collection),
			zap.Int("dimension", dim),
			zap.String("distance", a.distance.String()),
		)
	}
	a.exists = true
	return nil
}

func (a *RemoteAdapter) Add(ctx context.Context, text string, metadata Metadata) (id string, err error) {
	ctx, span := tracer.Start(ctx, "remote.Add")
	start := time.Now()
	defer func() { a.finishSpan(span, "add", start, err) }()
	span.SetAttributes(attribute.String("collection", a.collection))

	if err := validateScalars(metadata); err != nil {
		return "", a.fail("add", ErrEmbedding, err)
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	text, vec, err := a.embedDocument(ctx, text)
	if err != nil {
		return "", a.fail("add", ErrEmbedding, err)
	}

	payload := make(map[string]*qdrant.Value, len(metadata)+1)
	payload[textPayloadKey] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: text}}
	for k, v := range metadata {
		payload[k] = toQdrantValue(v)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureCollection(ctx, len(vec)); err != nil {
		return "", a.classify(ctx, "add", ErrQuery, err)
	}

	id = uuid.NewString()
	_, err = retry(ctx, a, "upsert", func(ctx context.Context) (*qdrant.UpdateResult, error) {
		return a.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: a.collection,
			Wait:           qdrant.PtrOf(true),
			Points: []*qdrant.PointStruct{{
				Id:      qdrant.NewIDUUID(id),
				Vectors: qdrant.NewVectors(vec...),
				Payload: payload,
			}},
		})
	})
	if err != nil {
		return "", a.classify(ctx, "add", ErrQuery, err)
	}

	DocumentsAdded.WithLabelValues(BackendRemote).Inc()
	a.logger.Debug(ctx, "document added", zap.String("id", id))
	return id, nil
}

func (a *RemoteAdapter) Query(ctx context.Context, text string, nResults int, filter Filter) (results []QueryResult, err error) {
	ctx, span := tracer.Start(ctx, "remote.Query")
	start := time.Now()
	defer func() { a.finishSpan(span, "query", start, err) }()
	span.SetAttributes(attribute.String("collection", a.collection), attribute.Int("n_results", nResults))

	if nResults < 1 {
		return nil, a.fail("query", ErrQuery, fmt.Errorf("n_results must be >= 1, got %d", nResults))
	}
	qfilter, err := toQdrantFilter(filter)
	if err != nil {
		return nil, a.fail("query", ErrQuery, err)
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	vec, err := a.embedQuery(ctx, text)
	if err != nil {
		return nil, a.fail("query", ErrQuery, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	exists, err := a.collectionExists(ctx)
	if err != nil {
		return nil, a.classify(ctx, "query", ErrQuery, err)
	}
	if !exists {
		return []QueryResult{}, nil
	}

	// a postprocessor may drop candidates, so fetch pages until enough
	// survive or the collection is exhausted
	limit := nResults
	if a.hooks.Postprocess != nil {
		limit = max(nResults*postprocessOverfetch, postprocessMinPage)
	}
	var offset uint64
	for {
		req := &qdrant.QueryPoints{
			CollectionName: a.collection,
			Query:          qdrant.NewQuery(vec...),
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         qfilter,
		}
		if offset > 0 {
			req.Offset = qdrant.PtrOf(offset)
		}
		points, err := retry(ctx, a, "query", func(ctx context.Context) ([]*qdrant.ScoredPoint, error) {
			return a.client.Query(ctx, req)
		})
		if err != nil {
			return nil, a.classify(ctx, "query", ErrQuery, err)
		}
		for _, p := range points {
			results = append(results, a.toResult(p))
		}
		if a.hooks.Postprocess == nil || len(points) < limit || len(a.normalize(results, nResults)) >= nResults {
			break
		}
		offset += uint64(len(points))
	}
	results = a.normalize(results, nResults)

	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

func (a *RemoteAdapter) toResult(p *qdrant.ScoredPoint) QueryResult {
	r := QueryResult{
		ID:       p.GetId().GetUuid(),
		Metadata: Metadata{},
		Distance: a.normalizeScore(p.GetScore()),
		Score:    p.GetScore(),
	}
	for k, v := range p.GetPayload() {
		if k == textPayloadKey {
			r.Text = v.GetStringValue()
			continue
		}
		if val, ok := fromQdrantValue(v); ok {
			r.Metadata[k] = val
		}
	}
	return r
}

// normalizeScore turns Qdrant's score into a distance: similarity scores for
// cosine and dot, euclidean distance (squared to match the local index) for l2.
func (a *RemoteAdapter) normalizeScore(score float32) float32 {
	if a.distance == qdrant.Distance_Euclid {
		return score * score
	}
	return 1 - score
}

func (a *RemoteAdapter) TraverseDirectory(ctx context.Context, path string) (TraverseReport, error) {
	return a.traverse(ctx, path, func(ctx context.Context, text string, md map[string]any) (string, error) {
		return a.Add(ctx, text, md)
	})
}

func (a *RemoteAdapter) Delete(ctx context.Context, ids ...string) (err error) {
	ctx, span := tracer.Start(ctx, "remote.Delete")
	start := time.Now()
	defer func() { a.finishSpan(span, "delete", start, err) }()

	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			continue // never stored by this adapter
		}
		pointIDs = append(pointIDs, qdrant.NewIDUUID(id))
	}
	if len(pointIDs) == 0 {
		return nil
	}
	return a.deletePoints(ctx, &qdrant.PointsSelector{
		PointsSelectorOneOf: &qdrant.PointsSelector_Points{
			Points: &qdrant.PointsIdsList{Ids: pointIDs},
		},
	})
}

func (a *RemoteAdapter) DeleteWhere(ctx context.Context, filter Filter) (err error) {
	ctx, span := tracer.Start(ctx, "remote.DeleteWhere")
	start := time.Now()
	defer func() { a.finishSpan(span, "delete", start, err) }()

	if len(filter) == 0 {
		return a.fail("delete", ErrQuery, errors.New("filter is required"))
	}
	qfilter, err := toQdrantFilter(filter)
	if err != nil {
		return a.fail("delete", ErrQuery, err)
	}
	return a.deletePoints(ctx, &qdrant.PointsSelector{
		PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: qfilter},
	})
}

func (a *RemoteAdapter) deletePoints(ctx context.Context, selector *qdrant.PointsSelector) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	a.mu.Lock()
	defer a.mu.Unlock()

	exists, err := a.collectionExists(ctx)
	if err != nil {
		return a.classify(ctx, "delete", ErrQuery, err)
	}
	if !exists {
		return nil
	}
	_, err = retry(ctx, a, "delete", func(ctx context.Context) (*qdrant.UpdateResult, error) {
		return a.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: a.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         selector,
		})
	})
	if err != nil {
		return a.classify(ctx, "delete", ErrQuery, err)
	}
	return nil
}

func (a *RemoteAdapter) Count(ctx context.Context) (n int, err error) {
	ctx, span := tracer.Start(ctx, "remote.Count")
	start := time.Now()
	defer func() { a.finishSpan(span, "count", start, err) }()

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	a.mu.Lock()
	defer a.mu.Unlock()

	exists, err := a.collectionExists(ctx)
	if err != nil {
		return 0, a.classify(ctx, "count", ErrQuery, err)
	}
	if !exists {
		return 0, nil
	}
	total, err := retry(ctx, a, "count", func(ctx context.Context) (uint64, error) {
		return a.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: a.collection,
			Exact:          qdrant.PtrOf(true),
		})
	})
	if err != nil {
		return 0, a.classify(ctx, "count", ErrQuery, err)
	}
	return int(total), nil
}

func (a *RemoteAdapter) Close() error {
	if err := a.client.Close(); err != nil {
		return a.fail("close", ErrBackendUnavailable, err)
	}
	return nil
}

func toQdrantValue(v any) *qdrant.Value {
	switch val := v.(type) {
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
	}
	if n, ok := toInt64(v); ok {
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: n}}
	}
	f, _ := toFloat64(v)
	return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: f}}
}

func fromQdrantValue(v *qdrant.Value) (any, bool) {
	switch val := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue, true
	case *qdrant.Value_BoolValue:
		return val.BoolValue, true
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue, true
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue, true
	}
	return nil, false
}

// toQdrantFilter translates exact-match constraints into Must conditions.
// Floats match through a closed range on the single value.
func toQdrantFilter(f Filter) (*qdrant.Filter, error) {
	if len(f) == 0 {
		return nil, nil
	}
	if err := validateScalars(f); err != nil {
		return nil, err
	}
	conditions := make([]*qdrant.Condition, 0, len(f))
	for key, value := range f {
		field := &qdrant.FieldCondition{Key: key}
		switch v := value.(type) {
		case string:
			field.Match = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}}
		case bool:
			field.Match = &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: v}}
		default:
			if n, ok := toInt64(v); ok {
				field.Match = &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: n}}
			} else {
				x, _ := toFloat64(v)
				field.Range = &qdrant.Range{Gte: qdrant.PtrOf(x), Lte: qdrant.PtrOf(x)}
			}
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{Field: field},
		})
	}
	return &qdrant.Filter{Must: conditions}, nil
}
