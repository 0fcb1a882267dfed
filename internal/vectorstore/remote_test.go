package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeQdrant records requests and replays scripted failures.
type fakeQdrant struct {
	mu sync.Mutex

	exists  bool
	points  []*qdrant.ScoredPoint
	count   uint64
	created []*qdrant.CreateCollection
	upserts []*qdrant.UpsertPoints
	queries []*qdrant.QueryPoints
	deletes []*qdrant.DeletePoints
	calls   map[string]int

	// failures are returned in order per method before succeeding
	failures map[string][]error
	// always fails every call of a method
	always map[string]error
	// block makes every call wait for ctx cancellation
	block bool
	// paginate applies the request's offset and limit to points
	paginate bool
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{
		calls:    map[string]int{},
		failures: map[string][]error{},
		always:   map[string]error{},
	}
}

func (f *fakeQdrant) enter(ctx context.Context, method string) error {
	f.mu.Lock()
	f.calls[method]++
	block := f.block
	var err error
	if e, ok := f.always[method]; ok {
		err = e
	} else if q := f.failures[method]; len(q) > 0 {
		err, f.failures[method] = q[0], q[1:]
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return status.FromContextError(ctx.Err()).Err()
	}
	return err
}

func (f *fakeQdrant) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeQdrant) CollectionExists(ctx context.Context, _ string) (bool, error) {
	if err := f.enter(ctx, "exists"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists, nil
}

func (f *fakeQdrant) CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error {
	if err := f.enter(ctx, "create"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	f.exists = true
	return nil
}

func (f *fakeQdrant) Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	if err := f.enter(ctx, "upsert"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, req)
	f.count += uint64(len(req.GetPoints()))
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	if err := f.enter(ctx, "query"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, req)
	if !f.paginate {
		return f.points, nil
	}
	pts := f.points[min(int(req.GetOffset()), len(f.points)):]
	return pts[:min(int(req.GetLimit()), len(pts))], nil
}

func (f *fakeQdrant) Delete(ctx context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error) {
	if err := f.enter(ctx, "delete"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, req)
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Count(ctx context.Context, _ *qdrant.CountPoints) (uint64, error) {
	if err := f.enter(ctx, "count"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, nil
}

func (f *fakeQdrant) Close() error { return nil }

func testRemoteConfig() RemoteConfig {
	return RemoteConfig{
		APIKey:       "test-key",
		Environment:  "us-east4-0.gcp",
		IndexName:    "memories",
		Cluster:      "abc123",
		RetryBackoff: time.Millisecond,
	}
}

func newTestRemote(t *testing.T, cfg RemoteConfig, client pointClient) *RemoteAdapter {
	t.Helper()
	a, err := newRemoteAdapter(cfg, client, tableEmbedder(map[string][]float32{
		"doc":   {1, 0, 0},
		"query": {0, 1, 0},
	}), nil)
	require.NoError(t, err)
	return a
}

func scored(id string, score float32, payload map[string]*qdrant.Value) *qdrant.ScoredPoint {
	return &qdrant.ScoredPoint{Id: qdrant.NewIDUUID(id), Score: score, Payload: payload}
}

func TestRemoteConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RemoteConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*RemoteConfig) {}},
		{name: "missing api key", mutate: func(c *RemoteConfig) { c.APIKey = "" }, wantErr: "api key"},
		{name: "missing environment", mutate: func(c *RemoteConfig) { c.Environment = "" }, wantErr: "environment"},
		{name: "missing index", mutate: func(c *RemoteConfig) { c.IndexName = "" }, wantErr: "index name"},
		{name: "negative attempts", mutate: func(c *RemoteConfig) { c.MaxAttempts = -1 }, wantErr: "max attempts"},
		{name: "negative rate", mutate: func(c *RemoteConfig) { c.RateLimit = -2 }, wantErr: "rate limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testRemoteConfig()
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewRemoteAdapter_ConfigErrors(t *testing.T) {
	cfg := testRemoteConfig()
	cfg.APIKey = ""
	_, err := NewRemoteAdapter(cfg, EmbedderFunc(nil), nil)
	assert.ErrorIs(t, err, ErrConfig)

	cfg = testRemoteConfig()
	cfg.Cluster = ""
	_, err = NewRemoteAdapter(cfg, EmbedderFunc(nil), nil)
	assert.ErrorIs(t, err, ErrConfig)

	cfg = testRemoteConfig()
	cfg.Metric = "manhattan"
	_, err = newRemoteAdapter(cfg, newFakeQdrant(), EmbedderFunc(nil), nil)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestRemoteConfig_Endpoint(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*RemoteConfig)
		wantHost string
		wantPort int
		wantTLS  bool
		wantErr  bool
	}{
		{
			name:     "derived from cluster",
			mutate:   func(*RemoteConfig) {},
			wantHost: "abc123.us-east4-0.gcp.cloud.qdrant.io",
			wantPort: 6334,
			wantTLS:  true,
		},
		{
			name:     "explicit host",
			mutate:   func(c *RemoteConfig) { c.Host = "qdrant.internal" },
			wantHost: "qdrant.internal",
			wantPort: 6334,
		},
		{
			name:     "host with port",
			mutate:   func(c *RemoteConfig) { c.Host = "localhost:7000"; c.UseTLS = true },
			wantHost: "localhost",
			wantPort: 7000,
			wantTLS:  true,
		},
		{
			name:     "host and port field",
			mutate:   func(c *RemoteConfig) { c.Host = "localhost"; c.Port = 6400 },
			wantHost: "localhost",
			wantPort: 6400,
		},
		{
			name:    "bad port",
			mutate:  func(c *RemoteConfig) { c.Host = "localhost:grpc" },
			wantErr: true,
		},
		{
			name:    "neither host nor cluster",
			mutate:  func(c *RemoteConfig) { c.Cluster = "" },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testRemoteConfig()
			tt.mutate(&cfg)
			host, port, useTLS, err := cfg.endpoint()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
			assert.Equal(t, tt.wantTLS, useTLS)
		})
	}
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"unavailable", status.Error(codes.Unavailable, "down"), true},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), true},
		{"aborted", status.Error(codes.Aborted, "conflict"), true},
		{"resource exhausted", status.Error(codes.ResourceExhausted, "rate limited"), true},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad"), false},
		{"unauthenticated", status.Error(codes.Unauthenticated, "key"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransientError(tt.err))
		})
	}

	assert.True(t, IsAuthError(status.Error(codes.PermissionDenied, "nope")))
	assert.False(t, IsAuthError(errors.New("nope")))
}

func TestRemote_AddCreatesCollection(t *testing.T) {
	ctx := context.Background()
	fake := newFakeQdrant()
	cfg := testRemoteConfig()
	cfg.Metric = MetricL2
	a := newTestRemote(t, cfg, fake)

	id, err := a.Add(ctx, "doc", Metadata{"source": "a.md", "chunk_index": 3, "draft": true, "weight": 0.25})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Len(t, fake.created, 1)
	params := fake.created[0].GetVectorsConfig().GetParams()
	assert.Equal(t, uint64(3), params.GetSize())
	assert.Equal(t, qdrant.Distance_Euclid, params.GetDistance())

	require.Len(t, fake.upserts, 1)
	point := fake.upserts[0].GetPoints()[0]
	assert.Equal(t, id, point.GetId().GetUuid())
	payload := point.GetPayload()
	assert.Equal(t, "doc", payload[textPayloadKey].GetStringValue())
	assert.Equal(t, "a.md", payload["source"].GetStringValue())
	assert.Equal(t, int64(3), payload["chunk_index"].GetIntegerValue())
	assert.True(t, payload["draft"].GetBoolValue())
	assert.InDelta(t, 0.25, payload["weight"].GetDoubleValue(), 1e-9)

	// existence is cached after the first write
	_, err = a.Add(ctx, "doc", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.callCount("exists"))
	assert.Len(t, fake.created, 1)
}

func TestRemote_AddRejectsInvalidInput(t *testing.T) {
	fake := newFakeQdrant()
	a := newTestRemote(t, testRemoteConfig(), fake)

	_, err := a.Add(context.Background(), "doc", Metadata{"nested": Metadata{}})
	assert.ErrorIs(t, err, ErrEmbedding)
	assert.ErrorIs(t, err, ErrInvalidMetadata)

	_, err = a.Add(context.Background(), "unknown text", nil)
	assert.ErrorIs(t, err, ErrEmbedding)

	assert.Zero(t, fake.callCount("upsert"))
}

func TestRemote_UnavailableExhaustsRetries(t *testing.T) {
	fake := newFakeQdrant()
	fake.exists = true
	fake.always["upsert"] = status.Error(codes.Unavailable, "connection refused")
	a := newTestRemote(t, testRemoteConfig(), fake)

	_, err := a.Add(context.Background(), "doc", nil)
	require.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, 3, fake.callCount("upsert"))

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, BackendRemote, e.Backend)
	assert.Equal(t, "add", e.Op)
}

func TestNewBackOff_Doubles(t *testing.T) {
	b := newBackOff(10 * time.Millisecond)
	assert.InDelta(t, 2.0, b.Multiplier, 0)

	b.RandomizationFactor = 0
	var got []time.Duration
	for range 5 {
		got = append(got, b.NextBackOff())
	}
	ms := time.Millisecond
	assert.Equal(t, []time.Duration{10 * ms, 20 * ms, 40 * ms, 80 * ms, 80 * ms}, got)
}

func TestRemote_AuthFailureIsNotRetried(t *testing.T) {
	fake := newFakeQdrant()
	fake.always["exists"] = status.Error(codes.Unauthenticated, "invalid api key")
	a := newTestRemote(t, testRemoteConfig(), fake)

	_, err := a.Query(context.Background(), "query", 1, nil)
	require.ErrorIs(t, err, ErrConfig)
	assert.Equal(t, 1, fake.callCount("exists"))
}

func TestRemote_RejectionIsQueryError(t *testing.T) {
	fake := newFakeQdrant()
	fake.exists = true
	fake.always["query"] = status.Error(codes.InvalidArgument, "wrong vector size")
	a := newTestRemote(t, testRemoteConfig(), fake)

	_, err := a.Query(context.Background(), "query", 1, nil)
	require.ErrorIs(t, err, ErrQuery)
	assert.NotErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, 1, fake.callCount("query"))
}

func TestRemote_TransientThenSuccess(t *testing.T) {
	fake := newFakeQdrant()
	fake.exists = true
	fake.failures["upsert"] = []error{
		status.Error(codes.Unavailable, "blip"),
		status.Error(codes.ResourceExhausted, "slow down"),
	}
	a := newTestRemote(t, testRemoteConfig(), fake)

	retries := RetriesTotal.WithLabelValues(BackendRemote, "upsert")
	before := testutil.ToFloat64(retries)

	_, err := a.Add(context.Background(), "doc", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, fake.callCount("upsert"))
	assert.InDelta(t, 2, testutil.ToFloat64(retries)-before, 0)
}

func TestRemote_QueryMissingCollection(t *testing.T) {
	fake := newFakeQdrant()
	a := newTestRemote(t, testRemoteConfig(), fake)

	results, err := a.Query(context.Background(), "query", 5, nil)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Zero(t, fake.callCount("query"))

	n, err := a.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, a.DeleteWhere(context.Background(), Filter{"source": "a.md"}))
	assert.Zero(t, fake.callCount("delete"))
}

func TestRemote_QueryNormalizesResults(t *testing.T) {
	const (
		idA = "00000000-0000-0000-0000-00000000000a"
		idB = "00000000-0000-0000-0000-00000000000b"
	)
	fake := newFakeQdrant()
	fake.exists = true
	fake.points = []*qdrant.ScoredPoint{
		scored(idB, 0.5, map[string]*qdrant.Value{
			textPayloadKey: qdrant.NewValueString("second"),
			"source":       qdrant.NewValueString("b.md"),
		}),
		scored(idA, 0.9, map[string]*qdrant.Value{
			textPayloadKey: qdrant.NewValueString("first"),
			"source":       qdrant.NewValueString("a.md"),
			"chunk_index":  qdrant.NewValueInt(2),
			"draft":        qdrant.NewValueBool(false),
		}),
		// duplicate of idB with a lower score is dropped
		scored(idB, 0.1, map[string]*qdrant.Value{
			textPayloadKey: qdrant.NewValueString("second"),
		}),
	}
	a := newTestRemote(t, testRemoteConfig(), fake)

	results, err := a.Query(context.Background(), "query", 5, Filter{"source": "a.md"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, idA, results[0].ID)
	assert.Equal(t, "first", results[0].Text)
	assert.InDelta(t, 0.1, results[0].Distance, 1e-6)
	assert.InDelta(t, 0.9, results[0].Score, 1e-6)
	assert.Equal(t, Metadata{"source": "a.md", "chunk_index": int64(2), "draft": false}, results[0].Metadata)

	assert.Equal(t, idB, results[1].ID)
	assert.InDelta(t, 0.5, results[1].Distance, 1e-6)

	require.Len(t, fake.queries, 1)
	q := fake.queries[0]
	assert.Equal(t, uint64(5), q.GetLimit())
	require.Len(t, q.GetFilter().GetMust(), 1)
	assert.Equal(t, "source", q.GetFilter().GetMust()[0].GetField().GetKey())

	top, err := a.Query(context.Background(), "query", 1, nil)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, idA, top[0].ID)
}

func TestRemote_QueryPagesPastPostprocessorDrops(t *testing.T) {
	fake := newFakeQdrant()
	fake.exists = true
	fake.paginate = true
	for i := range 100 {
		fake.points = append(fake.points, scored(
			fmt.Sprintf("00000000-0000-0000-0000-%012d", i),
			1-float32(i)/1000,
			map[string]*qdrant.Value{"n": qdrant.NewValueInt(int64(i))},
		))
	}
	cfg := testRemoteConfig()
	// keeps one candidate in ten
	cfg.Hooks = Hooks{Postprocess: PostprocessorFunc(func(r QueryResult) (QueryResult, bool) {
		return r, r.Metadata["n"].(int64)%10 == 9
	})}
	a := newTestRemote(t, cfg, fake)

	results, err := a.Query(context.Background(), "query", 5, nil)
	require.NoError(t, err)
	var got []int64
	for _, r := range results {
		got = append(got, r.Metadata["n"].(int64))
	}
	assert.Equal(t, []int64{9, 19, 29, 39, 49}, got)

	require.Len(t, fake.queries, 2)
	assert.Equal(t, uint64(32), fake.queries[0].GetLimit())
	assert.Zero(t, fake.queries[0].GetOffset())
	assert.Equal(t, uint64(32), fake.queries[1].GetOffset())

	// fewer survivors than requested ends at the last page
	fake.queries = nil
	results, err = a.Query(context.Background(), "query", 20, nil)
	require.NoError(t, err)
	assert.Len(t, results, 10)
	assert.Len(t, fake.queries, 2)
}

func TestRemote_EuclidScoresAreSquared(t *testing.T) {
	fake := newFakeQdrant()
	fake.exists = true
	fake.points = []*qdrant.ScoredPoint{scored("00000000-0000-0000-0000-000000000001", 2, nil)}
	cfg := testRemoteConfig()
	cfg.Metric = MetricL2
	a := newTestRemote(t, cfg, fake)

	results, err := a.Query(context.Background(), "query", 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 4, results[0].Distance, 1e-6)
	assert.NotNil(t, results[0].Metadata)
}

func TestRemote_Delete(t *testing.T) {
	fake := newFakeQdrant()
	fake.exists = true
	a := newTestRemote(t, testRemoteConfig(), fake)
	ctx := context.Background()

	require.NoError(t, a.Delete(ctx, "not-a-uuid"))
	assert.Zero(t, fake.callCount("delete"))

	id := "6f1c2f0e-8a53-4a3e-9b4e-1d2c3b4a5f60"
	require.NoError(t, a.Delete(ctx, id, "not-a-uuid"))
	require.Len(t, fake.deletes, 1)
	ids := fake.deletes[0].GetPoints().GetPoints().GetIds()
	require.Len(t, ids, 1)
	assert.Equal(t, id, ids[0].GetUuid())

	require.NoError(t, a.DeleteWhere(ctx, Filter{"source": "a.md"}))
	require.Len(t, fake.deletes, 2)
	assert.NotNil(t, fake.deletes[1].GetPoints().GetFilter())

	assert.ErrorIs(t, a.DeleteWhere(ctx, Filter{}), ErrQuery)
}

func TestRemote_Count(t *testing.T) {
	fake := newFakeQdrant()
	fake.exists = true
	fake.count = 7
	a := newTestRemote(t, testRemoteConfig(), fake)

	n, err := a.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestRemote_Timeout(t *testing.T) {
	fake := newFakeQdrant()
	fake.exists = true
	fake.block = true
	cfg := testRemoteConfig()
	cfg.Timeout = 20 * time.Millisecond
	a := newTestRemote(t, cfg, fake)

	start := time.Now()
	_, err := a.Count(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestToQdrantFilter(t *testing.T) {
	f, err := toQdrantFilter(nil)
	require.NoError(t, err)
	assert.Nil(t, f)

	f, err = toQdrantFilter(Filter{"source": "a.md"})
	require.NoError(t, err)
	require.Len(t, f.GetMust(), 1)
	assert.Equal(t, "a.md", f.GetMust()[0].GetField().GetMatch().GetKeyword())

	f, err = toQdrantFilter(Filter{"draft": true})
	require.NoError(t, err)
	assert.True(t, f.GetMust()[0].GetField().GetMatch().GetBoolean())

	f, err = toQdrantFilter(Filter{"chunk_index": uint8(4)})
	require.NoError(t, err)
	assert.Equal(t, int64(4), f.GetMust()[0].GetField().GetMatch().GetInteger())

	f, err = toQdrantFilter(Filter{"weight": 0.5})
	require.NoError(t, err)
	rng := f.GetMust()[0].GetField().GetRange()
	assert.InDelta(t, 0.5, rng.GetGte(), 0)
	assert.InDelta(t, 0.5, rng.GetLte(), 0)

	_, err = toQdrantFilter(Filter{"tags": []string{"a"}})
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

// A real client pointed at a closed port fails within the retry budget.
func TestNewRemoteAdapter_UnreachableHost(t *testing.T) {
	if testing.Short() {
		t.Skip("dials the network")
	}
	cfg := testRemoteConfig()
	cfg.Host = "127.0.0.1:1"
	cfg.MaxElapsed = 2 * time.Second
	a, err := NewRemoteAdapter(cfg, tableEmbedder(map[string][]float32{"query": {1, 0}}), nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = a.Query(ctx, "query", 1, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrTimeout), "got %v", err)
}
