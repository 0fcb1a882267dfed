package vectorstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentmem/internal/ingest"
	"github.com/fyrsmithlabs/agentmem/internal/logging"
)

// Backend names.
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// DefaultTimeout bounds operations whose context carries no deadline.
const DefaultTimeout = 30 * time.Second

// Adapter is the uniform storage and retrieval contract every backend
// implements. Adapters serialize mutation internally but are meant to be
// owned by a single caller.
type Adapter interface {
	// Add embeds text and stores it with metadata, returning the new ID.
	Add(ctx context.Context, text string, metadata Metadata) (string, error)

	// Query returns at most nResults matches ordered by ascending Distance.
	// An empty index or no match yields an empty slice, not an error.
	Query(ctx context.Context, text string, nResults int, filter Filter) ([]QueryResult, error)

	// TraverseDirectory chunks every text file under path and adds the chunks.
	// Unreadable files are reported as warnings.
	TraverseDirectory(ctx context.Context, path string) (TraverseReport, error)

	// Delete removes documents by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, ids ...string) error

	// DeleteWhere removes every document whose metadata matches filter.
	DeleteWhere(ctx context.Context, filter Filter) error

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)

	// Backend names the implementation, "local" or "remote".
	Backend() string

	Close() error
}

// core holds the behavior both adapters share: hooks, timeouts, result
// normalization and traversal.
type core struct {
	backend   string
	embedder  Embedder
	hooks     Hooks
	timeout   time.Duration
	traverser *ingest.Traverser
	logger    *logging.Logger
}

func newCore(backend string, embedder Embedder, hooks Hooks, timeout time.Duration, opts ingest.Options, logger *logging.Logger) (core, error) {
	if hooks.Embedder != nil {
		embedder = hooks.Embedder
	}
	if embedder == nil {
		return core{}, newError(backend, "open", ErrConfig, errors.New("no embedder configured"))
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named(backend)
	if opts.Logger == nil {
		opts.Logger = logger
	}
	tr, err := ingest.NewTraverser(opts)
	if err != nil {
		return core{}, newError(backend, "open", ErrConfig, err)
	}
	return core{
		backend:   backend,
		embedder:  embedder,
		hooks:     hooks,
		timeout:   timeout,
		traverser: tr,
		logger:    logger,
	}, nil
}

func (c *core) Backend() string { return c.backend }

func (c *core) fail(op string, kind, err error) error {
	return newError(c.backend, op, kind, err)
}

// withTimeout applies the default timeout when ctx has no deadline.
func (c *core) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// finishSpan records err on span and the operation metrics.
func (c *core) finishSpan(span trace.Span, op string, start time.Time, err error) {
	observe(c.backend, op, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "success")
	}
	span.End()
}

func (c *core) preprocess(text string) string {
	if c.hooks.Preprocess != nil {
		text = c.hooks.Preprocess.Preprocess(text)
	}
	return text
}

// embedDocument preprocesses text and returns it with its vector.
func (c *core) embedDocument(ctx context.Context, text string) (string, []float32, error) {
	text = c.preprocess(text)
	if strings.TrimSpace(text) == "" {
		return "", nil, errors.New("text is empty")
	}
	vecs, err := c.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return "", nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return "", nil, errors.New("embedder returned no vector")
	}
	return text, vecs[0], nil
}

// embedQuery preprocesses text and embeds it as a query. Failures wrap
// ErrEmbedding so callers can tell them apart from backend rejections.
func (c *core) embedQuery(ctx context.Context, text string) ([]float32, error) {
	text = c.preprocess(text)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: query text is empty", ErrEmbedding)
	}
	vec, err := c.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: embedder returned no vector", ErrEmbedding)
	}
	return vec, nil
}

// normalize deduplicates by ID keeping the closest entry, runs the
// postprocessor, orders by ascending distance (ties by ID) and truncates to k.
func (c *core) normalize(results []QueryResult, k int) []QueryResult {
	best := make(map[string]int, len(results))
	out := make([]QueryResult, 0, len(results))
	for _, r := range results {
		if c.hooks.Postprocess != nil {
			var keep bool
			if r, keep = c.hooks.Postprocess.Postprocess(r); !keep {
				continue
			}
		}
		if i, ok := best[r.ID]; ok {
			if r.Distance < out[i].Distance {
				out[i] = r
			}
			continue
		}
		best[r.ID] = len(out)
		out = append(out, r)
	}
	slices.SortStableFunc(out, func(a, b QueryResult) int {
		if d := cmp.Compare(a.Distance, b.Distance); d != 0 {
			return d
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// traverse runs the traverser against add. Chunks that cannot be embedded
// become warnings; any other add failure stops the walk.
func (c *core) traverse(ctx context.Context, path string, add ingest.AddFunc) (TraverseReport, error) {
	ctx, span := tracer.Start(ctx, c.backend+".TraverseDirectory")
	start := time.Now()

	report, err := c.traverser.Traverse(ctx, path, func(ctx context.Context, text string, md map[string]any) (string, error) {
		id, err := add(ctx, text, md)
		if errors.Is(err, ErrEmbedding) {
			return "", fmt.Errorf("%w: %w", ingest.ErrSkip, err)
		}
		return id, err
	})

	var e *Error
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrNotFound), errors.Is(err, ingest.ErrNotDirectory):
		err = c.fail("traverse", ErrPath, err)
	case errors.As(err, &e):
		// already carries backend context from add
	default:
		err = c.fail("traverse", ErrQuery, err)
	}
	c.finishSpan(span, "traverse", start, err)

	if err == nil {
		c.logger.Info(ctx, "directory traversed",
			zap.String("path", path),
			zap.Int("files", report.Files),
			zap.Int("chunks", report.Chunks),
			zap.Int("warnings", len(report.Warnings)),
		)
	}
	return report, err
}

// Traverser exposes the traverser so callers can watch a directory with the
// same ingestion settings.
func (c *core) Traverser() *ingest.Traverser { return c.traverser }
