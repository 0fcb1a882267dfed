package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/agentmem/internal/ingest"
)

// Sink feeds watcher events into an adapter. Forget deletes every chunk whose
// source metadata matches.
type Sink struct {
	adapter Adapter
}

var _ ingest.Sink = (*Sink)(nil)

// NewSink returns a Sink writing to a.
func NewSink(a Adapter) *Sink {
	return &Sink{adapter: a}
}

// Add stores one chunk. Chunks that cannot be embedded are skipped.
func (s *Sink) Add(ctx context.Context, text string, metadata map[string]any) (string, error) {
	id, err := s.adapter.Add(ctx, text, Metadata(metadata))
	if errors.Is(err, ErrEmbedding) {
		return "", fmt.Errorf("%w: %w", ingest.ErrSkip, err)
	}
	return id, err
}

// Forget removes the chunks stored for source.
func (s *Sink) Forget(ctx context.Context, source string) error {
	return s.adapter.DeleteWhere(ctx, Filter{ingest.MetaSource: source})
}

// Watch keeps the adapter in sync with root until ctx is cancelled, using the
// adapter's own ingestion settings.
func Watch(ctx context.Context, a Adapter, root string, opts ingest.WatchOptions) error {
	tp, ok := a.(interface{ Traverser() *ingest.Traverser })
	if !ok {
		return newError(a.Backend(), "watch", ErrConfig, errors.New("adapter does not expose a traverser"))
	}
	err := tp.Traverser().Watch(ctx, root, NewSink(a), opts)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, ingest.ErrNotFound), errors.Is(err, ingest.ErrNotDirectory):
		return newError(a.Backend(), "watch", ErrPath, err)
	default:
		return err
	}
}
