package embeddings

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedProvider memoizes embeddings of a wrapped provider in an in-memory
// LRU. Document and query embeddings are cached separately since some
// models prefix them differently.
type CachedProvider struct {
	inner   Provider
	cache   *lru.Cache[uint64, []float32]
	salt    string
	metrics *Metrics
}

// NewCachedProvider wraps inner with an LRU holding up to size vectors.
// salt (usually the model name) is mixed into keys so that caches of
// different models never collide.
func NewCachedProvider(inner Provider, size int, salt string) (*CachedProvider, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: cache size must be > 0, got %d", ErrInvalidConfig, size)
	}
	c, err := lru.New[uint64, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}
	return &CachedProvider{inner: inner, cache: c, salt: salt, metrics: NewMetrics()}, nil
}

func (c *CachedProvider) key(kind, text string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(c.salt)
	_, _ = d.WriteString("\x00" + kind + "\x00")
	_, _ = d.WriteString(text)
	return d.Sum64()
}

// EmbedDocuments only forwards the texts that miss the cache.
func (c *CachedProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missIdx   []int
		missTexts []string
	)
	for i, t := range texts {
		if v, ok := c.cache.Get(c.key("doc", t)); ok {
			c.metrics.RecordCache(ctx, true)
			out[i] = v
			continue
		}
		c.metrics.RecordCache(ctx, false)
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedDocuments(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmbeddingFailed, len(vecs), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.cache.Add(c.key("doc", missTexts[j]), vecs[j])
	}
	return out, nil
}

func (c *CachedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	k := c.key("query", text)
	if v, ok := c.cache.Get(k); ok {
		c.metrics.RecordCache(ctx, true)
		return v, nil
	}
	c.metrics.RecordCache(ctx, false)

	v, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(k, v)
	return v, nil
}

func (c *CachedProvider) Dimension() int { return c.inner.Dimension() }

// Len returns the number of cached vectors.
func (c *CachedProvider) Len() int { return c.cache.Len() }

func (c *CachedProvider) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}
