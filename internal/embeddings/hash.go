package embeddings

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// DefaultHashDimension is used when HashEmbedder is built with dim 0.
const DefaultHashDimension = 384

// HashEmbedder maps text to a bag-of-words vector using signed feature
// hashing. Texts that share words land close together, which is enough for
// keyword-style recall without a model. Output vectors have unit length.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a hashing embedder producing dim-length vectors.
func NewHashEmbedder(dim int) (*HashEmbedder, error) {
	if dim == 0 {
		dim = DefaultHashDimension
	}
	if dim < 8 {
		return nil, fmt.Errorf("%w: hash dimension must be >= 8, got %d", ErrInvalidConfig, dim)
	}
	return &HashEmbedder{dim: dim}, nil
}

func (h *HashEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := h.embed(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h *HashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.embed(text)
}

func (h *HashEmbedder) Dimension() int { return h.dim }

func (h *HashEmbedder) Close() error { return nil }

func (h *HashEmbedder) embed(text string) ([]float32, error) {
	terms := termFrequencies(text)
	if len(terms) == 0 {
		return nil, fmt.Errorf("%w: no terms in text", ErrEmptyInput)
	}

	vec := make([]float32, h.dim)
	for term, tf := range terms {
		sum := xxhash.Sum64String(term)
		idx := sum % uint64(h.dim)
		weight := float32(1 + math.Log(float64(tf)))
		if sum>>63 == 1 {
			weight = -weight
		}
		vec[idx] += weight
	}

	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		// every term collided and cancelled out
		vec[0] = 1
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

// termFrequencies lowercases text and counts runs of letters and digits.
func termFrequencies(text string) map[string]int {
	terms := make(map[string]int)
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		terms[f]++
	}
	return terms
}
