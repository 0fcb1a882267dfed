// Package embeddings turns text into vectors for the memory adapters.
//
// Providers:
//   - hash: deterministic feature hashing, offline, no model download (default)
//   - fastembed: local ONNX models via fastembed-go (requires cgo)
//   - tei: HuggingFace text-embeddings-inference over HTTP
//   - openai: any OpenAI-compatible embeddings endpoint
//
// Every provider can be wrapped in an LRU cache with NewCachedProvider.
package embeddings

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput indicates empty input text.
	ErrEmptyInput = errors.New("empty input text")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates the provider could not produce a vector.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider produces embeddings and reports its output dimension.
// It satisfies vectorstore.Embedder.
type Provider interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the vector length, or 0 when only known after the
	// first call.
	Dimension() int
	Close() error
}

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Provider   string // hash, fastembed, tei, openai
	Model      string
	BaseURL    string
	APIKey     string
	Dimensions int
	CacheDir   string // fastembed model cache
	CacheSize  int    // LRU entries, 0 disables caching
}

// NewProvider creates the configured provider, wrapped in a cache when
// CacheSize > 0.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "hash", "":
		p, err = NewHashEmbedder(cfg.Dimensions)
	case "fastembed":
		p, err = NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	case "tei":
		p, err = NewTEIProvider(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimensions,
		})
	case "openai":
		p, err = NewOpenAIProvider(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheSize > 0 {
		return NewCachedProvider(p, cfg.CacheSize, cfg.Model)
	}
	return p, nil
}
