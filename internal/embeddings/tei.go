package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// TEIConfig configures a text-embeddings-inference client.
type TEIConfig struct {
	BaseURL string
	Model   string // informational, used for metrics
	// Dimension is reported by Dimension(). 0 means learned from the first response.
	Dimension int
	Timeout   time.Duration
}

// TEIProvider calls the /embed endpoint of a text-embeddings-inference server.
type TEIProvider struct {
	cfg       TEIConfig
	client    *http.Client
	metrics   *Metrics
	dimension atomic.Int64
}

// NewTEIProvider validates cfg and creates the HTTP client.
func NewTEIProvider(cfg TEIConfig) (*TEIProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: tei base URL required", ErrInvalidConfig)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	p := &TEIProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: NewMetrics(),
	}
	p.dimension.Store(int64(cfg.Dimension))
	return p, nil
}

type teiRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

func (p *TEIProvider) EmbedDocuments(ctx context.Context, texts []string) (out [][]float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordGeneration(ctx, "tei", p.cfg.Model, "embed_documents", time.Since(start), len(texts), err)
	}()
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	return p.embed(ctx, texts)
}

func (p *TEIProvider) EmbedQuery(ctx context.Context, text string) (out []float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordGeneration(ctx, "tei", p.cfg.Model, "embed_query", time.Since(start), 1, err)
	}()
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vecs, err := p.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *TEIProvider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(teiRequest{Inputs: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var vecs [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vecs); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrEmbeddingFailed, err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmbeddingFailed, len(vecs), len(texts))
	}
	p.dimension.CompareAndSwap(0, int64(len(vecs[0])))
	return vecs, nil
}

func (p *TEIProvider) Dimension() int { return int(p.dimension.Load()) }

func (p *TEIProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
