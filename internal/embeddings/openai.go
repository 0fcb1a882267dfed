package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible embeddings client.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the API root for compatible services (Azure, Nebius,
	// Ollama, vLLM). Empty keeps the OpenAI default.
	BaseURL    string
	Model      string
	Dimensions int
}

// OpenAIProvider calls the /embeddings endpoint.
type OpenAIProvider struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
	metrics    *Metrics
}

// NewOpenAIProvider creates the client. No request is made until first use.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: openai api key required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      openai.EmbeddingModel(cfg.Model),
		dimensions: cfg.Dimensions,
		metrics:    NewMetrics(),
	}, nil
}

func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) (out [][]float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordGeneration(ctx, "openai", string(p.model), "embed_documents", time.Since(start), len(texts), err)
	}()
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	return p.embed(ctx, texts)
}

func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) (out []float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordGeneration(ctx, "openai", string(p.model), "embed_query", time.Since(start), 1, err)
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

func (p *OpenAIProvider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Input:          texts,
		Model:          p.model,
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
	}
	if p.dimensions > 0 {
		req.Dimensions = p.dimensions
	}

	resp, err := p.client.CreateEmbeddings(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, parseAPIError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmbeddingFailed, len(resp.Data), len(texts))
	}

	// the API may return data out of order; Index maps back to the input
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// Dimension returns the requested dimensions, or 0 for the model default.
func (p *OpenAIProvider) Dimension() int { return p.dimensions }

func (p *OpenAIProvider) Close() error { return nil }

func parseAPIError(err error) error {
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		var body struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(reqErr.Body, &body) == nil && body.Detail != "" {
			return fmt.Errorf("%w: api error %d: %s", ErrEmbeddingFailed, reqErr.HTTPStatusCode, body.Detail)
		}
		return fmt.Errorf("%w: api error %d: %s", ErrEmbeddingFailed, reqErr.HTTPStatusCode, string(reqErr.Body))
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: api error %d: %s", ErrEmbeddingFailed, apiErr.HTTPStatusCode, apiErr.Message)
	}
	return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
}
