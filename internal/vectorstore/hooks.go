package vectorstore

import "context"

// Embedder turns text into vectors. embeddings.Provider implementations
// satisfy it.
type Embedder interface {
	// EmbedDocuments embeds texts that will be stored.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery embeds a search query. Some models treat queries differently.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc adapts a single function to Embedder, used for both documents
// and queries.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedderFunc) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f EmbedderFunc) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// Preprocessor rewrites text before it is embedded, on both Add and Query.
type Preprocessor interface {
	Preprocess(text string) string
}

// PreprocessorFunc adapts a function to Preprocessor.
type PreprocessorFunc func(string) string

func (f PreprocessorFunc) Preprocess(text string) string { return f(text) }

// Postprocessor rewrites each QueryResult before it is returned. Returning
// false drops the result.
type Postprocessor interface {
	Postprocess(QueryResult) (QueryResult, bool)
}

// PostprocessorFunc adapts a function to Postprocessor.
type PostprocessorFunc func(QueryResult) (QueryResult, bool)

func (f PostprocessorFunc) Postprocess(r QueryResult) (QueryResult, bool) { return f(r) }

// MaxDistance drops results farther than d.
func MaxDistance(d float32) Postprocessor {
	return PostprocessorFunc(func(r QueryResult) (QueryResult, bool) {
		return r, r.Distance <= d
	})
}

// ChainPostprocessors applies ps in order, stopping at the first drop.
func ChainPostprocessors(ps ...Postprocessor) Postprocessor {
	return PostprocessorFunc(func(r QueryResult) (QueryResult, bool) {
		for _, p := range ps {
			var keep bool
			if r, keep = p.Postprocess(r); !keep {
				return r, false
			}
		}
		return r, true
	})
}

// Hooks are optional caller-supplied functions. They must be pure and are
// invoked synchronously on the calling goroutine.
type Hooks struct {
	Preprocess Preprocessor
	// Embedder, when set, replaces the adapter's default embedder.
	Embedder    Embedder
	Postprocess Postprocessor
}
