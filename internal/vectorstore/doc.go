// Package vectorstore provides memory adapters that store text embeddings
// and answer similarity queries through interchangeable backends.
//
// Two backends are available:
//
//   - LocalAdapter: an embedded chromem-go index persisted under an output
//     directory, with a manifest (agentmem.yaml) pinning the distance metric
//     and vector dimension once the first document is stored.
//   - RemoteAdapter: a Qdrant Cloud collection reached over gRPC, with
//     bounded exponential-backoff retries on transient failures.
//
// Both return results normalized the same way: deduplicated by ID, ordered by
// ascending Distance (lower is more relevant whatever the metric) and
// truncated to the requested count.
//
// Failures are *Error values whose Kind is one of the package sentinels:
//
//	id, err := adapter.Add(ctx, text, vectorstore.Metadata{"source": "a"})
//	if errors.Is(err, vectorstore.ErrEmbedding) {
//	    // the text could not be vectorized
//	}
//
// Hooks (Preprocessor, Embedder, Postprocessor) let callers rewrite text
// before embedding, swap the embedder, and rewrite or drop results.
package vectorstore
