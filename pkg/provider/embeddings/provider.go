// Package embeddings defines the Provider interface for the text-embedding
// backend behind the vector store.
//
// The boundary and exchange detectors embed every committed idea and exchange
// so that semantic dedupe and similarity search work over the conversation's
// knowledge base. All vectors written to one collection must come from one
// model: mixing spaces silently breaks cosine similarity, which is why the
// vector store records the model id and dimension next to each collection.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// Every vector a Provider instance returns has length Dimensions(), fixed
// for the instance's lifetime. Text is passed to the backend verbatim; any
// model-specific prefixing is the caller's job.
type Provider interface {
	// Embed returns the embedding vector for one text. Must honour ctx
	// cancellation and deadlines.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in one backend round trip where the backend
	// supports it. The result is index-aligned with texts; there are no
	// partial results, on error the whole batch is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the length of every vector this provider produces.
	Dimensions() int

	// ModelID identifies the embedding model (e.g. "nomic-embed-text"),
	// recorded alongside vectors so collections are never mixed across
	// models.
	ModelID() string
}
