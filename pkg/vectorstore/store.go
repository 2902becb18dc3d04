// Package vectorstore defines the Store interface over any vector database
// used to hold ideas and exchanges: embedding vectors plus a free-form JSON
// payload, addressed by UUID string ids.
//
// The similarity metric is cosine distance throughout. Payload updates are
// whole-point upserts; callers needing partial updates perform
// read-modify-write (see the knowledge repositories).
//
// Implementations must be safe for concurrent use.
package vectorstore

import "context"

// Point is one stored record: an id, an embedding, and an arbitrary JSON
// payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Hit is a search result. Score is the cosine distance to the query vector;
// lower is more similar.
type Hit struct {
	Point
	Score float64
}

// Filter selects points whose payload contains every given key with an equal
// value. A nil or empty Filter matches everything.
type Filter map[string]any

// Store is the abstraction over any vector database.
type Store interface {
	// EnsureCollection creates the named collection for vectors of the
	// given dimensionality if it does not already exist. Idempotent.
	EnsureCollection(ctx context.Context, name string, dimensions int) error

	// Upsert writes a point, replacing any existing point with the same id.
	Upsert(ctx context.Context, collection string, p Point) error

	// Retrieve returns the points with the given ids. Missing ids are
	// silently omitted; order follows ids.
	Retrieve(ctx context.Context, collection string, ids []string) ([]Point, error)

	// Search returns up to limit points nearest to vector by cosine
	// distance, optionally restricted by filter, most similar first.
	Search(ctx context.Context, collection string, vector []float32, limit int, filter Filter) ([]Hit, error)

	// Scroll returns up to limit points matching filter without similarity
	// ranking, in stable insertion-time order.
	Scroll(ctx context.Context, collection string, filter Filter, limit int) ([]Point, error)
}
