// Package index provides the shared vector index used by the registry and the
// capability directory. The index is a derived projection: it can be rebuilt
// from the backing stores at any time, and brief staleness after a write is
// acceptable.
package index

import "context"

// VectorStore defines the interface for a vector database.
type VectorStore interface {
	// EnsureCollection creates a collection if it doesn't exist.
	EnsureCollection(ctx context.Context, name string, vectorSize uint64) error
	// Upsert adds or updates points in the vector store.
	Upsert(ctx context.Context, collection string, points []Point) error
	// Search searches for the nearest vectors to the given vector.
	Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float32) ([]SearchResult, error)
	// Delete removes points by id.
	Delete(ctx context.Context, collection string, ids []string) error
}

// Point represents a data point in the vector store.
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// SearchResult represents a result from a vector search.
type SearchResult struct {
	ID      string                 `json:"id"`
	Score   float32                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}
