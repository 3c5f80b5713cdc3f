package databases

import "context"

// VectorResult represents a single nearest neighbor lookup result.
type VectorResult struct {
	ID       string
	Score    float64 // Higher is closer by default
	Metadata map[string]string
}

// VectorStore defines the minimum interface for a pluggable vector store,
// backing the Memory Engine's semantic retrieval path.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error)
}

// Manager holds concrete database backends resolved from configuration.
type Manager struct {
	Vector VectorStore
}

// Close releases the vector backend's client where it exposes a Close method
// (the Qdrant backend). It's a no-op for the memory backend; the pgvector
// backend has no Close method, so its pool is not released here.
func (m Manager) Close() {
	switch c := any(m.Vector).(type) {
	case interface{ Close() }:
		c.Close()
	case interface{ Close() error }:
		_ = c.Close()
	}
}
