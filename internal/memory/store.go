// Package memory implements the Memory Engine: append, score, decay, embed,
// and hybrid temporal+semantic retrieval of player memories (spec 4.4).
package memory

import (
	"context"

	"companiond/internal/domain"
)

// Store is the structured persistence contract for memory records,
// independent of the vector index used for semantic search.
type Store interface {
	Insert(ctx context.Context, rec domain.MemoryRecord) error
	Recent(ctx context.Context, tenant, player string, minImportance float64, limit int) ([]domain.MemoryRecord, error)
	UpdateImportance(ctx context.Context, id string, importance float64) error
	MarkEmbedded(ctx context.Context, id string, embedding []float32) error
	PendingEmbeddings(ctx context.Context, limit int) ([]domain.MemoryRecord, error)
	AllForDecay(ctx context.Context, limit int) ([]domain.MemoryRecord, error)
	DeleteBelow(ctx context.Context, minImportance float64, maxAgeSeconds int64) (int64, error)
	Get(ctx context.Context, id string) (domain.MemoryRecord, error)
}
