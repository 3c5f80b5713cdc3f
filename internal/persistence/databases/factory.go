package databases

import (
	"context"
	"fmt"
	"time"

	"companiond/internal/config"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewManager constructs the vector store backend the Memory Engine retrieves
// semantic context from. Supported backends: memory, qdrant, postgres
// (pgvector). Postgres and Qdrant share the same trimmed vector-only surface;
// both credential sets are read from cfg so an operator can switch backends
// without touching code.
func NewManager(ctx context.Context, cfg config.Config) (Manager, error) {
	var m Manager

	switch {
	case cfg.Qdrant.DSN != "":
		v, err := NewQdrantVector(cfg.Qdrant.DSN, cfg.Qdrant.Collection, cfg.Memory.EmbeddingDimensions, cfg.Qdrant.Metric)
		if err != nil {
			return Manager{}, fmt.Errorf("connect qdrant: %w", err)
		}
		m.Vector = v
	case cfg.Postgres.DSN != "":
		p, err := newPgPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			return Manager{}, fmt.Errorf("connect postgres (vector): %w", err)
		}
		m.Vector = NewPostgresVector(p, cfg.Memory.EmbeddingDimensions, cfg.Qdrant.Metric)
	default:
		m.Vector = NewMemoryVector()
	}

	return m, nil
}

// NewPgPoolForMemory dials Postgres for the Memory Engine's structured record
// store. It is exported separately from the vector backend's pool since a
// deployment may point memory records and the vector index at different
// Postgres instances (or swap the vector backend for Qdrant entirely).
func NewPgPoolForMemory(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return newPgPool(ctx, dsn)
}

func newPgPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pcfg.MaxConns = 8
	pcfg.MinConns = 0
	pcfg.MaxConnLifetime = time.Hour
	pcfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
