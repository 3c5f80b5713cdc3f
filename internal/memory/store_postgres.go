package memory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"companiond/internal/domain"
)

// PostgresStore is the structured memory record store, grounded on the
// teacher's evolving-memory Postgres adapter but keyed by tenant+player
// instead of replacing a whole session's memories on every save: each
// record is appended and mutated independently, matching the Memory
// Engine's append/decay/cleanup lifecycle.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("postgres memory store requires pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS memory_records (
    id UUID PRIMARY KEY,
    tenant TEXT NOT NULL,
    player TEXT NOT NULL,
    kind TEXT NOT NULL,
    content TEXT NOT NULL,
    emotion TEXT NOT NULL DEFAULT '',
    importance DOUBLE PRECISION NOT NULL,
    base_importance DOUBLE PRECISION NOT NULL,
    context JSONB NOT NULL DEFAULT '{}'::jsonb,
    embedding BYTEA,
    embedding_pending BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS memory_records_player_created_idx
    ON memory_records(tenant, player, created_at DESC);

CREATE INDEX IF NOT EXISTS memory_records_pending_embedding_idx
    ON memory_records(embedding_pending) WHERE embedding_pending;
`)
	return err
}

func (s *PostgresStore) Insert(ctx context.Context, rec domain.MemoryRecord) error {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	contextBytes, _ := json.Marshal(rec.Context)
	var embBytes []byte
	if len(rec.Embedding) > 0 {
		embBytes, _ = json.Marshal(rec.Embedding)
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO memory_records (id, tenant, player, kind, content, emotion, importance, base_importance, context, embedding, embedding_pending, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		id, rec.Tenant, rec.Player, string(rec.Kind), rec.Content, string(rec.Emotion),
		rec.Importance, rec.BaseImportance, contextBytes, embBytes, rec.EmbeddingPending, rec.CreatedAt)
	return err
}

func (s *PostgresStore) Recent(ctx context.Context, tenant, player string, minImportance float64, limit int) ([]domain.MemoryRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, tenant, player, kind, content, emotion, importance, base_importance, context, embedding, embedding_pending, created_at
FROM memory_records
WHERE tenant=$1 AND player=$2 AND importance >= $3
ORDER BY created_at DESC
LIMIT $4`, tenant, player, minImportance, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) AllForDecay(ctx context.Context, limit int) ([]domain.MemoryRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, tenant, player, kind, content, emotion, importance, base_importance, context, embedding, embedding_pending, created_at
FROM memory_records
ORDER BY created_at ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) PendingEmbeddings(ctx context.Context, limit int) ([]domain.MemoryRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, tenant, player, kind, content, emotion, importance, base_importance, context, embedding, embedding_pending, created_at
FROM memory_records
WHERE embedding_pending = TRUE
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (domain.MemoryRecord, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, tenant, player, kind, content, emotion, importance, base_importance, context, embedding, embedding_pending, created_at
FROM memory_records WHERE id=$1`, id)
	return scanRecord(row)
}

func (s *PostgresStore) UpdateImportance(ctx context.Context, id string, importance float64) error {
	_, err := s.pool.Exec(ctx, `UPDATE memory_records SET importance=$2 WHERE id=$1`, id, importance)
	return err
}

func (s *PostgresStore) MarkEmbedded(ctx context.Context, id string, embedding []float32) error {
	embBytes, _ := json.Marshal(embedding)
	_, err := s.pool.Exec(ctx, `UPDATE memory_records SET embedding=$2, embedding_pending=FALSE WHERE id=$1`, id, embBytes)
	return err
}

func (s *PostgresStore) DeleteBelow(ctx context.Context, minImportance float64, maxAgeSeconds int64) (int64, error) {
	if maxAgeSeconds > 0 {
		cutoff := time.Now().Add(-time.Duration(maxAgeSeconds) * time.Second)
		ct, err := s.pool.Exec(ctx, `DELETE FROM memory_records WHERE importance < $1 AND created_at < $2`, minImportance, cutoff)
		if err != nil {
			return 0, err
		}
		return ct.RowsAffected(), nil
	}
	ct, err := s.pool.Exec(ctx, `DELETE FROM memory_records WHERE importance < $1`, minImportance)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecords(rows interface {
	Next() bool
	rowScanner
	Err() error
}) ([]domain.MemoryRecord, error) {
	var out []domain.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row rowScanner) (domain.MemoryRecord, error) {
	var (
		id, tenant, player, kind, content, emotion string
		importance, baseImportance                 float64
		contextBytes, embBytes                      []byte
		embeddingPending                             bool
		createdAt                                    time.Time
	)
	if err := row.Scan(&id, &tenant, &player, &kind, &content, &emotion, &importance, &baseImportance, &contextBytes, &embBytes, &embeddingPending, &createdAt); err != nil {
		return domain.MemoryRecord{}, err
	}
	var ctxMap domain.EventContext
	if len(contextBytes) > 0 {
		_ = json.Unmarshal(contextBytes, &ctxMap)
	}
	var emb []float32
	if len(embBytes) > 0 {
		_ = json.Unmarshal(embBytes, &emb)
	}
	return domain.MemoryRecord{
		ID: id, Tenant: tenant, Player: player, Kind: domain.MemoryKind(kind), Content: content,
		Emotion: domain.Emotion(emotion), Importance: importance, BaseImportance: baseImportance,
		Context: ctxMap, Embedding: emb, EmbeddingPending: embeddingPending, CreatedAt: createdAt,
	}, nil
}
