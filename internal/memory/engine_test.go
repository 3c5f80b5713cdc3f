package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companiond/internal/config"
	"companiond/internal/domain"
)

// fakeStore is a minimal in-memory Store for exercising Engine logic without Postgres.
type fakeStore struct {
	records map[string]domain.MemoryRecord
}

func newFakeStore() *fakeStore { return &fakeStore{records: map[string]domain.MemoryRecord{}} }

func (s *fakeStore) Insert(ctx context.Context, rec domain.MemoryRecord) error {
	s.records[rec.ID] = rec
	return nil
}

func (s *fakeStore) Recent(ctx context.Context, tenant, player string, minImportance float64, limit int) ([]domain.MemoryRecord, error) {
	var out []domain.MemoryRecord
	for _, r := range s.records {
		if r.Tenant == tenant && r.Player == player && r.Importance >= minImportance {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateImportance(ctx context.Context, id string, importance float64) error {
	r := s.records[id]
	r.Importance = importance
	s.records[id] = r
	return nil
}

func (s *fakeStore) MarkEmbedded(ctx context.Context, id string, embedding []float32) error {
	r := s.records[id]
	r.Embedding = embedding
	r.EmbeddingPending = false
	s.records[id] = r
	return nil
}

func (s *fakeStore) PendingEmbeddings(ctx context.Context, limit int) ([]domain.MemoryRecord, error) {
	var out []domain.MemoryRecord
	for _, r := range s.records {
		if r.EmbeddingPending {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) AllForDecay(ctx context.Context, limit int) ([]domain.MemoryRecord, error) {
	var out []domain.MemoryRecord
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) DeleteBelow(ctx context.Context, minImportance float64, maxAgeSeconds int64) (int64, error) {
	var n int64
	for id, r := range s.records {
		if r.Importance < minImportance {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (domain.MemoryRecord, error) {
	r, ok := s.records[id]
	if !ok {
		return domain.MemoryRecord{}, domain.ErrNotFound
	}
	return r, nil
}

func TestScoreImportance_AdditiveFactors(t *testing.T) {
	t.Parallel()
	base := ScoreImportance(domain.MemoryEvent, domain.EmotionNeutral, domain.EventContext{})
	assert.Equal(t, 0.5, base)

	worthy := ScoreImportance(domain.MemoryAchievement, domain.EmotionNeutral, domain.EventContext{})
	assert.Equal(t, 0.7, worthy)

	full := ScoreImportance(domain.MemoryAchievement, domain.EmotionExcited, domain.EventContext{
		domain.KeyRarity: "legendary", domain.KeyMVP: true, domain.KeyWinStreak: 5.0,
	})
	assert.Equal(t, 1.0, full, "score must clamp at 1.0 even though the additive terms sum higher")
}

func TestShouldCreate_HighIntensityOrMemoryWorthyKind(t *testing.T) {
	t.Parallel()
	assert.True(t, ShouldCreate(domain.MemoryEvent, 0.7))
	assert.True(t, ShouldCreate(domain.MemoryAchievement, 0.1))
	assert.False(t, ShouldCreate(domain.MemoryEvent, 0.69))
}

func TestEngine_Append_TruncatesContentAndMarksEmbeddingPendingWithoutHost(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	eng := New(store, nil, config.MemoryConfig{ContextK: 5, ImportanceFloor: 0.3}, config.EmbeddingConfig{})

	longContent := make([]byte, 600)
	for i := range longContent {
		longContent[i] = 'x'
	}
	rec, err := eng.Append(context.Background(), "acme", "p1", domain.MemoryAchievement, string(longContent), domain.EmotionProud, domain.EventContext{})
	require.NoError(t, err)
	assert.Len(t, rec.Content, 512)
	assert.True(t, rec.EmbeddingPending, "no embedding host configured, so the append must mark the record pending rather than fail")
	assert.Greater(t, rec.Importance, 0.5)
}

func TestEngine_Cleanup_DeletesBelowThresholdOnly(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.records["keep"] = domain.MemoryRecord{ID: "keep", Importance: 0.8, CreatedAt: time.Now()}
	store.records["drop"] = domain.MemoryRecord{ID: "drop", Importance: 0.1, CreatedAt: time.Now()}
	eng := New(store, nil, config.MemoryConfig{}, config.EmbeddingConfig{})

	n, err := eng.Cleanup(context.Background(), 0.3, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, stillThere := store.records["keep"]
	assert.True(t, stillThere)
}

func TestEngine_Decay_NeverCrossesFloor(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	old := time.Now().Add(-1000 * 24 * time.Hour) // far enough back that 0.01/day would drive it to 0
	store.records["rec"] = domain.MemoryRecord{ID: "rec", Importance: 0.9, BaseImportance: 0.9, CreatedAt: old}
	eng := New(store, nil, config.MemoryConfig{}, config.EmbeddingConfig{})

	updated, err := eng.Decay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	assert.InDelta(t, 0.9*0.3, store.records["rec"].Importance, 0.001)
}

func TestEngine_Decay_SkipsUnchangedRecords(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.records["fresh"] = domain.MemoryRecord{ID: "fresh", Importance: 0.5, BaseImportance: 0.5, CreatedAt: time.Now()}
	eng := New(store, nil, config.MemoryConfig{}, config.EmbeddingConfig{})

	updated, err := eng.Decay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, updated, "a record created moments ago has no decay to apply yet")
}

func TestEngine_GetContext_DegradesWithoutVectorStore(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.records["rec"] = domain.MemoryRecord{ID: "rec", Tenant: "acme", Player: "p1", Importance: 0.8, CreatedAt: time.Now()}
	eng := New(store, nil, config.MemoryConfig{ContextK: 5, ImportanceFloor: 0.3}, config.EmbeddingConfig{})

	out, degraded := eng.GetContext(context.Background(), "acme", "p1", domain.EventVictory, domain.Payload{}, 5)
	assert.True(t, degraded, "no vector store configured means retrieval falls back to temporal-only")
	require.Len(t, out, 1)
	assert.Equal(t, "rec", out[0].ID)
}
