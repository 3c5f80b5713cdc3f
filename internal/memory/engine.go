package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"companiond/internal/config"
	"companiond/internal/domain"
	"companiond/internal/llm"
	"companiond/internal/observability"
	"companiond/internal/persistence/databases"
)

// Engine is the Append/GetContext/Search/Cleanup contract (spec 4.4).
type Engine struct {
	store           Store
	vector          databases.VectorStore
	embedHost       string
	embedAPIKey     string
	embedModel      string
	embedDims       int
	contextK        int
	importanceFloor float64
}

func New(store Store, vector databases.VectorStore, cfg config.MemoryConfig, embedCfg config.EmbeddingConfig) *Engine {
	return &Engine{
		store:           store,
		vector:          vector,
		embedHost:       embedCfg.Host,
		embedAPIKey:     embedCfg.APIKey,
		embedModel:      embedCfg.Model,
		embedDims:       cfg.EmbeddingDimensions,
		contextK:        cfg.ContextK,
		importanceFloor: cfg.ImportanceFloor,
	}
}

// ScoreImportance computes the append-time importance per spec 4.4's additive table.
func ScoreImportance(kind domain.MemoryKind, emotion domain.Emotion, ctx domain.EventContext) float64 {
	score := 0.5
	if domain.MemoryWorthyKinds[kind] {
		score += 0.2
	}
	switch emotion {
	case domain.EmotionAmazed, domain.EmotionExcited, domain.EmotionAngry, domain.EmotionFrustrated, domain.EmotionGrateful:
		score += 0.15
	}
	rarity := ctx.String(domain.KeyRarity)
	if rarity == "legendary" || rarity == "epic" {
		score += 0.15
	}
	if ctx.Bool(domain.KeyMVP) || ctx.Bool(domain.KeyIsLegendary) {
		score += 0.10
	}
	if math.Abs(ctx.Float(domain.KeyWinStreak)) >= 5 || math.Abs(ctx.Float(domain.KeyLossStreak)) >= 5 {
		score += 0.10
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// ShouldCreate implements the memory creation lifecycle rule: created when
// emotion intensity ≥ 0.7 OR kind is in the memory-worthy set.
func ShouldCreate(kind domain.MemoryKind, intensity float64) bool {
	return intensity >= 0.7 || domain.MemoryWorthyKinds[kind]
}

// Append stores a new memory record, scoring its importance and attempting
// a synchronous embed; embedding failure never fails the append (spec 4.4).
func (e *Engine) Append(ctx context.Context, tenant, player string, kind domain.MemoryKind, content string, emotion domain.Emotion, evCtx domain.EventContext) (domain.MemoryRecord, error) {
	if len(content) > 512 {
		content = content[:512]
	}
	importance := ScoreImportance(kind, emotion, evCtx)
	rec := domain.MemoryRecord{
		ID:             uuid.NewString(),
		Tenant:         tenant,
		Player:         player,
		Kind:           kind,
		Content:        content,
		Emotion:        emotion,
		Importance:     importance,
		BaseImportance: importance,
		Context:        evCtx,
		CreatedAt:      time.Now().UTC(),
	}

	if emb, err := e.embed(ctx, content); err == nil {
		rec.Embedding = emb
	} else {
		rec.EmbeddingPending = true
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("memory_id", rec.ID).Msg("memory_embed_failed_pending")
	}

	if err := e.store.Insert(ctx, rec); err != nil {
		return domain.MemoryRecord{}, fmt.Errorf("insert memory record: %w", err)
	}
	if e.vector != nil && !rec.EmbeddingPending {
		if err := e.vector.Upsert(ctx, rec.ID, rec.Embedding, map[string]string{"tenant": tenant, "player": player}); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Str("memory_id", rec.ID).Msg("memory_vector_upsert_failed")
		}
	}
	return rec, nil
}

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	if e.embedHost == "" {
		return nil, fmt.Errorf("embedding host not configured")
	}
	vecs, err := llm.GenerateEmbeddings(ctx, e.embedHost, e.embedAPIKey, e.embedModel, e.embedDims, []string{text})
	if err != nil || len(vecs) == 0 {
		if err == nil {
			err = fmt.Errorf("empty embedding result")
		}
		return nil, err
	}
	for _, v := range vecs[0] {
		if v != 0 {
			return vecs[0], nil
		}
	}
	return nil, fmt.Errorf("embedding unavailable: zero vector returned")
}

// eventDescription builds the textual query used for the semantic slice of
// GetContext, from only the well-known fields so retrieval stays deterministic.
func eventDescription(kind domain.EventKind, payload domain.Payload) string {
	return fmt.Sprintf("%s %v", kind, payload)
}

// GetContext implements the hybrid temporal+semantic retrieval: merge by id,
// sort by 0.6*importance + 0.4*recency, return the first k. Falls back to
// temporal-only with degraded=true if the vector store is unavailable.
func (e *Engine) GetContext(ctx context.Context, tenant, player string, kind domain.EventKind, payload domain.Payload, k int) ([]domain.ScoredMemory, bool) {
	if k <= 0 {
		k = e.contextK
	}
	temporal, err := e.store.Recent(ctx, tenant, player, e.importanceFloor, k)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("memory_temporal_fetch_failed")
		temporal = nil
	}

	merged := make(map[string]domain.ScoredMemory, len(temporal))
	for _, m := range temporal {
		merged[m.ID] = domain.ScoredMemory{MemoryRecord: m, Score: mergeScore(m)}
	}

	degraded := false
	if e.vector != nil {
		queryVec, err := e.embed(ctx, eventDescription(kind, payload))
		if err != nil {
			degraded = true
		} else {
			results, err := e.vector.SimilaritySearch(ctx, queryVec, k, map[string]string{"tenant": tenant, "player": player})
			if err != nil {
				degraded = true
			} else {
				for _, r := range results {
					if _, exists := merged[r.ID]; exists {
						continue
					}
					rec, err := e.store.Get(ctx, r.ID)
					if err != nil || rec.Importance < e.importanceFloor {
						continue
					}
					merged[rec.ID] = domain.ScoredMemory{MemoryRecord: rec, Score: mergeScore(rec)}
				}
			}
		}
	} else {
		degraded = true
	}

	out := make([]domain.ScoredMemory, 0, len(merged))
	for _, m := range merged {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, degraded
}

func mergeScore(m domain.MemoryRecord) float64 {
	ageDays := time.Since(m.CreatedAt).Hours() / 24
	recency := math.Exp(-ageDays / 14)
	return 0.6*m.Importance + 0.4*recency
}

// Search is pure semantic top-k, filtered by player and importance threshold.
func (e *Engine) Search(ctx context.Context, tenant, player, query string, k int, minImportance float64) ([]domain.ScoredMemory, error) {
	if e.vector == nil {
		return nil, fmt.Errorf("vector store unavailable")
	}
	if minImportance <= 0 {
		minImportance = e.importanceFloor
	}
	queryVec, err := e.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed search query: %w", err)
	}
	results, err := e.vector.SimilaritySearch(ctx, queryVec, k, map[string]string{"tenant": tenant, "player": player})
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	out := make([]domain.ScoredMemory, 0, len(results))
	for _, r := range results {
		rec, err := e.store.Get(ctx, r.ID)
		if err != nil || rec.Importance < minImportance {
			continue
		}
		out = append(out, domain.ScoredMemory{MemoryRecord: rec, Score: r.Score})
	}
	return out, nil
}

// Cleanup deletes records below min_importance and optionally older than
// maxAge, removing both the structured record and its vector.
func (e *Engine) Cleanup(ctx context.Context, minImportance float64, maxAge time.Duration) (int64, error) {
	stale, err := e.store.AllForDecay(ctx, 100000)
	if err != nil {
		return 0, fmt.Errorf("list for cleanup: %w", err)
	}
	var toDelete []string
	for _, m := range stale {
		if m.Importance >= minImportance {
			continue
		}
		if maxAge > 0 && time.Since(m.CreatedAt) <= maxAge {
			continue
		}
		toDelete = append(toDelete, m.ID)
	}
	for _, id := range toDelete {
		if e.vector != nil {
			if err := e.vector.Delete(ctx, id); err != nil {
				observability.LoggerWithTrace(ctx).Warn().Err(err).Str("memory_id", id).Msg("memory_vector_delete_failed")
			}
		}
	}
	var maxAgeSeconds int64
	if maxAge > 0 {
		maxAgeSeconds = int64(maxAge.Seconds())
	}
	return e.store.DeleteBelow(ctx, minImportance, maxAgeSeconds)
}

// Decay subtracts 0.01*days_since_created from importance, never below
// importance*0.3 of its original value at creation.
func (e *Engine) Decay(ctx context.Context) (int, error) {
	records, err := e.store.AllForDecay(ctx, 100000)
	if err != nil {
		return 0, fmt.Errorf("list for decay: %w", err)
	}
	updated := 0
	for _, m := range records {
		days := time.Since(m.CreatedAt).Hours() / 24
		decayed := m.Importance - 0.01*days
		floor := m.BaseImportance * 0.3
		if decayed < floor {
			decayed = floor
		}
		if decayed > 1 {
			decayed = 1
		}
		if decayed < 0 {
			decayed = 0
		}
		if decayed == m.Importance {
			continue
		}
		if err := e.store.UpdateImportance(ctx, m.ID, decayed); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Str("memory_id", m.ID).Msg("memory_decay_update_failed")
			continue
		}
		updated++
	}
	return updated, nil
}

// RetryPendingEmbeddings is the background retrier for records whose append
// embedding failed (spec 4.4): re-attempt the embed call and mark it done on
// success. A record that still fails stays pending and is attempted again on
// the next call; there is no attempt limit.
func (e *Engine) RetryPendingEmbeddings(ctx context.Context, limit int) (int, error) {
	pending, err := e.store.PendingEmbeddings(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending embeddings: %w", err)
	}
	retried := 0
	for _, m := range pending {
		vec, err := e.embed(ctx, m.Content)
		if err != nil {
			continue
		}
		if err := e.store.MarkEmbedded(ctx, m.ID, vec); err != nil {
			continue
		}
		if e.vector != nil {
			if err := e.vector.Upsert(ctx, m.ID, vec, map[string]string{"tenant": m.Tenant, "player": m.Player}); err != nil {
				observability.LoggerWithTrace(ctx).Warn().Err(err).Str("memory_id", m.ID).Msg("memory_vector_upsert_retry_failed")
				continue
			}
		}
		retried++
	}
	return retried, nil
}
