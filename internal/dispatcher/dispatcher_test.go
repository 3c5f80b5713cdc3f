package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companiond/internal/budget"
	"companiond/internal/cache"
	"companiond/internal/config"
	"companiond/internal/dialogue"
	"companiond/internal/domain"
	"companiond/internal/emotion"
	"companiond/internal/llm"
	"companiond/internal/memory"
)

// denyAllGovernor always denies, so emotion/dialogue stay on their free
// rule/template paths without needing a real provider.
type denyAllGovernor struct{}

func (denyAllGovernor) Admit(ctx context.Context, tenant string, ceilingUSD, estimatedCostUSD float64, highValue bool, component string) (budget.Decision, error) {
	return budget.Decision{Allowed: false, Reason: "ceiling_reached"}, nil
}
func (denyAllGovernor) Record(ctx context.Context, tenant, component string, actualCostUSD, estimatedCostUSD float64) error {
	return nil
}
func (denyAllGovernor) Release(ctx context.Context, tenant string, estimatedCostUSD float64) error {
	return nil
}
func (denyAllGovernor) Snapshot(ctx context.Context, tenant string) (domain.BudgetBucket, error) {
	return domain.BudgetBucket{}, nil
}

type noopProvider struct{}

func (noopProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	return llm.Message{}, fmt.Errorf("not used in this test")
}
func (noopProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	return fmt.Errorf("not used in this test")
}

type fakeMemStore struct{ mu sync.Mutex }

func (s *fakeMemStore) Insert(ctx context.Context, rec domain.MemoryRecord) error { return nil }
func (s *fakeMemStore) Recent(ctx context.Context, tenant, player string, minImportance float64, limit int) ([]domain.MemoryRecord, error) {
	return nil, nil
}
func (s *fakeMemStore) UpdateImportance(ctx context.Context, id string, importance float64) error {
	return nil
}
func (s *fakeMemStore) MarkEmbedded(ctx context.Context, id string, embedding []float32) error {
	return nil
}
func (s *fakeMemStore) PendingEmbeddings(ctx context.Context, limit int) ([]domain.MemoryRecord, error) {
	return nil, nil
}
func (s *fakeMemStore) AllForDecay(ctx context.Context, limit int) ([]domain.MemoryRecord, error) {
	return nil, nil
}
func (s *fakeMemStore) DeleteBelow(ctx context.Context, minImportance float64, maxAgeSeconds int64) (int64, error) {
	return 0, nil
}
func (s *fakeMemStore) Get(ctx context.Context, id string) (domain.MemoryRecord, error) {
	return domain.MemoryRecord{}, domain.ErrNotFound
}

type fakePolicy struct{}

func (fakePolicy) DailyCeilingUSD(tenant string) float64           { return 10 }
func (fakePolicy) Persona(tenant, player string) domain.Persona    { return domain.PersonaCheerful }
func (fakePolicy) Language(tenant, player string) domain.Language  { return domain.LanguageEN }

type recordingPublisher struct {
	mu   sync.Mutex
	seen []domain.Response
}

func (p *recordingPublisher) Push(ctx context.Context, tenant, player string, resp domain.Response) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, resp)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

// countingCache wraps a ResponseCache and records how many Get calls were
// hits, so tests can assert the cache was actually exercised rather than
// just that two responses happened to match.
type countingCache struct {
	cache.ResponseCache
	mu   sync.Mutex
	hits int
}

func (c *countingCache) Get(ctx context.Context, fingerprint string) (domain.Response, bool) {
	resp, ok := c.ResponseCache.Get(ctx, fingerprint)
	if ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
	}
	return resp, ok
}

func (c *countingCache) hitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

func testDispatcher(t *testing.T, push Publisher) *Dispatcher {
	d, _ := testDispatcherWithCache(t, push)
	return d
}

func testDispatcherWithCache(t *testing.T, push Publisher) (*Dispatcher, *countingCache) {
	t.Helper()
	lib, err := dialogue.DefaultLibrary()
	require.NoError(t, err)

	gov := denyAllGovernor{}
	emo := emotion.New(noopProvider{}, "test-model", gov, nil)
	dlg := dialogue.New(lib, noopProvider{}, "test-model", gov, nil)
	mem := memory.New(&fakeMemStore{}, nil, config.MemoryConfig{ContextK: 5, ImportanceFloor: 0.3}, config.EmbeddingConfig{})
	respCache := &countingCache{ResponseCache: cache.NewTwoTierCache(config.CacheConfig{LRUSize: 100}, nil)}

	dispCfg := config.DispatcherConfig{DeadlineMS: 2000, MemoryDeadlineMS: 1000, EmotionDeadlineMS: 1000, Workers: 4, QueueDepth: 16}
	d := New(dispCfg, config.CacheConfig{TTLSeconds: 60}, respCache, emo, dlg, mem, nil, push, fakePolicy{})
	t.Cleanup(d.Close)
	return d, respCache
}

func victoryEvent(tenant, player string) domain.Event {
	return domain.Event{
		Tenant: tenant, Game: "arena", Player: player,
		Kind:    domain.EventVictory,
		Payload: domain.Payload{"nickname": "Kai"},
		Context: domain.EventContext{},
	}
}

func TestDispatcher_Handle_ReturnsResponseForValidEvent(t *testing.T) {
	t.Parallel()
	d := testDispatcher(t, nil)

	resp, err := d.Handle(context.Background(), victoryEvent("acme", "p1"))
	require.NoError(t, err)
	// No vector store is wired in this fixture, so memory retrieval always
	// degrades to temporal-only and the response is marked partial.
	assert.True(t, resp.Partial)
	assert.Contains(t, resp.DegradedReasons, "memory_semantic_unavailable")
	assert.NotEmpty(t, resp.Dialogue.Text)
	assert.Equal(t, domain.DialogueMethodTemplate, resp.Dialogue.Method, "governor denies everything, so only the free template path can produce a response")
}

func TestDispatcher_Handle_RejectsUnknownEventKind(t *testing.T) {
	t.Parallel()
	d := testDispatcher(t, nil)

	_, err := d.Handle(context.Background(), domain.Event{Tenant: "acme", Player: "p1", Kind: domain.EventKind("nonsense")})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestDispatcher_Handle_SecondCallHitsCache(t *testing.T) {
	t.Parallel()
	d, respCache := testDispatcherWithCache(t, nil)
	ctx := context.Background()
	event := victoryEvent("acme", "p2")

	first, err := d.Handle(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, 0, respCache.hitCount(), "first call must be a miss")

	second, err := d.Handle(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, first.Dialogue.Text, second.Dialogue.Text)
	assert.Equal(t, 1, respCache.hitCount(), "second identical event must hit the cache written by the first (regression guard for the fp/fpWithEmotion key-mismatch bug)")
	assert.Equal(t, domain.DialogueMethodCached, second.Dialogue.Method, "a cache hit must rewrite the method to cached")
	assert.Equal(t, domain.EmotionMethodCached, second.Emotion.Method, "a cache hit must rewrite the method to cached")
}

func TestDispatcher_HandleAsync_DeliversViaPublisher(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	d := testDispatcher(t, pub)

	require.NoError(t, d.HandleAsync(context.Background(), victoryEvent("acme", "p3")))

	assert.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_ShardFor_SamePlayerAlwaysSameShard(t *testing.T) {
	t.Parallel()
	d := testDispatcher(t, nil)

	a := d.shardFor("acme", "p1")
	b := d.shardFor("acme", "p1")
	assert.Equal(t, fmt.Sprintf("%p", a), fmt.Sprintf("%p", b))
}

func TestDispatcher_ConcurrentEventsForDifferentPlayersAllComplete(t *testing.T) {
	t.Parallel()
	d := testDispatcher(t, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Handle(context.Background(), victoryEvent("acme", fmt.Sprintf("player-%d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}
