// Package dispatcher implements the Dispatcher: the per-event orchestrator
// that sequences cache lookup, emotion analysis, memory retrieval, dialogue
// generation, memory append, and push fan-out under a hard wall-clock
// deadline (spec 4.1).
package dispatcher

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"golang.org/x/sync/errgroup"

	"companiond/internal/cache"
	"companiond/internal/config"
	"companiond/internal/dialogue"
	"companiond/internal/domain"
	"companiond/internal/emotion"
	"companiond/internal/memory"
	"companiond/internal/metrics"
	"companiond/internal/observability"
)

// Publisher is the realtime push channel's inbound contract; the Dispatcher
// depends only on this narrow interface so it never imports the transport.
type Publisher interface {
	Push(ctx context.Context, tenant, player string, resp domain.Response) error
}

// TenantPolicy resolves the per-tenant knobs the Dispatcher needs that live
// outside this pipeline (spec's tenant/API-key store is out of scope here).
type TenantPolicy interface {
	DailyCeilingUSD(tenant string) float64
	Persona(tenant, player string) domain.Persona
	Language(tenant, player string) domain.Language
}

// job is one unit of work handed to a shard's serial worker.
type job struct {
	ctx     context.Context
	event   domain.Event
	resultC chan result
}

type result struct {
	resp domain.Response
	err  error
}

// Dispatcher fans events out to per-player serial workers so that two
// events for the same player never interleave their memory/emotion state,
// while unrelated players process fully in parallel (spec 4.1 "ordering").
type Dispatcher struct {
	cfg      config.DispatcherConfig
	cache    cache.ResponseCache
	emotion  *emotion.Engine
	dialogue *dialogue.Engine
	memory   *memory.Engine
	sink     *metrics.Sink
	push     Publisher
	policy   TenantPolicy
	cacheTTL time.Duration

	shards []chan job
}

func New(cfg config.DispatcherConfig, cacheCfg config.CacheConfig, respCache cache.ResponseCache, emo *emotion.Engine, dlg *dialogue.Engine, mem *memory.Engine, sink *metrics.Sink, push Publisher, policy TenantPolicy) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 64
	}

	ttl := cacheCfg.TTL()
	if ttl <= 0 {
		ttl = time.Hour
	}

	d := &Dispatcher{
		cfg: cfg, cache: respCache, emotion: emo, dialogue: dlg,
		memory: mem, sink: sink, push: push, policy: policy,
		cacheTTL: ttl,
		shards:   make([]chan job, workers),
	}
	for i := range d.shards {
		d.shards[i] = make(chan job, depth)
		go d.runShard(d.shards[i])
	}
	return d
}

func (d *Dispatcher) shardFor(tenant, player string) chan job {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenant + "|" + player))
	return d.shards[h.Sum32()%uint32(len(d.shards))]
}

func (d *Dispatcher) runShard(ch chan job) {
	for j := range ch {
		resp, err := d.process(j.ctx, j.event)
		if j.resultC != nil {
			j.resultC <- result{resp: resp, err: err}
		} else if d.push != nil && err == nil {
			if perr := d.push.Push(j.ctx, j.event.Tenant, j.event.Player, resp); perr != nil {
				observability.LoggerWithTrace(j.ctx).Warn().Err(perr).Msg("dispatcher_push_failed")
			}
		}
	}
}

// Handle is the synchronous request/reply path: the caller blocks for a
// full Response or a degraded one, bounded by cfg.Deadline.
func (d *Dispatcher) Handle(ctx context.Context, event domain.Event) (domain.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Deadline())
	defer cancel()

	resultC := make(chan result, 1)
	j := job{ctx: ctx, event: event, resultC: resultC}

	select {
	case d.shardFor(event.Tenant, event.Player) <- j:
	case <-ctx.Done():
		return domain.Response{}, fmt.Errorf("dispatcher queue saturated: %w", ctx.Err())
	}

	select {
	case r := <-resultC:
		return r.resp, r.err
	case <-ctx.Done():
		return domain.Response{Partial: true, DegradedReasons: []string{"deadline_exceeded"}}, ctx.Err()
	}
}

// HandleAsync enqueues the event for the push-only path and returns
// immediately; the response is delivered over the realtime channel instead
// of the call stack (spec 4.1 "async ingestion").
func (d *Dispatcher) HandleAsync(ctx context.Context, event domain.Event) error {
	j := job{ctx: ctx, event: event}
	select {
	case d.shardFor(event.Tenant, event.Player) <- j:
		return nil
	default:
		return fmt.Errorf("dispatcher queue saturated for tenant=%s player=%s", event.Tenant, event.Player)
	}
}

// process runs the full pipeline for one event: cache, emotion, memory
// context, dialogue, memory append, and metric recording. Each stage
// degrades independently rather than failing the whole response, per spec
// 4.1's "never return nothing" contract.
func (d *Dispatcher) process(ctx context.Context, event domain.Event) (domain.Response, error) {
	start := time.Now()
	if !domain.ValidEventKinds[event.Kind] {
		return domain.Response{}, domain.ErrInvalidEvent
	}

	persona := d.policy.Persona(event.Tenant, event.Player)
	language := d.policy.Language(event.Tenant, event.Player)
	ceiling := d.policy.DailyCeilingUSD(event.Tenant)

	fp := domain.Fingerprint(event.Tenant, event.Game, persona, language, event.Kind, event.Payload, event.Context, domain.Emotion(""))
	if cached, ok := d.cache.Get(ctx, fp); ok {
		cached.LatencyMS = time.Since(start).Milliseconds()
		cached.Emotion.Method = domain.EmotionMethodCached
		cached.Dialogue.Method = domain.DialogueMethodCached
		d.recordDispatch(ctx, event, cached, true)
		return cached, nil
	}

	var degraded []string

	// Emotion analysis and memory context retrieval are independent reads, so
	// they run concurrently, each bound by its own sub-deadline derived from
	// the parent ctx rather than from each other (spec 4.1 steps 3-4).
	var emoResult emotion.Result
	var memories []domain.ScoredMemory
	var memDegraded bool

	var g errgroup.Group
	g.Go(func() error {
		emotionCtx, cancel := context.WithTimeout(ctx, d.cfg.EmotionDeadline())
		defer cancel()
		emoResult = d.emotion.Analyze(emotionCtx, event, "", ceiling, false)
		return nil
	})
	g.Go(func() error {
		memCtx, cancel := context.WithTimeout(ctx, d.cfg.MemoryDeadline())
		defer cancel()
		memories, memDegraded = d.memory.GetContext(memCtx, event.Tenant, event.Player, event.Kind, event.Payload, 0)
		return nil
	})
	_ = g.Wait() // neither task returns an application error; degradation is signaled via return values

	if memDegraded {
		degraded = append(degraded, "memory_semantic_unavailable")
	}

	fpWithEmotion := domain.Fingerprint(event.Tenant, event.Game, persona, language, event.Kind, event.Payload, event.Context, emoResult.Emotion)
	dlgResult := d.dialogue.Generate(ctx, event, emoResult.EmotionResult, persona, language, memories, fpWithEmotion, ceiling, emoResult.ClassifierOnRuleAbstention)

	resp := domain.Response{
		Emotion:         emoResult.EmotionResult,
		Dialogue:        dlgResult,
		MemoryContext:   memories,
		LatencyMS:       time.Since(start).Milliseconds(),
		Partial:         len(degraded) > 0,
		DegradedReasons: degraded,
	}

	if memory.ShouldCreate(memoryKindFor(event.Kind), emoResult.Intensity) {
		content := memoryContentFor(event, dlgResult.Text)
		if _, err := d.memory.Append(ctx, event.Tenant, event.Player, memoryKindFor(event.Kind), content, emoResult.Emotion, event.Context); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("dispatcher_memory_append_failed")
		}
	}

	// Put under fp, the same key Get used: at dispatch time emotion is not
	// yet known, so the cache key never includes it in practice (spec 4.1
	// step 2 computes the fingerprint once, before the emotion pass runs).
	// fpWithEmotion is still used above purely to seed the dialogue
	// template's deterministic weighted pick.
	d.cache.Put(ctx, fp, resp, d.cacheTTL)
	d.recordDispatch(ctx, event, resp, false)
	return resp, nil
}

// memoryKindFor maps an event kind to the memory record category it
// produces, per spec 4.4's lifecycle table.
func memoryKindFor(kind domain.EventKind) domain.MemoryKind {
	switch kind {
	case domain.EventAchievement:
		return domain.MemoryAchievement
	case domain.EventLevelUp:
		return domain.MemoryMilestone
	case domain.EventCombatBossDefeat, domain.EventVictory, domain.EventDefeat:
		return domain.MemoryDramatic
	default:
		return domain.MemoryEvent
	}
}

func memoryContentFor(event domain.Event, dialogueText string) string {
	return fmt.Sprintf("%s: %s", event.Kind, dialogueText)
}

func (d *Dispatcher) recordDispatch(ctx context.Context, event domain.Event, resp domain.Response, cacheHit bool) {
	if d.sink == nil {
		return
	}
	status := 200
	if resp.Partial {
		status = 206
	}
	d.sink.Record(domain.Metric{
		Tenant:     event.Tenant,
		Game:       event.Game,
		Player:     event.Player,
		Component:  "dispatcher",
		Operation:  "handle",
		LatencyMS:  resp.LatencyMS,
		StatusCode: status,
		CacheHit:   cacheHit,
		Timestamp:  time.Now(),
	})
}

// Close stops accepting new work and drains each shard's channel.
func (d *Dispatcher) Close() {
	for _, ch := range d.shards {
		close(ch)
	}
}
