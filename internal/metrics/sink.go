// Package metrics implements the Cost & Metric Sink: a fire-and-forget,
// batched recorder of every call's {component, method, latency, cost,
// cache_hit} (spec 4.8). Metrics are observational, not authoritative for
// billing — the Budget Governor's ledger is authoritative for that.
package metrics

import (
	"context"
	"sync"
	"time"

	"companiond/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

const (
	bucketResolution = time.Minute
	bucketRetention  = 7 * 24 * time.Hour
	batchInterval    = 2 * time.Second
	batchSize        = 256
)

// tenantTotals is the in-memory rollup the admin surface's /v1/analytics/*
// endpoints read from; it is a cache of observations, never the billing
// source of truth.
type tenantTotals struct {
	CostUSD       float64
	Requests      int64
	CacheHits     int64
	ErrorCount    int64
	ByComponent   map[string]int64
}

// Sink batches metric writes and exposes a read-only snapshot for the admin
// surface. Losing a batch on process death is acceptable.
type Sink struct {
	once             sync.Once
	latencyHist      otelmetric.Int64Histogram
	costCounter      otelmetric.Float64Counter
	cacheHitCounter  otelmetric.Int64Counter

	ch chan domain.Metric

	mu      sync.RWMutex
	totals  map[string]*tenantTotals // by tenant
	buckets map[string]map[int64]*tenantTotals
	now     func() time.Time
}

func NewSink() *Sink {
	s := &Sink{
		ch:      make(chan domain.Metric, batchSize*4),
		totals:  make(map[string]*tenantTotals),
		buckets: make(map[string]map[int64]*tenantTotals),
		now:     time.Now,
	}
	go s.batchLoop()
	return s
}

func (s *Sink) ensureInstruments() {
	s.once.Do(func() {
		m := otel.Meter("companiond/metrics")
		s.latencyHist, _ = m.Int64Histogram("companion.request_latency_ms", otelmetric.WithDescription("Per-component operation latency"))
		s.costCounter, _ = m.Float64Counter("companion.cost_usd", otelmetric.WithDescription("Cumulative paid-call cost"))
		s.cacheHitCounter, _ = m.Int64Counter("companion.cache_hits", otelmetric.WithDescription("Response cache hits"))
	})
}

// Record enqueues a metric observation. Fire-and-forget: if the internal
// channel is full, the observation is dropped rather than blocking the
// caller — metrics never gate the hot path.
func (s *Sink) Record(m domain.Metric) {
	select {
	case s.ch <- m:
	default:
	}
}

func (s *Sink) batchLoop() {
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()
	batch := make([]domain.Metric, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.apply(batch)
		batch = batch[:0]
	}

	for {
		select {
		case m, ok := <-s.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, m)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *Sink) apply(batch []domain.Metric) {
	s.ensureInstruments()
	ctx := context.Background()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range batch {
		attrs := otelmetric.WithAttributes(
			attribute.String("component", m.Component),
			attribute.String("operation", m.Operation),
		)
		if s.latencyHist != nil {
			s.latencyHist.Record(ctx, m.LatencyMS, attrs)
		}
		if s.costCounter != nil && m.CostUSD > 0 {
			s.costCounter.Add(ctx, m.CostUSD, attrs)
		}
		if s.cacheHitCounter != nil && m.CacheHit {
			s.cacheHitCounter.Add(ctx, 1, attrs)
		}

		t := s.totals[m.Tenant]
		if t == nil {
			t = &tenantTotals{ByComponent: make(map[string]int64)}
			s.totals[m.Tenant] = t
		}
		t.CostUSD += m.CostUSD
		t.Requests++
		if m.CacheHit {
			t.CacheHits++
		}
		if m.StatusCode >= 500 {
			t.ErrorCount++
		}
		t.ByComponent[m.Component]++

		s.bucketFor(m.Tenant, m.Timestamp).CostUSD += m.CostUSD
	}
	s.evictOldBucketsLocked()
}

func (s *Sink) bucketFor(tenant string, ts time.Time) *tenantTotals {
	bucketKey := ts.Truncate(bucketResolution).Unix()
	perTenant, ok := s.buckets[tenant]
	if !ok {
		perTenant = make(map[int64]*tenantTotals)
		s.buckets[tenant] = perTenant
	}
	b, ok := perTenant[bucketKey]
	if !ok {
		b = &tenantTotals{ByComponent: make(map[string]int64)}
		perTenant[bucketKey] = b
	}
	return b
}

func (s *Sink) evictOldBucketsLocked() {
	cutoff := s.now().Add(-bucketRetention).Unix()
	for tenant, perTenant := range s.buckets {
		for k := range perTenant {
			if k < cutoff {
				delete(perTenant, k)
			}
		}
		if len(perTenant) == 0 {
			delete(s.buckets, tenant)
		}
	}
}

// TenantSnapshot is the read-only rollup served by GET /v1/analytics/costs.
type TenantSnapshot struct {
	Tenant      string           `json:"tenant"`
	CostUSD     float64          `json:"cost_usd"`
	Requests    int64            `json:"requests"`
	CacheHits   int64            `json:"cache_hits"`
	ErrorCount  int64            `json:"error_count"`
	ByComponent map[string]int64 `json:"by_component"`
}

func (s *Sink) TenantCosts(tenant string) TenantSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.totals[tenant]
	if !ok {
		return TenantSnapshot{Tenant: tenant, ByComponent: map[string]int64{}}
	}
	byComponent := make(map[string]int64, len(t.ByComponent))
	for k, v := range t.ByComponent {
		byComponent[k] = v
	}
	return TenantSnapshot{
		Tenant:      tenant,
		CostUSD:     t.CostUSD,
		Requests:    t.Requests,
		CacheHits:   t.CacheHits,
		ErrorCount:  t.ErrorCount,
		ByComponent: byComponent,
	}
}

// PlatformSnapshot is the read-only rollup served by GET /v1/analytics/platform.
type PlatformSnapshot struct {
	Tenants     int     `json:"tenants"`
	TotalCost   float64 `json:"total_cost_usd"`
	TotalReqs   int64   `json:"total_requests"`
	TotalHits   int64   `json:"total_cache_hits"`
	TotalErrors int64   `json:"total_errors"`
}

func (s *Sink) Platform() PlatformSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var p PlatformSnapshot
	p.Tenants = len(s.totals)
	for _, t := range s.totals {
		p.TotalCost += t.CostUSD
		p.TotalReqs += t.Requests
		p.TotalHits += t.CacheHits
		p.TotalErrors += t.ErrorCount
	}
	return p
}
