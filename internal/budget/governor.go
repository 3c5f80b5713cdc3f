// Package budget implements the per-tenant daily cost ceiling that gates
// every paid call the pipeline makes (spec 4.6).
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"companiond/internal/config"
	"companiond/internal/domain"
	"companiond/internal/observability"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Decision is the outcome of an Admit call.
type Decision struct {
	Allowed  bool
	Reason   string // set when denied: "ceiling_reached" or "high_value_only"
	SpentUSD float64
	Ceiling  float64
}

// Governor is the Budget Governor's contract: Admit reserves estimated
// spend atomically, Record reconciles it against the actual cost, and
// Release gives back a reservation that was never spent (e.g. the caller's
// deadline expired before the paid call completed).
type Governor interface {
	Admit(ctx context.Context, tenant string, ceilingUSD float64, estimatedCostUSD float64, highValue bool, component string) (Decision, error)
	Record(ctx context.Context, tenant string, component string, actualCostUSD, estimatedCostUSD float64) error
	Release(ctx context.Context, tenant string, estimatedCostUSD float64) error
	Snapshot(ctx context.Context, tenant string) (domain.BudgetBucket, error)
}

// highValueShareThreshold is the fraction of ceiling at which only
// high-value signals (spec 4.6 policy) continue to be admitted.
const highValueShareThreshold = 0.80

// costOverageThreshold is the actual/estimated ratio beyond which Record
// emits a warning (spec 4.6: "if actual > estimated by more than 25%").
const costOverageThreshold = 1.25

var (
	overageOnce    sync.Once
	overageCounter otelmetric.Int64Counter
)

// ensureOverageInstrument lazily initializes the overage-warning counter,
// mirroring internal/llm/observability.go's ensureTokenInstruments pattern.
func ensureOverageInstrument() {
	overageOnce.Do(func() {
		m := otel.Meter("internal/budget")
		var err error
		overageCounter, err = m.Int64Counter("budget.cost_overage_warnings", otelmetric.WithDescription("Count of paid calls whose actual cost exceeded its estimate by more than the overage threshold"))
		if err != nil {
			// leave zero-value counter (no-op) if creation fails
		}
	})
}

// isCostOverage reports whether actualCostUSD exceeds estimatedCostUSD by
// more than costOverageThreshold. Extracted as a pure function so the
// threshold arithmetic is testable without a Redis client.
func isCostOverage(actualCostUSD, estimatedCostUSD float64) bool {
	if estimatedCostUSD <= 0 {
		return actualCostUSD > 0
	}
	return actualCostUSD > estimatedCostUSD*costOverageThreshold
}

// admitScript performs the compare-and-increment reservation atomically: it
// reads the bucket's current spend, decides admission under the two-tier
// policy, and if admitted increments spend in the same round trip so two
// concurrent Admit calls cannot both squeeze under the ceiling.
//
// KEYS[1] = spend key, KEYS[2] = denied-count key, KEYS[3] = generative/classifier
// counter key (optional, "" to skip)
// ARGV[1] = estimated cost, ARGV[2] = ceiling, ARGV[3] = high-value (1/0),
// ARGV[4] = ttl seconds
var admitScript = redis.NewScript(`
local spent = tonumber(redis.call("GET", KEYS[1]) or "0")
local ceiling = tonumber(ARGV[2])
local estimated = tonumber(ARGV[1])
local highValue = ARGV[3] == "1"
local ttl = tonumber(ARGV[4])

if spent >= ceiling then
  redis.call("INCR", KEYS[2])
  redis.call("EXPIRE", KEYS[2], ttl)
  return {0, spent, 1}
end

if spent >= ceiling * 0.8 and not highValue then
  redis.call("INCR", KEYS[2])
  redis.call("EXPIRE", KEYS[2], ttl)
  return {0, spent, 2}
end

if spent + estimated > ceiling then
  redis.call("INCR", KEYS[2])
  redis.call("EXPIRE", KEYS[2], ttl)
  return {0, spent, 1}
end

local newSpent = redis.call("INCRBYFLOAT", KEYS[1], estimated)
redis.call("EXPIRE", KEYS[1], ttl)
if KEYS[3] ~= "" then
  redis.call("INCR", KEYS[3])
  redis.call("EXPIRE", KEYS[3], ttl)
end
return {1, newSpent, 0}
`)

// RedisGovernor is the shared-KV-tier implementation of Governor.
type RedisGovernor struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisGovernor dials Redis and verifies connectivity. now defaults to
// time.Now; tests may override it to pin the UTC day.
func NewRedisGovernor(cfg config.RedisConfig, now func() time.Time) (*RedisGovernor, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &RedisGovernor{client: client, now: now}, nil
}

func (g *RedisGovernor) Close() error { return g.client.Close() }

func (g *RedisGovernor) day() string {
	return g.now().UTC().Format("2006-01-02")
}

func (g *RedisGovernor) spentKey(tenant string) string {
	return fmt.Sprintf("budget:spent:%s:%s", tenant, g.day())
}

func (g *RedisGovernor) deniedKey(tenant string) string {
	return fmt.Sprintf("budget:denied:%s:%s", tenant, g.day())
}

func (g *RedisGovernor) counterKey(tenant, component string) string {
	return fmt.Sprintf("budget:%s:%s:%s", component, tenant, g.day())
}

// ttlToMidnight bounds every bucket key's lifetime to the UTC day it belongs
// to, so buckets self-expire instead of accumulating forever.
func (g *RedisGovernor) ttlToMidnight() time.Duration {
	now := g.now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now) + time.Hour // pad so a slow reader doesn't race the expiry
}

func (g *RedisGovernor) Admit(ctx context.Context, tenant string, ceilingUSD, estimatedCostUSD float64, highValue bool, component string) (Decision, error) {
	counterKey := ""
	if component == "classifier" || component == "generative" {
		counterKey = g.counterKey(tenant, component)
	}
	hv := "0"
	if highValue {
		hv = "1"
	}
	ttl := int(g.ttlToMidnight().Seconds())

	res, err := admitScript.Run(ctx, g.client,
		[]string{g.spentKey(tenant), g.deniedKey(tenant), counterKey},
		estimatedCostUSD, ceilingUSD, hv, ttl,
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("budget admit: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{}, domain.ErrInternalInvariant
	}
	allowed := fmt.Sprint(vals[0]) == "1"
	spent := parseRedisFloat(vals[1])
	reasonCode := fmt.Sprint(vals[2])

	d := Decision{Allowed: allowed, SpentUSD: spent, Ceiling: ceilingUSD}
	if !allowed {
		switch reasonCode {
		case "2":
			d.Reason = "high_value_only"
		default:
			d.Reason = "ceiling_reached"
		}
	}
	return d, nil
}

func (g *RedisGovernor) Record(ctx context.Context, tenant, component string, actualCostUSD, estimatedCostUSD float64) error {
	if isCostOverage(actualCostUSD, estimatedCostUSD) {
		ensureOverageInstrument()
		if overageCounter != nil {
			overageCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("tenant", tenant), attribute.String("component", component)))
		}
		observability.LoggerWithTrace(ctx).Warn().
			Str("tenant", tenant).Str("component", component).
			Float64("actual_usd", actualCostUSD).Float64("estimated_usd", estimatedCostUSD).
			Msg("budget_cost_overage")
	}

	delta := actualCostUSD - estimatedCostUSD
	if delta == 0 {
		return nil
	}
	ttl := g.ttlToMidnight()
	if err := g.client.IncrByFloat(ctx, g.spentKey(tenant), delta).Err(); err != nil {
		return fmt.Errorf("budget record: %w", err)
	}
	g.client.Expire(ctx, g.spentKey(tenant), ttl)
	return nil
}

// Release gives back a reservation that was never spent, e.g. because the
// caller's deadline expired before the paid call returned.
func (g *RedisGovernor) Release(ctx context.Context, tenant string, estimatedCostUSD float64) error {
	if estimatedCostUSD == 0 {
		return nil
	}
	return g.client.IncrByFloat(ctx, g.spentKey(tenant), -estimatedCostUSD).Err()
}

func (g *RedisGovernor) Snapshot(ctx context.Context, tenant string) (domain.BudgetBucket, error) {
	pipe := g.client.Pipeline()
	spentCmd := pipe.Get(ctx, g.spentKey(tenant))
	deniedCmd := pipe.Get(ctx, g.deniedKey(tenant))
	genCmd := pipe.Get(ctx, g.counterKey(tenant, "generative"))
	classCmd := pipe.Get(ctx, g.counterKey(tenant, "classifier"))
	_, _ = pipe.Exec(ctx)

	return domain.BudgetBucket{
		Tenant:          tenant,
		Day:             g.day(),
		SpentUSD:        parseRedisFloat(spentCmd.Val()),
		DeniedCount:     parseRedisInt(deniedCmd.Val()),
		GenerativeCount: parseRedisInt(genCmd.Val()),
		ClassifierCount: parseRedisInt(classCmd.Val()),
	}, nil
}

func parseRedisFloat(v interface{}) float64 {
	var f float64
	_, _ = fmt.Sscanf(fmt.Sprint(v), "%f", &f)
	return f
}

func parseRedisInt(v interface{}) int64 {
	var n int64
	_, _ = fmt.Sscanf(fmt.Sprint(v), "%d", &n)
	return n
}
