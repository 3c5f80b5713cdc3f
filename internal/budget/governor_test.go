package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// These tests exercise the pure bucket-key and TTL logic without dialing a
// real Redis instance, following the fixed-clock pattern used elsewhere in
// the pack (internal/llm/observability_test.go's timeNow override).

func fixedGovernor(now time.Time) *RedisGovernor {
	return &RedisGovernor{now: func() time.Time { return now }}
}

func TestRedisGovernor_DayIsUTC(t *testing.T) {
	t.Parallel()
	// 23:30 US/Pacific on 2024-06-14 is already 2024-06-15 UTC.
	loc := time.FixedZone("UTC-7", -7*60*60)
	g := fixedGovernor(time.Date(2024, 6, 14, 23, 30, 0, 0, loc))

	assert.Equal(t, "2024-06-15", g.day())
}

func TestRedisGovernor_BucketKeysAreScopedPerTenantPerDay(t *testing.T) {
	t.Parallel()
	g := fixedGovernor(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, "budget:spent:acme:2024-01-01", g.spentKey("acme"))
	assert.Equal(t, "budget:denied:acme:2024-01-01", g.deniedKey("acme"))
	assert.NotEqual(t, g.spentKey("acme"), g.spentKey("other-tenant"))

	assert.Equal(t, "budget:generative:acme:2024-01-01", g.counterKey("acme", "generative"))
	assert.Equal(t, "budget:classifier:acme:2024-01-01", g.counterKey("acme", "classifier"))
}

func TestRedisGovernor_TTLToMidnightStaysWithinOneDayPlusPad(t *testing.T) {
	t.Parallel()
	g := fixedGovernor(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	ttl := g.ttlToMidnight()
	// 12h to midnight + 1h pad.
	assert.Equal(t, 13*time.Hour, ttl)
}

func TestRedisGovernor_TTLToMidnightJustBeforeRollover(t *testing.T) {
	t.Parallel()
	g := fixedGovernor(time.Date(2024, 3, 10, 23, 59, 59, 0, time.UTC))

	ttl := g.ttlToMidnight()
	assert.True(t, ttl > time.Hour && ttl <= time.Hour+time.Second, "expected ttl just over the 1h pad, got %v", ttl)
}

func TestIsCostOverage_WithinThresholdIsNotOverage(t *testing.T) {
	t.Parallel()
	assert.False(t, isCostOverage(0.00074, 0.0006)) // 23% over
	assert.False(t, isCostOverage(0.0006, 0.0006))  // exact match
	assert.False(t, isCostOverage(0.0003, 0.0006))  // under estimate
}

func TestIsCostOverage_BeyondThresholdIsOverage(t *testing.T) {
	t.Parallel()
	assert.True(t, isCostOverage(0.00076, 0.0006)) // ~27% over
	assert.True(t, isCostOverage(0.01, 0.0006))
}

func TestIsCostOverage_ZeroEstimateTreatsAnySpendAsOverage(t *testing.T) {
	t.Parallel()
	assert.True(t, isCostOverage(0.001, 0))
	assert.False(t, isCostOverage(0, 0))
}

func TestParseRedisFloatAndInt(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1.5, parseRedisFloat("1.5"))
	assert.Equal(t, 0.0, parseRedisFloat(nil))
	assert.Equal(t, int64(7), parseRedisInt("7"))
	assert.Equal(t, int64(0), parseRedisInt(nil))
}
