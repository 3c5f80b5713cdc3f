// Package cache implements the Response Cache: an in-process LRU tier in
// front of a shared Redis tier, keyed by request fingerprint (spec 4.5).
package cache

import (
	"context"
	"encoding/json"
	"time"

	"companiond/internal/config"
	"companiond/internal/domain"
	"companiond/internal/observability"

	redis "github.com/redis/go-redis/v9"
)

// ResponseCache is the Get/Put contract. A hit must carry the exact persona
// and language the caller demanded; that guarantee is the fingerprint's job,
// not the cache's — no post-hit re-localization happens here.
type ResponseCache interface {
	Get(ctx context.Context, fingerprint string) (domain.Response, bool)
	Put(ctx context.Context, fingerprint string, resp domain.Response, ttl time.Duration)
}

// TwoTierCache is the Response Cache: reads check the local LRU first, then
// the shared Redis tier (and backfill the LRU on a remote hit); writes go to
// both, with shared-tier failures swallowed so the LRU keeps serving.
type TwoTierCache struct {
	local  *localLRU
	shared *redis.Client
}

func NewTwoTierCache(cfg config.CacheConfig, redisClient *redis.Client) *TwoTierCache {
	return &TwoTierCache{local: newLocalLRU(cfg.LRUSize), shared: redisClient}
}

func sharedKey(fingerprint string) string { return "respcache:" + fingerprint }

func (c *TwoTierCache) Get(ctx context.Context, fingerprint string) (domain.Response, bool) {
	if resp, ok := c.local.get(fingerprint); ok {
		return resp, true
	}
	if c.shared == nil {
		return domain.Response{}, false
	}
	raw, err := c.shared.Get(ctx, sharedKey(fingerprint)).Bytes()
	if err != nil {
		return domain.Response{}, false
	}
	var resp domain.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.Response{}, false
	}
	// Backfill the local tier so the next hit on this instance is cheap.
	c.local.put(fingerprint, resp, time.Hour)
	return resp, true
}

func (c *TwoTierCache) Put(ctx context.Context, fingerprint string, resp domain.Response, ttl time.Duration) {
	c.local.put(fingerprint, resp, ttl)
	if c.shared == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	// Shared-tier write failures are swallowed per spec 4.1 failure
	// semantics; the local hit still serves this instance.
	if err := c.shared.Set(ctx, sharedKey(fingerprint), raw, ttl).Err(); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("response_cache_shared_write_failed")
	}
}

func (c *TwoTierCache) LocalSize() int { return c.local.size() }
