package memory

import (
	"context"
	"time"

	"companiond/internal/observability"
)

const (
	minDecayInterval  = 1 * time.Minute
	maxDecayInterval  = 24 * time.Hour
	minCleanupInterval = 1 * time.Hour
	maxCleanupInterval = 7 * 24 * time.Hour
	embeddingRetryBatch = 200
)

// RunDecayLoop ticks the importance decay pass at the configured interval,
// clamped to a sane range so a bad config value can't busy-loop or never fire.
func (e *Engine) RunDecayLoop(ctx context.Context, interval time.Duration) {
	if interval < minDecayInterval {
		interval = minDecayInterval
	}
	if interval > maxDecayInterval {
		interval = maxDecayInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	observability.LoggerWithTrace(ctx).Info().Dur("interval", interval).Msg("memory_decay_loop_started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updated, err := e.Decay(ctx)
			if err != nil {
				observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("memory_decay_tick_failed")
				continue
			}
			observability.LoggerWithTrace(ctx).Info().Int("updated", updated).Msg("memory_decay_tick_complete")
		}
	}
}

// RunCleanupLoop ticks Cleanup at the configured interval.
func (e *Engine) RunCleanupLoop(ctx context.Context, interval time.Duration, minImportance float64, maxAge time.Duration) {
	if interval < minCleanupInterval {
		interval = minCleanupInterval
	}
	if interval > maxCleanupInterval {
		interval = maxCleanupInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	observability.LoggerWithTrace(ctx).Info().Dur("interval", interval).Msg("memory_cleanup_loop_started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := e.Cleanup(ctx, minImportance, maxAge)
			if err != nil {
				observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("memory_cleanup_tick_failed")
				continue
			}
			observability.LoggerWithTrace(ctx).Info().Int64("deleted", deleted).Msg("memory_cleanup_tick_complete")
		}
	}
}

// RunEmbeddingRetryLoop periodically retries records whose append-time embed
// call failed, at a short fixed interval independent of decay/cleanup.
func (e *Engine) RunEmbeddingRetryLoop(ctx context.Context, interval time.Duration) {
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			retried, err := e.RetryPendingEmbeddings(ctx, embeddingRetryBatch)
			if err != nil {
				observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("memory_embedding_retry_tick_failed")
				continue
			}
			if retried > 0 {
				observability.LoggerWithTrace(ctx).Info().Int("retried", retried).Msg("memory_embedding_retry_tick_complete")
			}
		}
	}
}
