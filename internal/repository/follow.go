package repository

import (
	"context"
	"time"

	"cleandispatch/internal/domain"

	"github.com/rs/zerolog"
)

// Backoff returns the wait before retry attempt n (1-based).
type Backoff func(attempt int) time.Duration

// Follow calls deliver once the subscription on prefix is up and again on
// every change, until ctx is done. Subscription and delivery failures are
// logged and retried with backoff; they are never returned.
func Follow(ctx context.Context, store domain.EphemeralStore, prefix string, deliver func(ctx context.Context) error, backoff Backoff, logger *zerolog.Logger) {
	attempt := 0
	for ctx.Err() == nil {
		if attempt > 0 {
			if !sleep(ctx, backoff(attempt)) {
				return
			}
		}

		subCtx, cancel := context.WithCancel(ctx)
		changes, err := store.Watch(subCtx, prefix)
		if err != nil {
			cancel()
			attempt++
			logger.Warn().Err(err).Str("prefix", prefix).Int("attempt", attempt).Msg("Subscription failed, retrying")
			continue
		}

		healthy := true
		if err := deliver(subCtx); err != nil {
			healthy = false
			logger.Warn().Err(err).Str("prefix", prefix).Msg("Initial read failed, resubscribing")
		} else {
			attempt = 0
		}

		for healthy {
			if _, ok := <-changes; !ok {
				break
			}
			if err := deliver(subCtx); err != nil {
				logger.Warn().Err(err).Str("prefix", prefix).Msg("Read after change failed, resubscribing")
				healthy = false
			}
		}
		cancel()

		if ctx.Err() != nil {
			return
		}
		attempt++
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
