package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cleandispatch/internal/domain"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverStore serves from the primary store and switches to the fallback
// when the primary errors, probing the primary again once a minute.
type FailoverStore struct {
	primary   domain.EphemeralStore
	fallback  domain.EphemeralStore
	logger    *zerolog.Logger
	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverStore(primary, fallback domain.EphemeralStore, logger *zerolog.Logger) *FailoverStore {
	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

// active picks the store for the next call and probes recovery when due.
func (r *FailoverStore) active(ctx context.Context) domain.EphemeralStore {
	if !r.isDown.Load() {
		return r.primary
	}

	r.mu.Lock()
	due := time.Since(r.lastCheck) > recoveryInterval
	if due {
		r.lastCheck = time.Now()
	}
	r.mu.Unlock()

	if due && r.primary.Ping(ctx) == nil {
		r.logger.Info().Msg("Primary ephemeral store recovered")
		r.isDown.Store(false)
		return r.primary
	}
	return r.fallback
}

func (r *FailoverStore) markDown(err error) {
	r.logger.Error().Err(err).Msg("Primary ephemeral store failed, falling back to memory")
	r.isDown.Store(true)
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()
}

func (r *FailoverStore) Get(ctx context.Context, key string) ([]byte, error) {
	if store := r.active(ctx); store == r.primary {
		val, err := store.Get(ctx, key)
		if err == nil {
			return val, nil
		}
		r.markDown(err)
	}
	return r.fallback.Get(ctx, key)
}

func (r *FailoverStore) Set(ctx context.Context, key string, value []byte) error {
	if store := r.active(ctx); store == r.primary {
		err := store.Set(ctx, key, value)
		if err == nil {
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.Set(ctx, key, value)
}

func (r *FailoverStore) Remove(ctx context.Context, key string) error {
	if store := r.active(ctx); store == r.primary {
		err := store.Remove(ctx, key)
		if err == nil {
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.Remove(ctx, key)
}

func (r *FailoverStore) Snapshot(ctx context.Context, prefix string) (map[string][]byte, error) {
	if store := r.active(ctx); store == r.primary {
		snap, err := store.Snapshot(ctx, prefix)
		if err == nil {
			return snap, nil
		}
		r.markDown(err)
	}
	return r.fallback.Snapshot(ctx, prefix)
}

func (r *FailoverStore) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
	if store := r.active(ctx); store == r.primary {
		ok, err := store.CompareAndSwap(ctx, key, expected, value)
		if err == nil {
			return ok, nil
		}
		r.markDown(err)
	}
	return r.fallback.CompareAndSwap(ctx, key, expected, value)
}

// Watch follows whichever store is active. A subscription on the fallback
// ends after the recovery interval so the caller re-subscribes and picks
// the primary up again once it is healthy.
func (r *FailoverStore) Watch(ctx context.Context, prefix string) (<-chan struct{}, error) {
	if store := r.active(ctx); store == r.primary {
		ch, err := store.Watch(ctx, prefix)
		if err == nil {
			return ch, nil
		}
		r.markDown(err)
	}

	fbCtx, cancel := context.WithTimeout(ctx, recoveryInterval)
	ch, err := r.fallback.Watch(fbCtx, prefix)
	if err != nil {
		cancel()
		return nil, err
	}
	go func() {
		<-fbCtx.Done()
		cancel()
	}()
	return ch, nil
}

func (r *FailoverStore) Ping(ctx context.Context) error {
	if err := r.primary.Ping(ctx); err != nil {
		return r.fallback.Ping(ctx)
	}
	return nil
}

// Degraded reports whether calls are currently served by the fallback.
func (r *FailoverStore) Degraded() bool {
	return r.isDown.Load()
}
