package presence

import (
	"context"
	"sync"
	"time"

	"cleandispatch/internal/models"
)

// Broadcaster owns one session's presence record. It is the only writer
// of that record.
type Broadcaster struct {
	client *Client

	mu  sync.Mutex
	rec models.Presence
}

func NewBroadcaster(client *Client, rec models.Presence) *Broadcaster {
	return &Broadcaster{client: client, rec: rec}
}

// Record returns a copy of the current record.
func (b *Broadcaster) Record() models.Presence {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rec
}

// Announce publishes the current record as is.
func (b *Broadcaster) Announce(ctx context.Context) error {
	return b.update(ctx, func(*models.Presence) bool { return true })
}

// UpdateLocation publishes a new position sample.
func (b *Broadcaster) UpdateLocation(ctx context.Context, pos models.Coordinates) error {
	return b.update(ctx, func(rec *models.Presence) bool {
		rec.SetPosition(pos)
		return true
	})
}

// SetAvailable republishes only when availability actually changes.
func (b *Broadcaster) SetAvailable(ctx context.Context, available bool) error {
	return b.update(ctx, func(rec *models.Presence) bool {
		if rec.Available == available {
			return false
		}
		rec.Available = available
		return true
	})
}

// Rename changes the display name shown on the feed.
func (b *Broadcaster) Rename(ctx context.Context, name string) error {
	return b.update(ctx, func(rec *models.Presence) bool {
		if rec.DisplayName == name {
			return false
		}
		rec.DisplayName = name
		return true
	})
}

// Track publishes every sample from samples until the channel closes or
// ctx is done. A failed publish is retried with the next sample.
func (b *Broadcaster) Track(ctx context.Context, samples <-chan models.Coordinates) {
	for {
		select {
		case <-ctx.Done():
			return
		case pos, ok := <-samples:
			if !ok {
				return
			}
			if err := b.UpdateLocation(ctx, pos); err != nil {
				b.client.logger.Warn().Err(err).Str("session_id", b.Record().SessionID).Msg("Location publish failed")
			}
		}
	}
}

// Stop retracts the record from the feed.
func (b *Broadcaster) Stop(ctx context.Context) error {
	return b.client.Retract(ctx, b.Record().SessionID)
}

// update applies mutate to a copy and commits it only if the publish succeeds.
func (b *Broadcaster) update(ctx context.Context, mutate func(rec *models.Presence) bool) error {
	b.mu.Lock()
	next := b.rec
	if !mutate(&next) {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	next.UpdatedAt = time.Now().UTC()
	if err := b.client.Publish(ctx, next); err != nil {
		return err
	}

	b.mu.Lock()
	b.rec = next
	b.mu.Unlock()
	return nil
}
