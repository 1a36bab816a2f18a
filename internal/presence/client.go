package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"cleandispatch/internal/domain"
	"cleandispatch/internal/logging"
	"cleandispatch/internal/metrics"
	"cleandispatch/internal/models"
	"cleandispatch/internal/repository"

	"github.com/rs/zerolog"
)

// Client reads and writes the shared presence feed.
type Client struct {
	store   domain.EphemeralStore
	backoff repository.Backoff
	logger  *zerolog.Logger
}

func NewClient(store domain.EphemeralStore, backoff repository.Backoff, logger *zerolog.Logger) *Client {
	return &Client{
		store:   store,
		backoff: backoff,
		logger:  logging.Component(logger, "presence"),
	}
}

func key(sessionID string) string {
	return repository.Key(models.PresencePrefix, models.StoreKey(sessionID))
}

// Publish overwrites the session's record as a whole.
func (c *Client) Publish(ctx context.Context, rec models.Presence) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid presence record: %w", err)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	if err := c.store.Set(ctx, key(rec.SessionID), data); err != nil {
		return fmt.Errorf("failed to publish presence: %w", err)
	}
	metrics.IncPresence()
	return nil
}

// Retract removes the session's record.
func (c *Client) Retract(ctx context.Context, sessionID string) error {
	if err := c.store.Remove(ctx, key(sessionID)); err != nil {
		return fmt.Errorf("failed to retract presence: %w", err)
	}
	return nil
}

// Snapshot reads the whole feed. Entries that do not decode are skipped.
func (c *Client) Snapshot(ctx context.Context) ([]models.Presence, error) {
	raw, err := c.store.Snapshot(ctx, models.PresencePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to read presence feed: %w", err)
	}

	feed := make([]models.Presence, 0, len(raw))
	for k, v := range raw {
		var rec models.Presence
		if err := json.Unmarshal(v, &rec); err != nil {
			c.logger.Debug().Err(err).Str("key", k).Msg("Skipping malformed presence record")
			continue
		}
		if rec.SessionID == "" {
			continue
		}
		feed = append(feed, rec)
	}
	sort.Slice(feed, func(i, j int) bool { return feed[i].SessionID < feed[j].SessionID })
	return feed, nil
}

// Subscribe delivers the full feed on start and after every change until
// ctx is done. Store failures are logged and retried, never returned.
func (c *Client) Subscribe(ctx context.Context, onChange func([]models.Presence)) {
	repository.Follow(ctx, c.store, models.PresencePrefix, func(ctx context.Context) error {
		feed, err := c.Snapshot(ctx)
		if err != nil {
			return err
		}
		onChange(feed)
		return nil
	}, c.backoff, c.logger)
}
