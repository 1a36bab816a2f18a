package presence

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"cleandispatch/internal/models"
	"cleandispatch/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBackoff(int) time.Duration { return 5 * time.Millisecond }

func newRedisClient(t *testing.T) *Client {
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := zerolog.New(io.Discard)
	return NewClient(repository.NewRedisStore(rdb), fastBackoff, &logger)
}

func record(session, account, role string, lat, lng float64, available bool) models.Presence {
	rec := models.Presence{SessionID: session, AccountID: account, Role: role, Available: available}
	rec.SetPosition(models.Coordinates{Lat: lat, Lng: lng})
	return rec
}

func TestPublishAndSnapshot(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()

	require.NoError(t, client.Publish(ctx, record("s1", "P1", models.RoleProvider, -1.29, 36.82, true)))
	require.NoError(t, client.Publish(ctx, record("s2", "C1", models.RoleCustomer, -1.30, 36.80, false)))

	feed, err := client.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, feed, 2)
	assert.Equal(t, "s1", feed[0].SessionID)
	assert.False(t, feed[0].UpdatedAt.IsZero())

	t.Run("OverwriteIsWholeRecord", func(t *testing.T) {
		rec := models.Presence{SessionID: "s1", AccountID: "P1", Role: models.RoleProvider}
		require.NoError(t, client.Publish(ctx, rec))

		feed, err := client.Snapshot(ctx)
		require.NoError(t, err)
		assert.False(t, feed[0].HasPosition())
		assert.False(t, feed[0].Available)
	})

	t.Run("Retract", func(t *testing.T) {
		require.NoError(t, client.Retract(ctx, "s2"))
		feed, err := client.Snapshot(ctx)
		require.NoError(t, err)
		assert.Len(t, feed, 1)
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		assert.Error(t, client.Publish(ctx, models.Presence{Role: models.RoleCustomer}))
		assert.Error(t, client.Publish(ctx, models.Presence{SessionID: "x", Role: "admin"}))
	})
}

func TestSnapshotSkipsMalformed(t *testing.T) {
	store := repository.NewMemoryStore()
	logger := zerolog.New(io.Discard)
	client := NewClient(store, fastBackoff, &logger)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "locations:junk", []byte("{not json")))
	require.NoError(t, store.Set(ctx, "locations:empty", []byte(`{"role":"cleaner"}`)))
	require.NoError(t, client.Publish(ctx, record("s1", "P1", models.RoleProvider, 1, 1, true)))

	feed, err := client.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, "s1", feed[0].SessionID)
}

func TestStoreKeyNormalization(t *testing.T) {
	store := repository.NewMemoryStore()
	logger := zerolog.New(io.Discard)
	client := NewClient(store, fastBackoff, &logger)
	ctx := context.Background()

	require.NoError(t, client.Publish(ctx, models.Presence{SessionID: "dev.1.tab", Role: models.RoleViewer}))
	raw, err := store.Get(ctx, "locations:dev_1_tab")
	require.NoError(t, err)
	assert.NotNil(t, raw)

	require.NoError(t, client.Retract(ctx, "dev.1.tab"))
	raw, _ = store.Get(ctx, "locations:dev_1_tab")
	assert.Nil(t, raw)
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	client := newRedisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var last []models.Presence
	go client.Subscribe(ctx, func(feed []models.Presence) {
		mu.Lock()
		last = feed
		mu.Unlock()
	})

	size := func() int {
		mu.Lock()
		defer mu.Unlock()
		if last == nil {
			return -1
		}
		return len(last)
	}

	assert.Eventually(t, func() bool { return size() == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Publish(context.Background(), record("s1", "P1", models.RoleProvider, 1, 1, true)))
	assert.Eventually(t, func() bool { return size() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Retract(context.Background(), "s1"))
	assert.Eventually(t, func() bool { return size() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcaster(t *testing.T) {
	store := repository.NewMemoryStore()
	logger := zerolog.New(io.Discard)
	client := NewClient(store, fastBackoff, &logger)
	ctx := context.Background()

	b := NewBroadcaster(client, models.Presence{SessionID: "s1", AccountID: "P1", Role: models.RoleProvider, Available: true})

	t.Run("UpdateLocation", func(t *testing.T) {
		require.NoError(t, b.UpdateLocation(ctx, models.Coordinates{Lat: -1.29, Lng: 36.82}))
		feed, _ := client.Snapshot(ctx)
		require.Len(t, feed, 1)
		assert.Equal(t, -1.29, feed[0].Position().Lat)
		assert.True(t, feed[0].Available)
	})

	t.Run("SetAvailableKeepsPosition", func(t *testing.T) {
		require.NoError(t, b.SetAvailable(ctx, false))
		feed, _ := client.Snapshot(ctx)
		assert.False(t, feed[0].Available)
		assert.True(t, feed[0].HasPosition())
	})

	t.Run("SetAvailableIsIdempotent", func(t *testing.T) {
		before := b.Record().UpdatedAt
		require.NoError(t, b.SetAvailable(ctx, false))
		assert.Equal(t, before, b.Record().UpdatedAt)
	})

	t.Run("Track", func(t *testing.T) {
		samples := make(chan models.Coordinates, 2)
		samples <- models.Coordinates{Lat: 1, Lng: 2}
		samples <- models.Coordinates{Lat: 3, Lng: 4}
		close(samples)
		b.Track(ctx, samples)

		assert.Equal(t, 3.0, b.Record().Position().Lat)
	})

	t.Run("Stop", func(t *testing.T) {
		require.NoError(t, b.Stop(ctx))
		feed, _ := client.Snapshot(ctx)
		assert.Empty(t, feed)
	})
}
