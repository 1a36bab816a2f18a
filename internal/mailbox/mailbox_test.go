package mailbox

import (
	"context"
	"errors"
	"fmt"
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

func newTestMailbox(t *testing.T, opts Options) (*Mailbox, *repository.RedisStore) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })

	if opts.Backoff == nil {
		opts.Backoff = func(int) time.Duration { return 5 * time.Millisecond }
	}
	logger := zerolog.New(io.Discard)
	store := repository.NewRedisStore(rdb)
	return New(store, opts, &logger), store
}

func TestRoundTrip(t *testing.T) {
	mb, _ := newTestMailbox(t, Options{})
	ctx := context.Background()

	req, err := mb.Propose(ctx, "P1", "C1", "Amina")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, req.Status)
	assert.Equal(t, int64(1), req.Version)

	req, err = mb.Accept(ctx, "P1", "Baraka", "C1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestAccepted, req.Status)
	assert.Equal(t, "Baraka", req.ProviderName)
	assert.Equal(t, "Amina", req.CustomerName)
	require.NotNil(t, req.Accepted)

	req, err = mb.StampBooking(ctx, "P1", "B1")
	require.NoError(t, err)
	assert.Equal(t, "B1", req.BookingID)

	req, err = mb.MarkWaitingForPayment(ctx, "P1", "B1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestWaitingForPayment, req.Status)

	req, err = mb.MarkPaid(ctx, "P1", "B1", 500)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPaid, req.Status)
	assert.Equal(t, 500.0, req.Payment.Amount)

	req, err = mb.MarkClosed(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestClosed, req.Status)
	assert.Equal(t, int64(6), req.Version)

	require.NoError(t, mb.Clear(ctx, "P1"))
	got, err := mb.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLastProposerWins(t *testing.T) {
	mb, _ := newTestMailbox(t, Options{})
	ctx := context.Background()

	_, err := mb.Propose(ctx, "P1", "C1", "First")
	require.NoError(t, err)
	_, err = mb.Propose(ctx, "P1", "C2", "Second")
	require.NoError(t, err)

	req, err := mb.Accept(ctx, "P1", "Baraka", "")
	require.NoError(t, err)
	assert.Equal(t, "C2", req.CustomerID)
	assert.Equal(t, models.RequestAccepted, req.Status)
}

func TestStaleAcceptRefused(t *testing.T) {
	mb, _ := newTestMailbox(t, Options{})
	ctx := context.Background()

	_, _ = mb.Propose(ctx, "P1", "C1", "First")
	_, _ = mb.Propose(ctx, "P1", "C2", "Second")

	_, err := mb.Accept(ctx, "P1", "Baraka", "C1")
	assert.ErrorIs(t, err, ErrStaleProposal)

	_, err = mb.Reject(ctx, "P1", "C1")
	assert.ErrorIs(t, err, ErrStaleProposal)

	req, _ := mb.Get(ctx, "P1")
	assert.Equal(t, models.RequestPending, req.Status)
}

func TestExclusiveProposals(t *testing.T) {
	mb, _ := newTestMailbox(t, Options{Exclusive: true})
	ctx := context.Background()

	_, err := mb.Propose(ctx, "P1", "C1", "First")
	require.NoError(t, err)

	_, err = mb.Propose(ctx, "P1", "C2", "Second")
	assert.ErrorIs(t, err, ErrSlotOccupied)

	req, err := mb.Propose(ctx, "P1", "C1", "First again")
	require.NoError(t, err)
	assert.Equal(t, int64(2), req.Version)

	_, err = mb.Reject(ctx, "P1", "")
	require.NoError(t, err)

	req, err = mb.Propose(ctx, "P1", "C2", "Second")
	require.NoError(t, err)
	assert.Equal(t, "C2", req.CustomerID)
}

func TestInvalidTransitions(t *testing.T) {
	mb, _ := newTestMailbox(t, Options{})
	ctx := context.Background()

	_, err := mb.Accept(ctx, "P1", "Baraka", "")
	assert.ErrorIs(t, err, ErrNoSlot)

	_, _ = mb.Propose(ctx, "P1", "C1", "Amina")

	_, err = mb.MarkPaid(ctx, "P1", "B1", 500)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = mb.MarkClosed(ctx, "P1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = mb.StampBooking(ctx, "P1", "B1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, _ = mb.Accept(ctx, "P1", "Baraka", "")
	_, err = mb.MarkWaitingForPayment(ctx, "P1", "")
	assert.Error(t, err, "completion without a booking id must not be written")

	_, err = mb.Reject(ctx, "P1", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionsAreIdempotent(t *testing.T) {
	mb, _ := newTestMailbox(t, Options{})
	ctx := context.Background()

	_, _ = mb.Propose(ctx, "P1", "C1", "Amina")
	_, _ = mb.Accept(ctx, "P1", "Baraka", "")
	_, _ = mb.StampBooking(ctx, "P1", "B1")
	_, _ = mb.MarkWaitingForPayment(ctx, "P1", "B1")

	first, err := mb.MarkPaid(ctx, "P1", "B1", 500)
	require.NoError(t, err)
	second, err := mb.MarkPaid(ctx, "P1", "B1", 500)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)

	_, err = mb.Accept(ctx, "P1", "Baraka", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = mb.StampBooking(ctx, "P1", "B1")
	assert.NoError(t, err)
}

func TestCancel(t *testing.T) {
	mb, _ := newTestMailbox(t, Options{})
	ctx := context.Background()

	_, err := mb.Cancel(ctx, "P1", "changed plans", "C1")
	assert.ErrorIs(t, err, ErrNoSlot)

	_, _ = mb.Propose(ctx, "P1", "C1", "Amina")
	_, _ = mb.Accept(ctx, "P1", "Baraka", "")

	req, err := mb.Cancel(ctx, "P1", "changed plans", "C1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, req.Status)
	assert.Equal(t, "changed plans", req.Cancellation.Reason)

	again, err := mb.Cancel(ctx, "P1", "changed plans", "C1")
	require.NoError(t, err)
	assert.Equal(t, req.Version, again.Version)

	_, err = mb.MarkWaitingForPayment(ctx, "P1", "B1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestWithdraw(t *testing.T) {
	mb, _ := newTestMailbox(t, Options{})
	ctx := context.Background()

	_, err := mb.Withdraw(ctx, "P1", "C1", "")
	assert.ErrorIs(t, err, ErrNoSlot)

	_, _ = mb.Propose(ctx, "P1", "C2", "Zawadi")
	req, err := mb.Withdraw(ctx, "P1", "C1", "")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, req.Status)
	assert.Equal(t, "C2", req.CustomerID)

	_, _ = mb.Propose(ctx, "P1", "C1", "Amina")
	req, err = mb.Withdraw(ctx, "P1", "C1", "found someone closer")
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, req.Status)
	assert.Equal(t, "C1", req.Cancellation.By)

	_, _ = mb.Propose(ctx, "P1", "C1", "Amina")
	_, _ = mb.Accept(ctx, "P1", "Baraka", "C1")
	_, err = mb.Withdraw(ctx, "P1", "C1", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestConcurrentProposersLeaveOneSlot(t *testing.T) {
	mb, store := newTestMailbox(t, Options{})
	ctx := context.Background()

	const customers = 16
	var wg sync.WaitGroup
	wg.Add(customers)
	for i := 0; i < customers; i++ {
		go func(i int) {
			defer wg.Done()
			_, _ = mb.Propose(ctx, "P1", fmt.Sprintf("C%d", i), "")
		}(i)
	}
	wg.Wait()

	snap, err := store.Snapshot(ctx, models.MailboxPrefix)
	require.NoError(t, err)
	assert.Len(t, snap, 1)

	req, err := mb.Get(ctx, "P1")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, models.RequestPending, req.Status)
}

func TestCancelLandsAfterConcurrentAccept(t *testing.T) {
	mb, _ := newTestMailbox(t, Options{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		provider := fmt.Sprintf("P%d", i)
		_, err := mb.Propose(ctx, provider, "C1", "Amina")
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = mb.Accept(ctx, provider, "Baraka", "")
		}()
		go func() {
			defer wg.Done()
			_, err := mb.Cancel(ctx, provider, "", "C1")
			assert.NoError(t, err)
		}()
		wg.Wait()

		req, err := mb.Get(ctx, provider)
		require.NoError(t, err)
		assert.Equal(t, models.RequestCancelled, req.Status)
	}
}

func TestCorruptSlotReadsEmpty(t *testing.T) {
	mb, store := newTestMailbox(t, Options{})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "requests:P1", []byte(`{"providerId":"P1","from":"C1","status":"teleported"}`)))

	req, err := mb.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Nil(t, req)

	_, err = mb.Accept(ctx, "P1", "Baraka", "")
	assert.ErrorIs(t, err, ErrNoSlot)

	req, err = mb.Propose(ctx, "P1", "C2", "Zawadi")
	require.NoError(t, err)
	assert.Equal(t, "C2", req.CustomerID)
}

func TestExpirePending(t *testing.T) {
	mb, _ := newTestMailbox(t, Options{})
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	mb.now = func() time.Time { return past }
	_, _ = mb.Propose(ctx, "P1", "C1", "Old")
	_, _ = mb.Propose(ctx, "P2", "C2", "Old but accepted")
	_, _ = mb.Accept(ctx, "P2", "Baraka", "")

	mb.now = func() time.Time { return time.Now() }
	_, _ = mb.Propose(ctx, "P3", "C3", "Fresh")

	n, err := mb.ExpirePending(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	req, _ := mb.Get(ctx, "P1")
	assert.Equal(t, models.RequestCancelled, req.Status)
	assert.Equal(t, "expired", req.Cancellation.Reason)

	req, _ = mb.Get(ctx, "P2")
	assert.Equal(t, models.RequestAccepted, req.Status)
	req, _ = mb.Get(ctx, "P3")
	assert.Equal(t, models.RequestPending, req.Status)

	n, err = mb.ExpirePending(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpiryLosesToConcurrentAccept(t *testing.T) {
	store := &racingStore{MemoryStore: repository.NewMemoryStore()}
	logger := zerolog.New(io.Discard)
	mb := New(store, Options{}, &logger)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	mb.now = func() time.Time { return past }
	_, err := mb.Propose(ctx, "P1", "C1", "Old")
	require.NoError(t, err)
	mb.now = func() time.Time { return time.Now() }

	// the provider accepts between the sweep's read and its write
	store.beforeSwap = func() {
		_, err := mb.Accept(ctx, "P1", "Baraka", "")
		require.NoError(t, err)
	}

	n, err := mb.ExpirePending(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	req, err := mb.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestAccepted, req.Status)
	assert.Nil(t, req.Cancellation)
}

func TestClearSettled(t *testing.T) {
	mb, _ := newTestMailbox(t, Options{})
	ctx := context.Background()

	_, err := mb.Propose(ctx, "P1", "C1", "")
	require.NoError(t, err)
	first, err := mb.Reject(ctx, "P1", "")
	require.NoError(t, err)

	ok, err := mb.ClearSettled(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)
	req, err := mb.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Nil(t, req)

	ok, err = mb.ClearSettled(ctx, first)
	require.NoError(t, err)
	assert.False(t, ok)

	// versions restart on an empty slot; a late clear of the old outcome
	// must not take the new one
	fresh, err := mb.Propose(ctx, "P1", "C2", "")
	require.NoError(t, err)
	again, err := mb.Reject(ctx, "P1", "C2")
	require.NoError(t, err)
	require.Equal(t, first.Version, again.Version)

	ok, err = mb.ClearSettled(ctx, first)
	require.NoError(t, err)
	assert.False(t, ok)

	// a newer proposal took the slot; the old outcome must not remove it
	active, err := mb.Propose(ctx, "P1", "C3", "")
	require.NoError(t, err)
	ok, err = mb.ClearSettled(ctx, again)
	require.NoError(t, err)
	assert.False(t, ok)

	// active slots are never cleared
	ok, err = mb.ClearSettled(ctx, active)
	require.NoError(t, err)
	assert.False(t, ok)

	req, err = mb.Get(ctx, "P1")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, models.RequestPending, req.Status)
	assert.Equal(t, fresh.Version+2, req.Version)
}

func TestSubscribeSlot(t *testing.T) {
	mb, _ := newTestMailbox(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	go mb.SubscribeSlot(ctx, "P1", func(req *models.Request) {
		mu.Lock()
		defer mu.Unlock()
		if req == nil {
			seen = append(seen, "empty")
			return
		}
		seen = append(seen, req.Status)
	})

	last := func() string {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 {
			return ""
		}
		return seen[len(seen)-1]
	}

	assert.Eventually(t, func() bool { return last() == "empty" }, 2*time.Second, 10*time.Millisecond)

	_, err := mb.Propose(context.Background(), "P1", "C1", "Amina")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return last() == models.RequestPending }, 2*time.Second, 10*time.Millisecond)

	// other providers' slots do not produce duplicate deliveries
	_, _ = mb.Propose(context.Background(), "P2", "C2", "")
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	count := len(seen)
	mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestSubscribeAll(t *testing.T) {
	mb, _ := newTestMailbox(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var latest []*models.Request
	go mb.SubscribeAll(ctx, func(reqs []*models.Request) {
		mu.Lock()
		latest = reqs
		mu.Unlock()
	})

	_, _ = mb.Propose(context.Background(), "P1", "C1", "")
	_, _ = mb.Propose(context.Background(), "P2", "C1", "")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConflictErrorAfterRetries(t *testing.T) {
	store := &flakyStore{MemoryStore: repository.NewMemoryStore()}
	logger := zerolog.New(io.Discard)
	mb := New(store, Options{CASRetries: 3}, &logger)
	ctx := context.Background()

	_, err := mb.Propose(ctx, "P1", "C1", "")
	require.NoError(t, err)

	store.loseSwaps = true
	_, err = mb.Accept(ctx, "P1", "Baraka", "")
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, 3, store.swaps)
}

// flakyStore loses every compare-and-swap while loseSwaps is set.
type flakyStore struct {
	*repository.MemoryStore
	loseSwaps bool
	swaps     int
}

func (f *flakyStore) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
	if f.loseSwaps {
		f.swaps++
		return false, nil
	}
	return f.MemoryStore.CompareAndSwap(ctx, key, expected, value)
}

// racingStore runs beforeSwap once, just ahead of the next compare-and-swap.
type racingStore struct {
	*repository.MemoryStore
	beforeSwap func()
}

func (r *racingStore) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
	if hook := r.beforeSwap; hook != nil {
		r.beforeSwap = nil
		hook()
	}
	return r.MemoryStore.CompareAndSwap(ctx, key, expected, value)
}
