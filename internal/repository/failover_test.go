package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockStore) Set(ctx context.Context, key string, value []byte) error {
	return m.Called(ctx, key, value).Error(0)
}

func (m *mockStore) Remove(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *mockStore) Snapshot(ctx context.Context, prefix string) (map[string][]byte, error) {
	args := m.Called(ctx, prefix)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string][]byte), args.Error(1)
}

func (m *mockStore) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
	args := m.Called(ctx, key, expected, value)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) Watch(ctx context.Context, prefix string) (<-chan struct{}, error) {
	args := m.Called(ctx, prefix)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(<-chan struct{}), args.Error(1)
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestFailoverStore(t *testing.T) {
	primary := new(mockStore)
	fallback := NewMemoryStore()
	logger := zerolog.New(io.Discard)
	store := NewFailoverStore(primary, fallback, &logger)
	ctx := context.Background()

	t.Run("PrimarySuccess", func(t *testing.T) {
		primary.On("Get", ctx, "locations:s1").Return([]byte("p"), nil).Once()

		got, err := store.Get(ctx, "locations:s1")
		require.NoError(t, err)
		assert.Equal(t, "p", string(got))
		assert.False(t, store.Degraded())
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailFallbackServes", func(t *testing.T) {
		require.NoError(t, fallback.Set(ctx, "locations:s2", []byte("f")))
		primary.On("Get", ctx, "locations:s2").Return(nil, errors.New("connection refused")).Once()

		got, err := store.Get(ctx, "locations:s2")
		require.NoError(t, err)
		assert.Equal(t, "f", string(got))
		assert.True(t, store.Degraded())
		primary.AssertExpectations(t)
	})

	t.Run("StaysOnFallbackUntilRecoveryWindow", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "requests:p1", []byte("slot")))

		got, err := fallback.Get(ctx, "requests:p1")
		require.NoError(t, err)
		assert.Equal(t, "slot", string(got))
		primary.AssertNotCalled(t, "Set", mock.Anything, "requests:p1", mock.Anything)
	})

	t.Run("Recovery", func(t *testing.T) {
		store.mu.Lock()
		store.lastCheck = time.Now().Add(-2 * recoveryInterval)
		store.mu.Unlock()

		primary.On("Ping", mock.Anything).Return(nil).Once()
		primary.On("Remove", ctx, "requests:p1").Return(nil).Once()

		require.NoError(t, store.Remove(ctx, "requests:p1"))
		assert.False(t, store.Degraded())
		primary.AssertExpectations(t)
	})

	t.Run("SwapFailsOver", func(t *testing.T) {
		primary.On("CompareAndSwap", ctx, "requests:p9", []byte(nil), []byte("v")).Return(false, errors.New("down")).Once()

		ok, err := store.CompareAndSwap(ctx, "requests:p9", nil, []byte("v"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, store.Degraded())
	})
}
