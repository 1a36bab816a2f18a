package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"cleandispatch/internal/config"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 200

// RedisStore keeps presence records and mailbox slots in Redis and
// announces every write on a per-prefix pub/sub channel.
type RedisStore struct {
	client *redis.Client
}

// NewRedisClient builds a Redis client from the configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Key joins a prefix and an identifier into a store key.
func Key(prefix, id string) string {
	return prefix + ":" + id
}

// PrefixOf returns the namespace part of a key.
func PrefixOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

func changesChannel(prefix string) string {
	return "changes:" + prefix
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from redis: %w", key, err)
	}
	return val, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, value, 0)
		pipe.Publish(ctx, changesChannel(PrefixOf(key)), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set %s in redis: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Remove(ctx context.Context, key string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.Publish(ctx, changesChannel(PrefixOf(key)), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s from redis: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Snapshot(ctx context.Context, prefix string) (map[string][]byte, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, prefix+":*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	out := make(map[string][]byte, len(keys))
	for start := 0; start < len(keys); start += scanBatch {
		end := start + scanBatch
		if end > len(keys) {
			end = len(keys)
		}
		vals, err := r.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", prefix, err)
		}
		for i, v := range vals {
			// deleted between SCAN and MGET
			s, ok := v.(string)
			if !ok {
				continue
			}
			out[keys[start+i]] = []byte(s)
		}
	}
	return out, nil
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}

	swapped := false
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			current = nil
		} else if err != nil {
			return err
		}

		if (current == nil) != (expected == nil) || !bytes.Equal(current, expected) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if value == nil {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, value, 0)
			}
			pipe.Publish(ctx, changesChannel(PrefixOf(key)), key)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to swap %s in redis: %w", key, err)
	}
	return swapped, nil
}

func (r *RedisStore) Watch(ctx context.Context, prefix string) (<-chan struct{}, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	sub := r.client.Subscribe(ctx, changesChannel(prefix))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", prefix, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				// coalesce bursts; the reader re-reads the whole prefix anyway
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	return Ping(ctx, r.client)
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
