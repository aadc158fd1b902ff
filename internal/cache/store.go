// Package cache stores item metadata in Redis. The Cache façade never returns
// errors into the synthesis path: backend failures are logged and treated as
// misses.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "narration:"

// ErrInvalidKey is returned for empty keys.
var ErrInvalidKey = errors.New("cache key cannot be empty")

// Store is a byte-oriented cache backend. Get returns core.ErrNotFound on a miss.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	IsConnected(ctx context.Context) bool
}

// RedisStore is a Store backed by Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix for Redis keys.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client: client,
		prefix: defaultPrefix,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// Get returns the value stored at key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrNotFound
		}

		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	return data, nil
}

// Set stores value at key. A zero ttl never expires.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}

	err := s.client.Set(ctx, s.prefix+key, value, ttl).Err()
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	err := s.client.Del(ctx, s.prefix+key).Err()
	if err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}

	return nil
}

// Exists reports whether key is present.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}

	count, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}

	return count > 0, nil
}

// IsConnected pings the server.
func (s *RedisStore) IsConnected(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// NoopStore is used when caching is disabled. Every lookup misses.
type NoopStore struct{}

// Get always misses.
func (NoopStore) Get(context.Context, string) ([]byte, error) { return nil, core.ErrNotFound }

// Set discards the value.
func (NoopStore) Set(context.Context, string, []byte, time.Duration) error { return nil }

// Remove does nothing.
func (NoopStore) Remove(context.Context, string) error { return nil }

// Exists always reports false.
func (NoopStore) Exists(context.Context, string) (bool, error) { return false, nil }

// IsConnected always reports false.
func (NoopStore) IsConnected(context.Context) bool { return false }
