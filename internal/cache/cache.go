package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/core"
)

const keySeparator = ":"

// Cache wraps a Store with JSON encoding and swallows backend failures.
type Cache struct {
	store Store
	ttl   time.Duration
	log   *logger.Logger
}

// New creates a Cache. A nil store disables caching.
func New(store Store, ttl time.Duration, log *logger.Logger) *Cache {
	if store == nil {
		store = NoopStore{}
	}

	return &Cache{store: store, ttl: ttl, log: log}
}

// ItemKey is the cache key of an item's metadata.
func ItemKey(id, language string, format audio.Format) string {
	return strings.Join([]string{"item", language, string(format), id}, keySeparator)
}

// Get decodes the value at key. The boolean is false on a miss, a backend error
// or a decoding error.
func Get[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var value T

	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			c.log.Warn("Cache read for %s failed: %v", key, err)
		}

		return value, false
	}

	decodeErr := json.Unmarshal(data, &value)
	if decodeErr != nil {
		c.log.Warn("Cache entry %s is not decodable, ignoring it: %v", key, decodeErr)

		return value, false
	}

	return value, true
}

// Set encodes value and stores it at key with the cache TTL. Failures are logged.
func Set[T any](ctx context.Context, c *Cache, key string, value T) {
	data, err := json.Marshal(value)
	if err != nil {
		c.log.Warn("Cache entry %s is not encodable: %v", key, err)

		return
	}

	setErr := c.store.Set(ctx, key, data, c.ttl)
	if setErr != nil {
		c.log.Warn("Cache write for %s failed: %v", key, setErr)
	}
}

// Remove deletes key. Failures are logged.
func (c *Cache) Remove(ctx context.Context, key string) {
	err := c.store.Remove(ctx, key)
	if err != nil {
		c.log.Warn("Cache remove for %s failed: %v", key, err)
	}
}

// Exists reports whether key is cached. Backend failures report false.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	exists, err := c.store.Exists(ctx, key)
	if err != nil {
		c.log.Warn("Cache lookup for %s failed: %v", key, err)

		return false
	}

	return exists
}

// IsConnected reports whether the backend is reachable.
func (c *Cache) IsConnected(ctx context.Context) bool {
	return c.store.IsConnected(ctx)
}
