package agent

import (
	"container/list"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
)

// Cache memoizes model results. A miss returns ok == false and a nil error.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// cacheKey covers the operation, the provider, the full option set and the
// full input, since the output depends on all of them.
func cacheKey(op, provider string, opts interface{}, input []byte) string {
	h := xxhash.New()
	_, _ = h.WriteString(op)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(provider)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(fmt.Sprintf("%+v", opts))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(input)

	var sum [8]byte
	return op + ":" + hex.EncodeToString(h.Sum(sum[:0]))
}

type memoryEntry struct {
	key     string
	value   string
	expires time.Time
}

// MemoryCache is a bounded in-process LRU with per-entry expiry.
type MemoryCache struct {
	mu    sync.Mutex
	max   int
	ttl   time.Duration
	order *list.List
	items map[string]*list.Element
	now   func() time.Time
}

func NewMemoryCache(maxEntries int, ttl time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 512
	}
	return &MemoryCache{
		max:   maxEntries,
		ttl:   ttl,
		order: list.New(),
		items: make(map[string]*list.Element),
		now:   time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return "", false, nil
	}
	entry := el.Value.(*memoryEntry)
	if !entry.expires.IsZero() && c.now().After(entry.expires) {
		c.order.Remove(el)
		delete(c.items, key)
		return "", false, nil
	}
	c.order.MoveToFront(el)
	return entry.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expires time.Time
	if c.ttl > 0 {
		expires = c.now().Add(c.ttl)
	}

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.value = value
		entry.expires = expires
		c.order.MoveToFront(el)
		return nil
	}

	c.items[key] = c.order.PushFront(&memoryEntry{key: key, value: value, expires: expires})
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*memoryEntry).key)
	}
	return nil
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// RedisCache shares results between processes through Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: "notebot:model:", ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read cache: %w", err)
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string) error {
	if err := c.client.Set(ctx, c.prefix+key, value, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
