// Package cache implements the gateway's hybrid L1/L2 cache (spec §4.5):
// an in-process bounded-TTL map in front of Redis, with a bidirectional
// dependency index from "entity fingerprint" to cache key so a single
// mutation can invalidate every cached view of that entity.
//
// L1 is github.com/hashicorp/golang-lru/v2/expirable — the same off-the-shelf
// LRU the wider example pool reaches for (erigon, beads) instead of a
// hand-rolled TTL map. L2 failures are logged and treated as misses / lost
// writes, the same degrade-to-local posture the reference control-plane
// applies to its idempotency store when no Redis backend is configured
// (control_plane/idempotency/store.go falls back to a sync.Map).
package cache

import (
	"context"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/itskum47/worldgate/internal/observability"
)

// Cache is the hybrid L1 (in-process) / L2 (Redis) cache with dependency
// tracking for bulk invalidation.
type Cache struct {
	l1         *lru.LRU[string, []byte]
	l2         *redis.Client
	defaultTTL time.Duration

	mu  sync.RWMutex
	fwd map[string]map[string]struct{} // entity fingerprint -> cache keys
	rev map[string]map[string]struct{} // cache key -> entity fingerprints
}

// New builds a Cache with the given L1 capacity/TTL and an L2 Redis client.
// l2 may be nil, in which case the cache runs L1-only (used in tests and
// degraded-mode deployments).
func New(capacity int, defaultTTL time.Duration, l2 *redis.Client) *Cache {
	return &Cache{
		l1:         lru.NewLRU[string, []byte](capacity, nil, defaultTTL),
		l2:         l2,
		defaultTTL: defaultTTL,
		fwd:        make(map[string]map[string]struct{}),
		rev:        make(map[string]map[string]struct{}),
	}
}

// Get returns the cached value for key, promoting an L2 hit into L1.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := c.l1.Get(key); ok {
		observability.CacheHits.WithLabelValues("l1").Inc()
		return v, true
	}
	if c.l2 == nil {
		observability.CacheMisses.Inc()
		return nil, false
	}
	v, err := c.l2.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[CACHE] l2 get error for %s: %v", key, err)
		}
		observability.CacheMisses.Inc()
		return nil, false
	}
	observability.CacheHits.WithLabelValues("l2").Inc()
	c.l1.Add(key, v)
	return v, true
}

// Set writes value into L1 synchronously and L2 asynchronously (best
// effort), then records dependency edges from deps to key.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, deps []string) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.l1.Add(key, value)
	c.recordDeps(key, deps)

	if c.l2 == nil {
		return
	}
	go func() {
		setCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.l2.Set(setCtx, key, value, ttl).Err(); err != nil {
			log.Printf("[CACHE] l2 set error for %s: %v", key, err)
		}
	}()
}

// MGet resolves keys from L1 first, then issues a single L2 multi-get for
// the remaining misses.
func (c *Cache) MGet(ctx context.Context, keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	var misses []string
	for _, k := range keys {
		if v, ok := c.l1.Get(k); ok {
			observability.CacheHits.WithLabelValues("l1").Inc()
			out[k] = v
		} else {
			misses = append(misses, k)
		}
	}
	if len(misses) == 0 || c.l2 == nil {
		observability.CacheMisses.Add(float64(len(misses)))
		return out
	}
	vals, err := c.l2.MGet(ctx, misses...).Result()
	if err != nil {
		log.Printf("[CACHE] l2 mget error: %v", err)
		observability.CacheMisses.Add(float64(len(misses)))
		return out
	}
	for i, raw := range vals {
		if raw == nil {
			observability.CacheMisses.Inc()
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		observability.CacheHits.WithLabelValues("l2").Inc()
		b := []byte(s)
		out[misses[i]] = b
		c.l1.Add(misses[i], b)
	}
	return out
}

// Entry is one (key, value, dependency) triple for a bulk write.
type Entry struct {
	Key   string
	Value []byte
	Deps  []string
}

// MSet writes every entry to L1 synchronously and pipelines a single
// SETEX-per-key batch to L2.
func (c *Cache) MSet(ctx context.Context, entries []Entry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	for _, e := range entries {
		c.l1.Add(e.Key, e.Value)
		c.recordDeps(e.Key, e.Deps)
	}
	if c.l2 == nil {
		return
	}
	go func() {
		setCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pipe := c.l2.Pipeline()
		for _, e := range entries {
			pipe.Set(setCtx, e.Key, e.Value, ttl)
		}
		if _, err := pipe.Exec(setCtx); err != nil {
			log.Printf("[CACHE] l2 mset pipeline error: %v", err)
		}
	}()
}

// InvalidateEntities removes the union of cache keys depending on any of the
// given entity fingerprints from both tiers, and tears down both index
// mappings for them.
func (c *Cache) InvalidateEntities(ctx context.Context, fingerprints []string) {
	c.mu.Lock()
	keySet := make(map[string]struct{})
	for _, fp := range fingerprints {
		for k := range c.fwd[fp] {
			keySet[k] = struct{}{}
			if c.rev[k] != nil {
				delete(c.rev[k], fp)
				if len(c.rev[k]) == 0 {
					delete(c.rev, k)
				}
			}
		}
		delete(c.fwd, fp)
	}
	c.mu.Unlock()

	if len(keySet) == 0 {
		return
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
		c.l1.Remove(k)
	}
	observability.CacheInvalidations.Add(float64(len(keys)))
	if c.l2 == nil {
		return
	}
	if err := c.l2.Del(ctx, keys...).Err(); err != nil {
		log.Printf("[CACHE] l2 invalidate error: %v", err)
	}
}

// recordDeps maintains the bidirectional fwd/rev dependency index under a
// single mutex (spec §9: no graph cycles, just bidirectional maintenance).
func (c *Cache) recordDeps(key string, deps []string) {
	if len(deps) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rev[key] == nil {
		c.rev[key] = make(map[string]struct{})
	}
	for _, fp := range deps {
		if c.fwd[fp] == nil {
			c.fwd[fp] = make(map[string]struct{})
		}
		c.fwd[fp][key] = struct{}{}
		c.rev[key][fp] = struct{}{}
	}
}
