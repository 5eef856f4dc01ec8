// Package cache provides a bounded LRU cache with per-slot TTL and a
// single-flight CachedLookup for expensive generators.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/guardianmesh/core"
)

// Options configures a Cache.
type Options struct {
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

type slot[K comparable, V any] struct {
	key        K
	value      V
	insertedAt time.Time
	ttl        time.Duration
	hitCount   int64
}

func (s *slot[K, V]) expired(now time.Time) bool {
	return s.ttl > 0 && now.Sub(s.insertedAt) >= s.ttl
}

// Stats is a snapshot of cache counters. Hits and Misses cover the period
// since the last Clear; the lifetime counters survive Clear unless a
// lifetime reset is requested.
type Stats struct {
	Size           int     `json:"size"`
	MaxSize        int     `json:"maxSize"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	HitRate        float64 `json:"hitRate"`
	Evictions      int64   `json:"evictions"`
	LifetimeHits   int64   `json:"lifetimeHits"`
	LifetimeMisses int64   `json:"lifetimeMisses"`
}

// Cache is a bounded LRU cache. It never holds more than maxSize slots.
// Expired slots read as absent and are purged before an LRU eviction.
type Cache[K comparable, V any] struct {
	mu         sync.Mutex
	maxSize    int
	defaultTTL time.Duration
	now        func() time.Time
	items      map[K]*list.Element
	order      *list.List // front = most recently used

	hits, misses                 int64
	evictions                    int64
	lifetimeHits, lifetimeMisses int64

	group singleflight.Group
}

// New creates a cache holding at most maxSize slots. A defaultTTL of zero
// means slots never expire.
func New[K comparable, V any](maxSize int, defaultTTL time.Duration, optFns ...func(o *Options)) (*Cache[K, V], error) {
	if maxSize <= 0 {
		return nil, &core.ValidationError{Field: "maxSize", Reason: "must be positive"}
	}
	if defaultTTL < 0 {
		return nil, &core.ValidationError{Field: "ttl", Reason: "must not be negative"}
	}
	opts := Options{Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Cache[K, V]{
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		now:        opts.Now,
		items:      make(map[K]*list.Element, maxSize),
		order:      list.New(),
	}, nil
}

// Get returns the value for key. A hit refreshes recency.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache[K, V]) getLocked(key K) (V, bool) {
	var zero V
	el, ok := c.items[key]
	if !ok {
		c.miss()
		return zero, false
	}
	s := el.Value.(*slot[K, V])
	if s.expired(c.now()) {
		c.removeLocked(el)
		c.miss()
		return zero, false
	}
	s.hitCount++
	c.order.MoveToFront(el)
	c.hits++
	c.lifetimeHits++
	return s.value, true
}

func (c *Cache[K, V]) miss() {
	c.misses++
	c.lifetimeMisses++
}

// Set stores value under key with the default TTL.
func (c *Cache[K, V]) Set(key K, value V) error {
	return c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores value under key with its own TTL. The zero key is refused.
func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) error {
	var zero K
	if key == zero {
		return &core.ValidationError{Field: "key", Reason: "must not be empty"}
	}
	if ttl < 0 {
		return &core.ValidationError{Field: "ttl", Reason: "must not be negative"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.items[key]; ok {
		s := el.Value.(*slot[K, V])
		s.value = value
		s.insertedAt = now
		s.ttl = ttl
		c.order.MoveToFront(el)
		return nil
	}

	if len(c.items) >= c.maxSize {
		c.purgeExpiredLocked(now)
	}
	if len(c.items) >= c.maxSize {
		if el := c.order.Back(); el != nil {
			c.removeLocked(el)
			c.evictions++
		}
	}

	el := c.order.PushFront(&slot[K, V]{key: key, value: value, insertedAt: now, ttl: ttl})
	c.items[key] = el
	return nil
}

// Delete removes key and reports whether it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if ok {
		c.removeLocked(el)
	}
	return ok
}

// Len returns the number of slots, including expired ones not yet purged.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of the counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		Size:           len(c.items),
		MaxSize:        c.maxSize,
		Hits:           c.hits,
		Misses:         c.misses,
		Evictions:      c.evictions,
		LifetimeHits:   c.lifetimeHits,
		LifetimeMisses: c.lifetimeMisses,
	}
	if total := c.hits + c.misses; total > 0 {
		st.HitRate = float64(c.hits) / float64(total)
	}
	return st
}

type clearOptions struct {
	lifetime bool
}

// ClearOption modifies Clear.
type ClearOption func(*clearOptions)

// WithLifetimeReset makes Clear zero the lifetime counters as well.
func WithLifetimeReset() ClearOption {
	return func(o *clearOptions) { o.lifetime = true }
}

// Clear drops every slot and resets the current counters.
func (c *Cache[K, V]) Clear(opts ...ClearOption) {
	var o clearOptions
	for _, fn := range opts {
		fn(&o)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element, c.maxSize)
	c.order.Init()
	c.hits, c.misses, c.evictions = 0, 0, 0
	if o.lifetime {
		c.lifetimeHits, c.lifetimeMisses = 0, 0
	}
}

// CachedLookup returns the cached value for key, or calls gen and caches its
// result. Concurrent misses for the same key share one gen call. Errors are
// returned to every waiter and never cached. hit reports whether the value
// came from the cache.
func (c *Cache[K, V]) CachedLookup(ctx context.Context, key K, gen func(ctx context.Context) (V, error)) (V, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	v, err, _ := c.group.Do(fmt.Sprint(key), func() (any, error) {
		// Another flight may have filled the slot while we waited.
		c.mu.Lock()
		if el, ok := c.items[key]; ok {
			s := el.Value.(*slot[K, V])
			if !s.expired(c.now()) {
				c.mu.Unlock()
				return s.value, nil
			}
		}
		c.mu.Unlock()

		val, err := gen(ctx)
		if err != nil {
			return val, err
		}
		if err := c.Set(key, val); err != nil {
			return val, err
		}
		return val, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	val, _ := v.(V)
	return val, false, nil
}

func (c *Cache[K, V]) purgeExpiredLocked(now time.Time) {
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*slot[K, V]).expired(now) {
			c.removeLocked(el)
		}
		el = prev
	}
}

func (c *Cache[K, V]) removeLocked(el *list.Element) {
	s := c.order.Remove(el).(*slot[K, V])
	delete(c.items, s.key)
}
