// Package cache provides a generic, thread-safe LRU cache with built-in statistics and
// optional Prometheus metrics.
package cache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/metric"
)

// EvictCallback is called when an entry is evicted because the cache is full.
type EvictCallback[V any] func(key string, value V)

// Option configures a cache.
type Option[V any] func(*cacheOptions[V])

type cacheOptions[V any] struct {
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
	evictCallback EvictCallback[V]
}

// WithMetrics exports the cache statistics through registry under prefix. A nil registry
// or an empty prefix is ignored.
func WithMetrics[V any](registry *metric.MetricsRegistry, prefix string) Option[V] {
	return func(opts *cacheOptions[V]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithEvictionCallback sets a callback run outside the lock for every eviction.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}

type lruEntry[V any] struct {
	key   string
	value V
}

// LRU evicts the least recently used entry once it holds more than maxSize entries.
type LRU[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	stats   Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]
}

// NewLRU creates an LRU cache holding at most maxSize entries.
func NewLRU[V any](maxSize int, options ...Option[V]) (*LRU[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("max size must be positive, got %d", maxSize), "cache", "NewLRU", "validate size")
	}

	opts := &cacheOptions[V]{}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}

	var metrics *cacheMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewLRU", "metrics registration")
		}
	}

	return &LRU[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		metrics: metrics,
		evictFn: opts.evictCallback,
	}, nil
}

// Get retrieves a value and marks it as recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		if c.metrics != nil {
			c.metrics.misses.Inc()
		}
		var zero V
		return zero, false
	}

	c.order.MoveToFront(element)
	c.stats.Hits++
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	return element.Value.(*lruEntry[V]).value, true
}

// GetOrSet returns the value stored under key, storing the result of create first when the
// key is absent. create runs under the cache lock.
func (c *LRU[V]) GetOrSet(key string, create func() V) V {
	c.mu.Lock()
	if element, ok := c.items[key]; ok {
		c.order.MoveToFront(element)
		c.stats.Hits++
		if c.metrics != nil {
			c.metrics.hits.Inc()
		}
		v := element.Value.(*lruEntry[V]).value
		c.mu.Unlock()
		return v
	}

	c.stats.Misses++
	if c.metrics != nil {
		c.metrics.misses.Inc()
	}
	v := create()
	evicted, ok := c.insertLocked(key, v)
	c.mu.Unlock()

	if ok && c.evictFn != nil {
		c.evictFn(evicted.key, evicted.value)
	}
	return v
}

// Set stores value under key. It reports whether a new entry was created.
func (c *LRU[V]) Set(key string, value V) bool {
	c.mu.Lock()
	if element, ok := c.items[key]; ok {
		element.Value.(*lruEntry[V]).value = value
		c.order.MoveToFront(element)
		c.mu.Unlock()
		return false
	}
	evicted, ok := c.insertLocked(key, value)
	c.mu.Unlock()

	if ok && c.evictFn != nil {
		c.evictFn(evicted.key, evicted.value)
	}
	return true
}

func (c *LRU[V]) insertLocked(key string, value V) (lruEntry[V], bool) {
	c.items[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value})

	var evicted lruEntry[V]
	ok := false
	if len(c.items) > c.maxSize {
		back := c.order.Back()
		evicted = *back.Value.(*lruEntry[V])
		delete(c.items, evicted.key)
		c.order.Remove(back)
		c.stats.Evictions++
		if c.metrics != nil {
			c.metrics.evictions.Inc()
		}
		ok = true
	}

	if c.metrics != nil {
		c.metrics.size.Set(float64(len(c.items)))
	}
	return evicted, ok
}

// Delete removes key. It reports whether the key existed.
func (c *LRU[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		return false
	}
	delete(c.items, key)
	c.order.Remove(element)
	if c.metrics != nil {
		c.metrics.size.Set(float64(len(c.items)))
	}
	return true
}

// Len returns the number of entries.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns the keys, most recently used first.
func (c *LRU[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for element := c.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*lruEntry[V]).key)
	}
	return keys
}

// Statistics is a snapshot of the cache counters.
type Statistics struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// Stats returns the current counters.
func (c *LRU[V]) Stats() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.items)
	return s
}
