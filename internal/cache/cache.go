// Package cache provides the in-memory resource caches that a successful
// login invalidates.
package cache

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// DefaultMaxEntries bounds each cache when no limit is given.
const DefaultMaxEntries = 4096

// Cache is a named ristretto cache with a no-argument invalidate-all. Every
// entry costs 1, so the bound is an entry count.
type Cache[V any] struct {
	name   string
	ttl    time.Duration
	store  *ristretto.Cache[string, V]
	clears atomic.Int64
}

// New creates a cache holding up to DefaultMaxEntries entries. A zero ttl
// keeps entries until ClearCache or eviction.
func New[V any](name string, ttl time.Duration) (*Cache[V], error) {
	return NewSized[V](name, ttl, DefaultMaxEntries)
}

// NewSized is New with an explicit entry limit.
func NewSized[V any](name string, ttl time.Duration, maxEntries int64) (*Cache[V], error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	store, err := ristretto.NewCache(&ristretto.Config[string, V]{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s cache: %w", name, err)
	}
	return &Cache[V]{name: name, ttl: ttl, store: store}, nil
}

// Name identifies the cache in logs.
func (c *Cache[V]) Name() string { return c.name }

// Get returns the value for key if present and fresh.
func (c *Cache[V]) Get(key string) (V, bool) {
	return c.store.Get(key)
}

// Put stores value under key and waits until it is visible to Get. The
// admission policy may still drop it under contention.
func (c *Cache[V]) Put(key string, value V) bool {
	ok := c.store.SetWithTTL(key, value, 1, c.ttl)
	c.store.Wait()
	return ok
}

// ClearCache drops every entry.
func (c *Cache[V]) ClearCache() {
	c.store.Clear()
	c.clears.Add(1)
}

// Clears returns how many times ClearCache ran.
func (c *Cache[V]) Clears() int {
	return int(c.clears.Load())
}

// Close stops the cache's background goroutines.
func (c *Cache[V]) Close() {
	c.store.Close()
}
