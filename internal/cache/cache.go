// Package cache provides the time-bounded mirrors that sit in front of the
// persisted registries. Entries are never authoritative: callers write the
// store first and refresh the cache second.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultMaxEntries = 1024

// Options configures a cache instance.
type Options struct {
	// TTL bounds how long an entry stays visible after it was set. Reads do not
	// extend it.
	TTL time.Duration
	// MaxEntries caps the number of live entries; the least recently used entry
	// is evicted beyond it.
	MaxEntries int
}

func (o Options) normalized() Options {
	if o.MaxEntries <= 0 {
		o.MaxEntries = defaultMaxEntries
	}
	return o
}

// TTL is a bounded key/value cache whose entries expire a fixed time after
// insertion. It is safe for concurrent use.
type TTL[K comparable, V any] struct {
	entries *expirable.LRU[K, V]
}

// New constructs a TTL cache.
func New[K comparable, V any](opts Options) *TTL[K, V] {
	opts = opts.normalized()
	return &TTL[K, V]{
		entries: expirable.NewLRU[K, V](opts.MaxEntries, nil, opts.TTL),
	}
}

// Get returns the live value stored for key.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	return c.entries.Get(key)
}

// Set stores value under key, restarting its expiry window.
func (c *TTL[K, V]) Set(key K, value V) {
	c.entries.Add(key, value)
}

// Delete evicts key if present.
func (c *TTL[K, V]) Delete(key K) {
	c.entries.Remove(key)
}

// Len reports the number of entries currently held, including ones that have
// expired but not yet been reaped.
func (c *TTL[K, V]) Len() int {
	return c.entries.Len()
}

// Purge drops every entry.
func (c *TTL[K, V]) Purge() {
	c.entries.Purge()
}
