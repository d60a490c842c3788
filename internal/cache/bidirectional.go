package cache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// BiTTL is a TTL cache that can also be queried by value. At most one live key
// maps to any value and vice versa: storing a pair evicts every prior pair that
// shares either half.
type BiTTL[K comparable, V comparable] struct {
	mu      sync.Mutex
	forward *expirable.LRU[K, V]

	reverseMu sync.Mutex
	reverse   map[V]K
}

// NewBi constructs a bidirectional TTL cache.
func NewBi[K comparable, V comparable](opts Options) *BiTTL[K, V] {
	opts = opts.normalized()
	c := &BiTTL[K, V]{reverse: make(map[V]K)}
	c.forward = expirable.NewLRU[K, V](opts.MaxEntries, c.onEvict, opts.TTL)
	return c
}

// onEvict runs for removals, LRU evictions and expiry reaping alike.
func (c *BiTTL[K, V]) onEvict(key K, value V) {
	c.reverseMu.Lock()
	defer c.reverseMu.Unlock()
	if current, ok := c.reverse[value]; ok && current == key {
		delete(c.reverse, value)
	}
}

// Get returns the live value stored for key.
func (c *BiTTL[K, V]) Get(key K) (V, bool) {
	return c.forward.Get(key)
}

// GetByValue returns the live key currently paired with value.
func (c *BiTTL[K, V]) GetByValue(value V) (K, bool) {
	var zero K
	c.reverseMu.Lock()
	key, ok := c.reverse[value]
	c.reverseMu.Unlock()
	if !ok {
		return zero, false
	}
	current, ok := c.forward.Get(key)
	if !ok || current != value {
		return zero, false
	}
	return key, true
}

// Set pairs key with value.
func (c *BiTTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.forward.Remove(key)

	c.reverseMu.Lock()
	previousKey, paired := c.reverse[value]
	c.reverseMu.Unlock()
	if paired && previousKey != key {
		c.forward.Remove(previousKey)
	}

	c.forward.Add(key, value)

	c.reverseMu.Lock()
	c.reverse[value] = key
	c.reverseMu.Unlock()
}

// Delete evicts the pair keyed by key.
func (c *BiTTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forward.Remove(key)
}

// DeleteByValue evicts the pair holding value.
func (c *BiTTL[K, V]) DeleteByValue(value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reverseMu.Lock()
	key, ok := c.reverse[value]
	delete(c.reverse, value)
	c.reverseMu.Unlock()
	if ok {
		c.forward.Remove(key)
	}
}

// Len reports the number of pairs currently held.
func (c *BiTTL[K, V]) Len() int {
	return c.forward.Len()
}

// Purge drops every pair.
func (c *BiTTL[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forward.Purge()
	c.reverseMu.Lock()
	c.reverse = make(map[V]K)
	c.reverseMu.Unlock()
}
