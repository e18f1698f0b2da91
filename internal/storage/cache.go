package storage

import (
	"container/list"
	"sync"
	"time"
)

// LRUCache is a concurrency-safe LRU cache with a per-entry TTL. The
// metering gate keeps one in front of tenant directory lookups so every
// ingestion call does not round-trip to the collaborator service.
type LRUCache[V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	index    map[string]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry[V any] struct {
	key     string
	value   V
	expires time.Time
}

// NewLRUCache creates a cache holding at most capacity entries, each valid
// for ttl after the last Set.
func NewLRUCache[V any](capacity int, ttl time.Duration) *LRUCache[V] {
	return &LRUCache[V]{
		capacity: capacity,
		ttl:      ttl,
		index:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get returns the cached value for key. Expired entries are evicted on
// access and reported as misses.
func (c *LRUCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	entry := elem.Value.(*cacheEntry[V])
	if time.Now().After(entry.expires) {
		c.evict(elem)
		var zero V
		return zero, false
	}
	c.order.MoveToFront(elem)
	return entry.value, true
}

// Set stores or refreshes a value, resetting its TTL. The least recently
// used entry is evicted when the cache is full.
func (c *LRUCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := time.Now().Add(c.ttl)
	if elem, ok := c.index[key]; ok {
		entry := elem.Value.(*cacheEntry[V])
		entry.value = value
		entry.expires = expires
		c.order.MoveToFront(elem)
		return
	}

	c.index[key] = c.order.PushFront(&cacheEntry[V]{key: key, value: value, expires: expires})
	if c.order.Len() > c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.evict(oldest)
		}
	}
}

// Delete drops an entry, if present.
func (c *LRUCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.index[key]; ok {
		c.evict(elem)
	}
}

// Clear drops every entry.
func (c *LRUCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = make(map[string]*list.Element, c.capacity)
	c.order.Init()
}

// Len returns the current entry count, including not-yet-evicted expired
// entries.
func (c *LRUCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *LRUCache[V]) evict(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.index, elem.Value.(*cacheEntry[V]).key)
}
