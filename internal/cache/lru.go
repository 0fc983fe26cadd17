package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRUCache is a size-bounded cache with per-entry TTL. A cache created with
// a non-positive size stores nothing.
type LRUCache[T any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	index    map[string]*list.Element
	order    *list.List // front is most recently used
	now      func() time.Time

	stats Stats
}

// Stats reports cache effectiveness.
type Stats struct {
	Size      int
	Hits      int64
	Misses    int64
	Evictions int64
}

type entry[T any] struct {
	key     string
	value   T
	expires time.Time
}

// NewLRUCache creates a cache holding up to capacity entries for ttl each.
func NewLRUCache[T any](capacity int, ttl time.Duration) *LRUCache[T] {
	return &LRUCache[T]{
		capacity: capacity,
		ttl:      ttl,
		index:    make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Get returns the live value for key and marks it recently used.
func (c *LRUCache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	el, ok := c.index[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	e := el.Value.(*entry[T])
	if !c.now().Before(e.expires) {
		c.unlink(el)
		c.stats.Misses++
		return zero, false
	}
	c.order.MoveToFront(el)
	c.stats.Hits++
	return e.value, true
}

// Add stores value under key with a fresh TTL. It reports whether another
// entry had to be evicted to make room.
func (c *LRUCache[T]) Add(key string, value T) (evicted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return false
	}
	expires := c.now().Add(c.ttl)
	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry[T])
		e.value, e.expires = value, expires
		c.order.MoveToFront(el)
		return false
	}

	c.index[key] = c.order.PushFront(&entry[T]{key: key, value: value, expires: expires})
	if c.order.Len() <= c.capacity {
		return false
	}
	c.unlink(c.order.Back())
	c.stats.Evictions++
	return true
}

// Remove drops key and reports whether it was present.
func (c *LRUCache[T]) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if ok {
		c.unlink(el)
	}
	return ok
}

func (c *LRUCache[T]) unlink(el *list.Element) {
	delete(c.index, el.Value.(*entry[T]).key)
	c.order.Remove(el)
}

// CleanExpired drops every expired entry and returns how many went.
// Expired entries cluster at the back, but a refreshed key can sit behind
// an older one, so the whole list is scanned.
func (c *LRUCache[T]) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if !now.Before(el.Value.(*entry[T]).expires) {
			c.unlink(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (c *LRUCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns the current size and counters.
func (c *LRUCache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Size = c.order.Len()
	return st
}
