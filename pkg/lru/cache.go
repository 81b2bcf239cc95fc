// Package lru implements a generic, thread-safe recency-ordered cache.
//
// Unlike a classic fixed-capacity LRU, eviction is driven by the caller:
// Put never evicts, and EvictOldest removes the n least recently used
// entries in one call. This fits pools that shed a fraction of their
// entries under capacity pressure rather than one entry per insert.
//
// Time complexity: O(1) for Get, Put, Delete, Len; O(n) for EvictOldest(n).
package lru

import "sync"

// node is a doubly linked list node holding a key-value pair.
type node[K comparable, V any] struct {
	key  K
	val  V
	prev *node[K, V]
	next *node[K, V]
}

// Cache is a generic, thread-safe recency-ordered cache.
// K must be comparable (map key constraint), V can be any type.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]*node[K, V]
	head  *node[K, V] // most recently used (sentinel)
	tail  *node[K, V] // least recently used (sentinel)
}

// New creates an empty cache.
func New[K comparable, V any]() *Cache[K, V] {
	head := &node[K, V]{}
	tail := &node[K, V]{}
	head.next = tail
	tail.prev = head

	return &Cache[K, V]{
		items: make(map[K]*node[K, V]),
		head:  head,
		tail:  tail,
	}
}

// Get retrieves a value by key and marks it most recently used.
// Returns the zero value and false if not found. O(1).
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}

	c.moveToFront(n)
	return n.val, true
}

// Put inserts or updates a key-value pair, marking it most recently used. O(1).
func (c *Cache[K, V]) Put(key K, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.items[key]; ok {
		n.val = val
		c.moveToFront(n)
		return
	}

	n := &node[K, V]{key: key, val: val}
	c.items[key] = n
	c.pushFront(n)
}

// Delete removes a key from the cache. Returns true if the key existed. O(1).
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		return false
	}

	c.remove(n)
	delete(c.items, key)
	return true
}

// EvictOldest removes up to n least recently used entries and returns their
// values in eviction order (oldest first).
func (c *Cache[K, V]) EvictOldest(n int) []V {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []V
	for i := 0; i < n; i++ {
		victim := c.tail.prev
		if victim == c.head {
			break
		}
		c.remove(victim)
		delete(c.items, victim.key)
		out = append(out, victim.val)
	}
	return out
}

// Len returns the current number of entries. O(1).
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Peek retrieves a value without updating access order. O(1).
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return n.val, true
}

// Keys returns all keys in order from most to least recently used. O(n).
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, len(c.items))
	for cur := c.head.next; cur != c.tail; cur = cur.next {
		keys = append(keys, cur.key)
	}
	return keys
}

// Values returns all values in order from most to least recently used. O(n).
func (c *Cache[K, V]) Values() []V {
	c.mu.Lock()
	defer c.mu.Unlock()

	vals := make([]V, 0, len(c.items))
	for cur := c.head.next; cur != c.tail; cur = cur.next {
		vals = append(vals, cur.val)
	}
	return vals
}

// Clear removes all entries and returns the removed values. O(n).
func (c *Cache[K, V]) Clear() []V {
	c.mu.Lock()
	defer c.mu.Unlock()

	vals := make([]V, 0, len(c.items))
	for cur := c.head.next; cur != c.tail; cur = cur.next {
		vals = append(vals, cur.val)
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	c.items = make(map[K]*node[K, V])
	return vals
}

// --- internal linked list operations (caller must hold lock) ---

// remove detaches a node from the list.
func (c *Cache[K, V]) remove(n *node[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

// pushFront inserts a node right after head sentinel.
func (c *Cache[K, V]) pushFront(n *node[K, V]) {
	n.next = c.head.next
	n.prev = c.head
	c.head.next.prev = n
	c.head.next = n
}

// moveToFront detaches and reinserts a node at front.
func (c *Cache[K, V]) moveToFront(n *node[K, V]) {
	c.remove(n)
	c.pushFront(n)
}
