package memory

import (
	"container/list"
	"sync"
)

// CacheKey identifies a cached byte range of a file.
// Start is inclusive, End exclusive. Gen is the generation of the
// mapping the bytes were sliced from; a reader finishing against an
// already-invalidated mapping stores under the old generation, so it
// can never satisfy a lookup against the reopened file.
type CacheKey struct {
	Path  string
	Start int64
	End   int64
	Gen   uint64
}

// Cache is a bounded LRU byte cache with byte-level capacity accounting.
// Inserting evicts least-recently-used entries until the new total fits.
// A single value larger than the total capacity bypasses the cache
// entirely; Put succeeds but stores nothing.
//
// Cache is safe for concurrent use. The zero value is not usable; use
// [NewCache].
type Cache struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	order    *list.List // front = most recently used
	entries  map[CacheKey]*list.Element
}

type cacheEntry struct {
	key   CacheKey
	value []byte
}

// NewCache creates a cache bounded to capacity bytes. A capacity <= 0
// disables caching: every Put bypasses and every Get misses.
func NewCache(capacity int64) *Cache {
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[CacheKey]*list.Element),
	}
}

// Get returns the cached bytes for key and marks the entry most recently
// used. Callers must not modify the returned slice.
func (c *Cache) Get(key CacheKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	c.order.MoveToFront(elem)

	return elem.Value.(*cacheEntry).value, true
}

// Put stores a copy of value under key. The copy matters: values are
// often sliced out of a memory mapping, and cached bytes must stay valid
// after that mapping is closed. An oversized value (larger than the whole
// cache) is silently not stored.
func (c *Cache) Put(key CacheKey, value []byte) {
	size := int64(len(value))
	if size > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}

	for c.used+size > c.capacity && c.order.Len() > 0 {
		c.removeLocked(c.order.Back())
	}

	stored := make([]byte, size)
	copy(stored, value)

	elem := c.order.PushFront(&cacheEntry{key: key, value: stored})
	c.entries[key] = elem
	c.used += size
}

// InvalidatePath drops every entry whose key refers to path.
func (c *Cache) InvalidatePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next *list.Element
	for elem := c.order.Front(); elem != nil; elem = next {
		next = elem.Next()

		if elem.Value.(*cacheEntry).key.Path == path {
			c.removeLocked(elem)
		}
	}
}

// Used reports the resident bytes currently accounted for.
func (c *Cache) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.used
}

// Len reports the number of resident entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.order.Len()
}

// removeLocked unlinks elem and releases its accounted bytes.
// Callers must hold c.mu.
func (c *Cache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)

	c.order.Remove(elem)
	delete(c.entries, entry.key)
	c.used -= int64(len(entry.value))
}
