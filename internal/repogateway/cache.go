package repogateway

import (
	"sync"
	"time"
)

// existenceCache is a bounded-time positive/negative cache for
// FileExists lookups, adapted from the doubly-linked LRU eviction-list
// shape in the teacher's blob cache (pkg/cache.LRUBlobCache) but keyed
// by path and bounded by expiry rather than by byte size: an expired
// entry is dropped when it is next looked up, and nothing is evicted
// for size.
type existenceCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	head    *cacheEntry
	tail    *cacheEntry
	ttl     time.Duration

	hits   int64
	misses int64
}

type cacheEntry struct {
	path    string
	exists  bool
	expires time.Time
	prev    *cacheEntry
	next    *cacheEntry
}

func newExistenceCache(ttl time.Duration) *existenceCache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}

	return &existenceCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

// get returns (exists, found). found is false if there is no live entry.
func (c *existenceCache) get(path string, now time.Time) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[path]
	if !ok || now.After(entry.expires) {
		c.misses++

		if ok {
			c.remove(entry)
			delete(c.entries, path)
		}

		return false, false
	}

	c.hits++
	c.moveToFront(entry)

	return entry.exists, true
}

func (c *existenceCache) put(path string, exists bool, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[path]; ok {
		entry.exists = exists
		entry.expires = now.Add(c.ttl)
		c.moveToFront(entry)

		return
	}

	entry := &cacheEntry{path: path, exists: exists, expires: now.Add(c.ttl)}
	c.entries[path] = entry
	c.addToFront(entry)
}

func (c *existenceCache) moveToFront(e *cacheEntry) {
	if e == c.head {
		return
	}

	c.remove(e)
	c.addToFront(e)
}

func (c *existenceCache) addToFront(e *cacheEntry) {
	e.prev = nil
	e.next = c.head

	if c.head != nil {
		c.head.prev = e
	}

	c.head = e

	if c.tail == nil {
		c.tail = e
	}
}

func (c *existenceCache) remove(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}

	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

// invalidate drops a cached entry, used after Commit changes a path.
func (c *existenceCache) invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[path]; ok {
		c.remove(entry)
		delete(c.entries, path)
	}
}
