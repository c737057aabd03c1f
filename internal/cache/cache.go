package cache

import (
	"sync"
	"time"

	"github.com/pyckit/segmentation-service/internal/scheduler/domain"
)

// Payload is the cached outcome of one segmentation call.
type Payload struct {
	Mask []byte
	Crop domain.CropRect
}

// Entry is a stored payload together with its write timestamp. The cache
// never expires entries itself; callers compare now-WrittenAt against their
// own TTL before trusting a hit.
type Entry struct {
	Payload   Payload
	WrittenAt time.Time
}

// Cache is a capacity-bounded, content-addressed store of segmentation
// results.
//
// Eviction is by WRITE order, not access order: on overflow the entry with
// the oldest WrittenAt is removed, even if it was read moments ago. This is
// a deliberate divergence from recency-tracked LRU and must be preserved;
// reads never promote an entry.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*Entry
	order    []string // keys in write order, oldest first
	now      func() time.Time
}

// New creates a cache holding at most capacity entries.
func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]*Entry, capacity),
		now:      time.Now,
	}
}

// Get returns the stored entry for key, regardless of its age.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

// Set inserts or overwrites the entry for key and timestamps it. If the
// insert pushes the cache over capacity, the oldest-written entry is
// evicted.
func (c *Cache) Set(key string, payload Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		// An overwrite restarts the entry's write clock, so it moves to
		// the back of the eviction order.
		c.removeFromOrder(key)
	}

	c.entries[key] = &Entry{Payload: payload, WrittenAt: c.now()}
	c.order = append(c.order, key)

	for len(c.entries) > c.capacity && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
