package optimizer

import (
	"container/list"
	"sync"
)

// Result is a cached detection outcome for one event fingerprint.
// PatternID is empty when no pattern matched.
type Result struct {
	PatternID string
}

type entry struct {
	key    Key
	result Result
}

// Cache is a bounded LRU keyed by event fingerprint. It is safe for
// concurrent use; all mutation happens under mu.
type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[Key]*list.Element
	order    *list.List // front = most recently used
	enabled  bool

	hits, misses, evictions uint64
}

// NewCache returns an LRU holding at most capacity entries. A capacity
// below one, or enabled=false, yields a cache that never stores anything.
func NewCache(capacity int, enabled bool) *Cache {
	if capacity < 1 {
		enabled = false
	}
	return &Cache{
		capacity: capacity,
		items:    make(map[Key]*list.Element),
		order:    list.New(),
		enabled:  enabled,
	}
}

func (c *Cache) Get(key Key) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		c.misses++
		cacheMisses.Inc()
		return Result{}, false
	}
	el, ok := c.items[key]
	if !ok {
		c.misses++
		cacheMisses.Inc()
		return Result{}, false
	}
	c.order.MoveToFront(el)
	c.hits++
	cacheHits.Inc()
	return el.Value.(*entry).result, true
}

// Put stores result under key. On a full cache exactly one least recently
// used entry is evicted before the insert.
func (c *Cache) Put(key Key, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	if el, ok := c.items[key]; ok {
		el.Value.(*entry).result = result
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.capacity {
		c.evictOldest()
	}
	c.items[key] = c.order.PushFront(&entry{key: key, result: result})
}

func (c *Cache) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry).key)
	c.evictions++
	cacheEvictions.Inc()
}

// Contains reports presence without touching recency or counters.
func (c *Cache) Contains(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[Key]*list.Element)
	c.order.Init()
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:      c.order.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
