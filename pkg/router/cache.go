package router

import (
	"container/list"
	"sync"
	"time"

	"github.com/Mindburn-Labs/osprey/pkg/contracts"
)

type cacheEntry struct {
	key        string
	candidates []contracts.RouteCandidate
	version    uint64
	storedAt   time.Time
}

// routeCache is a bounded LRU keyed by normalized query text. Entries
// carry the registry version they were computed against; a version
// mismatch is treated as a miss, so registry mutations invalidate stale
// routes without any broadcast. Entries are stored whole and replaced
// whole, never mutated in place.
type routeCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	items    map[string]*list.Element
	clock    func() time.Time
}

func newRouteCache(capacity int, ttl time.Duration, clock func() time.Time) *routeCache {
	if capacity <= 0 {
		capacity = 128
	}
	return &routeCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		clock:    clock,
	}
}

func (c *routeCache) get(key string, version uint64) ([]contracts.RouteCandidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if entry.version != version || (c.ttl > 0 && c.clock().Sub(entry.storedAt) > c.ttl) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	out := make([]contracts.RouteCandidate, len(entry.candidates))
	copy(out, entry.candidates)
	return out, true
}

func (c *routeCache) put(key string, version uint64, candidates []contracts.RouteCandidate) {
	stored := make([]contracts.RouteCandidate, len(candidates))
	copy(stored, candidates)

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value = &cacheEntry{key: key, candidates: stored, version: version, storedAt: c.clock()}
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, candidates: stored, version: version, storedAt: c.clock()})
	c.items[key] = el
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

func (c *routeCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
