package notifications

import (
	"sync"
	"time"
)

const (
	DefaultDedupWindow   = 5 * time.Minute
	DefaultDedupCapacity = 100
)

// DedupCache remembers notification ids seen within a fixed time window.
// Ids live in a ring ordered by first sighting; when the ring is full the
// oldest id is evicted. When the window expires the whole set is dropped, so
// a sufficiently old id is admitted again.
type DedupCache struct {
	mu          sync.Mutex
	window      time.Duration
	now         func() time.Time
	ring        []string
	head        int
	size        int
	index       map[string]struct{}
	windowStart time.Time
}

func NewDedupCache(window time.Duration, capacity int, now func() time.Time) *DedupCache {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &DedupCache{
		window: window,
		now:    now,
		ring:   make([]string, capacity),
		index:  make(map[string]struct{}, capacity),
	}
}

// Admit records id and reports true, or reports false if id was already seen
// in the current window.
func (c *DedupCache) Admit(id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()
	if _, ok := c.index[id]; ok {
		return false
	}
	c.pushLocked(id)
	return true
}

// Record marks id as seen without reporting whether it was new.
func (c *DedupCache) Record(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()
	if _, ok := c.index[id]; ok {
		return
	}
	c.pushLocked(id)
}

func (c *DedupCache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()
	_, ok := c.index[id]
	return ok
}

func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *DedupCache) Capacity() int {
	return len(c.ring)
}

// Snapshot returns the ids oldest first and the start of the current window.
func (c *DedupCache) Snapshot() ([]string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, c.size)
	start := (c.head - c.size + len(c.ring)) % len(c.ring)
	for i := 0; i < c.size; i++ {
		ids = append(ids, c.ring[(start+i)%len(c.ring)])
	}
	return ids, c.windowStart
}

// Restore replaces the cache contents. An expired window restores empty.
func (c *DedupCache) Restore(ids []string, windowStart time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked(windowStart)
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := c.index[id]; ok {
			continue
		}
		c.pushLocked(id)
	}
	c.rollLocked()
}

func (c *DedupCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked(c.now())
}

func (c *DedupCache) rollLocked() {
	now := c.now()
	if c.windowStart.IsZero() {
		c.windowStart = now
		return
	}
	if now.Sub(c.windowStart) > c.window {
		c.resetLocked(now)
	}
}

func (c *DedupCache) resetLocked(start time.Time) {
	for i := range c.ring {
		c.ring[i] = ""
	}
	c.head = 0
	c.size = 0
	c.index = make(map[string]struct{}, len(c.ring))
	c.windowStart = start
}

func (c *DedupCache) pushLocked(id string) {
	if c.size == len(c.ring) {
		delete(c.index, c.ring[c.head])
	} else {
		c.size++
	}
	c.ring[c.head] = id
	c.index[id] = struct{}{}
	c.head = (c.head + 1) % len(c.ring)
}
