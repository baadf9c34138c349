package synth

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// RenderFunc produces the segment for a key on a cache miss.
type RenderFunc func(ctx context.Context, key Key) (*Segment, error)

// CacheStats is a point-in-time view of the cache.
type CacheStats struct {
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
	Budget    int64  `json:"budget"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Renders   uint64 `json:"renders"`
	Evictions uint64 `json:"evictions"`
}

// Cache maps keys to rendered segments within a byte budget, evicting the
// least recently used unreferenced segment first.
//
// Lookups read an immutable map published through an atomic pointer, so
// TryGet neither locks nor allocates and is safe on the audio callback.
// Writers copy the map under mu.
type Cache struct {
	budget int64
	render RenderFunc

	entries atomic.Pointer[map[Key]*Segment]
	tick    atomic.Uint64
	group   singleflight.Group

	mu   sync.Mutex
	size int64

	hits, misses, renders, evictions atomic.Uint64
}

// NewCache creates a cache. A budget <= 0 disables eviction.
func NewCache(budget int64, render RenderFunc) *Cache {
	c := &Cache{budget: budget, render: render}
	empty := map[Key]*Segment{}
	c.entries.Store(&empty)
	return c
}

// TryGet returns an acquired segment or false on a miss. It never renders.
// The caller must Release the segment.
func (c *Cache) TryGet(key Key) (*Segment, bool) {
	seg := (*c.entries.Load())[key]
	if seg == nil || !seg.Acquire() {
		c.misses.Add(1)
		return nil, false
	}
	seg.lastUsed.Store(c.tick.Add(1))
	c.hits.Add(1)
	return seg, true
}

// GetOrRender returns an acquired segment, rendering it if needed. Concurrent
// requests for the same key share one render. The caller must Release the
// segment.
func (c *Cache) GetOrRender(ctx context.Context, key Key) (*Segment, error) {
	for {
		if seg, ok := c.TryGet(key); ok {
			return seg, nil
		}
		v, err, _ := c.group.Do(key.String(), func() (any, error) {
			if seg := (*c.entries.Load())[key]; seg != nil && seg.Refs() >= 0 {
				return seg, nil
			}
			seg, err := c.render(ctx, key)
			if err != nil {
				return nil, err
			}
			c.renders.Add(1)
			return c.insert(seg), nil
		})
		if err != nil {
			return nil, err
		}
		seg := v.(*Segment)
		if seg.Acquire() {
			seg.lastUsed.Store(c.tick.Add(1))
			return seg, nil
		}
		// Evicted between insert and acquire; render again.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Warm renders keys ahead of use so the audio callback finds them.
func (c *Cache) Warm(ctx context.Context, keys ...Key) error {
	for _, k := range keys {
		seg, err := c.GetOrRender(ctx, k)
		if err != nil {
			return err
		}
		seg.Release()
	}
	return nil
}

func (c *Cache) insert(seg *Segment) *Segment {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := *c.entries.Load()
	if cur := old[seg.key]; cur != nil && cur.Refs() >= 0 {
		return cur
	}

	next := make(map[Key]*Segment, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	if prev := next[seg.key]; prev != nil {
		c.size -= int64(prev.Bytes())
	}
	seg.lastUsed.Store(c.tick.Add(1))
	next[seg.key] = seg
	c.size += int64(seg.Bytes())

	c.evictLocked(next, seg.key)
	c.entries.Store(&next)
	return seg
}

// evictLocked drops least recently used segments until the budget is met or
// only referenced segments remain. keep is never evicted.
func (c *Cache) evictLocked(m map[Key]*Segment, keep Key) {
	if c.budget <= 0 {
		return
	}
	for c.size > c.budget {
		var victim *Segment
		for k, s := range m {
			if k == keep || s.Refs() != 0 {
				continue
			}
			if victim == nil || s.lastUsed.Load() < victim.lastUsed.Load() {
				victim = s
			}
		}
		if victim == nil {
			return
		}
		if !victim.tombstone() {
			// Acquired since the scan; look again.
			continue
		}
		delete(m, victim.key)
		c.size -= int64(victim.Bytes())
		c.evictions.Add(1)
	}
}

// Stats returns counters and occupancy.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	size := c.size
	c.mu.Unlock()
	return CacheStats{
		Entries:   len(*c.entries.Load()),
		Bytes:     size,
		Budget:    c.budget,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Renders:   c.renders.Load(),
		Evictions: c.evictions.Load(),
	}
}
