// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package engine

import (
	"container/list"
	"sync"
)

type cacheEntry struct {
	fingerprint string
	verdict     Verdict
}

// verdictCache is a bounded fingerprint-to-verdict map with FIFO eviction.
// Hits do not refresh an entry's position; once the cache is full, the
// oldest insertion goes first. All operations are guarded by the cache's
// own lock so the engine never holds it across an inference call.
type verdictCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List
}

func makeVerdictCache(capacity int) *verdictCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &verdictCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// get returns a copy of the cached verdict for the fingerprint, if present.
func (c *verdictCache) get(fingerprint string) (Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fingerprint]
	if !ok {
		return Verdict{}, false
	}
	return el.Value.(*cacheEntry).verdict.clone(), true
}

// put stores a copy of the verdict. An existing entry is replaced in place
// and keeps its insertion position.
func (c *verdictCache) put(fingerprint string, v Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[fingerprint]; ok {
		el.Value.(*cacheEntry).verdict = v.clone()
		return
	}
	for c.order.Len() >= c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).fingerprint)
	}
	c.entries[fingerprint] = c.order.PushBack(&cacheEntry{
		fingerprint: fingerprint,
		verdict:     v.clone(),
	})
}

func (c *verdictCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *verdictCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}
