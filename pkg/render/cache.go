package render

import (
	"container/list"
	"sync"

	"github.com/fleetbroker/fleetbroker/pkg/providers"
)

// specCache is a bounded LRU over rendered payloads. Entries are evicted
// least-recently-used; invalidation on template reload happens through the
// source version baked into the key, so stale entries simply age out.
type specCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheEntry struct {
	key     string
	payload providers.Payload
}

func newSpecCache(max int) *specCache {
	return &specCache{
		max:     max,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *specCache) get(key string) (providers.Payload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return providers.Payload{}, false
	}
	c.order.MoveToFront(el)
	return copyPayload(el.Value.(*cacheEntry).payload), true
}

func (c *specCache) put(key string, payload providers.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).payload = copyPayload(payload)
		c.order.MoveToFront(el)
		return
	}

	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, payload: copyPayload(payload)})
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *specCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// copyPayload detaches the mutable fields so cached entries cannot be
// modified through a returned payload.
func copyPayload(p providers.Payload) providers.Payload {
	cp := p
	cp.Spec = append([]byte(nil), p.Spec...)
	cp.Tags = make(map[string]string, len(p.Tags))
	for k, v := range p.Tags {
		cp.Tags[k] = v
	}
	return cp
}
