// Package cache implements the response cache: an exact-capacity LRU
// keyed by request fingerprint, with TTL accounting and support for
// optimistic (expired) lookups.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sfionov/dnsguard/dnsutil"
)

type entry struct {
	key        string
	resp       *dns.Msg // template: question stripped, AA cleared
	expiresAt  time.Time
	upstreamID int32
}

// Cache is a fixed-capacity LRU response cache. Readers overlap on a
// shared lock; inserts, erasures and recency promotion are exclusive.
type Cache struct {
	mu sync.RWMutex

	capacity int
	ll       *list.List
	items    map[string]*list.Element

	// Testing.
	now func() time.Time
}

// New returns a cache with the given capacity. A capacity of zero
// disables all cache operations.
func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// SetCapacity resizes the cache, evicting least recently used entries as
// needed. Zero disables the cache and drops all entries.
func (c *Cache) SetCapacity(capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.capacity = capacity

	if capacity == 0 {
		c.ll.Init()
		c.items = make(map[string]*list.Element)
		return
	}

	for c.ll.Len() > c.capacity {
		c.evict()
	}
}

// Lookup returns a response synthesized from the cached template for key:
// a clone patched with the request's id and question, EDNS UDP size reset,
// and every record TTL rewritten to the remaining lifetime. An expired
// entry is promoted to most recently used so that concurrent readers
// trigger a single refresh, its TTLs patched to one second, and reported
// with expired set.
func (c *Cache) Lookup(key string, req *dns.Msg) (resp *dns.Msg, upstreamID int32, expired, found bool) {
	c.mu.RLock()

	if c.capacity == 0 {
		c.mu.RUnlock()
		return nil, 0, false, false
	}

	el, ok := c.items[key]
	if !ok {
		c.mu.RUnlock()
		return nil, 0, false, false
	}

	en := el.Value.(*entry)
	upstreamID = en.upstreamID

	ttl := uint32(1)
	remaining := en.expiresAt.Sub(c.now())
	if remaining <= 0 {
		expired = true
	} else {
		ttl = uint32((remaining + time.Second - 1) / time.Second)
		if ttl == 0 {
			ttl = 1
		}
	}

	resp = en.resp.Copy()
	c.mu.RUnlock()

	if expired {
		c.mu.Lock()
		// Re-check: the entry may have been replaced or evicted between locks.
		if el, ok := c.items[key]; ok && el.Value.(*entry) == en {
			c.ll.MoveToFront(el)
		}
		c.mu.Unlock()
	}

	resp.Id = req.Id
	if opt := resp.IsEdns0(); opt != nil {
		opt.SetUDPSize(dnsutil.DefaultMsgSize)
	}

	resp.Question = make([]dns.Question, len(req.Question))
	copy(resp.Question, req.Question)

	patchTTL := func(rrs []dns.RR) {
		for _, rr := range rrs {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			rr.Header().Ttl = ttl
		}
	}
	patchTTL(resp.Answer)
	patchTTL(resp.Ns)
	patchTTL(resp.Extra)

	return resp, upstreamID, expired, true
}

// Store puts an eligible response into the cache under key. A response is
// eligible when it is not truncated, has exactly one question, rcode
// NOERROR, no unsupported EDNS extensions, at least one answer record of
// the requested type for A/AAAA questions, and a positive minimum record
// TTL. The stored template has its question stripped and the AA bit
// cleared. Returns whether the response was stored.
func (c *Cache) Store(key string, resp *dns.Msg, upstreamID int32) bool {
	if resp.Truncated || len(resp.Question) != 1 || resp.Rcode != dns.RcodeSuccess {
		return false
	}

	if dnsutil.HasUnsupportedExtensions(resp) {
		return false
	}

	qtype := resp.Question[0].Qtype
	if qtype == dns.TypeA || qtype == dns.TypeAAAA {
		found := false
		for _, rr := range resp.Answer {
			if rr.Header().Rrtype == qtype {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	minTTL := dnsutil.MinRRTTL(resp)
	if minTTL == 0 {
		return false
	}

	template := resp.Copy()
	template.Question = nil
	template.Authoritative = false

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity == 0 {
		return false
	}

	en := &entry{
		key:        key,
		resp:       template,
		expiresAt:  c.now().Add(time.Duration(minTTL) * time.Second),
		upstreamID: upstreamID,
	}

	if el, ok := c.items[key]; ok {
		el.Value = en
		c.ll.MoveToFront(el)
		return true
	}

	c.items[key] = c.ll.PushFront(en)

	for c.ll.Len() > c.capacity {
		c.evict()
	}

	return true
}

// Erase removes the entry for key, if any.
func (c *Cache) Erase(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ll.Init()
	c.items = make(map[string]*list.Element)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.ll.Len()
}

// evict drops the least recently used entry. Caller holds the write lock.
func (c *Cache) evict() {
	el := c.ll.Back()
	if el == nil {
		return
	}

	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}
