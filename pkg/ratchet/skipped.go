package ratchet

import "github.com/qubee/qubee-go/pkg/crypto"

// skippedCache holds message keys derived for not-yet-delivered sequence
// numbers. Capacity is bounded; eviction is FIFO on insertion order. Every
// key is consumed on first use and zeroized on eviction.
type skippedCache struct {
	capacity int
	order    []MessageID
	keys     map[MessageID][]byte
}

func newSkippedCache(capacity int) *skippedCache {
	return &skippedCache{
		capacity: capacity,
		keys:     make(map[MessageID][]byte),
	}
}

func (c *skippedCache) len() int {
	return len(c.order)
}

// put inserts a message key, evicting the oldest entry first when full.
func (c *skippedCache) put(id MessageID, key []byte) {
	if _, ok := c.keys[id]; ok {
		return
	}
	for len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		crypto.Zeroize(c.keys[oldest])
		delete(c.keys, oldest)
	}
	c.order = append(c.order, id)
	c.keys[id] = key
}

// take removes and returns the key for id, or nil if absent.
func (c *skippedCache) take(id MessageID) []byte {
	key, ok := c.keys[id]
	if !ok {
		return nil
	}
	delete(c.keys, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return key
}

// peek reports whether a key for id is cached without consuming it.
func (c *skippedCache) peek(id MessageID) bool {
	_, ok := c.keys[id]
	return ok
}

// get looks up a key without consuming it, for staged resolution where the
// entry is removed only on commit.
func (c *skippedCache) get(id MessageID) []byte {
	return c.keys[id]
}

func (c *skippedCache) clear() {
	for id, key := range c.keys {
		crypto.Zeroize(key)
		delete(c.keys, id)
	}
	c.order = nil
}

// snapshotEntries returns the cache contents in insertion order, for
// session persistence.
func (c *skippedCache) snapshotEntries() []skippedEntry {
	entries := make([]skippedEntry, 0, len(c.order))
	for _, id := range c.order {
		entries = append(entries, skippedEntry{ID: id, Key: c.keys[id]})
	}
	return entries
}

type skippedEntry struct {
	ID  MessageID
	Key []byte
}
