package jumpdb

import (
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/seedindex/kmer"
	"github.com/hashicorp/golang-lru/simplelru"
)

type cacheEntry struct {
	positions []uint32
	occupancy float64
}

// MRUCache maps keys to decoded position lists, evicting the least recently
// used key once full. It is safe for concurrent use; each call holds the
// cache lock only for its own duration.
type MRUCache struct {
	mu     sync.Mutex
	lru    *simplelru.LRU
	hits   uint64
	misses uint64
}

// NewMRUCache creates a cache holding up to capacity keys.
func NewMRUCache(capacity int) (*MRUCache, error) {
	lru, err := simplelru.NewLRU(capacity, nil)
	if err != nil {
		return nil, errors.E(errors.Invalid, err, "jumpdb: cache")
	}
	return &MRUCache{lru: lru}, nil
}

// Get returns the cached positions for key and the occupancy they were
// stored with.
func (c *MRUCache) Get(key kmer.Key) (positions []uint32, occupancy float64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, 0, false
	}
	c.hits++
	e := v.(cacheEntry)
	return e.positions, e.occupancy, true
}

// Insert adds or refreshes key.
func (c *MRUCache) Insert(key kmer.Key, positions []uint32, occupancy float64) {
	c.mu.Lock()
	c.lru.Add(key, cacheEntry{positions: positions, occupancy: occupancy})
	c.mu.Unlock()
}

// Len returns the number of cached keys.
func (c *MRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Statistics returns the running hit and miss counts.
func (c *MRUCache) Statistics() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
