// Package lru caches encoded snapshot replies. A snapshot of a blacklist at
// a given modification count never changes, so replies are keyed by
// (name, count) and never invalidated; old counts age out of the LRU.
package lru

import (
	"strconv"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SnapshotCache caches encoded snapshot replies.
type SnapshotCache interface {
	Get(name string, count uint64) ([]byte, bool)
	Put(name string, count uint64, encoded []byte)
	Len() int
	Purge()
	Stats() (hits, misses, evictions uint64)
}

// snapshotCache is an LRU-backed implementation of SnapshotCache.
type snapshotCache struct {
	lru       *lru.Cache[string, []byte]
	hits      uint64
	misses    uint64
	evictions uint64
}

// disabledCache is a no-op SnapshotCache used when size <= 0.
type disabledCache struct{}

// New creates a cache holding up to size replies. If size <= 0, a disabled
// cache is returned that always misses.
func New(size int) (SnapshotCache, error) {
	if size <= 0 {
		return &disabledCache{}, nil
	}

	var sc snapshotCache
	cache, err := lru.NewWithEvict(size, func(_ string, _ []byte) {
		atomic.AddUint64(&sc.evictions, 1)
	})
	if err != nil {
		return nil, err
	}
	sc.lru = cache
	return &sc, nil
}

func key(name string, count uint64) string {
	return name + "@" + strconv.FormatUint(count, 10)
}

// Get returns the encoded reply for name at count.
func (c *snapshotCache) Get(name string, count uint64) ([]byte, bool) {
	if val, ok := c.lru.Get(key(name, count)); ok {
		atomic.AddUint64(&c.hits, 1)
		return val, true
	}
	atomic.AddUint64(&c.misses, 1)
	return nil, false
}

// Put stores an encoded reply. The slice must not be modified afterwards.
func (c *snapshotCache) Put(name string, count uint64, encoded []byte) {
	c.lru.Add(key(name, count), encoded)
}

func (c *snapshotCache) Len() int { return c.lru.Len() }

// Purge clears all entries. Evictions are counted via the eviction callback.
func (c *snapshotCache) Purge() { c.lru.Purge() }

func (c *snapshotCache) Stats() (hits, misses, evictions uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses), atomic.LoadUint64(&c.evictions)
}

func (d *disabledCache) Get(string, uint64) ([]byte, bool) { return nil, false }

func (d *disabledCache) Put(string, uint64, []byte) {}

func (d *disabledCache) Len() int { return 0 }

func (d *disabledCache) Purge() {}

func (d *disabledCache) Stats() (uint64, uint64, uint64) { return 0, 0, 0 }

var _ SnapshotCache = (*snapshotCache)(nil)
var _ SnapshotCache = (*disabledCache)(nil)
