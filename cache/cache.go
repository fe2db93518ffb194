// Package cache implements the bounded block cache shared by the easyfs and
// fat32 packages: a fixed-capacity set of cached blocks keyed by block id,
// typed offset-based views, dirty tracking, and drop-sync semantics.
//
// It is grounded on the BlockCacheManager / BlockCache pair in
// easy-fs/src/block_cache.rs and the structurally identical Sector /
// CacheManager pair in os/fat/src/sector.rs: both reference implementations
// use a capacity-16 cache of Arc<Mutex<Block>>, evicting the first entry
// whose strong reference count is 1 (i.e. held only by the cache itself).
// Go has no strong-count primitive, so eviction here tracks an explicit
// refcount per entry incremented by Get and decremented by Handle.Release.
package cache

import (
	"fmt"
	"log/slog"
	"sync"
)

// Device is the minimal block I/O surface the cache needs; blockfs.BlockDevice
// satisfies it.
type Device interface {
	BlockSize() int
	ReadBlock(id int64, buf []byte) error
	WriteBlock(id int64, buf []byte) error
}

// DefaultCapacity is the cache size used by the reference implementation
// (spec.md §4.1).
const DefaultCapacity = 16

type entry struct {
	mu       sync.RWMutex
	blockID  int64
	data     []byte
	dirty    bool
	refcount int
}

// Cache is a bounded cache of device blocks. The zero value is not usable;
// construct with New.
type Cache struct {
	mu       sync.Mutex
	device   Device
	capacity int
	byID     map[int64]*entry
	order    []int64 // insertion order, for FIFO-of-unreferenced eviction
	log      *slog.Logger
}

// New creates a cache backed by device with the given capacity (blocks).
// capacity<=0 uses DefaultCapacity.
func New(device Device, capacity int, log *slog.Logger) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		device:   device,
		capacity: capacity,
		byID:     make(map[int64]*entry, capacity),
		log:      log,
	}
}

// Handle is a live reference to one cached block. Callers must call
// Release exactly once when done; a Handle must not be used afterward.
type Handle struct {
	c *Cache
	e *entry
}

// Get returns a handle to the cached block with the given id, loading it
// from the device on a miss and evicting an unreferenced block if the
// cache is full. Two Get calls for the same block id, with no intervening
// eviction, observe the same underlying bytes (cache identity, spec.md
// §8 property 1).
func (c *Cache) Get(id int64) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byID[id]; ok {
		e.refcount++
		return &Handle{c: c, e: e}, nil
	}
	if len(c.byID) >= c.capacity {
		if err := c.evictLocked(); err != nil {
			return nil, err
		}
	}
	buf := make([]byte, c.device.BlockSize())
	if err := c.device.ReadBlock(id, buf); err != nil {
		return nil, fmt.Errorf("cache: load block %d: %w", id, err)
	}
	e := &entry{blockID: id, data: buf, refcount: 1}
	c.byID[id] = e
	c.order = append(c.order, id)
	c.log.Debug("cache miss", "block", id)
	return &Handle{c: c, e: e}, nil
}

// evictLocked must be called with c.mu held. It finds the first
// (FIFO-of-unreferenced) entry with refcount 0 and writes it back if dirty,
// then drops it from the table. It fails fatally if no such block exists,
// matching the reference implementation's "run out of block cache" panic
// (spec.md: "fail fatally; cache exhaustion is a bug").
func (c *Cache) evictLocked() error {
	for i, id := range c.order {
		e := c.byID[id]
		if e.refcount != 0 {
			continue
		}
		if e.dirty {
			if err := c.device.WriteBlock(e.blockID, e.data); err != nil {
				return fmt.Errorf("cache: evict-sync block %d: %w", e.blockID, err)
			}
		}
		delete(c.byID, id)
		c.order = append(c.order[:i:i], c.order[i+1:]...)
		c.log.Debug("evicted block", "block", id)
		return nil
	}
	panic("cache: run out of block cache (all entries referenced)")
}

// Release drops one reference to the handle's underlying block. It does
// not itself evict or sync; eviction only happens lazily on a subsequent
// Get that needs the slot.
func (h *Handle) Release() {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	h.e.refcount--
	if h.e.refcount < 0 {
		panic("cache: handle released more times than acquired")
	}
}

// BlockID returns the id of the cached block this handle refers to.
func (h *Handle) BlockID() int64 { return h.e.blockID }

// View applies fn to a read-only snapshot of the full block's bytes.
func (h *Handle) View(fn func(data []byte)) {
	h.e.mu.RLock()
	defer h.e.mu.RUnlock()
	fn(h.e.data)
}

// Update applies fn to the block's bytes and marks the block dirty. This is
// the map_mut<T> contract of spec.md §4.1: callers decode/mutate a
// T-shaped view at some offset inside data.
func (h *Handle) Update(fn func(data []byte)) {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	fn(h.e.data)
	h.e.dirty = true
}

// Map decodes a value out of the block at the given byte offset using
// decode, the generic analogue of spec.md's map<T>(offset, f). size is the
// on-disk width of T; callers pass a decode func bound to their packed
// struct's UnmarshalBinary-style method.
func Map[T any](h *Handle, offset, size int, decode func(b []byte) T) T {
	var out T
	h.View(func(data []byte) {
		if offset < 0 || offset+size > len(data) {
			panic("cache: map offset out of range")
		}
		out = decode(data[offset : offset+size])
	})
	return out
}

// MapMut applies encode to the block's bytes at the given offset and marks
// the block dirty, the generic analogue of spec.md's map_mut<T>.
func MapMut(h *Handle, offset, size int, encode func(b []byte)) {
	h.Update(func(data []byte) {
		if offset < 0 || offset+size > len(data) {
			panic("cache: map_mut offset out of range")
		}
		encode(data[offset : offset+size])
	})
}

// SyncAll writes back every dirty cached block and clears their dirty
// flags (spec.md §4.1 sync_all). After it returns, every previously dirty
// block's bytes have been written to the device at least once.
func (c *Cache) SyncAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.order {
		e := c.byID[id]
		e.mu.Lock()
		if e.dirty {
			if err := c.device.WriteBlock(e.blockID, e.data); err != nil {
				e.mu.Unlock()
				return fmt.Errorf("cache: sync block %d: %w", e.blockID, err)
			}
			e.dirty = false
		}
		e.mu.Unlock()
	}
	return nil
}
