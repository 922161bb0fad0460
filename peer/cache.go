// Package peer caches the mirrors that make one device's allocations addressable from another
// device. A cache belongs to the device the mirrors were created on.
package peer

import (
	"strconv"

	"github.com/dolthub/swiss"
	"github.com/levelzero/usm/graphics"
	"github.com/levelzero/usm/internal/utils"
	"golang.org/x/sync/singleflight"
)

// Entry is a mirror of an origin allocation on another device
type Entry struct {
	Allocation *graphics.Allocation
	GPUAddress uint64
}

// Cache maps an origin pointer to its mirror. Concurrent misses on the same pointer share one
// creation.
type Cache struct {
	mutex   utils.OptionalMutex
	entries *swiss.Map[uint64, Entry]
	group   singleflight.Group
}

type CacheCreateOptions struct {
	UseMutex bool
}

func NewCache(options CacheCreateOptions) *Cache {
	return &Cache{
		mutex:   utils.OptionalMutex{UseMutex: options.UseMutex},
		entries: swiss.NewMap[uint64, Entry](8),
	}
}

func (c *Cache) Lookup(ptr uint64) (Entry, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.entries.Get(ptr)
}

// GetOrCreate returns the mirror of ptr, calling create on a miss. A failed create leaves no
// entry behind, so a later call retries. The boolean reports whether this call created the entry.
func (c *Cache) GetOrCreate(ptr uint64, create func() (Entry, error)) (Entry, bool, error) {
	entry, ok := c.Lookup(ptr)
	if ok {
		return entry, false, nil
	}

	created := false
	value, err, _ := c.group.Do(strconv.FormatUint(ptr, 16), func() (any, error) {
		existing, ok := c.Lookup(ptr)
		if ok {
			return existing, nil
		}

		newEntry, err := create()
		if err != nil {
			return Entry{}, err
		}

		c.mutex.Lock()
		c.entries.Put(ptr, newEntry)
		c.mutex.Unlock()

		created = true
		return newEntry, nil
	})
	if err != nil {
		return Entry{}, false, err
	}

	return value.(Entry), created, nil
}

// Remove drops the mirror of ptr and returns it so the caller can free the allocation
func (c *Cache) Remove(ptr uint64) (Entry, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.entries.Get(ptr)
	if ok {
		c.entries.Delete(ptr)
	}
	return entry, ok
}

// Drain empties the cache and returns every mirror it held
func (c *Cache) Drain() []Entry {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entries := make([]Entry, 0, c.entries.Count())
	c.entries.Iter(func(_ uint64, entry Entry) bool {
		entries = append(entries, entry)
		return false
	})
	c.entries.Clear()

	return entries
}

func (c *Cache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.entries.Count()
}
