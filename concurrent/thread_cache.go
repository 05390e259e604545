package concurrent

import "sync/atomic"

// threadCache holds one free list per small size class for a single caller-assigned ThreadID
type threadCache struct {
	buckets [BucketCount]taggedStack
}

// cacheTable maps ThreadIDs below its length to lazily created caches
type cacheTable struct {
	caches []atomic.Pointer[threadCache]
}

func newCacheTable(maxThreads int) cacheTable {
	return cacheTable{caches: make([]atomic.Pointer[threadCache], maxThreads)}
}

// get returns the cache of a thread, creating it on first use. Installation is a compare-and-swap, so two
// callers racing for the same id agree on a single cache.
func (t *cacheTable) get(thread uint32) *threadCache {
	if int(thread) >= len(t.caches) {
		return nil
	}

	slot := &t.caches[thread]
	cache := slot.Load()
	if cache != nil {
		return cache
	}

	slot.CompareAndSwap(nil, &threadCache{})
	return slot.Load()
}

// existing returns the cache of a thread without creating it
func (t *cacheTable) existing(thread uint32) *threadCache {
	if int(thread) >= len(t.caches) {
		return nil
	}
	return t.caches[thread].Load()
}

func (t *cacheTable) count() int {
	count := 0
	for i := range t.caches {
		if t.caches[i].Load() != nil {
			count++
		}
	}
	return count
}

func (t *cacheTable) clear() {
	for i := range t.caches {
		t.caches[i].Store(nil)
	}
}

// cachedBlocks returns the number of blocks parked in every bucket of every cache
func (t *cacheTable) cachedBlocks() int {
	total := 0
	for i := range t.caches {
		cache := t.caches[i].Load()
		if cache == nil {
			continue
		}
		for bucket := range cache.buckets {
			total += int(cache.buckets[bucket].depth.Load())
		}
	}
	return total
}
