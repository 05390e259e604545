// Package concurrent provides a lock-free allocator for small, short-lived, hot-path allocations.
//
// Requests are served from three tiers. A per-thread cache of 32 buckets is tried first, then a set of free
// lists shared by all threads, then a central buffer carved with an atomic cursor. Requests that none of those
// can serve fall through to a dedicated system allocation. Only that last tier takes a lock.
package concurrent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/hydragon-engine/memcore/internal/utils"
	"github.com/hydragon-engine/memcore/memutils"
	"github.com/hydragon-engine/memcore/memutils/arena"
)

const (
	defaultCentralBufferSize   = 64 * 1024 * 1024
	defaultMaxCentralBlockSize = 256 * 1024
	defaultBucketDepth         = 256
	defaultMaxThreads          = 64
)

// CreateOptions contains optional settings when creating an Allocator. The zero value is valid.
type CreateOptions struct {
	// CentralBufferSize is the size of the buffer that blocks are carved from. 0 means 64Mb.
	CentralBufferSize int
	// MaxCentralBlockSize is the largest request served from the central buffer. It must be a power of two
	// of at least 1024. 0 means 256Kb.
	MaxCentralBlockSize int
	// BucketDepth is the number of freed blocks a single cache bucket keeps before returning blocks to the
	// shared free lists. 0 means 256.
	BucketDepth int
	// MaxThreads bounds the cache table. Callers whose ThreadID is not below it skip the cache tier. 0 means 64.
	MaxThreads int
}

// PathStats counts how requests were served
type PathStats struct {
	FastPath    int
	CentralPath int
	BufferPath  int
	SlowPath    int

	CacheReturns   int
	CentralReturns int
	SlowReturns    int
}

type pathCounters struct {
	fast, central, buffer, slow               atomic.Int64
	cacheReturns, centralReturns, slowReturns atomic.Int64
}

// Allocator is a lock-free memutils.Strategy. Every request is rounded up to its size class, so Stats report
// class sizes rather than requested sizes.
type Allocator struct {
	logger *slog.Logger

	buffer *arena.Arena
	base   unsafe.Pointer
	cursor atomic.Int64
	_      utils.CacheLinePad

	central             []taggedStack
	caches              cacheTable
	bucketDepth         int32
	maxCentralBlockSize int

	slowMutex sync.Mutex
	slow      *swiss.Map[uintptr, *arena.Arena]

	counters memutils.UsageCounters
	paths    pathCounters
}

var _ memutils.Strategy = &Allocator{}
var _ memutils.Resetter = &Allocator{}
var _ memutils.Releaser = &Allocator{}

// New creates an Allocator and commits its central buffer
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if options.CentralBufferSize <= 0 {
		options.CentralBufferSize = defaultCentralBufferSize
	}
	if options.MaxCentralBlockSize <= 0 {
		options.MaxCentralBlockSize = defaultMaxCentralBlockSize
	}
	if options.BucketDepth <= 0 {
		options.BucketDepth = defaultBucketDepth
	}
	if options.MaxThreads <= 0 {
		options.MaxThreads = defaultMaxThreads
	}

	err := memutils.CheckPow2(options.MaxCentralBlockSize, "MaxCentralBlockSize")
	if err != nil {
		return nil, err
	}
	if options.MaxCentralBlockSize < minCentralBlockSize {
		return nil, errors.Newf("MaxCentralBlockSize must be at least %d, but was %d", minCentralBlockSize, options.MaxCentralBlockSize)
	}
	if options.CentralBufferSize/HeaderSize >= int(^uint32(0)) {
		return nil, errors.Newf("a central buffer of %d bytes cannot be addressed by 32-bit block references", options.CentralBufferSize)
	}

	buffer, err := arena.New(options.CentralBufferSize)
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		logger:              logger,
		buffer:              buffer,
		base:                buffer.Base(),
		central:             make([]taggedStack, classFor(options.MaxCentralBlockSize)+1),
		caches:              newCacheTable(options.MaxThreads),
		bucketDepth:         int32(options.BucketDepth),
		maxCentralBlockSize: options.MaxCentralBlockSize,
		slow:                swiss.NewMap[uintptr, *arena.Arena](42),
	}
	a.counters.AddBlock(buffer.Size())

	logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::New",
		slog.Int("CentralBufferSize", buffer.Size()),
		slog.Int("Classes", len(a.central)),
		slog.Int("MaxThreads", options.MaxThreads),
	)

	return a, nil
}

func (a *Allocator) Allocate(size int, info memutils.AllocationInfo) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "requested %d bytes", size)
	}

	alignment := info.EffectiveAlignment()
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}

	if alignment > memutils.DefaultAlignment || size > a.maxCentralBlockSize {
		return a.allocateSlow(size, alignment)
	}

	class := classFor(size)
	thread := uint32(info.ThreadID)

	if class < BucketCount {
		cache := a.caches.get(thread)
		if cache != nil {
			ref := cache.buckets[class].pop(a.base)
			if ref != 0 {
				a.paths.fast.Add(1)
				return a.hand(ref, class, thread), nil
			}
		}
	}

	ref := a.central[class].pop(a.base)
	if ref != 0 {
		a.paths.central.Add(1)
		return a.hand(ref, class, thread), nil
	}

	ref = a.carve(class)
	if ref != 0 {
		a.paths.buffer.Add(1)
		return a.hand(ref, class, thread), nil
	}

	return a.allocateSlow(size, alignment)
}

// carve takes a new block from the central buffer, or returns 0 once the buffer is exhausted
func (a *Allocator) carve(class int) blockRef {
	total := int64(HeaderSize + classSize(class))
	limit := int64(a.buffer.Size())

	for attempt := 0; attempt < maxPopAttempts; attempt++ {
		cursor := a.cursor.Load()
		if cursor+total > limit {
			return 0
		}

		if a.cursor.CompareAndSwap(cursor, cursor+total) {
			ref := refForOffset(int(cursor))
			header := headerAt(a.base, ref)
			atomic.StoreUint32(&header.class, uint32(class))
			atomic.StoreUint32(&header.state, stateFree)
			return ref
		}
	}

	return 0
}

func (a *Allocator) hand(ref blockRef, class int, thread uint32) unsafe.Pointer {
	header := headerAt(a.base, ref)
	atomic.StoreUint32(&header.thread, thread)
	atomic.StoreUint32(&header.state, stateLive)

	a.counters.AddAllocation(classSize(class))
	return unsafe.Add(a.base, ref.offset()+HeaderSize)
}

func (a *Allocator) allocateSlow(size int, alignment uint) (unsafe.Pointer, error) {
	if alignment > uint(arena.PageSize()) {
		return nil, errors.Wrapf(memutils.ErrRequestUnsupported, "alignment %d is larger than the page size", alignment)
	}

	memory, err := arena.New(size)
	if err != nil {
		return nil, err
	}

	a.slowMutex.Lock()
	a.slow.Put(uintptr(memory.Base()), memory)
	a.slowMutex.Unlock()

	a.counters.AddBlock(memory.Size())
	a.counters.AddAllocation(memory.Size())
	a.paths.slow.Add(1)

	a.logger.Debug("Allocator::allocateSlow", slog.Int("Size", size), slog.Int("Committed", memory.Size()))
	return memory.Base(), nil
}

func (a *Allocator) Deallocate(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	if a.buffer.Contains(ptr) {
		return a.deallocateBlock(ptr)
	}

	return a.deallocateSlow(ptr)
}

// headerFor returns the header of the block whose payload starts at ptr, or nil if ptr cannot be the
// payload of a carved block
func (a *Allocator) headerFor(ptr unsafe.Pointer) (*blockHeader, blockRef) {
	offset := a.buffer.Offset(ptr) - HeaderSize
	if offset < 0 || offset%HeaderSize != 0 || int64(offset) >= a.cursor.Load() {
		return nil, 0
	}

	ref := refForOffset(offset)
	header := headerAt(a.base, ref)
	if int(atomic.LoadUint32(&header.class)) >= len(a.central) {
		return nil, 0
	}

	return header, ref
}

func (a *Allocator) deallocateBlock(ptr unsafe.Pointer) error {
	header, ref := a.headerFor(ptr)
	if header == nil {
		return errors.Wrapf(memutils.ErrUntrackedPointer, "%p is not the start of a block", ptr)
	}

	if !atomic.CompareAndSwapUint32(&header.state, stateLive, stateFree) {
		if atomic.LoadUint32(&header.state) == stateFree {
			return errors.Wrapf(memutils.ErrDoubleFree, "block at %p is already free", ptr)
		}
		return errors.Wrapf(memutils.ErrUntrackedPointer, "%p is not the start of a block", ptr)
	}

	class := int(atomic.LoadUint32(&header.class))
	thread := atomic.LoadUint32(&header.thread)
	a.counters.RemoveAllocation(classSize(class))

	if class < BucketCount {
		cache := a.caches.existing(thread)
		if cache != nil && cache.buckets[class].reserve(a.bucketDepth) {
			cache.buckets[class].pushReserved(a.base, ref)
			a.paths.cacheReturns.Add(1)
			return nil
		}
	}

	a.central[class].push(a.base, ref)
	a.paths.centralReturns.Add(1)
	return nil
}

func (a *Allocator) deallocateSlow(ptr unsafe.Pointer) error {
	a.slowMutex.Lock()
	memory, ok := a.slow.Get(uintptr(ptr))
	if ok {
		a.slow.Delete(uintptr(ptr))
	}
	a.slowMutex.Unlock()

	if !ok {
		return errors.Wrapf(memutils.ErrUntrackedPointer, "%p was not allocated by this allocator", ptr)
	}

	size := memory.Size()
	a.counters.RemoveAllocation(size)
	a.counters.RemoveBlock(size)
	a.paths.slowReturns.Add(1)

	return memory.Release()
}

// Owns returns true if ptr is a live allocation of this allocator
func (a *Allocator) Owns(ptr unsafe.Pointer) bool {
	if ptr == nil {
		return false
	}

	if a.buffer.Contains(ptr) {
		header, _ := a.headerFor(ptr)
		return header != nil && atomic.LoadUint32(&header.state) == stateLive
	}

	a.slowMutex.Lock()
	defer a.slowMutex.Unlock()

	return a.slow.Has(uintptr(ptr))
}

func (a *Allocator) Stats() memutils.Statistics {
	return a.counters.Snapshot()
}

// PathStats returns how many requests each tier has served so far
func (a *Allocator) PathStats() PathStats {
	return PathStats{
		FastPath:       int(a.paths.fast.Load()),
		CentralPath:    int(a.paths.central.Load()),
		BufferPath:     int(a.paths.buffer.Load()),
		SlowPath:       int(a.paths.slow.Load()),
		CacheReturns:   int(a.paths.cacheReturns.Load()),
		CentralReturns: int(a.paths.centralReturns.Load()),
		SlowReturns:    int(a.paths.slowReturns.Load()),
	}
}

// CachedThreads returns the number of thread caches created so far
func (a *Allocator) CachedThreads() int {
	return a.caches.count()
}

// CachedBlocks returns the number of freed blocks parked in thread caches
func (a *Allocator) CachedBlocks() int {
	return a.caches.cachedBlocks()
}

// BufferUsed returns the number of central buffer bytes carved so far
func (a *Allocator) BufferUsed() int {
	return int(a.cursor.Load())
}

func (a *Allocator) releaseSlow() error {
	a.slowMutex.Lock()
	defer a.slowMutex.Unlock()

	var err error
	a.slow.Iter(func(address uintptr, memory *arena.Arena) bool {
		size := memory.Size()
		a.counters.RemoveBlock(size)
		err = errors.CombineErrors(err, memory.Release())
		return false
	})
	a.slow = swiss.NewMap[uintptr, *arena.Arena](42)

	return err
}

// Reset frees every allocation at once. It must not run concurrently with any other method, and outstanding
// pointers become invalid.
func (a *Allocator) Reset() error {
	a.logger.Debug("Allocator::Reset")

	for i := range a.central {
		a.central[i].clear()
	}
	a.caches.clear()
	a.cursor.Store(0)

	err := a.releaseSlow()
	a.counters.Reset()
	return err
}

// Release returns the central buffer and every slow-path allocation to the system. It must not run
// concurrently with any other method.
func (a *Allocator) Release() error {
	a.logger.Debug("Allocator::Release")

	var unreleased error
	live := a.counters.Snapshot().AllocationCount
	if live > 0 {
		a.logUnreleased()
		unreleased = errors.Newf("%d allocations were not freed before the allocator was released", live)
	}

	err := a.releaseSlow()
	a.counters.RemoveBlock(a.buffer.Size())
	err = errors.CombineErrors(err, a.buffer.Release())

	return errors.CombineErrors(unreleased, err)
}

func (a *Allocator) logUnreleased() {
	a.walk(func(offset int, header *blockHeader) {
		if atomic.LoadUint32(&header.state) != stateLive {
			return
		}

		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
			slog.Int("offset", offset+HeaderSize),
			slog.Int("size", classSize(int(header.class))),
			slog.Int("thread", int(header.thread)),
		)
	})

	a.slowMutex.Lock()
	defer a.slowMutex.Unlock()

	a.slow.Iter(func(address uintptr, memory *arena.Arena) bool {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed system allocation",
			slog.Int("size", memory.Size()),
		)
		return false
	})
}

// walk visits every block carved so far, in address order
func (a *Allocator) walk(visit func(offset int, header *blockHeader)) {
	cursor := int(a.cursor.Load())
	for offset := 0; offset < cursor; {
		header := (*blockHeader)(unsafe.Add(a.base, offset))
		visit(offset, header)
		offset += HeaderSize + classSize(int(atomic.LoadUint32(&header.class)))
	}
}

// Validate walks the central buffer and checks every block header against the statistics. It must not run
// concurrently with allocation.
func (a *Allocator) Validate() error {
	var liveBytes, liveCount int
	var err error

	a.walk(func(offset int, header *blockHeader) {
		if err != nil {
			return
		}

		class := int(atomic.LoadUint32(&header.class))
		if class >= len(a.central) {
			err = errors.Newf("block at offset %d has an invalid class %d", offset, class)
			return
		}

		switch atomic.LoadUint32(&header.state) {
		case stateLive:
			liveCount++
			liveBytes += classSize(class)
		case stateFree:
		default:
			err = errors.Newf("block at offset %d has a corrupt state word", offset)
		}
	})
	if err != nil {
		return err
	}

	a.slowMutex.Lock()
	a.slow.Iter(func(address uintptr, memory *arena.Arena) bool {
		liveCount++
		liveBytes += memory.Size()
		return false
	})
	a.slowMutex.Unlock()

	stats := a.counters.Snapshot()
	if stats.AllocationCount != liveCount || stats.CurrentUsage != liveBytes {
		return errors.Newf("headers describe %d live allocations of %d bytes, but statistics report %d allocations of %d bytes",
			liveCount, liveBytes, stats.AllocationCount, stats.CurrentUsage)
	}

	return stats.Validate()
}
