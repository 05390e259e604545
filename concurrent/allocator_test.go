package concurrent_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/concurrent"
	"github.com/hydragon-engine/memcore/memutils"
	"github.com/hydragon-engine/memcore/memutils/arena"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewJSONHandler(io.Discard, nil))

func newAllocator(t *testing.T, options concurrent.CreateOptions) *concurrent.Allocator {
	if options.CentralBufferSize == 0 {
		options.CentralBufferSize = 4 * 1024 * 1024
	}

	a, err := concurrent.New(logger, options)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Release()
	})
	return a
}

func TestClasses(t *testing.T) {
	testCases := map[string]struct {
		size      int
		class     int
		classSize int
	}{
		"1":      {size: 1, class: 0, classSize: 16},
		"16":     {size: 16, class: 0, classSize: 16},
		"17":     {size: 17, class: 1, classSize: 32},
		"500":    {size: 500, class: 31, classSize: 512},
		"512":    {size: 512, class: 31, classSize: 512},
		"513":    {size: 513, class: 32, classSize: 1024},
		"1024":   {size: 1024, class: 32, classSize: 1024},
		"1025":   {size: 1025, class: 33, classSize: 2048},
		"4096":   {size: 4096, class: 34, classSize: 4096},
		"256Kib": {size: 256 * 1024, class: 40, classSize: 256 * 1024},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			class := concurrent.ClassFor(testCase.size)
			require.Equal(t, testCase.class, class)
			require.Equal(t, testCase.classSize, concurrent.ClassSize(class))
			require.GreaterOrEqual(t, concurrent.ClassSize(class), testCase.size)
		})
	}
}

func TestAllocator_Paths(t *testing.T) {
	a := newAllocator(t, concurrent.CreateOptions{})

	ptr, err := a.Allocate(40, memutils.AllocationInfo{ThreadID: 3})
	require.NoError(t, err)
	require.True(t, memutils.IsAligned(ptr, memutils.DefaultAlignment))
	require.True(t, a.Owns(ptr))
	require.Equal(t, 1, a.PathStats().BufferPath)
	require.Equal(t, 48, a.Stats().CurrentUsage)

	require.NoError(t, a.Deallocate(ptr))
	require.False(t, a.Owns(ptr))
	require.Equal(t, 1, a.PathStats().CacheReturns)
	require.Equal(t, 1, a.CachedBlocks())

	again, err := a.Allocate(48, memutils.AllocationInfo{ThreadID: 3})
	require.NoError(t, err)
	require.Equal(t, ptr, again)
	require.Equal(t, 1, a.PathStats().FastPath)

	// Another thread finds the block through the shared lists only
	require.NoError(t, a.Deallocate(again))
	other, err := a.Allocate(48, memutils.AllocationInfo{ThreadID: 4})
	require.NoError(t, err)
	require.NotEqual(t, ptr, other)
	require.NoError(t, a.Deallocate(other))

	require.Equal(t, 2, a.CachedThreads())
	require.NoError(t, a.Validate())
}

func TestAllocator_CentralClasses(t *testing.T) {
	a := newAllocator(t, concurrent.CreateOptions{})

	ptr, err := a.Allocate(3000, memutils.AllocationInfo{})
	require.NoError(t, err)
	require.Equal(t, 4096, a.Stats().CurrentUsage)

	require.NoError(t, a.Deallocate(ptr))
	require.Equal(t, 1, a.PathStats().CentralReturns)

	again, err := a.Allocate(4000, memutils.AllocationInfo{})
	require.NoError(t, err)
	require.Equal(t, ptr, again)
	require.Equal(t, 1, a.PathStats().CentralPath)
	require.NoError(t, a.Deallocate(again))
}

func TestAllocator_SlowPath(t *testing.T) {
	a := newAllocator(t, concurrent.CreateOptions{MaxCentralBlockSize: 4096})

	testCases := map[string]struct {
		size      int
		alignment uint
	}{
		"AboveLargestClass": {size: 8192},
		"WideAlignment":     {size: 32, alignment: 64},
		"PageAlignment":     {size: 100, alignment: uint(arena.PageSize())},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			before := a.PathStats().SlowPath

			info := memutils.AllocationInfo{Alignment: testCase.alignment}
			ptr, err := a.Allocate(testCase.size, info)
			require.NoError(t, err)
			require.Equal(t, before+1, a.PathStats().SlowPath)
			require.True(t, memutils.IsAligned(ptr, info.EffectiveAlignment()))
			require.True(t, a.Owns(ptr))

			data := unsafe.Slice((*byte)(ptr), testCase.size)
			data[0] = 1
			data[testCase.size-1] = 2

			require.NoError(t, a.Deallocate(ptr))
			require.False(t, a.Owns(ptr))
		})
	}

	_, err := a.Allocate(16, memutils.AllocationInfo{Alignment: uint(arena.PageSize()) * 2})
	require.True(t, errors.Is(err, memutils.ErrRequestUnsupported))

	stats := a.Stats()
	require.Equal(t, 0, stats.CurrentUsage)
	require.Equal(t, 1, stats.BlockCount)
}

func TestAllocator_InvalidFrees(t *testing.T) {
	a := newAllocator(t, concurrent.CreateOptions{})

	ptr, err := a.Allocate(64, memutils.AllocationInfo{})
	require.NoError(t, err)

	err = a.Deallocate(unsafe.Add(ptr, 8))
	require.True(t, errors.Is(err, memutils.ErrUntrackedPointer))

	var local [16]byte
	err = a.Deallocate(unsafe.Pointer(&local[0]))
	require.True(t, errors.Is(err, memutils.ErrUntrackedPointer))
	require.False(t, a.Owns(unsafe.Pointer(&local[0])))

	require.NoError(t, a.Deallocate(ptr))
	err = a.Deallocate(ptr)
	require.True(t, errors.Is(err, memutils.ErrDoubleFree))

	require.NoError(t, a.Deallocate(nil))
	require.Equal(t, 0, a.Stats().AllocationCount)

	_, err = a.Allocate(0, memutils.AllocationInfo{})
	require.True(t, errors.Is(err, memutils.ErrInvalidSize))
}

func TestAllocator_BucketDepth(t *testing.T) {
	a := newAllocator(t, concurrent.CreateOptions{BucketDepth: 2})

	var ptrs []unsafe.Pointer
	for i := 0; i < 5; i++ {
		ptr, err := a.Allocate(32, memutils.AllocationInfo{ThreadID: 1})
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}

	for _, ptr := range ptrs {
		require.NoError(t, a.Deallocate(ptr))
	}

	paths := a.PathStats()
	require.Equal(t, 2, paths.CacheReturns)
	require.Equal(t, 3, paths.CentralReturns)
	require.Equal(t, 2, a.CachedBlocks())
}

func TestAllocator_BucketDepthConcurrentFrees(t *testing.T) {
	const depth = 4
	a := newAllocator(t, concurrent.CreateOptions{BucketDepth: depth})

	const blocks = 256
	ptrs := make([]unsafe.Pointer, blocks)
	for i := range ptrs {
		ptr, err := a.Allocate(32, memutils.AllocationInfo{ThreadID: 1})
		require.NoError(t, err)
		ptrs[i] = ptr
	}

	// Every block belongs to the same bucket, and all of them are returned at once
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(first int) {
			defer wg.Done()
			<-start
			for j := first; j < blocks; j += 8 {
				if err := a.Deallocate(ptrs[j]); err != nil {
					t.Error(err)
					return
				}
			}
		}(i)
	}
	close(start)
	wg.Wait()

	paths := a.PathStats()
	require.Equal(t, depth, paths.CacheReturns)
	require.Equal(t, blocks-depth, paths.CentralReturns)
	require.Equal(t, depth, a.CachedBlocks())
	require.NoError(t, a.Validate())
}

func TestAllocator_ThreadsBeyondTable(t *testing.T) {
	a := newAllocator(t, concurrent.CreateOptions{MaxThreads: 2})

	ptr, err := a.Allocate(32, memutils.AllocationInfo{ThreadID: 7})
	require.NoError(t, err)
	require.NoError(t, a.Deallocate(ptr))

	require.Equal(t, 0, a.CachedThreads())
	require.Equal(t, 1, a.PathStats().CentralReturns)
}

func TestAllocator_BufferExhaustion(t *testing.T) {
	a := newAllocator(t, concurrent.CreateOptions{CentralBufferSize: arena.PageSize()})

	perBuffer := arena.PageSize() / (512 + concurrent.HeaderSize)
	var ptrs []unsafe.Pointer
	for i := 0; i < perBuffer+3; i++ {
		ptr, err := a.Allocate(512, memutils.AllocationInfo{})
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}

	paths := a.PathStats()
	require.Equal(t, perBuffer, paths.BufferPath)
	require.Equal(t, 3, paths.SlowPath)
	require.NoError(t, a.Validate())

	for _, ptr := range ptrs {
		require.NoError(t, a.Deallocate(ptr))
	}

	stats := a.Stats()
	require.NoError(t, stats.Validate())
	require.Equal(t, 0, stats.CurrentUsage)
	require.NoError(t, a.Validate())
}

func TestAllocator_Reset(t *testing.T) {
	a := newAllocator(t, concurrent.CreateOptions{MaxCentralBlockSize: 1024})

	for i := 0; i < 10; i++ {
		_, err := a.Allocate(16+i*300, memutils.AllocationInfo{ThreadID: memutils.ThreadID(i % 3)})
		require.NoError(t, err)
	}
	require.Greater(t, a.Stats().BlockCount, 1)

	require.NoError(t, a.Reset())

	stats := a.Stats()
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 0, a.BufferUsed())
	require.Equal(t, 0, a.CachedThreads())
	require.NoError(t, a.Validate())
}

func TestAllocator_ReleaseReportsLeaks(t *testing.T) {
	a, err := concurrent.New(logger, concurrent.CreateOptions{CentralBufferSize: 1024 * 1024})
	require.NoError(t, err)

	_, err = a.Allocate(100, memutils.AllocationInfo{})
	require.NoError(t, err)

	require.Error(t, a.Release())
}

func TestAllocator_Options(t *testing.T) {
	_, err := concurrent.New(logger, concurrent.CreateOptions{MaxCentralBlockSize: 3000})
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	_, err = concurrent.New(logger, concurrent.CreateOptions{MaxCentralBlockSize: 512})
	require.Error(t, err)
}

func TestAllocator_Stress(t *testing.T) {
	a := newAllocator(t, concurrent.CreateOptions{CentralBufferSize: 16 * 1024 * 1024, BucketDepth: 8})

	const workers = 8
	const ops = 2000

	var live sync.Map
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			var mine []unsafe.Pointer
			for i := 0; i < ops; i++ {
				size := 8 + (i*13+worker*7)%2000
				ptr, err := a.Allocate(size, memutils.AllocationInfo{ThreadID: memutils.ThreadID(worker)})
				if err != nil {
					t.Error(err)
					return
				}

				if _, loaded := live.LoadOrStore(ptr, worker); loaded {
					t.Errorf("pointer %p is live twice", ptr)
					return
				}
				*(*uint32)(ptr) = uint32(worker)
				mine = append(mine, ptr)

				if i%3 != 0 {
					victim := mine[0]
					mine = mine[1:]

					if *(*uint32)(victim) != uint32(worker) {
						t.Errorf("block %p was handed to another worker while live", victim)
					}
					live.Delete(victim)
					if err := a.Deallocate(victim); err != nil {
						t.Error(err)
						return
					}
				}
			}

			for _, ptr := range mine {
				live.Delete(ptr)
				if err := a.Deallocate(ptr); err != nil {
					t.Error(err)
				}
			}
		}(w)
	}
	wg.Wait()

	stats := a.Stats()
	require.NoError(t, stats.Validate())
	require.Equal(t, 0, stats.AllocationCount)
	require.NoError(t, a.Validate())
}
