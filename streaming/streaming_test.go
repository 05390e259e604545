package streaming_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/diagnostics"
	"github.com/hydragon-engine/memcore/heap"
	"github.com/hydragon-engine/memcore/memsys"
	"github.com/hydragon-engine/memcore/memutils"
	"github.com/hydragon-engine/memcore/memutils/defrag"
	mock_memutils "github.com/hydragon-engine/memcore/memutils/mocks"
	"github.com/hydragon-engine/memcore/streaming"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var logger = slog.New(slog.NewJSONHandler(io.Discard, nil))

const mib = 1024 * 1024

// newBackingStrategy returns a mock that hands out distinct addresses from a Go buffer. Sizes are not backed
// by real memory, so the streamed blocks must never be touched.
func newBackingStrategy(ctrl *gomock.Controller) *mock_memutils.MockStrategy {
	strategy := mock_memutils.NewMockStrategy(ctrl)
	buffer := make([]uint64, 4096)
	cursor := 0

	strategy.EXPECT().Allocate(gomock.Any(), gomock.Any()).DoAndReturn(
		func(size int, info memutils.AllocationInfo) (unsafe.Pointer, error) {
			ptr := unsafe.Pointer(&buffer[cursor])
			cursor++
			return ptr, nil
		}).AnyTimes()
	strategy.EXPECT().Deallocate(gomock.Any()).Return(nil).AnyTimes()

	return strategy
}

func TestManager_TerrainScenario(t *testing.T) {
	h, err := heap.New(logger, heap.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, h.Release())
	}()

	var evictions []streaming.Eviction
	manager := streaming.New(logger, h, streaming.Config{
		OnEvict: func(eviction streaming.Eviction) {
			evictions = append(evictions, eviction)
		},
	})
	require.NoError(t, manager.RegisterModule("terrain", 64*mib, memutils.PriorityNormal))

	var tiles []unsafe.Pointer
	for i := 0; i < 3; i++ {
		tile, err := manager.Allocate("terrain", 30*mib, memutils.AllocationInfo{})
		require.NoError(t, err)
		require.NotNil(t, tile)
		tiles = append(tiles, tile)

		stats, err := manager.ModuleStats("terrain")
		require.NoError(t, err)
		require.LessOrEqual(t, stats.Usage, 64*mib)
		require.LessOrEqual(t, stats.PeakUsage, 64*mib)
	}

	require.Len(t, evictions, 1)
	require.Equal(t, tiles[0], evictions[0].Address)
	require.Equal(t, 30*mib, evictions[0].Size)
	require.Equal(t, memutils.PriorityNormal, evictions[0].Priority)

	require.False(t, manager.Owns(tiles[0]))
	require.True(t, manager.Owns(tiles[1]))
	require.True(t, manager.Owns(tiles[2]))

	stats, err := manager.ModuleStats("terrain")
	require.NoError(t, err)
	require.Equal(t, 60*mib, stats.Usage)
	require.Equal(t, 2, stats.Blocks)
	require.Equal(t, 1, stats.Evictions)

	require.NoError(t, manager.UnregisterModule("terrain"))
	require.Equal(t, 0, h.Stats().AllocationCount)
}

func TestManager_EvictionOrder(t *testing.T) {
	testCases := map[string]struct {
		priorities []memutils.Priority
		touches    []int
		request    int
		evicted    []int
	}{
		"PriorityBeforeAge": {
			priorities: []memutils.Priority{memutils.PriorityNormal, memutils.PriorityLow, memutils.PriorityHigh, memutils.PriorityNormal},
			request:    100,
			evicted:    []int{1},
		},
		"AgeBreaksTies": {
			priorities: []memutils.Priority{memutils.PriorityLow, memutils.PriorityLow, memutils.PriorityLow, memutils.PriorityLow},
			touches:    []int{0},
			request:    200,
			evicted:    []int{1, 2},
		},
		"Mixed": {
			priorities: []memutils.Priority{memutils.PriorityLow, memutils.PriorityNormal, memutils.PriorityLow, memutils.PriorityHigh},
			touches:    []int{0},
			request:    300,
			evicted:    []int{2, 0, 1},
		},
		"CriticalSkipped": {
			priorities: []memutils.Priority{memutils.PriorityCritical, memutils.PriorityNormal, memutils.PriorityCritical, memutils.PriorityNormal},
			request:    200,
			evicted:    []int{1, 3},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)

			var evicted []unsafe.Pointer
			manager := streaming.New(logger, newBackingStrategy(ctrl), streaming.Config{
				OnEvict: func(eviction streaming.Eviction) {
					evicted = append(evicted, eviction.Address)
				},
			})
			require.NoError(t, manager.RegisterModule("textures", 400, memutils.PriorityNormal))

			var blocks []unsafe.Pointer
			for _, priority := range testCase.priorities {
				ptr, err := manager.Allocate("textures", 100, memutils.AllocationInfo{Priority: priority})
				require.NoError(t, err)
				blocks = append(blocks, ptr)
			}

			for _, index := range testCase.touches {
				require.NoError(t, manager.Touch(blocks[index]))
			}

			_, err := manager.Allocate("textures", testCase.request, memutils.AllocationInfo{})
			require.NoError(t, err)

			expected := make([]unsafe.Pointer, 0, len(testCase.evicted))
			for _, index := range testCase.evicted {
				expected = append(expected, blocks[index])
			}
			require.Equal(t, expected, evicted)

			stats, err := manager.ModuleStats("textures")
			require.NoError(t, err)
			require.LessOrEqual(t, stats.Usage, stats.Reserved)
		})
	}
}

func TestManager_BudgetExceeded(t *testing.T) {
	testCases := map[string]struct {
		config    streaming.Config
		priority  memutils.Priority
		request   int
		evictions int
		pressure  int
	}{
		"AllCritical": {
			priority: memutils.PriorityCritical,
			request:  100,
		},
		"LargerThanBudget": {
			priority: memutils.PriorityLow,
			request:  500,
		},
		"PrioritizationDisabled": {
			config:   streaming.Config{DisablePrioritization: true},
			priority: memutils.PriorityLow,
			request:  100,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)

			evictions := 0
			var pressure []int
			config := testCase.config
			config.OnEvict = func(streaming.Eviction) {
				evictions++
			}
			config.OnPressure = func(module string, requested int) {
				require.Equal(t, "audio", module)
				pressure = append(pressure, requested)
			}

			manager := streaming.New(logger, newBackingStrategy(ctrl), config)
			require.NoError(t, manager.RegisterModule("audio", 400, memutils.PriorityNormal))

			for i := 0; i < 4; i++ {
				_, err := manager.Allocate("audio", 100, memutils.AllocationInfo{Priority: testCase.priority})
				require.NoError(t, err)
			}

			ptr, err := manager.Allocate("audio", testCase.request, memutils.AllocationInfo{})
			require.Nil(t, ptr)
			require.True(t, errors.Is(err, memutils.ErrBudgetExceeded))
			require.Equal(t, 0, evictions)
			require.Equal(t, []int{testCase.request}, pressure)

			stats, err := manager.ModuleStats("audio")
			require.NoError(t, err)
			require.Equal(t, 400, stats.Usage)
			require.Equal(t, 4, stats.Blocks)
		})
	}
}

func TestManager_MaxStreamingBlocks(t *testing.T) {
	ctrl := gomock.NewController(t)

	evictions := 0
	manager := streaming.New(logger, newBackingStrategy(ctrl), streaming.Config{
		MaxStreamingBlocks: 2,
		OnEvict: func(streaming.Eviction) {
			evictions++
		},
	})
	require.NoError(t, manager.RegisterModule("pages", 1000, memutils.PriorityLow))

	for i := 0; i < 5; i++ {
		_, err := manager.Allocate("pages", 10, memutils.AllocationInfo{})
		require.NoError(t, err)
	}

	stats, err := manager.ModuleStats("pages")
	require.NoError(t, err)
	require.Equal(t, 2, stats.Blocks)
	require.Equal(t, 20, stats.Usage)
	require.Equal(t, 3, evictions)
	require.Equal(t, memutils.PriorityLow, stats.Priority)
}

func TestManager_Update(t *testing.T) {
	ctrl := gomock.NewController(t)

	recorder := diagnostics.NewRecorder(logger, diagnostics.CreateOptions{})
	var pressured []string
	manager := streaming.New(logger, newBackingStrategy(ctrl), streaming.Config{
		EvictionThreshold: 0.5,
		Recorder:          recorder,
		OnPressure: func(module string, requested int) {
			require.Zero(t, requested)
			pressured = append(pressured, module)
		},
	})
	require.NoError(t, manager.RegisterModule("terrain", 1000, memutils.PriorityNormal))
	require.NoError(t, manager.RegisterModule("ui", 1000, memutils.PriorityHigh))

	var terrain []unsafe.Pointer
	for i := 0; i < 8; i++ {
		ptr, err := manager.Allocate("terrain", 100, memutils.AllocationInfo{Priority: memutils.PriorityHigh})
		require.NoError(t, err)
		terrain = append(terrain, ptr)
	}
	_, err := manager.Allocate("ui", 200, memutils.AllocationInfo{})
	require.NoError(t, err)

	// Oldest first, regardless of priority
	require.NoError(t, manager.Touch(terrain[0]))

	require.True(t, manager.NeedsEviction())
	require.Equal(t, 3, manager.Update())
	require.False(t, manager.NeedsEviction())
	require.Equal(t, 0, manager.Update())
	require.Equal(t, []string{"terrain"}, pressured)

	require.True(t, manager.Owns(terrain[0]))
	for _, ptr := range terrain[1:4] {
		require.False(t, manager.Owns(ptr))
	}

	stats, err := manager.ModuleStats("terrain")
	require.NoError(t, err)
	require.Equal(t, 500, stats.Usage)
	require.Equal(t, 800, stats.PeakUsage)

	events := recorder.Events()
	require.Len(t, events, 3)
	for i, event := range events {
		require.Equal(t, diagnostics.EventEvict, event.Kind)
		require.Equal(t, terrain[i+1], event.Address)
		require.Equal(t, "terrain", event.Tag)
	}
}

func TestManager_Registration(t *testing.T) {
	ctrl := gomock.NewController(t)
	strategy := mock_memutils.NewMockStrategy(ctrl)

	var buffer [4]uint64
	first := unsafe.Pointer(&buffer[0])
	second := unsafe.Pointer(&buffer[2])
	gomock.InOrder(
		strategy.EXPECT().Allocate(64, gomock.Any()).Return(first, nil),
		strategy.EXPECT().Allocate(32, gomock.Any()).Return(second, nil),
	)
	strategy.EXPECT().Deallocate(first).Return(nil)
	strategy.EXPECT().Deallocate(second).Return(nil)

	manager := streaming.New(logger, strategy, streaming.Config{ReservedStreamingMemory: 1000})

	require.NoError(t, manager.RegisterModule("meshes", 600, memutils.PriorityDefault))
	err := manager.RegisterModule("meshes", 100, memutils.PriorityLow)
	require.True(t, errors.Is(err, memutils.ErrModuleExists))
	err = manager.RegisterModule("textures", 500, memutils.PriorityLow)
	require.True(t, errors.Is(err, memutils.ErrBudgetExceeded))
	err = manager.RegisterModule("textures", 0, memutils.PriorityLow)
	require.True(t, errors.Is(err, memutils.ErrInvalidSize))
	require.NoError(t, manager.RegisterModule("textures", 400, memutils.PriorityLow))

	stats, err := manager.ModuleStats("meshes")
	require.NoError(t, err)
	require.Equal(t, memutils.PriorityNormal, stats.Priority)
	require.NoError(t, manager.SetModulePriority("meshes", memutils.PriorityHigh))

	_, err = manager.Allocate("meshes", 64, memutils.AllocationInfo{})
	require.NoError(t, err)
	_, err = manager.Allocate("meshes", 32, memutils.AllocationInfo{})
	require.NoError(t, err)

	modules := manager.Modules()
	require.Len(t, modules, 2)
	require.Equal(t, "meshes", modules[0].Name)
	require.Equal(t, memutils.PriorityHigh, modules[0].Priority)
	require.Equal(t, 96, modules[0].Usage)
	require.Equal(t, "textures", modules[1].Name)

	require.NoError(t, manager.UnregisterModule("meshes"))
	require.False(t, manager.Owns(first))

	// The freed reservation can be handed to a new module
	require.NoError(t, manager.RegisterModule("audio", 600, memutils.PriorityLow))

	unknown := map[string]error{
		"Unregister": manager.UnregisterModule("meshes"),
		"Priority":   manager.SetModulePriority("meshes", memutils.PriorityLow),
	}
	_, unknown["Stats"] = manager.ModuleStats("meshes")
	_, unknown["Allocate"] = manager.Allocate("meshes", 8, memutils.AllocationInfo{})
	for name, err := range unknown {
		require.True(t, errors.Is(err, memutils.ErrModuleNotRegistered), name)
	}
}

func TestManager_BlockPriority(t *testing.T) {
	ctrl := gomock.NewController(t)
	strategy := mock_memutils.NewMockStrategy(ctrl)

	var buffer [2]uint64
	strategy.EXPECT().Allocate(16, gomock.Any()).DoAndReturn(
		func(size int, info memutils.AllocationInfo) (unsafe.Pointer, error) {
			require.Equal(t, memutils.PriorityHigh, info.Priority)
			require.Equal(t, "ui", info.Tag)
			return unsafe.Pointer(&buffer[0]), nil
		})

	manager := streaming.New(logger, strategy, streaming.Config{})
	require.NoError(t, manager.RegisterModule("ui", 64, memutils.PriorityHigh))

	_, err := manager.Allocate("ui", 16, memutils.AllocationInfo{})
	require.NoError(t, err)
}

func TestManager_InvalidPointers(t *testing.T) {
	ctrl := gomock.NewController(t)
	manager := streaming.New(logger, newBackingStrategy(ctrl), streaming.Config{})
	require.NoError(t, manager.RegisterModule("terrain", 64, memutils.PriorityNormal))

	var value uint64
	ptr := unsafe.Pointer(&value)

	require.True(t, errors.Is(manager.Deallocate(ptr), memutils.ErrUntrackedPointer))
	require.True(t, errors.Is(manager.Touch(ptr), memutils.ErrUntrackedPointer))
	require.NoError(t, manager.Deallocate(nil))

	block, err := manager.Allocate("terrain", 32, memutils.AllocationInfo{})
	require.NoError(t, err)
	require.NoError(t, manager.Deallocate(block))
	require.True(t, errors.Is(manager.Deallocate(block), memutils.ErrUntrackedPointer))

	_, err = manager.Allocate("terrain", 0, memutils.AllocationInfo{})
	require.True(t, errors.Is(err, memutils.ErrInvalidSize))
}

func TestManager_ConcurrentBudget(t *testing.T) {
	h, err := heap.New(logger, heap.CreateOptions{ArenaSize: 4 * mib})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, h.Release())
	}()

	manager := streaming.New(logger, h, streaming.Config{})
	require.NoError(t, manager.RegisterModule("pages", 256*1024, memutils.PriorityNormal))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(thread int) {
			defer wg.Done()

			var owned []unsafe.Pointer
			for j := 0; j < 200; j++ {
				size := 1024 * (1 + (thread+j)%16)
				ptr, err := manager.Allocate("pages", size, memutils.AllocationInfo{})
				if err != nil {
					t.Error(err)
					return
				}
				owned = append(owned, ptr)

				stats, err := manager.ModuleStats("pages")
				if err != nil || stats.Usage > stats.Reserved {
					t.Errorf("usage %d exceeds budget %d (%v)", stats.Usage, stats.Reserved, err)
					return
				}

				if j%3 == 0 {
					// Another thread may already have evicted it
					_ = manager.Deallocate(owned[0])
					owned = owned[1:]
				}
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, manager.UnregisterModule("pages"))
	require.Equal(t, 0, h.Stats().AllocationCount)
}

func TestManager_FollowsDefragmentation(t *testing.T) {
	facade, err := memsys.New(logger, memsys.CreateOptions{
		Heap:            heap.CreateOptions{ArenaSize: 32 * 1024},
		Defragmentation: defrag.DefragmentationInfo{Threshold: 0.001},
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, facade.Destroy())
	}()

	current := map[unsafe.Pointer]int{}
	manager := streaming.New(logger, facade, streaming.Config{
		OnRelocate: func(oldPtr, newPtr unsafe.Pointer, size int) {
			current[newPtr] = current[oldPtr]
			delete(current, oldPtr)
		},
	})
	require.NoError(t, manager.RegisterModule("terrain", mib, memutils.PriorityNormal))

	const tileSize = 8 * 1024
	var tiles []unsafe.Pointer
	for i := 0; i < 3; i++ {
		tile, err := manager.Allocate("terrain", tileSize, memutils.AllocationInfo{Strategy: memsys.HeapStrategy})
		require.NoError(t, err)
		unsafe.Slice((*byte)(tile), tileSize)[0] = byte(i)
		tiles = append(tiles, tile)
		current[tile] = i
	}

	require.NoError(t, manager.Deallocate(tiles[0]))
	delete(current, tiles[0])

	stats, err := facade.Defragment(memsys.HeapStrategy)
	require.NoError(t, err)
	require.Equal(t, 2, stats.AllocationsMoved)
	require.Len(t, current, 2)

	for tile, index := range current {
		require.True(t, manager.Owns(tile))
		require.Equal(t, byte(index), unsafe.Slice((*byte)(tile), tileSize)[0])
		require.NoError(t, manager.Touch(tile))
	}

	for tile := range current {
		require.NoError(t, manager.Deallocate(tile))
	}

	moduleStats, err := manager.ModuleStats("terrain")
	require.NoError(t, err)
	require.Equal(t, 0, moduleStats.Usage)
	require.Equal(t, 0, moduleStats.Blocks)
	require.Equal(t, 0, facade.Stats().LiveAllocations)

	require.NoError(t, manager.Destroy())
}

// movingAllocator hands out slots of a Go buffer and, when armed, moves the first live slot to the lowest free
// slot from inside Allocate the way a compaction retry does
type movingAllocator struct {
	buffer [64]uint64
	live   map[int]bool
	patch  defrag.PatchFunc
	armed  bool
}

func newMovingAllocator() *movingAllocator {
	return &movingAllocator{live: map[int]bool{}}
}

func (a *movingAllocator) slot(index int) unsafe.Pointer {
	return unsafe.Pointer(&a.buffer[index])
}

func (a *movingAllocator) SubscribeRelocation(patch defrag.PatchFunc) func() {
	a.patch = patch
	return func() {
		a.patch = nil
	}
}

func (a *movingAllocator) Allocate(size int, info memutils.AllocationInfo) (unsafe.Pointer, error) {
	if a.armed {
		a.armed = false
		free, moved := -1, -1
		for i := range a.buffer {
			if free < 0 && !a.live[i] {
				free = i
			}
			if free >= 0 && i > free && a.live[i] {
				moved = i
				break
			}
		}
		if moved >= 0 {
			delete(a.live, moved)
			a.live[free] = true
			if a.patch != nil {
				a.patch(a.slot(moved), a.slot(free), size)
			}
		}
	}

	for i := range a.buffer {
		if !a.live[i] {
			a.live[i] = true
			return a.slot(i), nil
		}
	}
	return nil, memutils.ErrOutOfMemory
}

func (a *movingAllocator) Deallocate(ptr unsafe.Pointer) error {
	for i := range a.buffer {
		if a.slot(i) == ptr && a.live[i] {
			delete(a.live, i)
			return nil
		}
	}
	return errors.Wrapf(memutils.ErrUntrackedPointer, "%p", ptr)
}

func TestManager_RelocationDuringAllocate(t *testing.T) {
	allocator := newMovingAllocator()

	var relocated []unsafe.Pointer
	manager := streaming.New(logger, allocator, streaming.Config{
		OnRelocate: func(oldPtr, newPtr unsafe.Pointer, size int) {
			relocated = append(relocated, oldPtr, newPtr)
		},
	})
	require.NotNil(t, allocator.patch)
	require.NoError(t, manager.RegisterModule("pages", 1024, memutils.PriorityNormal))

	first, err := manager.Allocate("pages", 8, memutils.AllocationInfo{})
	require.NoError(t, err)
	second, err := manager.Allocate("pages", 8, memutils.AllocationInfo{})
	require.NoError(t, err)
	require.NoError(t, manager.Deallocate(first))

	allocator.armed = true
	third, err := manager.Allocate("pages", 8, memutils.AllocationInfo{})
	require.NoError(t, err)

	// The second block moved into the first slot and the new block took over its old address
	require.Equal(t, []unsafe.Pointer{second, first}, relocated)
	require.Equal(t, second, third)
	require.True(t, manager.Owns(first))

	stats, err := manager.ModuleStats("pages")
	require.NoError(t, err)
	require.Equal(t, 16, stats.Usage)
	require.Equal(t, 2, stats.Blocks)

	require.NoError(t, manager.Deallocate(first))
	require.NoError(t, manager.Deallocate(third))
	require.True(t, errors.Is(manager.Deallocate(first), memutils.ErrUntrackedPointer))
	require.Empty(t, allocator.live)

	_, err = manager.Allocate("pages", 8, memutils.AllocationInfo{})
	require.NoError(t, err)

	require.NoError(t, manager.Destroy())
	require.Nil(t, allocator.patch)
	require.Empty(t, allocator.live)
	require.Empty(t, manager.Modules())
}
