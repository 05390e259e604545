package numa_test

import (
	"io"
	"log/slog"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/memutils"
	"github.com/hydragon-engine/memcore/memutils/arena"
	mock_memutils "github.com/hydragon-engine/memcore/memutils/mocks"
	"github.com/hydragon-engine/memcore/numa"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var logger = slog.New(slog.NewJSONHandler(io.Discard, nil))

func twoNodes() *numa.Topology {
	return &numa.Topology{Nodes: []numa.Node{
		{ID: 0, CPUs: []int{0, 1}},
		{ID: 1, CPUs: []int{2, 3}},
	}}
}

func newMocked(t *testing.T, flags numa.CreateFlags, uiNode int) (*numa.Allocator, *mock_memutils.MockStrategy, *mock_memutils.MockStrategy) {
	ctrl := gomock.NewController(t)
	nodes := []*mock_memutils.MockStrategy{
		mock_memutils.NewMockStrategy(ctrl),
		mock_memutils.NewMockStrategy(ctrl),
	}

	a, err := numa.New(logger, numa.CreateOptions{
		Flags:    flags,
		Topology: twoNodes(),
		UINode:   uiNode,
		NodeStrategy: func(logger *slog.Logger, node int, strict bool) (memutils.Strategy, error) {
			require.Equal(t, flags&numa.CreateStrictNodeBinding != 0, strict)
			return nodes[node], nil
		},
	})
	require.NoError(t, err)

	return a, nodes[0], nodes[1]
}

func TestAllocator_MaskRouting(t *testing.T) {
	a, node0, node1 := newMocked(t, 0, 0)

	var buf [64]byte
	ptr := unsafe.Pointer(&buf[0])

	node1.EXPECT().Allocate(64, gomock.Any()).Return(ptr, nil)

	result, err := a.Allocate(64, memutils.AllocationInfo{NumaNodeMask: 0b110})
	require.NoError(t, err)
	require.Equal(t, ptr, result)

	node0.EXPECT().Owns(ptr).Return(false)
	node1.EXPECT().Owns(ptr).Return(true)
	node1.EXPECT().Deallocate(ptr).Return(nil)
	require.NoError(t, a.Deallocate(ptr))

	stats := a.NodeStats()
	require.Equal(t, 0, stats[0].Placed)
	require.Equal(t, 1, stats[1].Placed)
}

func TestAllocator_MaskWithUnknownNodesFallsBackToFirstNode(t *testing.T) {
	a, node0, _ := newMocked(t, 0, 0)

	var buf [64]byte
	node0.EXPECT().Allocate(16, gomock.Any()).Return(unsafe.Pointer(&buf[0]), nil)

	_, err := a.Allocate(16, memutils.AllocationInfo{NumaNodeMask: 1 << 9})
	require.NoError(t, err)
}

func TestAllocator_WorkloadRaisesPriority(t *testing.T) {
	a, _, node1 := newMocked(t, 0, 1)

	var buf [64]byte
	node1.EXPECT().Allocate(32, gomock.Any()).DoAndReturn(func(size int, info memutils.AllocationInfo) (unsafe.Pointer, error) {
		require.Equal(t, memutils.PriorityHigh, info.Priority)
		return unsafe.Pointer(&buf[0]), nil
	})

	_, err := a.Allocate(32, memutils.AllocationInfo{Workload: memutils.WorkloadUI, Priority: memutils.PriorityLow})
	require.NoError(t, err)
}

func TestAllocator_Fallback(t *testing.T) {
	a, node0, node1 := newMocked(t, 0, 0)

	var buf [64]byte
	ptr := unsafe.Pointer(&buf[0])

	node1.EXPECT().Allocate(128, gomock.Any()).Return(unsafe.Pointer(nil), memutils.ErrOutOfMemory)
	node0.EXPECT().Allocate(128, gomock.Any()).Return(ptr, nil)

	result, err := a.Allocate(128, memutils.AllocationInfo{NumaNodeMask: 0b10})
	require.NoError(t, err)
	require.Equal(t, ptr, result)

	stats := a.NodeStats()
	require.Equal(t, 1, stats[0].Fallbacks)
	require.Equal(t, 1, stats[0].Placed)
}

func TestAllocator_FallbackExhausted(t *testing.T) {
	a, node0, node1 := newMocked(t, 0, 0)

	node0.EXPECT().Allocate(128, gomock.Any()).Return(unsafe.Pointer(nil), memutils.ErrOutOfMemory)
	node1.EXPECT().Allocate(128, gomock.Any()).Return(unsafe.Pointer(nil), memutils.ErrOutOfMemory)

	ptr, err := a.Allocate(128, memutils.AllocationInfo{})
	require.Nil(t, ptr)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
}

func TestAllocator_StrictBinding(t *testing.T) {
	a, _, node1 := newMocked(t, numa.CreateStrictNodeBinding, 0)

	node1.EXPECT().Allocate(128, gomock.Any()).Return(unsafe.Pointer(nil), memutils.ErrOutOfMemory)

	ptr, err := a.Allocate(128, memutils.AllocationInfo{NumaNodeMask: 0b10})
	require.Nil(t, ptr)
	require.True(t, errors.Is(err, memutils.ErrNodeUnavailable))
}

func TestAllocator_UnsupportedRequestsDoNotFallBack(t *testing.T) {
	a, node0, _ := newMocked(t, 0, 0)

	node0.EXPECT().Allocate(1, gomock.Any()).Return(unsafe.Pointer(nil), errors.Wrap(memutils.ErrRequestUnsupported, "alignment"))

	_, err := a.Allocate(1, memutils.AllocationInfo{})
	require.True(t, errors.Is(err, memutils.ErrRequestUnsupported))
}

func TestAllocator_UntrackedPointer(t *testing.T) {
	a, node0, node1 := newMocked(t, 0, 0)

	var buf [8]byte
	ptr := unsafe.Pointer(&buf[0])
	node0.EXPECT().Owns(ptr).Return(false).Times(2)
	node1.EXPECT().Owns(ptr).Return(false).Times(2)

	require.False(t, a.Owns(ptr))
	err := a.Deallocate(ptr)
	require.True(t, errors.Is(err, memutils.ErrUntrackedPointer))
}

func TestAllocator_InvalidOptions(t *testing.T) {
	_, err := numa.New(logger, numa.CreateOptions{Topology: twoNodes(), UINode: 5})
	require.Error(t, err)

	_, err = numa.New(logger, numa.CreateOptions{Topology: twoNodes(), SimulationNodes: []int{0, 7}})
	require.Error(t, err)

	_, err = numa.New(logger, numa.CreateOptions{Topology: &numa.Topology{}})
	require.Error(t, err)
}

func TestAllocator_HeapPerNode(t *testing.T) {
	a, err := numa.New(logger, numa.CreateOptions{
		Topology:     twoNodes(),
		NodeStrategy: numa.HeapPerNode(16 * arena.PageSize()),
	})
	require.NoError(t, err)

	info := memutils.AllocationInfo{Workload: memutils.WorkloadAssetProcessing}
	first, err := a.Allocate(256, info)
	require.NoError(t, err)
	second, err := a.Allocate(256, info)
	require.NoError(t, err)

	stats := a.NodeStats()
	require.Equal(t, 1, stats[0].Placed)
	require.Equal(t, 1, stats[1].Placed)
	require.Equal(t, 2, a.Stats().AllocationCount)

	require.True(t, a.Owns(first))
	require.NoError(t, a.Deallocate(first))
	require.NoError(t, a.Deallocate(second))
	require.NoError(t, a.Compact())
	require.NoError(t, a.Release())
}
