package defrag_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/memutils/defrag"
	mock_defrag "github.com/hydragon-engine/memcore/memutils/defrag/mocks"
	"github.com/hydragon-engine/memcore/memutils/metadata"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type testTarget struct {
	sync.Mutex
	blocks []*metadata.FreeListBlockMetadata
	memory [][]byte
}

func newTestTarget(blockSizes ...int) *testTarget {
	target := &testTarget{}
	for _, size := range blockSizes {
		md := metadata.NewFreeListBlockMetadata()
		md.Init(size)
		target.blocks = append(target.blocks, md)
		target.memory = append(target.memory, make([]byte, size))
	}
	return target
}

func (t *testTarget) BlockCount() int { return len(t.blocks) }

func (t *testTarget) MetadataForBlock(index int) metadata.BlockMetadata { return t.blocks[index] }

func (t *testTarget) BlockBase(index int) unsafe.Pointer { return unsafe.Pointer(&t.memory[index][0]) }

func (t *testTarget) ReleaseEmptyBlocks() (int, int, error) {
	var blocks, bytes int
	for i := len(t.blocks) - 1; i > 0; i-- {
		if t.blocks[i].IsEmpty() {
			blocks++
			bytes += t.blocks[i].Size()
			t.blocks = append(t.blocks[:i], t.blocks[i+1:]...)
			t.memory = append(t.memory[:i], t.memory[i+1:]...)
		}
	}
	return blocks, bytes, nil
}

// alloc creates an allocation and fills it with a recognizable byte
func (t *testTarget) alloc(tt *testing.T, blockIndex, size int, fill byte) metadata.BlockAllocationHandle {
	md := t.blocks[blockIndex]
	success, req, err := md.CreateAllocationRequest(size, 16, metadata.AllocationStrategyMinTime)
	require.NoError(tt, err)
	require.True(tt, success)

	handle, err := md.Alloc(req, fill)
	require.NoError(tt, err)

	for i := 0; i < size; i++ {
		t.memory[blockIndex][req.Offset+i] = fill
	}
	return handle
}

func (t *testTarget) requireContents(tt *testing.T, blockIndex int) {
	require.NoError(tt, t.blocks[blockIndex].VisitAllRegions(func(region metadata.Region) error {
		if region.Free {
			return nil
		}
		fill := region.UserData.(byte)
		for i := 0; i < region.Size; i++ {
			require.Equal(tt, fill, t.memory[blockIndex][region.Offset+i])
		}
		return nil
	}))
}

// fragmented returns a 1024 byte block with 128 byte allocations at 0, 256, 512, 768 and 896
func fragmented(t *testing.T) *testTarget {
	target := newTestTarget(1024)
	var handles []metadata.BlockAllocationHandle
	for i := 0; i < 8; i++ {
		handles = append(handles, target.alloc(t, 0, 128, byte(i+1)))
	}
	for _, i := range []int{1, 3, 5} {
		require.NoError(t, target.blocks[0].Free(handles[i]))
	}
	return target
}

func TestAnalyze(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	defragmenter := defrag.New(logger, defrag.DefragmentationInfo{})

	target := fragmented(t)
	analysis := defragmenter.Analyze(target)
	require.Equal(t, defrag.Analysis{
		BlockCount:         1,
		TotalBytes:         1024,
		FreeBytes:          384,
		AllocationCount:    5,
		GapBytes:           384,
		LargestFreeRun:     128,
		FragmentationRatio: 0.375,
	}, analysis)

	// Free space at the end of the block is not a gap
	tail := newTestTarget(1024)
	tail.alloc(t, 0, 256, 1)
	analysis = defragmenter.Analyze(tail)
	require.Equal(t, 0, analysis.GapBytes)
	require.Equal(t, 768, analysis.LargestFreeRun)
	require.Equal(t, float64(0), analysis.FragmentationRatio)
}

func TestDefragmentSlidesAllocations(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	defragmenter := defrag.New(logger, defrag.DefragmentationInfo{})
	target := fragmented(t)

	base := uintptr(target.BlockBase(0))
	moves := map[int]int{}
	stats, err := defragmenter.Defragment(target, func(oldPtr, newPtr unsafe.Pointer, size int) {
		require.Equal(t, 128, size)
		moves[int(uintptr(oldPtr)-base)] = int(uintptr(newPtr) - base)
	})
	require.NoError(t, err)
	require.False(t, stats.Skipped)
	require.Equal(t, 4, stats.AllocationsMoved)
	require.Equal(t, 512, stats.BytesMoved)
	require.Equal(t, map[int]int{
		256: 128,
		512: 256,
		768: 384,
		896: 512,
	}, moves)

	require.Equal(t, 0.375, stats.Before.FragmentationRatio)
	require.Equal(t, float64(0), stats.After.FragmentationRatio)
	require.Equal(t, 384, stats.After.LargestFreeRun)
	require.Equal(t, stats.Before.AllocationCount, stats.After.AllocationCount)
	require.Equal(t, stats.Before.FreeBytes, stats.After.FreeBytes)

	require.NoError(t, target.blocks[0].Validate())
	target.requireContents(t, 0)
}

func TestDefragmentBelowThreshold(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	defragmenter := defrag.New(logger, defrag.DefragmentationInfo{Threshold: 0.5})

	inner := fragmented(t)

	target := mock_defrag.NewMockTarget(ctrl)
	target.EXPECT().Lock()
	target.EXPECT().Unlock()
	target.EXPECT().BlockCount().AnyTimes().Return(1)
	target.EXPECT().MetadataForBlock(0).AnyTimes().Return(inner.blocks[0])

	stats, err := defragmenter.Defragment(target, nil)
	require.NoError(t, err)
	require.True(t, stats.Skipped)
	require.Equal(t, 0, stats.AllocationsMoved)
	require.Equal(t, stats.Before, stats.After)
}

func TestDefragmentPassLimits(t *testing.T) {
	testCases := map[string]struct {
		Info          defrag.DefragmentationInfo
		ExpectedMoves int
		ExpectedBytes int
	}{
		"MaxAllocations": {
			Info:          defrag.DefragmentationInfo{MaxAllocationsPerPass: 2},
			ExpectedMoves: 2,
			ExpectedBytes: 256,
		},
		"MaxBytes": {
			Info:          defrag.DefragmentationInfo{MaxBytesPerPass: 384},
			ExpectedMoves: 3,
			ExpectedBytes: 384,
		},
		"MaxBytesTooSmall": {
			Info:          defrag.DefragmentationInfo{MaxBytesPerPass: 100},
			ExpectedMoves: 0,
			ExpectedBytes: 0,
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
			defragmenter := defrag.New(logger, testCase.Info)
			target := fragmented(t)

			stats, err := defragmenter.Defragment(target, nil)
			require.NoError(t, err)
			require.Equal(t, testCase.ExpectedMoves, stats.AllocationsMoved)
			require.Equal(t, testCase.ExpectedBytes, stats.BytesMoved)
			require.LessOrEqual(t, stats.After.FragmentationRatio, stats.Before.FragmentationRatio)

			require.NoError(t, target.blocks[0].Validate())
			target.requireContents(t, 0)
		})
	}
}

func TestDefragmentReleasesEmptyBlocks(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	defragmenter := defrag.New(logger, defrag.DefragmentationInfo{Threshold: 0.05})

	target := fragmented(t)
	target.blocks = append(target.blocks, newTestTarget(4096).blocks[0])
	target.memory = append(target.memory, make([]byte, 4096))

	stats, err := defragmenter.Defragment(target, nil)
	require.NoError(t, err)
	require.Equal(t, 1, stats.BlocksFreed)
	require.Equal(t, 4096, stats.BytesFreed)
	require.Equal(t, 1, target.BlockCount())
	require.Equal(t, 2, stats.Before.BlockCount)
	require.Equal(t, 1, stats.After.BlockCount)
}

func TestDefragmentReleaseError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	defragmenter := defrag.New(logger, defrag.DefragmentationInfo{})

	inner := fragmented(t)
	releaseErr := errors.New("munmap failed")

	target := mock_defrag.NewMockTarget(ctrl)
	target.EXPECT().Lock()
	target.EXPECT().Unlock()
	target.EXPECT().BlockCount().AnyTimes().Return(1)
	target.EXPECT().MetadataForBlock(0).AnyTimes().Return(inner.blocks[0])
	target.EXPECT().BlockBase(0).Return(inner.BlockBase(0))
	target.EXPECT().ReleaseEmptyBlocks().Return(0, 0, releaseErr)

	stats, err := defragmenter.Defragment(target, nil)
	require.ErrorIs(t, err, releaseErr)
	require.Equal(t, 4, stats.AllocationsMoved)
	inner.requireContents(t, 0)
}
