package defrag

import (
	"context"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/memutils"
	"github.com/hydragon-engine/memcore/memutils/metadata"
)

const defaultThreshold = 0.2

// DefragmentationInfo configures a Defragmenter. The zero value is valid.
type DefragmentationInfo struct {
	// Threshold is the fragmentation ratio a target must exceed before Defragment moves anything. 0 means 0.2.
	Threshold float64

	// MaxBytesPerPass limits the bytes relocated in a single Defragment call. 0 means unlimited.
	MaxBytesPerPass int
	// MaxAllocationsPerPass limits the relocations performed in a single Defragment call. 0 means unlimited.
	MaxAllocationsPerPass int
}

type defragCounterStatus uint32

const (
	defragCounterPass defragCounterStatus = iota
	defragCounterIgnore
	defragCounterEnd
)

var defragCounterStatusMapping = map[defragCounterStatus]string{
	defragCounterPass:   "defragCounterPass",
	defragCounterIgnore: "defragCounterIgnore",
	defragCounterEnd:    "defragCounterEnd",
}

func (s defragCounterStatus) String() string {
	return defragCounterStatusMapping[s]
}

// DefragmentationStats contains basic metrics for a defragmentation run
type DefragmentationStats struct {
	// BytesMoved is the number of bytes that have been successfully relocated
	BytesMoved int
	// BytesFreed is the number of bytes returned to the system because a block became empty
	BytesFreed int
	// AllocationsMoved is the number of successful relocations
	AllocationsMoved int
	// BlocksFreed is the number of blocks the target released after the run
	BlocksFreed int

	// Skipped is true when the fragmentation ratio did not exceed the threshold and nothing was moved
	Skipped bool
	Before  Analysis
	After   Analysis
}

func (s *DefragmentationStats) Add(stats DefragmentationStats) {
	s.BytesMoved += stats.BytesMoved
	s.BytesFreed += stats.BytesFreed
	s.AllocationsMoved += stats.AllocationsMoved
	s.BlocksFreed += stats.BlocksFreed
}

// Defragmenter compacts the allocations of a Target toward the base of each block, which turns the gaps
// between allocations into a single free region at the end of the block
type Defragmenter struct {
	logger *slog.Logger
	info   DefragmentationInfo
}

func New(logger *slog.Logger, info DefragmentationInfo) *Defragmenter {
	if info.Threshold <= 0 {
		info.Threshold = defaultThreshold
	}

	return &Defragmenter{
		logger: logger,
		info:   info,
	}
}

// Threshold returns the fragmentation ratio above which Defragment moves allocations
func (d *Defragmenter) Threshold() float64 {
	return d.info.Threshold
}

// Analyze measures the fragmentation of the target
func (d *Defragmenter) Analyze(target Target) Analysis {
	d.logger.Debug("Defragmenter::Analyze")

	target.Lock()
	defer target.Unlock()

	return analyzeLocked(target)
}

// Defragment compacts the target if its fragmentation ratio exceeds the threshold. patch is called for every
// relocated allocation and may be nil. The target's lock is held for the whole run.
func (d *Defragmenter) Defragment(target Target, patch PatchFunc) (DefragmentationStats, error) {
	d.logger.Debug("Defragmenter::Defragment")

	target.Lock()
	defer target.Unlock()

	before := analyzeLocked(target)
	if before.FragmentationRatio <= d.info.Threshold {
		return DefragmentationStats{Skipped: true, Before: before, After: before}, nil
	}

	pass := newPassContext(d.info)
	var runErr error

	for blockIndex := 0; blockIndex < target.BlockCount(); blockIndex++ {
		done, err := d.compactBlock(&pass, target, blockIndex, patch)
		if err != nil {
			runErr = err
			break
		}
		if done {
			break
		}
	}

	blocksFreed, bytesFreed, err := target.ReleaseEmptyBlocks()
	runErr = errors.CombineErrors(runErr, err)
	pass.Stats.BlocksFreed += blocksFreed
	pass.Stats.BytesFreed += bytesFreed

	stats := pass.Stats
	stats.Before = before
	stats.After = analyzeLocked(target)

	d.logger.LogAttrs(context.Background(), slog.LevelInfo, "defragmentation complete",
		slog.Int("allocationsMoved", stats.AllocationsMoved),
		slog.Int("bytesMoved", stats.BytesMoved),
		slog.Int("blocksFreed", stats.BlocksFreed),
		slog.Float64("ratioBefore", stats.Before.FragmentationRatio),
		slog.Float64("ratioAfter", stats.After.FragmentationRatio),
	)

	return stats, runErr
}

// compactBlock slides every allocation of a block to the lowest aligned offset after its predecessor. It
// returns true when the pass budget is exhausted.
func (d *Defragmenter) compactBlock(pass *PassContext, target Target, blockIndex int, patch PatchFunc) (bool, error) {
	md := target.MetadataForBlock(blockIndex)
	if md.IsEmpty() {
		return false, nil
	}

	var allocations []metadata.Region
	_ = md.VisitAllRegions(func(region metadata.Region) error {
		if !region.Free {
			allocations = append(allocations, region)
		}
		return nil
	})

	base := target.BlockBase(blockIndex)
	cursor := 0

	for _, region := range allocations {
		dstOffset := memutils.AlignUp(cursor, region.Alignment)
		if dstOffset >= region.Offset {
			cursor = region.Offset + region.Size + memutils.DebugMargin
			continue
		}

		counter := pass.checkCounters(region.Size)
		switch counter {
		case defragCounterIgnore:
			cursor = region.Offset + region.Size + memutils.DebugMargin
			continue
		case defragCounterEnd:
			return true, nil
		case defragCounterPass:
			break
		default:
			return false, errors.AssertionFailedf("unexpected defrag counter status: %s", counter.String())
		}

		move := DefragmentationMove{
			BlockIndex: blockIndex,
			SrcOffset:  region.Offset,
			DstOffset:  dstOffset,
			Size:       region.Size,
			Alignment:  region.Alignment,
			UserData:   region.UserData,
		}

		err := moveAllocation(md, base, move)
		if err != nil {
			return false, errors.Wrapf(err, "failed to move allocation at offset %d of block %d", move.SrcOffset, blockIndex)
		}

		if patch != nil {
			patch(unsafe.Add(base, move.SrcOffset), unsafe.Add(base, move.DstOffset), move.Size)
		}

		cursor = dstOffset + region.Size + memutils.DebugMargin
		if pass.incrementCounters(region.Size) {
			return true, nil
		}
	}

	memutils.DebugValidate(md)
	return false, nil
}
