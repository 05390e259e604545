package heap

import (
	"context"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/memutils"
	"github.com/hydragon-engine/memcore/memutils/arena"
	"github.com/hydragon-engine/memcore/memutils/metadata"
)

var blockPool = sync.Pool{
	New: func() any {
		return &arenaBlock{}
	},
}

// arenaBlock is a single arena and the free list that manages it
type arenaBlock struct {
	id        int
	logger    *slog.Logger
	arena     *arena.Arena
	metadata  *metadata.FreeListBlockMetadata
	dedicated bool
}

func (b *arenaBlock) Init(logger *slog.Logger, memory *arena.Arena, id int, dedicated bool) {
	if b.arena != nil {
		panic("attempting to initialize an arena block that is already in use")
	}

	b.id = id
	b.logger = logger
	b.arena = memory
	b.dedicated = dedicated
	b.metadata = metadata.NewFreeListBlockMetadata()
	b.metadata.Init(memory.Size())
}

func (b *arenaBlock) Destroy() error {
	var unreleased error
	if !b.metadata.IsEmpty() {
		// Log all remaining allocations
		b.metadata.DebugLogAllAllocations(b.logger, b.logUnreleasedMemory)
		unreleased = errors.Newf("%d allocations were not freed before the destruction of arena %d", b.metadata.AllocationCount(), b.id)
	}

	if b.arena == nil {
		panic("attempting to destroy an arena block, but it did not have a backing arena")
	}

	err := b.arena.Release()
	b.arena = nil
	b.metadata = nil
	return errors.CombineErrors(unreleased, err)
}

func (b *arenaBlock) logUnreleasedMemory(logger *slog.Logger, offset int, size int, userData any) {
	tag, _ := userData.(string)
	if tag == "" {
		tag = "empty"
	}

	logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("arena", b.id),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.String("tag", tag),
	)
}

func (b *arenaBlock) Validate() error {
	if b.arena == nil {
		return errors.New("no valid memory for this arena block")
	}
	if b.metadata.Size() != b.arena.Size() {
		return errors.Newf("the arena is %d bytes but its metadata covers %d bytes", b.arena.Size(), b.metadata.Size())
	}

	err := b.metadata.VisitAllRegions(func(region metadata.Region) error {
		if region.Free && region.UserData != nil {
			return errors.Newf("the region at offset %d is marked as free but carries user data", region.Offset)
		}
		if !region.Free && !memutils.IsAligned(b.arena.At(region.Offset), region.Alignment) {
			return errors.Newf("the allocation at offset %d is not aligned to %d", region.Offset, region.Alignment)
		}

		return nil
	})

	if err != nil {
		return err
	}

	return b.metadata.Validate()
}

func (b *arenaBlock) CheckCorruption() error {
	return b.metadata.CheckCorruption(b.arena.Base())
}

func (b *arenaBlock) WriteMagicBlockAfterAllocation(allocOffset int, allocSize int) {
	if memutils.DebugMargin == 0 {
		return
	}

	memutils.WriteMagicValue(b.arena.Base(), allocOffset+allocSize)
}

func (b *arenaBlock) ValidateMagicValueAfterAllocation(allocOffset int, allocSize int) error {
	if memutils.DebugMargin == 0 {
		return nil
	}

	if !memutils.ValidateMagicValue(b.arena.Base(), allocOffset+allocSize) {
		return errors.Wrapf(memutils.ErrCorruptionDetected, "guard bytes after the allocation at offset %d of arena %d were overwritten", allocOffset, b.id)
	}

	return nil
}

func (b *arenaBlock) pointer(offset int) unsafe.Pointer {
	return b.arena.At(offset)
}
