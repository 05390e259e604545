package defrag

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/memutils"
	"github.com/hydragon-engine/memcore/memutils/metadata"
)

// PatchFunc is called once for every relocated allocation, after its contents have been copied and before the
// next allocation is moved. Owners of the allocation must stop using oldPtr and switch to newPtr.
type PatchFunc func(oldPtr, newPtr unsafe.Pointer, size int)

// DefragmentationMove describes a single relocation within a block
type DefragmentationMove struct {
	BlockIndex int
	SrcOffset  int
	DstOffset  int
	Size       int
	Alignment  uint
	UserData   any
}

// moveAllocation relocates an allocation to a lower offset of the same block. The source is freed first, which
// merges it with the free space below it, so the destination always lies inside a single free region even when
// the two ranges overlap. The guard bytes travel with the allocation.
func moveAllocation(md metadata.BlockMetadata, base unsafe.Pointer, move DefragmentationMove) error {
	if move.DstOffset >= move.SrcOffset {
		return errors.AssertionFailedf("allocation at offset %d can only move toward the block base, not to %d", move.SrcOffset, move.DstOffset)
	}

	err := md.Free(metadata.HandleForOffset(move.SrcOffset))
	if err != nil {
		return err
	}

	_, err = md.AllocAt(move.DstOffset, move.Size, move.Alignment, move.UserData)
	if err != nil {
		// Put the allocation back where it was so the block stays consistent
		_, restoreErr := md.AllocAt(move.SrcOffset, move.Size, move.Alignment, move.UserData)
		return errors.CombineErrors(err, restoreErr)
	}

	span := move.Size + memutils.DebugMargin
	src := unsafe.Slice((*byte)(unsafe.Add(base, move.SrcOffset)), span)
	dst := unsafe.Slice((*byte)(unsafe.Add(base, move.DstOffset)), span)
	copy(dst, src)

	return nil
}
