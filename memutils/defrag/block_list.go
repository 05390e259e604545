package defrag

import (
	"unsafe"

	"github.com/hydragon-engine/memcore/memutils/metadata"
)

// Target is a memory system that can be analyzed and compacted: a list of committed blocks, each described by
// a BlockMetadata. Strategies that want to be defragmented implement it.
type Target interface {
	// Lock acquires the target's exclusive lock. The Defragmenter holds it for the whole of a run, so no
	// allocation or deallocation can observe a block mid-move.
	Lock()
	Unlock()

	BlockCount() int
	MetadataForBlock(index int) metadata.BlockMetadata
	// BlockBase returns the address that offset 0 of the block maps to
	BlockBase(index int) unsafe.Pointer

	// ReleaseEmptyBlocks returns blocks without live allocations to the system, at the target's discretion.
	// It is called with the lock held.
	ReleaseEmptyBlocks() (blocksFreed int, bytesFreed int, err error)
}
