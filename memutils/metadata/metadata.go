package metadata

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/hydragon-engine/memcore/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// BlockMetadata represents a single large region of committed memory. It manages suballocations within the
// block, allowing allocations to be requested and freed, as well as enumerated and queried. It does not touch
// the memory itself: consumers translate offsets into addresses.
//
// BlockMetadata implementations are not safe for concurrent use. The strategy that owns the block is
// responsible for synchronization.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It sizes the block in bytes and prepares the
	// metadata structures for allocations.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be expensive. When the
	// implementation is functioning correctly, it should not be possible for this method to return an error.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the block
	AllocationCount() int
	// FreeRegionsCount returns the number of separate regions of free memory in the block. Adjacent free
	// regions are always merged, so no two free regions returned by VisitAllRegions are neighbours.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the block
	SumFreeSize() int
	// LargestFreeRegion returns the size in bytes of the biggest free region in the block
	LargestFreeRegion() int
	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions calls the provided callback once for each allocation and free region in the block, in
	// ascending offset order. Iteration stops at the first error, which is returned.
	VisitAllRegions(handleRegion func(region Region) error) error

	// AllocationOffset returns the offset in bytes of a live allocation
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationSize returns the size in bytes of a live allocation. This can be larger than the size that was
	// requested when the remainder of a free region was too small to split off.
	AllocationSize(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userData value provided when the allocation was made
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	// SetAllocationUserData replaces the userData value of a live allocation
	SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error

	// AddDetailedStatistics sums this block's allocation statistics into the provided object
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the provided object
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// DebugLogAllAllocations calls logFunc once for every live allocation in the block
	DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any))
	// BlockJsonData populates a json object with information about this block and every region in it
	BlockJsonData(json *jwriter.ObjectState)

	// CheckCorruption accepts a pointer to the memory that this block manages and verifies the guard bytes
	// written after every allocation with memutils.WriteMagicValue. Guard bytes only exist when memutils is
	// built with the `debug_mem_utils` build tag; otherwise this method always returns nil.
	CheckCorruption(blockData unsafe.Pointer) error

	// CreateAllocationRequest finds room for an allocation of the requested size and alignment and returns an
	// AllocationRequest describing it, or false if the block cannot hold the allocation. Nothing is modified
	// until the request is passed to Alloc.
	CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest and returns the handle of the new allocation. The implementation must
	// return an error if the request is no longer valid.
	Alloc(request AllocationRequest, userData any) (BlockAllocationHandle, error)
	// AllocAt creates an allocation at an exact offset, which must lie entirely within a single free region.
	// The allocation keeps exactly the requested size. It is used to move allocations during compaction.
	AllocAt(offset int, allocSize int, allocAlignment uint, userData any) (BlockAllocationHandle, error)

	// Free frees a suballocation within the block, merging it with free neighbours.
	//
	// The implementation must return an error if the provided handle does not map to a live allocation
	// within this block.
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations
type BlockMetadataBase struct {
	size int
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

func (m *BlockMetadataBase) blockJsonHeader(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}

func (m *BlockMetadataBase) blockJsonRegion(json *jwriter.ArrayState, region Region) {
	obj := json.Object()
	defer obj.End()

	obj.Name("Offset").Int(region.Offset)
	obj.Name("Type").String(region.Type().String())
	obj.Name("Size").Int(region.Size)

	if region.Free {
		return
	}

	obj.Name("Alignment").Int(int(region.Alignment))
	if region.UserData != nil {
		obj.Name("CustomData").String(fmt.Sprintf("%+v", region.UserData))
	}
}
