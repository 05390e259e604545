package metadata

import "math"

// BlockAllocationHandle identifies a region within a BlockMetadata. Handles are derived from the region's
// offset, so a consumer that knows where an allocation starts can always recover its handle.
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// HandleForOffset returns the handle of the region that begins at the provided offset
func HandleForOffset(offset int) BlockAllocationHandle {
	return BlockAllocationHandle(offset + 1)
}

// Offset returns the offset of the region this handle refers to
func (h BlockAllocationHandle) Offset() int {
	return int(h) - 1
}

type SuballocationType uint32

const (
	SuballocationFree SuballocationType = iota
	SuballocationAllocation
)

var suballocationTypeMapping = map[SuballocationType]string{
	SuballocationFree:       "FREE",
	SuballocationAllocation: "ALLOCATION",
}

func (t SuballocationType) String() string {
	return suballocationTypeMapping[t]
}

// Region is a single contiguous span of a block, as reported by BlockMetadata.VisitAllRegions
type Region struct {
	Handle BlockAllocationHandle
	Offset int
	// Size is the number of usable bytes in the region. It excludes any debug guard bytes.
	Size int
	// Alignment is the alignment the allocation was made with. It is 0 for free regions.
	Alignment uint
	UserData  any
	Free      bool
}

func (r Region) Type() SuballocationType {
	if r.Free {
		return SuballocationFree
	}
	return SuballocationAllocation
}

// End returns the offset one past the last usable byte of the region
func (r Region) End() int {
	return r.Offset + r.Size
}
