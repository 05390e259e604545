package metadata

// AllocationRequestType is an enum that indicates how an allocation request was found.
// It is returned in AllocationRequest from CreateAllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestFreeList indicates that the request was found by searching the free list
	AllocationRequestFreeList AllocationRequestType = iota
	// AllocationRequestHint indicates that the request was satisfied by the free region that the most recent
	// split or merge produced, without a search
	AllocationRequestHint
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestFreeList: "FreeList",
	AllocationRequestHint:     "Hint",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where and how
// the metadata intends to allocate new memory. It is committed with BlockMetadata.Alloc
type AllocationRequest struct {
	// BlockAllocationHandle is the handle of the free region the allocation will be carved from
	BlockAllocationHandle BlockAllocationHandle
	// Offset is the aligned offset the allocation will begin at
	Offset int
	// Size is the requested size of the allocation in bytes
	Size int
	// Alignment is the alignment the request was made with
	Alignment uint
	// Type identifies how the request was found
	Type AllocationRequestType
}
