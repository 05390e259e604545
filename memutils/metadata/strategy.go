package metadata

// AllocationStrategy exposes several options for choosing the location of a new memory allocation. If none is
// chosen, AllocationStrategyMinTime is used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory selects the smallest free region that can hold the allocation (best fit),
	// to minimize fragmentation at the expense of allocation time
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime selects the first suitable free region in free list order (first fit). This is
	// the fastest search and the default.
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset selects the suitable free region with the lowest offset. This achieves highly
	// packed data and is used when relocating allocations.
	AllocationStrategyMinOffset
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "MinMemory",
	AllocationStrategyMinTime:   "MinTime",
	AllocationStrategyMinOffset: "MinOffset",
}

func (s AllocationStrategy) String() string {
	str, ok := allocationStrategyMapping[s]
	if !ok {
		return "MinTime"
	}
	return str
}
