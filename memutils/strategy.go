package memutils

import "unsafe"

// Strategy is the contract every allocation algorithm implements. Allocate must never panic: failure is reported
// as a nil pointer and an error. Owns must be safe to call with any pointer at all, including nil and pointers
// produced by other strategies, because it is used to route deallocations.
type Strategy interface {
	Allocate(size int, info AllocationInfo) (unsafe.Pointer, error)
	Deallocate(ptr unsafe.Pointer) error
	Owns(ptr unsafe.Pointer) bool
	Stats() Statistics
}

// Compactor is implemented by strategies that can reclaim space when an allocation fails
type Compactor interface {
	Compact() error
}

// Resetter is implemented by strategies that can discard every allocation at once. Outstanding pointers become
// invalid.
type Resetter interface {
	Reset() error
}

// Releaser is implemented by strategies that hold system memory which should be returned when the strategy is
// retired
type Releaser interface {
	Release() error
}

// CompactingStrategy is a Strategy that can reclaim space on demand
type CompactingStrategy interface {
	Strategy
	Compactor
}
