package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrOutOfMemory is returned by a strategy that could not find or commit room for a request
	ErrOutOfMemory = errors.New("out of memory")
	// ErrInvalidSize is returned when an allocation of zero or negative size is requested
	ErrInvalidSize = errors.New("allocation size must be greater than 0")
	// ErrRequestUnsupported is returned when a strategy cannot serve a request of this shape at all (too large for
	// its biggest size class, or an alignment it cannot honour). Unlike ErrOutOfMemory, retrying the same strategy
	// will never succeed.
	ErrRequestUnsupported = errors.New("request shape not supported by this strategy")
	// ErrUntrackedPointer is returned when a pointer that was never handed out is deallocated
	ErrUntrackedPointer = errors.New("pointer is not a live allocation")
	// ErrDoubleFree is returned when a pointer that was already deallocated is deallocated again
	ErrDoubleFree = errors.New("pointer was already deallocated")
	// ErrAddressInUse is returned when a tracked address is handed out a second time while still live
	ErrAddressInUse = errors.New("address is already tracked as a live allocation")
	// ErrUnknownStrategy is returned when a request names a strategy that was never registered
	ErrUnknownStrategy = errors.New("unknown strategy")
	// ErrStrategyExists is returned when a strategy name is registered twice
	ErrStrategyExists = errors.New("strategy already registered")
	// ErrImplausibleStrategy is returned when a strategy object fails the dispatch sanity heuristic
	ErrImplausibleStrategy = errors.New("strategy object failed sanity validation")
	// ErrCorruptionDetected is returned when guard bytes around an allocation were overwritten
	ErrCorruptionDetected = errors.New("memory corruption detected")
	// ErrModuleNotRegistered is returned for streaming operations against an unknown module
	ErrModuleNotRegistered = errors.New("module not registered for streaming")
	// ErrModuleExists is returned when a streaming module is registered twice
	ErrModuleExists = errors.New("module already registered for streaming")
	// ErrBudgetExceeded is returned when a request cannot fit inside a budget even after eviction
	ErrBudgetExceeded = errors.New("memory budget exceeded")
	// ErrNodeUnavailable is returned when node-local allocation fails under strict node binding
	ErrNodeUnavailable = errors.New("numa node could not satisfy the allocation")
	// ErrNumaUnsupported is returned when strict node binding is requested on a platform without NUMA support
	ErrNumaUnsupported = errors.New("numa binding is not supported on this platform")
)
