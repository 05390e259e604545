package memutils

import "math/bits"

// Priority orders allocations by how much their owner wants them to stay resident. Higher values are more
// important; eviction walks from the lowest value upward.
type Priority int32

const (
	// PriorityDefault means "no opinion": consumers that care about priority substitute their own default
	PriorityDefault Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	// PriorityCritical allocations are never chosen for eviction
	PriorityCritical
)

var priorityMapping = map[Priority]string{
	PriorityDefault:  "PriorityDefault",
	PriorityLow:      "PriorityLow",
	PriorityNormal:   "PriorityNormal",
	PriorityHigh:     "PriorityHigh",
	PriorityCritical: "PriorityCritical",
}

func (p Priority) String() string {
	return priorityMapping[p]
}

// Or returns p, or fallback if p is PriorityDefault
func (p Priority) Or(fallback Priority) Priority {
	if p == PriorityDefault {
		return fallback
	}
	return p
}

// Workload classifies the editor activity an allocation serves, and drives NUMA placement
type Workload uint32

const (
	// WorkloadNone leaves placement to the node mask or local-node preference
	WorkloadNone Workload = iota
	// WorkloadSceneEditing is scene graph and selection data, kept close to the UI thread
	WorkloadSceneEditing
	// WorkloadAssetProcessing is texture and mesh processing, spread across nodes
	WorkloadAssetProcessing
	// WorkloadSimulation is physics and particle data, bound to the node of its thread group
	WorkloadSimulation
	// WorkloadUI is editor interface data, always on the UI node
	WorkloadUI
)

var workloadMapping = map[Workload]string{
	WorkloadNone:            "WorkloadNone",
	WorkloadSceneEditing:    "WorkloadSceneEditing",
	WorkloadAssetProcessing: "WorkloadAssetProcessing",
	WorkloadSimulation:      "WorkloadSimulation",
	WorkloadUI:              "WorkloadUI",
}

func (w Workload) String() string {
	return workloadMapping[w]
}

// ThreadID is a stable, caller-assigned identifier for a worker. Go does not expose OS thread identity, so
// consumers that want per-thread caching number their workers and pass the number along with each request.
type ThreadID uint32

// AllocationInfo describes a single allocation request. The zero value is a valid request: default alignment,
// facade-selected strategy, default priority, no placement hint.
type AllocationInfo struct {
	// Tag is free text carried into diagnostics
	Tag string
	// Strategy pins the request to a named strategy. Empty lets the facade choose by size class.
	Strategy string
	// Priority is used by budgeted consumers to order eviction
	Priority Priority
	// Alignment must be a power of two. 0 means DefaultAlignment.
	Alignment uint
	// Temporary marks short-lived scratch data, which the facade routes to its hot-path strategy
	Temporary bool

	// NumaNodeMask is a bitmask of preferred NUMA nodes. 0 means no preference.
	NumaNodeMask uint64
	// Workload classifies the request for NUMA placement
	Workload Workload
	// ThreadGroup selects the simulation node for WorkloadSimulation requests
	ThreadGroup uint32
	// HotPath marks frequently accessed data
	HotPath bool

	// ThreadID identifies the calling worker for per-thread caches and diagnostics
	ThreadID ThreadID
}

// EffectiveAlignment returns the alignment the request must be served with
func (i *AllocationInfo) EffectiveAlignment() uint {
	if i.Alignment == 0 {
		return DefaultAlignment
	}
	return i.Alignment
}

// PreferredNode returns the lowest node in NumaNodeMask, or false if the mask is empty
func (i *AllocationInfo) PreferredNode() (int, bool) {
	if i.NumaNodeMask == 0 {
		return 0, false
	}
	return bits.TrailingZeros64(i.NumaNodeMask), true
}

// SizeClass is the coarse bucket the facade uses to pick a strategy when a request doesn't name one
type SizeClass uint32

const (
	SizeClassSmall SizeClass = iota
	SizeClassMedium
	SizeClassLarge

	SizeClassCount = 3
)

const (
	// SmallSizeLimit is the largest request that counts as SizeClassSmall
	SmallSizeLimit int = 64
	// MediumSizeLimit is the largest request that counts as SizeClassMedium
	MediumSizeLimit int = 256
)

var sizeClassMapping = map[SizeClass]string{
	SizeClassSmall:  "SizeClassSmall",
	SizeClassMedium: "SizeClassMedium",
	SizeClassLarge:  "SizeClassLarge",
}

func (c SizeClass) String() string {
	return sizeClassMapping[c]
}

// SizeClassFor returns the size class of a request of the provided size
func SizeClassFor(size int) SizeClass {
	switch {
	case size <= SmallSizeLimit:
		return SizeClassSmall
	case size <= MediumSizeLimit:
		return SizeClassMedium
	default:
		return SizeClassLarge
	}
}
