package concurrent

import "math/bits"

const (
	// BucketCount is the number of per-thread cache buckets
	BucketCount = 32
	// BucketGranularity is the size step between two neighbouring cache buckets
	BucketGranularity = 16
	// MaxBucketSize is the largest request served from a per-thread cache
	MaxBucketSize = BucketCount * BucketGranularity

	// HeaderSize is the number of bytes in front of every block carved from the central buffer
	HeaderSize = 16

	// minCentralBlockSize is the size of the first power-of-two central class
	minCentralBlockSize = 1024
	minCentralShift     = 10
)

// classFor returns the size class of a request. Classes below BucketCount step by BucketGranularity,
// the classes above them double in size.
func classFor(size int) int {
	if size <= MaxBucketSize {
		return (size+BucketGranularity-1)/BucketGranularity - 1
	}

	if size <= minCentralBlockSize {
		return BucketCount
	}

	return BucketCount + bits.Len(uint(size-1)) - minCentralShift
}

// classSize returns the payload size of every block of a class
func classSize(class int) int {
	if class < BucketCount {
		return (class + 1) * BucketGranularity
	}

	return minCentralBlockSize << (class - BucketCount)
}
