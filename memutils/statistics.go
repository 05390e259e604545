package memutils

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// Statistics is a snapshot of a strategy's usage. Byte counts refer to the bytes the strategy consumed for its
// allocations, which may be larger than what callers asked for after rounding.
type Statistics struct {
	// TotalAllocated is the number of bytes ever handed out
	TotalAllocated int
	// TotalFreed is the number of bytes ever returned
	TotalFreed int
	// CurrentUsage is the number of bytes currently live: always TotalAllocated - TotalFreed
	CurrentUsage int
	// PeakUsage is the highest CurrentUsage ever observed
	PeakUsage int
	// AllocationCount is the number of live allocations
	AllocationCount int

	// BlockCount is the number of arenas or pools backing the strategy
	BlockCount int
	// BlockBytes is the number of bytes committed from the system
	BlockBytes int
}

func (s *Statistics) Clear() {
	s.TotalAllocated = 0
	s.TotalFreed = 0
	s.CurrentUsage = 0
	s.PeakUsage = 0
	s.AllocationCount = 0
	s.BlockCount = 0
	s.BlockBytes = 0
}

// AddStatistics sums other into s. Peaks are summed as well, which makes the aggregate peak an upper bound of the
// true combined peak.
func (s *Statistics) AddStatistics(other *Statistics) {
	s.TotalAllocated += other.TotalAllocated
	s.TotalFreed += other.TotalFreed
	s.CurrentUsage += other.CurrentUsage
	s.PeakUsage += other.PeakUsage
	s.AllocationCount += other.AllocationCount
	s.BlockCount += other.BlockCount
	s.BlockBytes += other.BlockBytes
}

// Validate verifies the conservation invariants
func (s *Statistics) Validate() error {
	if s.CurrentUsage != s.TotalAllocated-s.TotalFreed {
		return errors.Newf("current usage %d does not match allocated %d - freed %d", s.CurrentUsage, s.TotalAllocated, s.TotalFreed)
	}
	if s.PeakUsage < s.CurrentUsage {
		return errors.Newf("peak usage %d is below current usage %d", s.PeakUsage, s.CurrentUsage)
	}
	if s.AllocationCount < 0 || s.CurrentUsage < 0 {
		return errors.Newf("negative live usage: %d allocations, %d bytes", s.AllocationCount, s.CurrentUsage)
	}
	return nil
}

type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	UnusedBytes        int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.UnusedBytes = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	s.UnusedBytes += size

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.CurrentUsage += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount
	s.UnusedBytes += other.UnusedBytes

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}

// UsageCounters tracks Statistics with atomics so that lock-free strategies can share them across threads
type UsageCounters struct {
	totalAllocated  atomic.Int64
	totalFreed      atomic.Int64
	current         atomic.Int64
	peak            atomic.Int64
	allocationCount atomic.Int64

	blockCount atomic.Int64
	blockBytes atomic.Int64
}

func (c *UsageCounters) AddAllocation(size int) {
	c.totalAllocated.Add(int64(size))
	c.allocationCount.Add(1)
	current := c.current.Add(int64(size))

	for {
		peak := c.peak.Load()
		if current <= peak || c.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}

func (c *UsageCounters) RemoveAllocation(size int) {
	if c.current.Add(-int64(size)) < 0 {
		panic(fmt.Sprintf("current usage went negative after removing %d bytes", size))
	}
	if c.allocationCount.Add(-1) < 0 {
		panic("allocation count went negative")
	}
	c.totalFreed.Add(int64(size))
}

func (c *UsageCounters) AddBlock(size int) {
	c.blockBytes.Add(int64(size))
	c.blockCount.Add(1)
}

// AddBlockWithBudget reserves size block bytes as long as the total stays at or below maxBytes
func (c *UsageCounters) AddBlockWithBudget(size, maxBytes int) error {
	for {
		currentVal := c.blockBytes.Load()
		targetVal := currentVal + int64(size)

		if targetVal > int64(maxBytes) {
			return errors.Wrapf(ErrOutOfMemory, "committing %d bytes would exceed the budget of %d bytes", size, maxBytes)
		}

		if c.blockBytes.CompareAndSwap(currentVal, targetVal) {
			break
		}
	}

	c.blockCount.Add(1)
	return nil
}

func (c *UsageCounters) RemoveBlock(size int) {
	if c.blockBytes.Add(-int64(size)) < 0 {
		panic(fmt.Sprintf("block bytes went negative after removing %d bytes", size))
	}
	if c.blockCount.Add(-1) < 0 {
		panic("block count went negative")
	}
}

// CurrentUsage returns the number of live bytes
func (c *UsageCounters) CurrentUsage() int {
	return int(c.current.Load())
}

// Snapshot copies the counters into a Statistics object. The counters are read individually, so CurrentUsage is
// derived from the totals and the peak is raised to match, which keeps every snapshot internally consistent even
// while other threads are allocating.
func (c *UsageCounters) Snapshot() Statistics {
	freed := int(c.totalFreed.Load())
	allocated := int(c.totalAllocated.Load())
	current := allocated - freed
	peak := int(c.peak.Load())
	if peak < current {
		peak = current
	}

	return Statistics{
		TotalAllocated:  allocated,
		TotalFreed:      freed,
		CurrentUsage:    current,
		PeakUsage:       peak,
		AllocationCount: int(c.allocationCount.Load()),
		BlockCount:      int(c.blockCount.Load()),
		BlockBytes:      int(c.blockBytes.Load()),
	}
}

// Reset zeroes every counter except the block counters, which track committed memory that still exists
func (c *UsageCounters) Reset() {
	c.totalAllocated.Store(0)
	c.totalFreed.Store(0)
	c.current.Store(0)
	c.peak.Store(0)
	c.allocationCount.Store(0)
}
