package defrag

import (
	"fmt"
	"math"
)

// PassContext is an object used to track data for the current defragmentation
// pass across multiple relocations
type PassContext struct {
	// MaxPassBytes is the maximum number of bytes to relocate in each pass. Allocations that would push the
	// pass over this budget are skipped.
	MaxPassBytes int
	// MaxPassAllocations is the maximum number of relocations to perform in each pass
	MaxPassAllocations int
	// Stats contains statistics for the current pass, such as bytes moved,
	// allocations performed, etc.
	Stats         DefragmentationStats
	ignoredAllocs int
}

const defragMaxAllocsToIgnore = 16

func newPassContext(info DefragmentationInfo) PassContext {
	pass := PassContext{
		MaxPassBytes:       info.MaxBytesPerPass,
		MaxPassAllocations: info.MaxAllocationsPerPass,
	}

	if pass.MaxPassBytes <= 0 {
		pass.MaxPassBytes = math.MaxInt / 2
	}
	if pass.MaxPassAllocations <= 0 {
		pass.MaxPassAllocations = math.MaxInt32
	}

	return pass
}

func (p *PassContext) checkCounters(bytes int) defragCounterStatus {
	// Ignore allocation if it will exceed max size for copy
	if p.Stats.BytesMoved+bytes > p.MaxPassBytes {
		p.ignoredAllocs++
		if p.ignoredAllocs < defragMaxAllocsToIgnore {
			return defragCounterIgnore
		} else {
			return defragCounterEnd
		}
	} else {
		p.ignoredAllocs = 0
	}

	return defragCounterPass
}

func (p *PassContext) incrementCounters(bytes int) bool {
	p.Stats.BytesMoved += bytes
	p.Stats.AllocationsMoved++

	// Early return when max found
	if p.Stats.AllocationsMoved >= p.MaxPassAllocations || p.Stats.BytesMoved >= p.MaxPassBytes {
		if p.Stats.AllocationsMoved != p.MaxPassAllocations && p.Stats.BytesMoved != p.MaxPassBytes {
			panic(fmt.Sprintf("somehow passed maximum pass thresholds: bytes %d, allocs %d", p.Stats.BytesMoved, p.Stats.AllocationsMoved))
		}

		return true
	}

	return false
}
