package defrag

import "github.com/hydragon-engine/memcore/memutils/metadata"

// Analysis describes how fragmented a Target is
type Analysis struct {
	BlockCount      int
	TotalBytes      int
	FreeBytes       int
	AllocationCount int
	// GapBytes is the number of free bytes that lie below some allocation of the same block. Free space at the
	// end of a block is not a gap.
	GapBytes int
	// LargestFreeRun is the size of the largest free region in any block
	LargestFreeRun int
	// FragmentationRatio is GapBytes / TotalBytes
	FragmentationRatio float64
}

func analyzeLocked(target Target) Analysis {
	var analysis Analysis

	for blockIndex := 0; blockIndex < target.BlockCount(); blockIndex++ {
		md := target.MetadataForBlock(blockIndex)
		analysis.BlockCount++
		analysis.TotalBytes += md.Size()
		analysis.FreeBytes += md.SumFreeSize()
		analysis.AllocationCount += md.AllocationCount()

		pendingFree := 0
		_ = md.VisitAllRegions(func(region metadata.Region) error {
			if region.Free {
				pendingFree += region.Size
				if region.Size > analysis.LargestFreeRun {
					analysis.LargestFreeRun = region.Size
				}
				return nil
			}

			analysis.GapBytes += pendingFree
			pendingFree = 0
			return nil
		})
	}

	if analysis.TotalBytes > 0 {
		analysis.FragmentationRatio = float64(analysis.GapBytes) / float64(analysis.TotalBytes)
	}

	return analysis
}
