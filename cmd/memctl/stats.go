package main

import (
	"math/rand"
	"os"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/memsys"
	"github.com/hydragon-engine/memcore/memutils"
	"github.com/hydragon-engine/memcore/memutils/defrag"
	"github.com/spf13/cobra"
)

var (
	statsAllocations int
	statsSeed        int64
	statsDefrag      bool
)

func init() {
	cmd := newStatsCmd()
	cmd.Flags().IntVar(&statsAllocations, "allocations", 10000, "Number of allocations in the workload")
	cmd.Flags().Int64Var(&statsSeed, "seed", 1, "Seed of the workload generator")
	cmd.Flags().BoolVar(&statsDefrag, "defrag", false, "Defragment the heap before reporting")
	rootCmd.AddCommand(cmd)
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Run a mixed workload and print the allocator report",
		Long: `The stats command runs a mixed workload of small, medium, large and temporary
allocations through the allocator facade, frees part of it and prints the
resulting report: usage per strategy, fragmentation and live allocations.

Example:
  memctl stats
  memctl stats --allocations 50000 --defrag
  memctl stats --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats()
		},
	}
	return cmd
}

var workloadTags = []string{"scene", "mesh", "texture", "script", "ui"}

func randomRequest(rng *rand.Rand) (int, memutils.AllocationInfo) {
	info := memutils.AllocationInfo{
		Tag: workloadTags[rng.Intn(len(workloadTags))],
	}

	switch roll := rng.Intn(10); {
	case roll < 5:
		return 1 + rng.Intn(memutils.SmallSizeLimit), info
	case roll < 8:
		return memutils.SmallSizeLimit + 1 + rng.Intn(memutils.MediumSizeLimit-memutils.SmallSizeLimit), info
	case roll < 9:
		info.Temporary = true
		return 1 + rng.Intn(1024), info
	default:
		return memutils.MediumSizeLimit + 1 + rng.Intn(64*1024), info
	}
}

func runStats() error {
	if statsAllocations <= 0 {
		return errors.Newf("--allocations must be positive, got %d", statsAllocations)
	}

	manager, err := memsys.New(newLogger(), memsys.CreateOptions{
		Defragmentation: defrag.DefragmentationInfo{Threshold: 0.1},
	})
	if err != nil {
		return errors.Wrap(err, "failed to create the allocator")
	}

	rng := rand.New(rand.NewSource(statsSeed))
	live := make([]unsafe.Pointer, 0, statsAllocations)
	for i := 0; i < statsAllocations; i++ {
		size, info := randomRequest(rng)
		ptr, err := manager.Allocate(size, info)
		if err != nil {
			return errors.CombineErrors(errors.Wrapf(err, "allocation %d of %d bytes failed", i, size), manager.Destroy())
		}
		live = append(live, ptr)
	}
	printVerbose("Allocated %d buffers\n", len(live))

	// Free two thirds of the workload in random order to leave holes behind
	rng.Shuffle(len(live), func(i, j int) {
		live[i], live[j] = live[j], live[i]
	})
	kept := len(live) / 3
	for _, ptr := range live[kept:] {
		err = manager.Deallocate(ptr)
		if err != nil {
			return errors.CombineErrors(err, manager.Destroy())
		}
	}
	live = live[:kept]
	printVerbose("Deallocated down to %d buffers\n", len(live))

	if statsDefrag {
		index := make(map[unsafe.Pointer]int, len(live))
		for i, ptr := range live {
			index[ptr] = i
		}
		unsubscribe := manager.SubscribeRelocation(func(oldPtr, newPtr unsafe.Pointer, size int) {
			i, ok := index[oldPtr]
			if !ok {
				return
			}
			delete(index, oldPtr)
			index[newPtr] = i
			live[i] = newPtr
		})

		stats, err := manager.Defragment(memsys.HeapStrategy)
		unsubscribe()
		if err != nil {
			return errors.CombineErrors(err, manager.Destroy())
		}
		printVerbose("Defragmentation moved %d allocations (%s), freed %d blocks\n",
			stats.AllocationsMoved, formatBytes(stats.BytesMoved), stats.BlocksFreed)
	}

	report := manager.Report()
	if jsonOut {
		err = report.WriteJSON(os.Stdout)
	} else if !quiet {
		err = report.WriteText(os.Stdout)
	}

	for _, ptr := range live {
		err = errors.CombineErrors(err, manager.Deallocate(ptr))
	}
	return errors.CombineErrors(err, manager.Destroy())
}
