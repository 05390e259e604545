package main

import (
	"math/rand"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/concurrent"
	"github.com/hydragon-engine/memcore/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
)

var (
	benchThreads int
	benchOps     int
	benchMaxSize int
)

func init() {
	cmd := newBenchCmd()
	cmd.Flags().IntVar(&benchThreads, "threads", 8, "Number of worker goroutines")
	cmd.Flags().IntVar(&benchOps, "ops", 100000, "Allocate/deallocate pairs per worker")
	cmd.Flags().IntVar(&benchMaxSize, "max-size", 512, "Largest request size in bytes")
	rootCmd.AddCommand(cmd)
}

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Stress the concurrent allocator and print its throughput",
		Long: `The bench command runs allocate/deallocate pairs against the lock-free
concurrent allocator from several workers and prints the throughput along
with the number of requests each tier of the allocator served.

Example:
  memctl bench
  memctl bench --threads 32 --ops 1000000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench()
		},
	}
	return cmd
}

func runBench() error {
	if benchThreads <= 0 || benchOps <= 0 || benchMaxSize <= 0 {
		return errors.New("--threads, --ops and --max-size must be positive")
	}

	allocator, err := concurrent.New(newLogger(), concurrent.CreateOptions{MaxThreads: benchThreads})
	if err != nil {
		return errors.Wrap(err, "failed to create the concurrent allocator")
	}
	defer func() {
		_ = allocator.Release()
	}()

	var wg sync.WaitGroup
	var errMutex sync.Mutex
	var workerErr error

	start := time.Now()
	for worker := 0; worker < benchThreads; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(worker)))
			info := memutils.AllocationInfo{ThreadID: memutils.ThreadID(worker)}
			held := make([]unsafe.Pointer, 0, 16)

			for op := 0; op < benchOps; op++ {
				ptr, err := allocator.Allocate(1+rng.Intn(benchMaxSize), info)
				if err == nil {
					held = append(held, ptr)
				}
				if err == nil && len(held) < cap(held) {
					continue
				}

				for _, heldPtr := range held {
					err = errors.CombineErrors(err, allocator.Deallocate(heldPtr))
				}
				held = held[:0]

				if err != nil {
					errMutex.Lock()
					workerErr = errors.CombineErrors(workerErr, err)
					errMutex.Unlock()
					return
				}
			}

			for _, heldPtr := range held {
				_ = allocator.Deallocate(heldPtr)
			}
		}(worker)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if workerErr != nil {
		return workerErr
	}

	total := benchThreads * benchOps
	opsPerSecond := float64(total) / elapsed.Seconds()
	paths := allocator.PathStats()

	if jsonOut {
		writer := jwriter.NewStreamingWriter(os.Stdout, 4096)
		obj := writer.Object()
		obj.Name("Threads").Int(benchThreads)
		obj.Name("Operations").Int(total)
		obj.Name("ElapsedSeconds").Float64(elapsed.Seconds())
		obj.Name("OpsPerSecond").Float64(opsPerSecond)

		pathObj := obj.Name("Paths").Object()
		pathObj.Name("FastPath").Int(paths.FastPath)
		pathObj.Name("CentralPath").Int(paths.CentralPath)
		pathObj.Name("BufferPath").Int(paths.BufferPath)
		pathObj.Name("SlowPath").Int(paths.SlowPath)
		pathObj.End()

		obj.End()
		return writer.Flush()
	}

	printInfo("Concurrent allocator: %d workers, %d allocations in %s\n", benchThreads, total, elapsed.Round(time.Millisecond))
	printInfo("  Throughput: %.0f allocations/s\n", opsPerSecond)
	printInfo("  Fast path: %d, central: %d, buffer: %d, slow: %d\n",
		paths.FastPath, paths.CentralPath, paths.BufferPath, paths.SlowPath)
	printVerbose("  Returns to cache: %d, central: %d, slow: %d\n",
		paths.CacheReturns, paths.CentralReturns, paths.SlowReturns)
	return nil
}
