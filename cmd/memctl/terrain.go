package main

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/memsys"
	"github.com/hydragon-engine/memcore/memutils"
	"github.com/hydragon-engine/memcore/streaming"
	"github.com/spf13/cobra"
)

const mib = 1024 * 1024

var (
	terrainBudget   int
	terrainTiles    int
	terrainTileSize int
)

func init() {
	cmd := newTerrainCmd()
	cmd.Flags().IntVar(&terrainBudget, "budget", 64, "Terrain streaming budget in MiB")
	cmd.Flags().IntVar(&terrainTiles, "tiles", 3, "Number of tiles to stream in")
	cmd.Flags().IntVar(&terrainTileSize, "tile-size", 30, "Size of each tile in MiB")
	rootCmd.AddCommand(cmd)
}

func newTerrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "terrain",
		Short: "Stream terrain tiles into a fixed budget and print evictions",
		Long: `The terrain command registers a terrain streaming module with a fixed budget
and streams tiles into it through the allocator facade. Tiles that no longer
fit evict the least recently used tiles of the module.

Example:
  memctl terrain
  memctl terrain --budget 256 --tiles 20 --tile-size 24`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTerrain()
		},
	}
	return cmd
}

func runTerrain() error {
	if terrainBudget <= 0 || terrainTiles <= 0 || terrainTileSize <= 0 {
		return errors.New("--budget, --tiles and --tile-size must be positive")
	}

	logger := newLogger()
	allocator, err := memsys.New(logger, memsys.CreateOptions{})
	if err != nil {
		return errors.Wrap(err, "failed to create the allocator")
	}

	tileIndex := map[uintptr]int{}
	manager := streaming.New(logger, allocator, streaming.Config{
		Recorder: allocator.Recorder(),
		OnEvict: func(eviction streaming.Eviction) {
			printInfo("  evicted tile %d (%s, %s)\n", tileIndex[uintptr(eviction.Address)],
				formatBytes(eviction.Size), eviction.Priority)
		},
		OnPressure: func(module string, requested int) {
			printVerbose("  %s is under pressure (%s requested)\n", module, formatBytes(requested))
		},
		OnRelocate: func(oldPtr, newPtr unsafe.Pointer, size int) {
			tileIndex[uintptr(newPtr)] = tileIndex[uintptr(oldPtr)]
			delete(tileIndex, uintptr(oldPtr))
		},
	})
	shutdown := func(err error) error {
		return errors.CombineErrors(err, errors.CombineErrors(manager.Destroy(), allocator.Destroy()))
	}

	err = manager.RegisterModule("terrain", terrainBudget*mib, memutils.PriorityNormal)
	if err != nil {
		return shutdown(err)
	}

	printInfo("Streaming %d tiles of %d MiB into a %d MiB budget\n", terrainTiles, terrainTileSize, terrainBudget)
	for i := 0; i < terrainTiles; i++ {
		tile, err := manager.Allocate("terrain", terrainTileSize*mib, memutils.AllocationInfo{Tag: "terrain"})
		if err != nil {
			return shutdown(errors.Wrapf(err, "tile %d", i))
		}
		tileIndex[uintptr(tile)] = i

		stats, err := manager.ModuleStats("terrain")
		if err != nil {
			return shutdown(err)
		}
		printInfo("Tile %d streamed in: %s of %s used by %d tiles\n", i,
			formatBytes(stats.Usage), formatBytes(stats.Reserved), stats.Blocks)
	}

	stats, err := manager.ModuleStats("terrain")
	if err != nil {
		return shutdown(err)
	}
	printInfo("Peak usage: %s, evictions: %d\n", formatBytes(stats.PeakUsage), stats.Evictions)

	return shutdown(manager.UnregisterModule("terrain"))
}
