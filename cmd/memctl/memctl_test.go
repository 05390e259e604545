package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = buf.ReadFrom(r)
	}()

	fnErr := fn()

	require.NoError(t, w.Close())
	os.Stdout = origStdout
	<-done

	return buf.String(), fnErr
}

func setFlags(t *testing.T, json bool) {
	t.Helper()

	jsonOut = json
	verbose = false
	quiet = false
	t.Cleanup(func() {
		jsonOut = false
	})
}

func TestStatsCommand(t *testing.T) {
	statsAllocations = 2000
	statsSeed = 3
	statsDefrag = true

	t.Run("Text", func(t *testing.T) {
		setFlags(t, false)

		output, err := captureOutput(t, runStats)
		require.NoError(t, err)
		require.Contains(t, output, "Memory Report - ")
		require.Contains(t, output, "Strategy heap:")
		require.Contains(t, output, "Strategy pool:")
		require.Contains(t, output, "Strategy concurrent:")
		require.Contains(t, output, "Live Allocations: 666")
	})

	t.Run("JSON", func(t *testing.T) {
		setFlags(t, true)

		output, err := captureOutput(t, runStats)
		require.NoError(t, err)

		var report map[string]any
		require.NoError(t, json.Unmarshal([]byte(output), &report))
		require.Contains(t, report, "Totals")
		require.Contains(t, report, "Strategies")
		require.Len(t, report["Live"], 666)
	})

	t.Run("InvalidAllocations", func(t *testing.T) {
		setFlags(t, false)
		statsAllocations = 0
		defer func() {
			statsAllocations = 2000
		}()

		_, err := captureOutput(t, runStats)
		require.Error(t, err)
	})
}

func TestTerrainCommand(t *testing.T) {
	setFlags(t, false)
	terrainBudget = 64
	terrainTiles = 3
	terrainTileSize = 30

	output, err := captureOutput(t, runTerrain)
	require.NoError(t, err)
	require.Contains(t, output, "Streaming 3 tiles of 30 MiB into a 64 MiB budget")
	require.Contains(t, output, "evicted tile 0 (30.0 MB, PriorityNormal)")
	require.Contains(t, output, "Tile 2 streamed in: 60.0 MB of 64.0 MB used by 2 tiles")
	require.Contains(t, output, "evictions: 1")
	require.NotContains(t, output, "evicted tile 1")
}

func TestBenchCommand(t *testing.T) {
	setFlags(t, true)
	benchThreads = 4
	benchOps = 2000
	benchMaxSize = 256

	output, err := captureOutput(t, runBench)
	require.NoError(t, err)

	var result struct {
		Threads    int
		Operations int
		Paths      map[string]int
	}
	require.NoError(t, json.Unmarshal([]byte(output), &result))
	require.Equal(t, 4, result.Threads)
	require.Equal(t, 8000, result.Operations)

	served := 0
	for _, count := range result.Paths {
		served += count
	}
	require.Equal(t, 8000, served)
}

func TestTopologyCommand(t *testing.T) {
	root := t.TempDir()
	for node, cpus := range map[string]string{"node0": "0-3", "node1": "4-5,7"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, node), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, node, "cpulist"), []byte(cpus+"\n"), 0o644))
	}
	topologyRoot = root

	t.Run("Text", func(t *testing.T) {
		setFlags(t, false)

		output, err := captureOutput(t, runTopology)
		require.NoError(t, err)
		require.Contains(t, output, "NUMA nodes: 2")
		require.Contains(t, output, "Node 0: 4 CPUs [0 1 2 3]")
		require.Contains(t, output, "Node 1: 3 CPUs [4 5 7]")
	})

	t.Run("JSON", func(t *testing.T) {
		setFlags(t, true)

		output, err := captureOutput(t, runTopology)
		require.NoError(t, err)

		var nodes []struct {
			ID   int
			CPUs []int
		}
		require.NoError(t, json.Unmarshal([]byte(output), &nodes))
		require.Len(t, nodes, 2)
		require.Equal(t, []int{4, 5, 7}, nodes[1].CPUs)
	})

	t.Run("Missing", func(t *testing.T) {
		setFlags(t, false)
		topologyRoot = filepath.Join(root, "missing")

		output, err := captureOutput(t, runTopology)
		require.NoError(t, err)
		require.Contains(t, output, "NUMA nodes: 1")
	})
}
