package diagnostics_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/hydragon-engine/memcore/diagnostics"
	"github.com/hydragon-engine/memcore/memutils"
	"github.com/hydragon-engine/memcore/memutils/defrag"
	"github.com/hydragon-engine/memcore/tracking"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewJSONHandler(io.Discard, nil))

func TestRecorder_HistoryIsBounded(t *testing.T) {
	recorder := diagnostics.NewRecorder(logger, diagnostics.CreateOptions{HistorySize: 4})

	for i := 1; i <= 6; i++ {
		recorder.Emit(diagnostics.Event{Kind: diagnostics.EventAllocate, Size: i})
	}

	events := recorder.Events()
	require.Len(t, events, 4)
	for i, event := range events {
		require.Equal(t, i+3, event.Size)
		require.False(t, event.Timestamp.IsZero())
	}
	require.Equal(t, 6, recorder.Total())
}

func TestRecorder_PartialHistory(t *testing.T) {
	recorder := diagnostics.NewRecorder(logger, diagnostics.CreateOptions{})

	recorder.Emit(diagnostics.Event{Kind: diagnostics.EventAllocate, Size: 1})
	recorder.Emit(diagnostics.Event{Kind: diagnostics.EventDeallocate, Size: 1})

	events := recorder.Events()
	require.Len(t, events, 2)
	require.Equal(t, diagnostics.EventAllocate, events[0].Kind)
	require.Equal(t, diagnostics.EventDeallocate, events[1].Kind)
}

func TestRecorder_Subscribe(t *testing.T) {
	recorder := diagnostics.NewRecorder(logger, diagnostics.CreateOptions{})

	events, cancel := recorder.Subscribe(2)

	recorder.Emit(diagnostics.Event{Kind: diagnostics.EventAllocate, Tag: "first"})
	recorder.Emit(diagnostics.Event{Kind: diagnostics.EventRelocate, Tag: "second"})
	// The buffer is full, so this one is dropped instead of blocking
	recorder.Emit(diagnostics.Event{Kind: diagnostics.EventDeallocate, Tag: "third"})

	require.Equal(t, 1, recorder.Dropped())
	require.Equal(t, "first", (<-events).Tag)
	require.Equal(t, "second", (<-events).Tag)

	cancel()
	cancel()

	_, open := <-events
	require.False(t, open)

	recorder.Emit(diagnostics.Event{Kind: diagnostics.EventAllocate})
	require.Equal(t, 1, recorder.Dropped())
}

func TestRecorder_ConcurrentEmit(t *testing.T) {
	recorder := diagnostics.NewRecorder(logger, diagnostics.CreateOptions{HistorySize: 64})
	events, cancel := recorder.Subscribe(10000)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(thread int) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				recorder.Emit(diagnostics.Event{Kind: diagnostics.EventAllocate, ThreadID: memutils.ThreadID(thread)})
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 4000, recorder.Total())
	require.Len(t, recorder.Events(), 64)
	require.Len(t, events, 4000)
	require.Equal(t, 0, recorder.Dropped())
}

func TestEventKind_String(t *testing.T) {
	require.Equal(t, "AllocationFailed", diagnostics.EventAllocationFailed.String())
	require.Equal(t, "Evict", diagnostics.EventEvict.String())
}

func TestWriteEventsJSON(t *testing.T) {
	var value [2]uint64
	events := []diagnostics.Event{
		{Kind: diagnostics.EventAllocate, Address: unsafe.Pointer(&value[0]), Size: 16, Tag: "mesh", Strategy: "pool"},
		{Kind: diagnostics.EventRelocate, Address: unsafe.Pointer(&value[0]), NewAddress: unsafe.Pointer(&value[1]), Size: 16},
	}

	var out bytes.Buffer
	require.NoError(t, diagnostics.WriteEventsJSON(&out, events))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	require.Equal(t, "Allocate", decoded[0]["Kind"])
	require.Equal(t, "mesh", decoded[0]["Tag"])
	require.Equal(t, "pool", decoded[0]["Strategy"])
	require.NotContains(t, decoded[0], "NewAddress")
	require.Equal(t, "Relocate", decoded[1]["Kind"])
	require.Contains(t, decoded[1], "NewAddress")
	require.Equal(t, float64(16), decoded[1]["Size"])
}

func TestFragmentationBar(t *testing.T) {
	testCases := map[string]struct {
		ratio  float64
		filled int
	}{
		"Empty":    {ratio: 0, filled: 0},
		"Quarter":  {ratio: 0.25, filled: 10},
		"Full":     {ratio: 1, filled: 40},
		"Negative": {ratio: -1, filled: 0},
		"Overflow": {ratio: 3, filled: 40},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			bar := diagnostics.FragmentationBar(testCase.ratio)
			require.Len(t, bar, 42)
			require.Equal(t, testCase.filled, strings.Count(bar, "#"))
		})
	}
}

func sampleReport() *diagnostics.Report {
	var value [4]uint64

	return &diagnostics.Report{
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Totals: memutils.Statistics{
			TotalAllocated:  4096,
			TotalFreed:      1024,
			CurrentUsage:    3072,
			PeakUsage:       4096,
			AllocationCount: 3,
			BlockCount:      2,
			BlockBytes:      1 << 20,
		},
		Strategies: []diagnostics.StrategyReport{
			{
				Name:       "heap",
				Statistics: memutils.Statistics{TotalAllocated: 4096, TotalFreed: 1024, CurrentUsage: 3072, PeakUsage: 4096, AllocationCount: 3},
				Analysis:   &defrag.Analysis{BlockCount: 1, TotalBytes: 8192, GapBytes: 2048, LargestFreeRun: 4096, FragmentationRatio: 0.25},
			},
			{
				Name:        "pool",
				Corruptions: 2,
			},
		},
		Live: []tracking.Record{
			{Address: unsafe.Pointer(&value[0]), Size: 1024, Alignment: 16, Strategy: "heap", Tag: "texture"},
		},
		EventCount: 12,
	}
}

func TestReport_WriteText(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, sampleReport().WriteText(&out))

	text := out.String()
	require.Contains(t, text, "Memory Report - 2024-03-01 12:00:00")
	require.Contains(t, text, "Strategy heap:")
	require.Contains(t, text, "Current: 3.0 KB (3 allocations)")
	require.Contains(t, text, "Committed: 1.0 MB in 2 blocks")
	require.Contains(t, text, "[##########..............................]  25.0% (largest free run 4.0 KB)")
	require.Contains(t, text, "Corruptions: 2")
	require.Contains(t, text, "Live Allocations: 1")
	require.Contains(t, text, "Events: 12 (0 dropped)")
}

func TestReport_WriteJSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, sampleReport().WriteJSON(&out))

	var decoded struct {
		Totals struct {
			CurrentUsage int
			BlockBytes   int
		}
		Strategies map[string]struct {
			AllocationCount int
			Corruptions     int
			Fragmentation   *struct {
				GapBytes           int
				FragmentationRatio float64
			}
		}
		Live []struct {
			Size     int
			Strategy string
			Tag      string
		}
		EventCount int
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))

	require.Equal(t, 3072, decoded.Totals.CurrentUsage)
	require.Equal(t, 1<<20, decoded.Totals.BlockBytes)
	require.Len(t, decoded.Strategies, 2)
	require.Equal(t, 3, decoded.Strategies["heap"].AllocationCount)
	require.NotNil(t, decoded.Strategies["heap"].Fragmentation)
	require.Equal(t, 2048, decoded.Strategies["heap"].Fragmentation.GapBytes)
	require.Equal(t, 0.25, decoded.Strategies["heap"].Fragmentation.FragmentationRatio)
	require.Nil(t, decoded.Strategies["pool"].Fragmentation)
	require.Equal(t, 2, decoded.Strategies["pool"].Corruptions)
	require.Len(t, decoded.Live, 1)
	require.Equal(t, "texture", decoded.Live[0].Tag)
	require.Equal(t, 12, decoded.EventCount)
}
