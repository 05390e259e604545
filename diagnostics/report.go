package diagnostics

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hydragon-engine/memcore/memutils"
	"github.com/hydragon-engine/memcore/memutils/defrag"
	"github.com/hydragon-engine/memcore/tracking"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

const fragmentationBarWidth = 40

// StrategyReport is the state of a single registered strategy
type StrategyReport struct {
	Name       string
	Statistics memutils.Statistics
	// Analysis is nil for strategies that cannot be defragmented
	Analysis *defrag.Analysis
	// Corruptions is the number of canary mismatches found in the strategy so far
	Corruptions int
}

// Report is a snapshot of the allocator taken at Timestamp
type Report struct {
	Timestamp  time.Time
	Totals     memutils.Statistics
	Strategies []StrategyReport
	Live       []tracking.Record
	EventCount int
	Dropped    int
}

func formatBytes(bytes int) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := unit, 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FragmentationBar renders ratio as a bar of 40 cells
func FragmentationBar(ratio float64) string {
	if ratio < 0 {
		ratio = 0
	} else if ratio > 1 {
		ratio = 1
	}

	filled := int(ratio*fragmentationBarWidth + 0.5)
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", fragmentationBarWidth-filled) + "]"
}

// WriteText writes the report to w in a console friendly layout
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Memory Report - %s\n", r.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "%s\n\n", strings.Repeat("=", fragmentationBarWidth))

	writeStats(&b, "Total", &r.Totals)

	for i := range r.Strategies {
		strategy := &r.Strategies[i]
		b.WriteString("\n")
		writeStats(&b, "Strategy "+strategy.Name, &strategy.Statistics)

		if strategy.Analysis != nil {
			fmt.Fprintf(&b, "  Fragmentation: %s %5.1f%% (largest free run %s)\n",
				FragmentationBar(strategy.Analysis.FragmentationRatio),
				strategy.Analysis.FragmentationRatio*100,
				formatBytes(strategy.Analysis.LargestFreeRun))
		}
		if strategy.Corruptions > 0 {
			fmt.Fprintf(&b, "  Corruptions: %d\n", strategy.Corruptions)
		}
	}

	fmt.Fprintf(&b, "\nLive Allocations: %d\n", len(r.Live))
	fmt.Fprintf(&b, "Events: %d (%d dropped)\n", r.EventCount, r.Dropped)

	_, err := io.WriteString(w, b.String())
	return err
}

func writeStats(b *strings.Builder, title string, stats *memutils.Statistics) {
	fmt.Fprintf(b, "%s:\n", title)
	fmt.Fprintf(b, "  Current: %s (%d allocations)\n", formatBytes(stats.CurrentUsage), stats.AllocationCount)
	fmt.Fprintf(b, "  Peak: %s\n", formatBytes(stats.PeakUsage))
	fmt.Fprintf(b, "  Allocated: %s, Freed: %s\n", formatBytes(stats.TotalAllocated), formatBytes(stats.TotalFreed))
	fmt.Fprintf(b, "  Committed: %s in %d blocks\n", formatBytes(stats.BlockBytes), stats.BlockCount)
}

func writeStatsJson(json *jwriter.ObjectState, stats *memutils.Statistics) {
	json.Name("TotalAllocated").Int(stats.TotalAllocated)
	json.Name("TotalFreed").Int(stats.TotalFreed)
	json.Name("CurrentUsage").Int(stats.CurrentUsage)
	json.Name("PeakUsage").Int(stats.PeakUsage)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
}

func writeAnalysisJson(json *jwriter.ObjectState, analysis *defrag.Analysis) {
	json.Name("BlockCount").Int(analysis.BlockCount)
	json.Name("TotalBytes").Int(analysis.TotalBytes)
	json.Name("FreeBytes").Int(analysis.FreeBytes)
	json.Name("GapBytes").Int(analysis.GapBytes)
	json.Name("LargestFreeRun").Int(analysis.LargestFreeRun)
	json.Name("FragmentationRatio").Float64(analysis.FragmentationRatio)
}

// WriteJSON writes the report to w as a single JSON object
func (r *Report) WriteJSON(w io.Writer) error {
	writer := jwriter.NewStreamingWriter(w, 4096)

	obj := writer.Object()
	obj.Name("Timestamp").String(r.Timestamp.Format(time.RFC3339Nano))

	totals := obj.Name("Totals").Object()
	writeStatsJson(&totals, &r.Totals)
	totals.End()

	strategies := obj.Name("Strategies").Object()
	for i := range r.Strategies {
		strategy := &r.Strategies[i]

		strategyObj := strategies.Name(strategy.Name).Object()
		writeStatsJson(&strategyObj, &strategy.Statistics)
		strategyObj.Name("Corruptions").Int(strategy.Corruptions)
		if strategy.Analysis != nil {
			analysisObj := strategyObj.Name("Fragmentation").Object()
			writeAnalysisJson(&analysisObj, strategy.Analysis)
			analysisObj.End()
		}
		strategyObj.End()
	}
	strategies.End()

	live := obj.Name("Live").Array()
	for _, record := range r.Live {
		recordObj := live.Object()
		recordObj.Name("Address").String(fmt.Sprintf("%p", record.Address))
		recordObj.Name("Size").Int(record.Size)
		recordObj.Name("Alignment").Int(int(record.Alignment))
		recordObj.Name("Strategy").String(record.Strategy)
		if record.Tag != "" {
			recordObj.Name("Tag").String(record.Tag)
		}
		recordObj.Name("ThreadID").Int(int(record.ThreadID))
		recordObj.End()
	}
	live.End()

	obj.Name("EventCount").Int(r.EventCount)
	obj.Name("Dropped").Int(r.Dropped)
	obj.End()

	return writer.Flush()
}
