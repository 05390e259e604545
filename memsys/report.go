package memsys

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/diagnostics"
	"github.com/hydragon-engine/memcore/memutils"
	"github.com/hydragon-engine/memcore/security"
)

// Stats is a snapshot of the facade
type Stats struct {
	// Totals counts the bytes callers requested through the facade
	Totals memutils.Statistics
	// Strategies holds the statistics each strategy reports, which include rounding and canary overhead
	Strategies map[string]memutils.Statistics
	// LiveAllocations is the number of records in the allocation map
	LiveAllocations int
	// Corruptions is the number of canary mismatches found so far
	Corruptions int
}

func (m *Manager) Stats() Stats {
	m.lock.RLock()
	defer m.lock.RUnlock()

	stats := Stats{
		Totals:          m.counters.Snapshot(),
		Strategies:      make(map[string]memutils.Statistics, len(m.order)),
		LiveAllocations: m.allocations.Len(),
	}

	for _, name := range m.order {
		registered, _ := m.strategies.Get(name)
		strategyStats := registered.strategy.Stats()
		stats.Strategies[name] = strategyStats
		stats.Totals.BlockCount += strategyStats.BlockCount
		stats.Totals.BlockBytes += strategyStats.BlockBytes

		if registered.guard != nil {
			stats.Corruptions += registered.guard.CorruptionCount()
		}
	}

	return stats
}

// CheckCorruption scans the canaries of every live allocation. Each mismatch is logged, counted and emitted as
// an EventCorruption.
func (m *Manager) CheckCorruption() []security.Corruption {
	m.logger.Debug("Manager::CheckCorruption")

	m.lock.RLock()
	defer m.lock.RUnlock()

	var corruptions []security.Corruption
	for _, name := range m.order {
		registered, _ := m.strategies.Get(name)
		if registered.guard != nil {
			corruptions = append(corruptions, registered.guard.Scan()...)
		}
	}
	return corruptions
}

// Report takes a snapshot of the facade for external tooling
func (m *Manager) Report() *diagnostics.Report {
	stats := m.Stats()

	m.lock.RLock()
	defer m.lock.RUnlock()

	report := &diagnostics.Report{
		Timestamp:  time.Now(),
		Totals:     stats.Totals,
		Live:       m.allocations.Leaks(),
		EventCount: m.recorder.Total(),
		Dropped:    m.recorder.Dropped(),
	}

	for _, name := range m.order {
		registered, ok := m.strategies.Get(name)
		if !ok {
			continue
		}

		strategyReport := diagnostics.StrategyReport{
			Name:       name,
			Statistics: registered.strategy.Stats(),
		}
		if registered.guard != nil {
			strategyReport.Corruptions = registered.guard.CorruptionCount()
		}

		target, err := m.target(registered)
		if err == nil {
			analysis := m.defragmenter.Analyze(target)
			strategyReport.Analysis = &analysis
		}

		report.Strategies = append(report.Strategies, strategyReport)
	}

	return report
}

// Destroy logs every allocation that was never deallocated, releases every strategy's memory and unregisters
// all strategies. It returns an error if any allocation was still live. The Manager must not be used
// afterward.
func (m *Manager) Destroy() error {
	m.logger.Debug("Manager::Destroy")

	m.lock.Lock()
	defer m.lock.Unlock()

	var err error
	leaks := m.allocations.LogLeaks()
	if leaks > 0 {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "allocator destroyed with live allocations",
			slog.Int("count", leaks), slog.Int("bytes", m.allocations.Bytes()))
		err = errors.Newf("%d allocations were never deallocated", leaks)
	}

	err = errors.CombineErrors(err, m.releaseAll())
	m.allocations.Clear()
	return err
}
