package memsys

import (
	"context"
	"log/slog"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/diagnostics"
	"github.com/hydragon-engine/memcore/memutils"
	"github.com/hydragon-engine/memcore/tracking"
)

func (m *Manager) getStrategy(name string) (*registeredStrategy, error) {
	registered, ok := m.strategies.Get(name)
	if !ok {
		return nil, errors.Wrapf(memutils.ErrUnknownStrategy, "strategy %s", name)
	}
	return registered, nil
}

// route picks the strategy of a request: the strategy it names, then the numa strategy for requests with a
// NUMA hint, then the concurrent strategy for temporary requests, then the strategy of its size class, and the
// default strategy when none of those is registered
func (m *Manager) route(size int, info *memutils.AllocationInfo) (*registeredStrategy, error) {
	if info.Strategy != "" {
		return m.getStrategy(info.Strategy)
	}

	if m.numaAware && (info.NumaNodeMask != 0 || info.Workload != memutils.WorkloadNone) {
		registered, ok := m.strategies.Get(NumaStrategy)
		if ok {
			return registered, nil
		}
	}

	if info.Temporary {
		registered, ok := m.strategies.Get(ConcurrentStrategy)
		if ok {
			return registered, nil
		}
	}

	className := m.classStrategies[memutils.SizeClassFor(size)]
	if className != "" {
		registered, ok := m.strategies.Get(className)
		if ok {
			return registered, nil
		}
	}

	return m.getStrategy(m.defaultStrategy)
}

// retryable is true for failures that compaction may fix
func retryable(err error) bool {
	return !errors.Is(err, memutils.ErrInvalidSize) &&
		!errors.Is(err, memutils.PowerOfTwoError) &&
		!errors.Is(err, memutils.ErrUnknownStrategy) &&
		!errors.Is(err, memutils.ErrRequestUnsupported)
}

// Allocate serves size bytes aligned to info.Alignment. It never panics: on failure it returns a nil pointer and
// an error. A request the routed strategy cannot serve at all goes to the default strategy. Any other failure
// compacts the strategy once and retries.
func (m *Manager) Allocate(size int, info memutils.AllocationInfo) (unsafe.Pointer, error) {
	m.logger.Debug("Manager::Allocate", slog.Int("size", size), slog.String("tag", info.Tag))

	ptr, strategyName, err := m.tryAllocate(size, info)
	if err != nil && strategyName != "" && retryable(err) {
		m.logger.LogAttrs(context.Background(), slog.LevelInfo, "allocation failed, compacting",
			slog.String("strategy", strategyName), slog.Int("size", size), slog.Any("error", err))

		compactErr := m.compactForRetry(strategyName)
		if compactErr != nil {
			m.logger.LogAttrs(context.Background(), slog.LevelWarn, "compaction failed",
				slog.String("strategy", strategyName), slog.Any("error", compactErr))
		}

		// The retry is pinned so a concurrent registry change cannot redirect it
		info.Strategy = strategyName
		ptr, _, err = m.tryAllocate(size, info)
	}

	if err != nil {
		m.recorder.Emit(diagnostics.Event{
			Kind:     diagnostics.EventAllocationFailed,
			Size:     size,
			Tag:      info.Tag,
			ThreadID: info.ThreadID,
			Strategy: strategyName,
		})
		return nil, err
	}

	return ptr, nil
}

// tryAllocate routes and serves a single attempt. It returns the name of the strategy that was tried last.
func (m *Manager) tryAllocate(size int, info memutils.AllocationInfo) (unsafe.Pointer, string, error) {
	if size <= 0 {
		return nil, "", errors.Wrapf(memutils.ErrInvalidSize, "requested %d bytes", size)
	}
	alignment := info.EffectiveAlignment()
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, "", err
	}

	m.lock.RLock()
	defer m.lock.RUnlock()

	registered, err := m.route(size, &info)
	if err != nil {
		return nil, "", err
	}

	ptr, err := registered.strategy.Allocate(size, info)
	if errors.Is(err, memutils.ErrRequestUnsupported) && registered.name != m.defaultStrategy {
		fallback, fallbackErr := m.getStrategy(m.defaultStrategy)
		if fallbackErr != nil {
			return nil, registered.name, errors.CombineErrors(err, fallbackErr)
		}

		registered = fallback
		ptr, err = registered.strategy.Allocate(size, info)
	}
	if err != nil {
		return nil, registered.name, err
	}

	if !memutils.IsAligned(ptr, alignment) {
		deallocateErr := registered.strategy.Deallocate(ptr)
		return nil, registered.name, errors.CombineErrors(
			errors.AssertionFailedf("strategy %s returned %p, which is not aligned to %d", registered.name, ptr, alignment),
			deallocateErr)
	}

	err = m.allocations.Track(tracking.Record{
		Address:   ptr,
		Size:      size,
		Alignment: alignment,
		Strategy:  registered.name,
		Tag:       info.Tag,
		ThreadID:  info.ThreadID,
		Timestamp: time.Now(),
	})
	if err != nil {
		// The strategy handed out live memory twice
		return nil, registered.name, err
	}

	m.counters.AddAllocation(size)
	m.recorder.Emit(diagnostics.Event{
		Kind:     diagnostics.EventAllocate,
		Address:  ptr,
		Size:     size,
		Tag:      info.Tag,
		ThreadID: info.ThreadID,
		Strategy: registered.name,
	})

	return ptr, registered.name, nil
}

// Deallocate returns an allocation to the strategy that served it. Deallocating nil does nothing. Pointers
// that are not live allocations fail with memutils.ErrDoubleFree or memutils.ErrUntrackedPointer without
// touching any strategy. A canary mismatch fails with memutils.ErrCorruptionDetected, but the memory is
// released anyway.
func (m *Manager) Deallocate(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	m.lock.RLock()
	defer m.lock.RUnlock()

	record, ok := m.allocations.Lookup(ptr)
	if !ok {
		_, err := m.allocations.Untrack(ptr)
		return err
	}

	registered, ok := m.strategies.Get(record.Strategy)
	if !ok || !registered.strategy.Owns(ptr) {
		err := errors.Wrapf(memutils.ErrUntrackedPointer, "strategy %s does not own %p", record.Strategy, ptr)
		memutils.DebugAssert(err)
		return err
	}

	// Untrack claims the allocation, so only one of several racing deallocations reaches the strategy
	record, err := m.allocations.Untrack(ptr)
	if err != nil {
		return err
	}

	err = registered.strategy.Deallocate(ptr)
	if err != nil && !errors.Is(err, memutils.ErrCorruptionDetected) {
		// The strategy kept the memory, so it is still live
		return errors.CombineErrors(err, m.allocations.Track(record))
	}

	m.counters.RemoveAllocation(record.Size)
	m.recorder.Emit(diagnostics.Event{
		Kind:     diagnostics.EventDeallocate,
		Address:  ptr,
		Size:     record.Size,
		Tag:      record.Tag,
		ThreadID: record.ThreadID,
		Strategy: record.Strategy,
	})

	return err
}
