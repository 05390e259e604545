package memsys

import (
	"context"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/diagnostics"
	"github.com/hydragon-engine/memcore/memutils"
	"github.com/hydragon-engine/memcore/memutils/defrag"
)

// SubscribeRelocation registers patch to be called for every allocation that compaction moves, with the
// addresses callers were handed. The old address must not be used once the call returns. The returned function
// unsubscribes.
func (m *Manager) SubscribeRelocation(patch defrag.PatchFunc) func() {
	m.subscriberMutex.Lock()
	defer m.subscriberMutex.Unlock()

	id := m.subscriberID
	m.subscriberID++
	m.subscribers[id] = patch

	return func() {
		m.subscriberMutex.Lock()
		defer m.subscriberMutex.Unlock()

		delete(m.subscribers, id)
	}
}

func (m *Manager) target(registered *registeredStrategy) (defrag.Target, error) {
	target, ok := registered.base.(defrag.Target)
	if !ok {
		return nil, errors.Wrapf(memutils.ErrRequestUnsupported, "strategy %s cannot be defragmented", registered.name)
	}
	return target, nil
}

// patchFunc translates relocations reported by a strategy into the addresses handed to callers, and fans them
// out to the allocation map, the event recorder and every subscriber
func (m *Manager) patchFunc(registered *registeredStrategy) defrag.PatchFunc {
	return func(oldPtr, newPtr unsafe.Pointer, size int) {
		if registered.guard != nil {
			var ok bool
			oldPtr, newPtr, ok = registered.guard.Relocate(oldPtr, newPtr)
			if !ok {
				return
			}
		}

		record, ok := m.allocations.Lookup(oldPtr)
		if ok {
			size = record.Size
		}

		err := m.allocations.Relocate(oldPtr, newPtr)
		if err != nil {
			m.logger.LogAttrs(context.Background(), slog.LevelWarn, "relocated allocation was not tracked",
				slog.String("strategy", registered.name), slog.Any("error", err))
		}

		m.recorder.Emit(diagnostics.Event{
			Kind:       diagnostics.EventRelocate,
			Address:    oldPtr,
			NewAddress: newPtr,
			Size:       size,
			Tag:        record.Tag,
			ThreadID:   record.ThreadID,
			Strategy:   registered.name,
		})

		m.subscriberMutex.Lock()
		subscribers := make([]defrag.PatchFunc, 0, len(m.subscribers))
		for _, subscriber := range m.subscribers {
			subscribers = append(subscribers, subscriber)
		}
		m.subscriberMutex.Unlock()

		for _, subscriber := range subscribers {
			subscriber(oldPtr, newPtr, size)
		}
	}
}

// compactForRetry runs Compact on the strategy, followed by a defragmentation pass if it supports one. The
// facade lock is held exclusively for the duration.
func (m *Manager) compactForRetry(name string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	registered, err := m.getStrategy(name)
	if err != nil {
		return err
	}

	compactor, ok := registered.strategy.(memutils.Compactor)
	if ok {
		err = compactor.Compact()
	}

	target, targetErr := m.target(registered)
	if targetErr != nil {
		return err
	}

	_, defragErr := m.defragmenter.Defragment(target, m.patchFunc(registered))
	return errors.CombineErrors(err, defragErr)
}

// Analyze measures the fragmentation of the named strategy
func (m *Manager) Analyze(name string) (defrag.Analysis, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	registered, err := m.getStrategy(name)
	if err != nil {
		return defrag.Analysis{}, err
	}

	target, err := m.target(registered)
	if err != nil {
		return defrag.Analysis{}, err
	}

	return m.defragmenter.Analyze(target), nil
}

// Defragment compacts the named strategy if its fragmentation ratio exceeds the configured threshold. Every
// subscriber is notified of every move before Defragment returns. No allocation or deallocation can proceed
// while it runs.
func (m *Manager) Defragment(name string) (defrag.DefragmentationStats, error) {
	m.logger.Debug("Manager::Defragment", slog.String("name", name))

	m.lock.Lock()
	defer m.lock.Unlock()

	registered, err := m.getStrategy(name)
	if err != nil {
		return defrag.DefragmentationStats{}, err
	}

	target, err := m.target(registered)
	if err != nil {
		return defrag.DefragmentationStats{}, err
	}

	return m.defragmenter.Defragment(target, m.patchFunc(registered))
}

// Compact asks every strategy that supports it to return unused memory
func (m *Manager) Compact() error {
	m.logger.Debug("Manager::Compact")

	m.lock.Lock()
	defer m.lock.Unlock()

	var err error
	for _, name := range m.order {
		registered, _ := m.strategies.Get(name)
		compactor, ok := registered.strategy.(memutils.Compactor)
		if ok {
			err = errors.CombineErrors(err, compactor.Compact())
		}
	}
	return err
}
