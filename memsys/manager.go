// Package memsys is the allocator facade the rest of the engine talks to. It owns a registry of named
// strategies, routes every request to one of them, and keeps the allocation map, statistics and diagnostics
// that span all strategies.
package memsys

import (
	"log/slog"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/hydragon-engine/memcore/concurrent"
	"github.com/hydragon-engine/memcore/diagnostics"
	"github.com/hydragon-engine/memcore/heap"
	"github.com/hydragon-engine/memcore/internal/utils"
	"github.com/hydragon-engine/memcore/memutils"
	"github.com/hydragon-engine/memcore/memutils/defrag"
	"github.com/hydragon-engine/memcore/numa"
	"github.com/hydragon-engine/memcore/pool"
	"github.com/hydragon-engine/memcore/security"
	"github.com/hydragon-engine/memcore/tracking"
)

const (
	HeapStrategy       = "heap"
	PoolStrategy       = "pool"
	ConcurrentStrategy = "concurrent"
	NumaStrategy       = "numa"
)

type CreateFlags int32

var createFlagsMapping = utils.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateSkipDefaultStrategies creates a Manager without any strategy. Callers register their own with
	// AddStrategy and pick a default with SetDefaultStrategy.
	CreateSkipDefaultStrategies CreateFlags = 1 << iota
	// CreateNumaAware registers a numa.Allocator as "numa" and routes requests that carry a NUMA hint to it
	CreateNumaAware
)

func init() {
	CreateSkipDefaultStrategies.Register("CreateSkipDefaultStrategies")
	CreateNumaAware.Register("CreateNumaAware")
}

// CreateOptions contains optional settings when creating a Manager. The zero value is valid.
type CreateOptions struct {
	Flags CreateFlags
	// Security is the hardening configuration. nil means security.DefaultConfig().
	Security *security.Config

	Heap       heap.CreateOptions
	Pool       pool.CreateOptions
	Concurrent concurrent.CreateOptions
	Numa       numa.CreateOptions

	Defragmentation defrag.DefragmentationInfo
	Tracking        tracking.CreateOptions
	Diagnostics     diagnostics.CreateOptions
}

type registeredStrategy struct {
	name string
	// strategy serves requests. It is the guard when canaries are enabled, and base otherwise.
	strategy memutils.Strategy
	base     memutils.Strategy
	guard    *security.Allocator
	// owned strategies were created by the Manager and are released when removed
	owned bool
}

// Manager is the allocator facade. Every method is safe for concurrent use. Allocations and deallocations
// share the facade lock, while compaction holds it exclusively.
type Manager struct {
	logger   *slog.Logger
	security security.Config
	network  *security.NetworkValidator

	lock            sync.RWMutex
	strategies      *swiss.Map[string, *registeredStrategy]
	order           []string
	defaultStrategy string
	classStrategies [memutils.SizeClassCount]string
	numaAware       bool

	allocations  *tracking.AllocationMap
	recorder     *diagnostics.Recorder
	defragmenter *defrag.Defragmenter
	counters     memutils.UsageCounters

	subscriberMutex sync.Mutex
	subscribers     map[int]defrag.PatchFunc
	subscriberID    int
}

// New creates a Manager. Unless CreateSkipDefaultStrategies is set, it registers a heap as "heap" (the default
// strategy and the strategy of large requests), a pool as "pool" (small and medium requests) and a concurrent
// allocator as "concurrent" (temporary requests).
func New(logger *slog.Logger, options CreateOptions) (*Manager, error) {
	config := security.DefaultConfig()
	if options.Security != nil {
		config = *options.Security
	}

	m := &Manager{
		logger:          logger,
		security:        config,
		strategies:      swiss.NewMap[string, *registeredStrategy](42),
		defaultStrategy: HeapStrategy,
		classStrategies: [memutils.SizeClassCount]string{PoolStrategy, PoolStrategy, HeapStrategy},
		numaAware:       options.Flags&CreateNumaAware != 0,
		allocations:     tracking.New(logger, options.Tracking),
		recorder:        diagnostics.NewRecorder(logger, options.Diagnostics),
		defragmenter:    defrag.New(logger, options.Defragmentation),
		subscribers:     make(map[int]defrag.PatchFunc),
	}
	m.network = security.NewNetworkValidator(config, m.remoteAccessAllowed)

	if options.Flags&CreateSkipDefaultStrategies != 0 {
		if !m.numaAware {
			return m, nil
		}
		return m, m.createNuma(options.Numa)
	}

	err := m.createDefaultStrategies(options)
	if err != nil {
		return nil, errors.CombineErrors(err, m.releaseAll())
	}

	return m, nil
}

func (m *Manager) createDefaultStrategies(options CreateOptions) error {
	h, err := heap.New(m.logger, options.Heap)
	if err != nil {
		return errors.Wrap(err, "failed to create the default heap")
	}
	err = m.addStrategyLocked(HeapStrategy, h, true)
	if err != nil {
		return errors.CombineErrors(err, h.Release())
	}

	poolOptions := options.Pool
	if m.security.RandomizePoolSizes && poolOptions.BlockSizes == [pool.TierCount]int{} {
		sizes, err := security.RandomizePoolSizes()
		if err != nil {
			return err
		}
		poolOptions.BlockSizes = sizes.Array()
	}

	p, err := pool.New(m.logger, poolOptions)
	if err != nil {
		return errors.Wrap(err, "failed to create the default pool")
	}
	err = m.addStrategyLocked(PoolStrategy, p, true)
	if err != nil {
		return errors.CombineErrors(err, p.Release())
	}

	c, err := concurrent.New(m.logger, options.Concurrent)
	if err != nil {
		return errors.Wrap(err, "failed to create the concurrent allocator")
	}
	err = m.addStrategyLocked(ConcurrentStrategy, c, true)
	if err != nil {
		return errors.CombineErrors(err, c.Release())
	}

	if m.numaAware {
		return m.createNuma(options.Numa)
	}
	return nil
}

func (m *Manager) createNuma(options numa.CreateOptions) error {
	n, err := numa.New(m.logger, options)
	if err != nil {
		return errors.Wrap(err, "failed to create the numa allocator")
	}

	err = m.addStrategyLocked(NumaStrategy, n, true)
	if err != nil {
		return errors.CombineErrors(err, n.Release())
	}
	return nil
}

// Recorder returns the event recorder, which external tooling can subscribe to
func (m *Manager) Recorder() *diagnostics.Recorder {
	return m.recorder
}

// Allocations returns the allocation map
func (m *Manager) Allocations() *tracking.AllocationMap {
	return m.allocations
}

// AddStrategy registers a strategy under name. The strategy is checked with security.ValidateStrategy and
// wrapped in a security.Allocator when the security configuration asks for it. The caller keeps ownership of
// the strategy's memory: RemoveStrategy does not release it, but Destroy does.
func (m *Manager) AddStrategy(name string, strategy memutils.Strategy) error {
	m.logger.Debug("Manager::AddStrategy", slog.String("name", name))

	m.lock.Lock()
	defer m.lock.Unlock()

	return m.addStrategyLocked(name, strategy, false)
}

func (m *Manager) addStrategyLocked(name string, strategy memutils.Strategy, owned bool) error {
	if name == "" {
		return errors.New("strategy name must not be empty")
	}
	if m.strategies.Has(name) {
		return errors.Wrapf(memutils.ErrStrategyExists, "strategy %s", name)
	}

	if m.security.ValidateStrategies {
		err := security.ValidateStrategy(strategy)
		if err != nil {
			return errors.Wrapf(err, "strategy %s", name)
		}
	} else if strategy == nil {
		return errors.Newf("strategy %s is nil", name)
	}

	registered := &registeredStrategy{
		name:     name,
		strategy: strategy,
		base:     strategy,
		owned:    owned,
	}

	if m.security.EnableCanaries {
		registered.guard = security.New(m.logger, strategy, security.CreateOptions{
			Name:              name,
			AbortOnCorruption: m.security.AbortOnCorruption,
			OnCorruption:      m.onCorruption,
		})
		registered.strategy = registered.guard
	}

	m.strategies.Put(name, registered)
	m.order = append(m.order, name)
	return nil
}

// RemoveStrategy unregisters a strategy. It fails while the strategy still serves live allocations or is the
// default strategy. Size classes routed to it fall back to the default strategy.
func (m *Manager) RemoveStrategy(name string) error {
	m.logger.Debug("Manager::RemoveStrategy", slog.String("name", name))

	m.lock.Lock()
	defer m.lock.Unlock()

	registered, ok := m.strategies.Get(name)
	if !ok {
		return errors.Wrapf(memutils.ErrUnknownStrategy, "strategy %s", name)
	}
	if name == m.defaultStrategy {
		return errors.Newf("strategy %s is the default strategy", name)
	}

	live := m.allocations.CountForStrategy(name)
	if live > 0 {
		return errors.Newf("strategy %s still serves %d live allocations", name, live)
	}

	m.strategies.Delete(name)
	for i, registeredName := range m.order {
		if registeredName == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for class := range m.classStrategies {
		if m.classStrategies[class] == name {
			m.classStrategies[class] = ""
		}
	}

	if !registered.owned {
		return nil
	}
	return release(registered.strategy)
}

// SetDefaultStrategy selects the strategy that serves requests no other rule routes, and requests whose
// shape the routed strategy does not support
func (m *Manager) SetDefaultStrategy(name string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.strategies.Has(name) {
		return errors.Wrapf(memutils.ErrUnknownStrategy, "strategy %s", name)
	}

	m.defaultStrategy = name
	return nil
}

// SetSizeClassStrategy routes requests of a size class that don't name a strategy
func (m *Manager) SetSizeClassStrategy(class memutils.SizeClass, name string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if class >= memutils.SizeClassCount {
		return errors.Newf("unknown size class %d", class)
	}
	if !m.strategies.Has(name) {
		return errors.Wrapf(memutils.ErrUnknownStrategy, "strategy %s", name)
	}

	m.classStrategies[class] = name
	return nil
}

// Strategy returns the strategy registered under name, unwrapped from its canary guard
func (m *Manager) Strategy(name string) (memutils.Strategy, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	registered, ok := m.strategies.Get(name)
	if !ok {
		return nil, false
	}
	return registered.base, true
}

// StrategyNames returns the registered strategy names in registration order
func (m *Manager) StrategyNames() []string {
	m.lock.RLock()
	defer m.lock.RUnlock()

	names := make([]string, len(m.order))
	copy(names, m.order)
	return names
}

func (m *Manager) onCorruption(corruption security.Corruption) {
	m.recorder.Emit(diagnostics.Event{
		Kind:     diagnostics.EventCorruption,
		Address:  corruption.Address,
		Size:     corruption.Size,
		Strategy: corruption.Strategy,
	})
}

// remoteAccessAllowed permits remote access only within a single live allocation
func (m *Manager) remoteAccessAllowed(ptr unsafe.Pointer, size int) bool {
	record, ok := m.allocations.Lookup(ptr)
	return ok && size <= record.Size
}

// ValidateRemoteAccess checks a pointer received from a remote peer. When network security is enabled, the
// access must stay within a single live allocation.
func (m *Manager) ValidateRemoteAccess(ptr unsafe.Pointer, size int) error {
	return m.network.ValidateRemoteAccess(ptr, size)
}

func release(strategy memutils.Strategy) error {
	releaser, ok := strategy.(memutils.Releaser)
	if !ok {
		return nil
	}
	return releaser.Release()
}

func (m *Manager) releaseAll() error {
	var err error
	for _, name := range m.order {
		registered, _ := m.strategies.Get(name)
		err = errors.CombineErrors(err, release(registered.strategy))
	}

	m.strategies = swiss.NewMap[string, *registeredStrategy](42)
	m.order = nil
	return err
}
