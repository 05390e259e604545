// Package streaming gives engine modules a byte budget for streamed content such as terrain tiles and texture
// pages. When a module runs out of budget, its least important and least recently used blocks are evicted to make
// room.
package streaming

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/hydragon-engine/memcore/diagnostics"
	"github.com/hydragon-engine/memcore/memutils"
	"github.com/hydragon-engine/memcore/memutils/defrag"
)

const defaultEvictionThreshold = 0.9

// Allocator is the memory source streamed blocks are carved from. Every memutils.Strategy satisfies it, as does
// the allocator facade.
type Allocator interface {
	Allocate(size int, info memutils.AllocationInfo) (unsafe.Pointer, error)
	Deallocate(ptr unsafe.Pointer) error
}

// RelocationSource is implemented by allocators that can move live allocations, such as the allocator facade.
// When the Allocator passed to New is also a RelocationSource, the Manager follows every move of a streamed block.
type RelocationSource interface {
	SubscribeRelocation(patch defrag.PatchFunc) func()
}

// Eviction describes a block that was freed to make room for other streamed content
type Eviction struct {
	Module   string
	Address  unsafe.Pointer
	Size     int
	Priority memutils.Priority
}

// Config contains optional settings when creating a Manager. The zero value is valid.
type Config struct {
	// EvictionThreshold is the usage ratio above which Update evicts blocks proactively. 0 means 0.9.
	EvictionThreshold float64
	// DisablePrioritization turns off eviction during Allocate: requests that exceed the budget simply fail
	DisablePrioritization bool
	// ReservedStreamingMemory caps the sum of all module budgets. 0 means no cap.
	ReservedStreamingMemory int
	// MaxStreamingBlocks caps the number of live blocks per module. 0 means no cap.
	MaxStreamingBlocks int

	// OnEvict is called for every evicted block, after the block was freed
	OnEvict func(Eviction)
	// OnPressure is called when a module cannot fit a request of requested bytes into its budget without
	// eviction, and by Update with requested = 0 for every module above the eviction threshold
	OnPressure func(module string, requested int)
	// Recorder receives an EventEvict for every evicted block
	Recorder *diagnostics.Recorder
	// OnRelocate is called for every streamed block the allocator moved, after the Manager started tracking it at
	// newPtr. It may run while the allocator holds its own locks and must not call back into the allocator.
	OnRelocate defrag.PatchFunc
}

// ModuleStats is a snapshot of a module's budget
type ModuleStats struct {
	Name      string
	Reserved  int
	Usage     int
	PeakUsage int
	Priority  memutils.Priority
	Blocks    int
	Evictions int
}

// notification is a listener call deferred until the manager lock is released
type notification struct {
	pressure bool
	eviction Eviction
}

type block struct {
	ptr        unsafe.Pointer
	size       int
	priority   memutils.Priority
	lastAccess uint64
	module     *module
}

type module struct {
	name      string
	reserved  int
	usage     int
	peak      int
	priority  memutils.Priority
	evictions int
	count     int
	blocks    *swiss.Map[uintptr, *block]
}

func (m *module) stats() ModuleStats {
	return ModuleStats{
		Name:      m.name,
		Reserved:  m.reserved,
		Usage:     m.usage,
		PeakUsage: m.peak,
		Priority:  m.priority,
		Blocks:    m.count,
		Evictions: m.evictions,
	}
}

func (m *module) ratio() float64 {
	if m.reserved == 0 {
		return 0
	}
	return float64(m.usage) / float64(m.reserved)
}

// Manager tracks per-module budgets over a shared Allocator
type Manager struct {
	logger    *slog.Logger
	allocator Allocator
	config    Config

	mutex       sync.Mutex
	modules     *swiss.Map[string, *module]
	reserved    int
	clock       uint64
	unsubscribe func()

	// blocksMutex guards both block indices and block.ptr. It is taken after mutex, never held across a call into
	// the allocator, and is the only lock the relocation callback takes.
	blocksMutex sync.Mutex
	blocks      *swiss.Map[uintptr, *block]
}

func New(logger *slog.Logger, allocator Allocator, config Config) *Manager {
	if config.EvictionThreshold <= 0 {
		config.EvictionThreshold = defaultEvictionThreshold
	}

	m := &Manager{
		logger:    logger,
		allocator: allocator,
		config:    config,
		modules:   swiss.NewMap[string, *module](42),
		blocks:    swiss.NewMap[uintptr, *block](42),
	}

	if source, ok := allocator.(RelocationSource); ok {
		m.unsubscribe = source.SubscribeRelocation(m.relocate)
	}

	return m
}

// Destroy frees every streamed block, removes every module and stops following relocations
func (m *Manager) Destroy() error {
	m.logger.Debug("Manager::Destroy")

	m.mutex.Lock()
	var err error
	m.modules.Iter(func(_ string, mod *module) bool {
		err = errors.CombineErrors(err, m.releaseModuleLocked(mod))
		return false
	})
	m.modules = swiss.NewMap[string, *module](42)
	m.reserved = 0
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mutex.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	return err
}

// relocate re-keys a streamed block the allocator moved. It may run under the allocator's exclusive lock while
// this Manager's mutex is held further up the same stack, so it only takes blocksMutex.
func (m *Manager) relocate(oldPtr, newPtr unsafe.Pointer, size int) {
	m.blocksMutex.Lock()
	b, ok := m.blocks.Get(uintptr(oldPtr))
	if ok {
		m.blocks.Delete(uintptr(oldPtr))
		b.module.blocks.Delete(uintptr(oldPtr))
		b.ptr = newPtr
		m.blocks.Put(uintptr(newPtr), b)
		b.module.blocks.Put(uintptr(newPtr), b)
	}
	m.blocksMutex.Unlock()

	if !ok {
		return
	}

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "streamed block relocated",
		slog.String("module", b.module.name), slog.Int("size", size))
	if m.config.OnRelocate != nil {
		m.config.OnRelocate(oldPtr, newPtr, size)
	}
}

func (m *Manager) lookup(ptr unsafe.Pointer) (*block, bool) {
	m.blocksMutex.Lock()
	defer m.blocksMutex.Unlock()

	return m.blocks.Get(uintptr(ptr))
}

// trackLocked indexes b under its current address and charges it to its module
func (m *Manager) trackLocked(b *block) {
	m.blocksMutex.Lock()
	m.blocks.Put(uintptr(b.ptr), b)
	b.module.blocks.Put(uintptr(b.ptr), b)
	m.blocksMutex.Unlock()

	b.module.count++
	b.module.usage += b.size
	if b.module.usage > b.module.peak {
		b.module.peak = b.module.usage
	}
}

// untrackLocked removes b from both indices and its module's usage, and returns the address it lives at now
func (m *Manager) untrackLocked(b *block) unsafe.Pointer {
	m.blocksMutex.Lock()
	ptr := b.ptr
	m.blocks.Delete(uintptr(ptr))
	b.module.blocks.Delete(uintptr(ptr))
	m.blocksMutex.Unlock()

	b.module.count--
	b.module.usage -= b.size
	return ptr
}

func (m *Manager) moduleBlocks(mod *module) []*block {
	m.blocksMutex.Lock()
	defer m.blocksMutex.Unlock()

	blocks := make([]*block, 0, mod.blocks.Count())
	mod.blocks.Iter(func(_ uintptr, b *block) bool {
		blocks = append(blocks, b)
		return false
	})
	return blocks
}

func (m *Manager) releaseModuleLocked(mod *module) error {
	var err error
	for _, b := range m.moduleBlocks(mod) {
		err = errors.CombineErrors(err, m.allocator.Deallocate(m.untrackLocked(b)))
	}
	return err
}

func (m *Manager) tick() uint64 {
	m.clock++
	return m.clock
}

// RegisterModule creates a budget of reservedBytes for the named module. A priority of PriorityDefault is
// stored as PriorityNormal.
func (m *Manager) RegisterModule(name string, reservedBytes int, priority memutils.Priority) error {
	m.logger.Debug("Manager::RegisterModule", slog.String("module", name), slog.Int("reserved", reservedBytes))

	if reservedBytes <= 0 {
		return errors.Wrapf(memutils.ErrInvalidSize, "module %s requested a budget of %d bytes", name, reservedBytes)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.modules.Has(name) {
		return errors.Wrapf(memutils.ErrModuleExists, "module %s", name)
	}

	if m.config.ReservedStreamingMemory > 0 && m.reserved+reservedBytes > m.config.ReservedStreamingMemory {
		return errors.Wrapf(memutils.ErrBudgetExceeded, "module %s requested %d bytes but only %d of %d reserved streaming bytes remain",
			name, reservedBytes, m.config.ReservedStreamingMemory-m.reserved, m.config.ReservedStreamingMemory)
	}

	m.modules.Put(name, &module{
		name:     name,
		reserved: reservedBytes,
		priority: priority.Or(memutils.PriorityNormal),
		blocks:   swiss.NewMap[uintptr, *block](42),
	})
	m.reserved += reservedBytes
	return nil
}

// UnregisterModule frees every block the module still owns and removes its budget
func (m *Manager) UnregisterModule(name string) error {
	m.logger.Debug("Manager::UnregisterModule", slog.String("module", name))

	m.mutex.Lock()
	defer m.mutex.Unlock()

	mod, ok := m.modules.Get(name)
	if !ok {
		return errors.Wrapf(memutils.ErrModuleNotRegistered, "module %s", name)
	}

	err := m.releaseModuleLocked(mod)
	m.modules.Delete(name)
	m.reserved -= mod.reserved
	return err
}

func (m *Manager) SetModulePriority(name string, priority memutils.Priority) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	mod, ok := m.modules.Get(name)
	if !ok {
		return errors.Wrapf(memutils.ErrModuleNotRegistered, "module %s", name)
	}

	mod.priority = priority.Or(memutils.PriorityNormal)
	return nil
}

func (m *Manager) fits(mod *module, size int) bool {
	if mod.usage+size > mod.reserved {
		return false
	}
	return m.config.MaxStreamingBlocks <= 0 || mod.count < m.config.MaxStreamingBlocks
}

// evictionCandidates returns the module's evictable blocks, least important first and least recently used
// first among equals
func (m *Manager) evictionCandidates(mod *module, byPriority bool) []*block {
	blocks := m.moduleBlocks(mod)
	candidates := blocks[:0]
	for _, b := range blocks {
		if b.priority != memutils.PriorityCritical {
			candidates = append(candidates, b)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if byPriority && candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].lastAccess < candidates[j].lastAccess
	})
	return candidates
}

// evictLocked frees the block and removes it from its module. The returned Eviction must be delivered after
// the lock is released.
func (m *Manager) evictLocked(b *block) (Eviction, error) {
	ptr := m.untrackLocked(b)
	b.module.evictions++

	return Eviction{
		Module:   b.module.name,
		Address:  ptr,
		Size:     b.size,
		Priority: b.priority,
	}, m.allocator.Deallocate(ptr)
}

func (m *Manager) notify(notifications []notification) {
	for _, event := range notifications {
		if event.pressure {
			if m.config.OnPressure != nil {
				m.config.OnPressure(event.eviction.Module, event.eviction.Size)
			}
			continue
		}

		if m.config.Recorder != nil {
			m.config.Recorder.Emit(diagnostics.Event{
				Kind:     diagnostics.EventEvict,
				Address:  event.eviction.Address,
				Size:     event.eviction.Size,
				Tag:      event.eviction.Module,
				Strategy: "streaming",
			})
		}
		if m.config.OnEvict != nil {
			m.config.OnEvict(event.eviction)
		}
	}
}

// Allocate serves a streamed block of size bytes from the module's budget. If the budget is exhausted, blocks
// are evicted synchronously in order of ascending priority and then ascending last access time until the request
// fits. Critical blocks are never evicted. If the request still doesn't fit, the call fails with an error wrapping
// memutils.ErrBudgetExceeded.
func (m *Manager) Allocate(moduleName string, size int, info memutils.AllocationInfo) (unsafe.Pointer, error) {
	m.logger.Debug("Manager::Allocate", slog.String("module", moduleName), slog.Int("size", size))

	if size <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "requested %d bytes", size)
	}

	var events []notification
	defer func() {
		m.notify(events)
	}()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	mod, ok := m.modules.Get(moduleName)
	if !ok {
		return nil, errors.Wrapf(memutils.ErrModuleNotRegistered, "module %s", moduleName)
	}

	if !m.fits(mod, size) {
		events = append(events, notification{pressure: true, eviction: Eviction{Module: mod.name, Size: size}})

		if !m.config.DisablePrioritization && size <= mod.reserved {
			var evictErr error
			for _, candidate := range m.evictionCandidates(mod, true) {
				if m.fits(mod, size) {
					break
				}

				eviction, err := m.evictLocked(candidate)
				events = append(events, notification{eviction: eviction})
				evictErr = errors.CombineErrors(evictErr, err)
			}

			if evictErr != nil {
				m.logger.LogAttrs(context.Background(), slog.LevelWarn, "evicted block could not be freed",
					slog.String("module", mod.name), slog.Any("error", evictErr))
			}
		}

		if !m.fits(mod, size) {
			m.logger.LogAttrs(context.Background(), slog.LevelError, "streaming allocation failed",
				slog.String("module", mod.name),
				slog.Int("size", size),
				slog.Int("usage", mod.usage),
				slog.Int("reserved", mod.reserved),
			)
			return nil, errors.Wrapf(memutils.ErrBudgetExceeded, "module %s cannot fit %d bytes: %d of %d bytes in use",
				mod.name, size, mod.usage, mod.reserved)
		}

		if len(events) > 1 {
			m.logger.LogAttrs(context.Background(), slog.LevelInfo, "evicted streamed blocks",
				slog.String("module", mod.name), slog.Int("count", len(events)-1))
		}
	}

	priority := info.Priority.Or(mod.priority)
	info.Priority = priority
	if info.Tag == "" {
		info.Tag = mod.name
	}

	ptr, err := m.allocator.Allocate(size, info)
	if err != nil {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "streaming allocation failed",
			slog.String("module", mod.name), slog.Int("size", size), slog.Any("error", err))
		return nil, err
	}

	m.trackLocked(&block{
		ptr:        ptr,
		size:       size,
		priority:   priority,
		lastAccess: m.tick(),
		module:     mod,
	})
	return ptr, nil
}

// Deallocate frees a streamed block and returns its bytes to the module budget. After a relocation, ptr must be
// the block's new address.
func (m *Manager) Deallocate(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	b, ok := m.lookup(ptr)
	if !ok {
		return errors.Wrapf(memutils.ErrUntrackedPointer, "%p is not a streamed block", ptr)
	}

	return m.allocator.Deallocate(m.untrackLocked(b))
}

// Touch marks a streamed block as used just now, which moves it to the back of the eviction order among blocks
// of the same priority
func (m *Manager) Touch(ptr unsafe.Pointer) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	b, ok := m.lookup(ptr)
	if !ok {
		return errors.Wrapf(memutils.ErrUntrackedPointer, "%p is not a streamed block", ptr)
	}

	b.lastAccess = m.tick()
	return nil
}

// Owns returns true if ptr is a live streamed block
func (m *Manager) Owns(ptr unsafe.Pointer) bool {
	_, ok := m.lookup(ptr)
	return ok
}

// NeedsEviction returns true if any module's usage ratio exceeds the eviction threshold
func (m *Manager) NeedsEviction() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	needsEviction := false
	m.modules.Iter(func(_ string, mod *module) bool {
		needsEviction = mod.ratio() > m.config.EvictionThreshold
		return needsEviction
	})
	return needsEviction
}

// Update evicts the least recently used blocks of every module whose usage ratio exceeds the eviction threshold,
// until the ratio is back at or below it. It returns the number of evicted blocks.
func (m *Manager) Update() int {
	m.logger.Debug("Manager::Update")

	var events []notification
	defer func() {
		m.notify(events)
	}()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	evicted := 0
	var evictErr error

	m.modules.Iter(func(_ string, mod *module) bool {
		if mod.ratio() <= m.config.EvictionThreshold {
			return false
		}

		events = append(events, notification{pressure: true, eviction: Eviction{Module: mod.name}})
		for _, candidate := range m.evictionCandidates(mod, false) {
			if mod.ratio() <= m.config.EvictionThreshold {
				break
			}

			eviction, err := m.evictLocked(candidate)
			events = append(events, notification{eviction: eviction})
			evictErr = errors.CombineErrors(evictErr, err)
			evicted++
		}
		return false
	})

	if evictErr != nil {
		m.logger.LogAttrs(context.Background(), slog.LevelWarn, "evicted block could not be freed", slog.Any("error", evictErr))
	}
	if evicted > 0 {
		m.logger.LogAttrs(context.Background(), slog.LevelInfo, "proactively evicted streamed blocks", slog.Int("count", evicted))
	}

	return evicted
}

func (m *Manager) ModuleStats(name string) (ModuleStats, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	mod, ok := m.modules.Get(name)
	if !ok {
		return ModuleStats{}, errors.Wrapf(memutils.ErrModuleNotRegistered, "module %s", name)
	}

	return mod.stats(), nil
}

// Modules returns the stats of every registered module, sorted by name
func (m *Manager) Modules() []ModuleStats {
	m.mutex.Lock()
	modules := make([]ModuleStats, 0, m.modules.Count())
	m.modules.Iter(func(_ string, mod *module) bool {
		modules = append(modules, mod.stats())
		return false
	})
	m.mutex.Unlock()

	sort.Slice(modules, func(i, j int) bool {
		return modules[i].Name < modules[j].Name
	})
	return modules
}
