// Package tracking keeps one record for every live allocation so that double frees, untracked pointers and
// leaks can be told apart and reported.
package tracking

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/hydragon-engine/memcore/memutils"
)

const defaultRecentlyFreed = 1024

// Record describes a single live allocation
type Record struct {
	Address   unsafe.Pointer
	Size      int
	Alignment uint
	// Strategy is the name of the strategy that served the allocation
	Strategy  string
	Tag       string
	ThreadID  memutils.ThreadID
	Timestamp time.Time
}

// CreateOptions contains optional settings when creating an AllocationMap. The zero value is valid.
type CreateOptions struct {
	// RecentlyFreed is the number of freed addresses remembered for double free detection. 0 means 1024.
	RecentlyFreed int
}

// AllocationMap maps live addresses to their Record
type AllocationMap struct {
	logger *slog.Logger

	mutex   sync.Mutex
	records *swiss.Map[uintptr, Record]
	bytes   int

	// freed maps a recently freed address to its slot in freedRing
	freed     *swiss.Map[uintptr, int]
	freedRing []uintptr
	freedNext int
}

func New(logger *slog.Logger, options CreateOptions) *AllocationMap {
	capacity := options.RecentlyFreed
	if capacity <= 0 {
		capacity = defaultRecentlyFreed
	}

	return &AllocationMap{
		logger:    logger,
		records:   swiss.NewMap[uintptr, Record](42),
		freed:     swiss.NewMap[uintptr, int](uint32(capacity)),
		freedRing: make([]uintptr, capacity),
	}
}

// Track adds a record for a new allocation. It fails with memutils.ErrAddressInUse if the address is already
// live.
func (m *AllocationMap) Track(record Record) error {
	if record.Address == nil {
		return errors.New("cannot track a nil address")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	key := uintptr(record.Address)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	existing, exists := m.records.Get(key)
	if exists {
		err := errors.Wrapf(memutils.ErrAddressInUse, "%p was handed out by %s while still live from %s",
			record.Address, record.Strategy, existing.Strategy)
		memutils.DebugAssert(err)
		return err
	}

	m.freed.Delete(key)
	m.records.Put(key, record)
	m.bytes += record.Size
	return nil
}

func (m *AllocationMap) rememberFreed(key uintptr) {
	evicted := m.freedRing[m.freedNext]
	if slot, ok := m.freed.Get(evicted); ok && slot == m.freedNext {
		m.freed.Delete(evicted)
	}

	m.freedRing[m.freedNext] = key
	m.freed.Put(key, m.freedNext)
	m.freedNext = (m.freedNext + 1) % len(m.freedRing)
}

// Untrack removes the record of an allocation and returns it. Deallocating an address that was freed recently
// fails with memutils.ErrDoubleFree, any other unknown address with memutils.ErrUntrackedPointer.
func (m *AllocationMap) Untrack(ptr unsafe.Pointer) (Record, error) {
	key := uintptr(ptr)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, ok := m.records.Get(key)
	if !ok {
		var err error
		if m.freed.Has(key) {
			err = errors.Wrapf(memutils.ErrDoubleFree, "%p", ptr)
		} else {
			err = errors.Wrapf(memutils.ErrUntrackedPointer, "%p", ptr)
		}
		memutils.DebugAssert(err)
		return Record{}, err
	}

	m.records.Delete(key)
	m.bytes -= record.Size
	m.rememberFreed(key)
	return record, nil
}

// Lookup returns the record of a live allocation
func (m *AllocationMap) Lookup(ptr unsafe.Pointer) (Record, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.records.Get(uintptr(ptr))
}

// Relocate re-keys the record of an allocation that was moved by compaction
func (m *AllocationMap) Relocate(oldPtr, newPtr unsafe.Pointer) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, ok := m.records.Get(uintptr(oldPtr))
	if !ok {
		return errors.Wrapf(memutils.ErrUntrackedPointer, "cannot relocate %p", oldPtr)
	}
	if oldPtr == newPtr {
		return nil
	}
	if m.records.Has(uintptr(newPtr)) {
		return errors.Wrapf(memutils.ErrAddressInUse, "cannot relocate %p onto %p", oldPtr, newPtr)
	}

	m.records.Delete(uintptr(oldPtr))
	record.Address = newPtr
	m.records.Put(uintptr(newPtr), record)
	return nil
}

// Len returns the number of live allocations
func (m *AllocationMap) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.records.Count()
}

// Bytes returns the number of live bytes
func (m *AllocationMap) Bytes() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.bytes
}

// CountForStrategy returns the number of live allocations served by the named strategy
func (m *AllocationMap) CountForStrategy(strategy string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	count := 0
	m.records.Iter(func(_ uintptr, record Record) bool {
		if record.Strategy == strategy {
			count++
		}
		return false
	})
	return count
}

// Leaks returns every live record, sorted by address
func (m *AllocationMap) Leaks() []Record {
	m.mutex.Lock()
	leaks := make([]Record, 0, m.records.Count())
	m.records.Iter(func(_ uintptr, record Record) bool {
		leaks = append(leaks, record)
		return false
	})
	m.mutex.Unlock()

	sort.Slice(leaks, func(i, j int) bool {
		return uintptr(leaks[i].Address) < uintptr(leaks[j].Address)
	})
	return leaks
}

// Clear forgets every record, including the recently freed addresses
func (m *AllocationMap) Clear() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.records = swiss.NewMap[uintptr, Record](42)
	m.freed = swiss.NewMap[uintptr, int](uint32(len(m.freedRing)))
	for i := range m.freedRing {
		m.freedRing[i] = 0
	}
	m.freedNext = 0
	m.bytes = 0
}

// LogLeaks logs every live record as unreleased memory and returns the number of records logged
func (m *AllocationMap) LogLeaks() int {
	leaks := m.Leaks()
	for _, leak := range leaks {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY]",
			slog.String("address", fmt.Sprintf("%p", leak.Address)),
			slog.Int("size", leak.Size),
			slog.String("strategy", leak.Strategy),
			slog.String("tag", leak.Tag),
			slog.Int("thread", int(leak.ThreadID)),
		)
	}
	return len(leaks)
}

// WriteLeakReport writes a human readable report of every live record to w
func (m *AllocationMap) WriteLeakReport(w io.Writer) error {
	leaks := m.Leaks()

	_, err := fmt.Fprintf(w, "Memory Leak Report - %s\n\n", time.Now().Format(time.RFC3339))
	if err != nil {
		return err
	}

	totalBytes := 0
	for i, leak := range leaks {
		totalBytes += leak.Size

		_, err = fmt.Fprintf(w, "Leak #%d:\n  Address: %p\n  Size: %d bytes\n  Strategy: %s\n  Tag: %s\n  Thread: %d\n  Allocated: %s\n\n",
			i+1, leak.Address, leak.Size, leak.Strategy, leak.Tag, leak.ThreadID, leak.Timestamp.Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
	}

	_, err = fmt.Fprintf(w, "Summary:\nTotal Leaks: %d\nTotal Bytes: %d\n", len(leaks), totalBytes)
	return err
}
