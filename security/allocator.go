package security

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/hydragon-engine/memcore/memutils"
)

// Corruption describes a guarded buffer whose canaries were overwritten
type Corruption struct {
	Strategy string
	Address  unsafe.Pointer
	Size     int
	// Leading is true when the canary in front of the buffer was overwritten
	Leading bool
	// Trailing is true when the canary after the buffer was overwritten
	Trailing bool
}

type guard struct {
	user unsafe.Pointer
	raw  unsafe.Pointer
	lead int
	size int
}

// CreateOptions contains optional settings when creating an Allocator. The zero value is valid.
type CreateOptions struct {
	// Name identifies the wrapped strategy in logs and Corruption reports
	Name string
	// AbortOnCorruption panics when a canary mismatch is found
	AbortOnCorruption bool
	// OnCorruption is called for every canary mismatch that is found
	OnCorruption func(Corruption)
}

// Allocator wraps a strategy and surrounds every buffer it hands out with canaries. The canaries are checked
// when the buffer is deallocated and whenever Scan runs.
type Allocator struct {
	logger *slog.Logger
	base   memutils.Strategy
	name   string

	abortOnCorruption bool
	onCorruption      func(Corruption)
	corruptionCount   atomic.Int64

	mutex  sync.Mutex
	guards *swiss.Map[uintptr, guard]
	byRaw  *swiss.Map[uintptr, uintptr]
}

var _ memutils.Strategy = &Allocator{}
var _ memutils.Compactor = &Allocator{}
var _ memutils.Resetter = &Allocator{}
var _ memutils.Releaser = &Allocator{}

func New(logger *slog.Logger, base memutils.Strategy, options CreateOptions) *Allocator {
	return &Allocator{
		logger:            logger,
		base:              base,
		name:              options.Name,
		abortOnCorruption: options.AbortOnCorruption,
		onCorruption:      options.OnCorruption,
		guards:            swiss.NewMap[uintptr, guard](42),
		byRaw:             swiss.NewMap[uintptr, uintptr](42),
	}
}

// Base returns the wrapped strategy
func (a *Allocator) Base() memutils.Strategy {
	return a.base
}

// Overhead returns the number of extra bytes a request with the provided alignment costs
func Overhead(alignment uint) int {
	return memutils.AlignUp(CanarySize, alignment) + CanarySize
}

func (a *Allocator) Allocate(size int, info memutils.AllocationInfo) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "requested %d bytes", size)
	}

	alignment := info.EffectiveAlignment()
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}

	lead := memutils.AlignUp(CanarySize, alignment)
	raw, err := a.base.Allocate(lead+size+CanarySize, info)
	if err != nil {
		return nil, err
	}

	user := unsafe.Add(raw, lead)
	writeCanary(unsafe.Add(user, -CanarySize))
	writeCanary(unsafe.Add(user, size))

	a.mutex.Lock()
	a.guards.Put(uintptr(user), guard{user: user, raw: raw, lead: lead, size: size})
	a.byRaw.Put(uintptr(raw), uintptr(user))
	a.mutex.Unlock()

	return user, nil
}

func (a *Allocator) check(g guard) (Corruption, bool) {
	corruption := Corruption{
		Strategy: a.name,
		Address:  g.user,
		Size:     g.size,
		Leading:  !checkCanary(unsafe.Add(g.user, -CanarySize)),
		Trailing: !checkCanary(unsafe.Add(g.user, g.size)),
	}

	return corruption, corruption.Leading || corruption.Trailing
}

func (a *Allocator) report(corruption Corruption) error {
	a.corruptionCount.Add(1)

	a.logger.LogAttrs(context.Background(), slog.LevelError, "canary mismatch",
		slog.String("strategy", corruption.Strategy),
		slog.Int("size", corruption.Size),
		slog.Bool("leading", corruption.Leading),
		slog.Bool("trailing", corruption.Trailing),
	)

	if a.onCorruption != nil {
		a.onCorruption(corruption)
	}

	err := errors.Wrapf(memutils.ErrCorruptionDetected, "canaries of the %d byte buffer at %p were overwritten (leading: %t, trailing: %t)",
		corruption.Size, corruption.Address, corruption.Leading, corruption.Trailing)
	if a.abortOnCorruption {
		panic(err)
	}

	return err
}

// Deallocate checks the canaries of a buffer and returns it to the wrapped strategy. A canary mismatch is
// reported as an error wrapping memutils.ErrCorruptionDetected, but the buffer is released regardless. If the
// wrapped strategy fails to release the buffer, the buffer stays guarded and the strategy's error is returned.
func (a *Allocator) Deallocate(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	a.mutex.Lock()
	g, ok := a.guards.Get(uintptr(ptr))
	if ok {
		a.guards.Delete(uintptr(ptr))
		a.byRaw.Delete(uintptr(g.raw))
	}
	a.mutex.Unlock()

	if !ok {
		return errors.Wrapf(memutils.ErrUntrackedPointer, "%p is not a guarded buffer", ptr)
	}

	var corruptionErr error
	corruption, corrupt := a.check(g)
	if corrupt {
		corruptionErr = a.report(corruption)
	}

	err := a.base.Deallocate(g.raw)
	if err != nil {
		// The wrapped strategy kept the buffer, so it stays guarded and can be freed again later
		a.mutex.Lock()
		a.guards.Put(uintptr(g.user), g)
		a.byRaw.Put(uintptr(g.raw), uintptr(g.user))
		a.mutex.Unlock()
		return errors.CombineErrors(err, corruptionErr)
	}

	return corruptionErr
}

func (a *Allocator) Owns(ptr unsafe.Pointer) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.guards.Has(uintptr(ptr))
}

// Stats returns the statistics of the wrapped strategy, which include the canary overhead
func (a *Allocator) Stats() memutils.Statistics {
	return a.base.Stats()
}

// CorruptionCount returns the number of canary mismatches found so far
func (a *Allocator) CorruptionCount() int {
	return int(a.corruptionCount.Load())
}

// GuardedCount returns the number of live guarded buffers
func (a *Allocator) GuardedCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.guards.Count()
}

// Scan checks the canaries of every live buffer and reports each mismatch
func (a *Allocator) Scan() []Corruption {
	var corruptions []Corruption

	a.mutex.Lock()
	a.guards.Iter(func(_ uintptr, g guard) bool {
		corruption, corrupt := a.check(g)
		if corrupt {
			corruptions = append(corruptions, corruption)
		}
		return false
	})
	a.mutex.Unlock()

	for _, corruption := range corruptions {
		_ = a.report(corruption)
	}

	return corruptions
}

// StartScanner runs Scan every interval until ctx is done
func (a *Allocator) StartScanner(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Scan()
			}
		}
	}()
}

// Relocate moves the guard of a buffer whose underlying allocation was relocated by the wrapped strategy.
// It returns the user addresses before and after the move, or false if oldRaw is not the start of a guarded
// buffer.
func (a *Allocator) Relocate(oldRaw, newRaw unsafe.Pointer) (unsafe.Pointer, unsafe.Pointer, bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	oldKey, ok := a.byRaw.Get(uintptr(oldRaw))
	if !ok {
		return nil, nil, false
	}

	g, _ := a.guards.Get(oldKey)
	a.guards.Delete(oldKey)
	a.byRaw.Delete(uintptr(oldRaw))

	oldUser := g.user
	g.user = unsafe.Add(newRaw, g.lead)
	g.raw = newRaw
	a.guards.Put(uintptr(g.user), g)
	a.byRaw.Put(uintptr(newRaw), uintptr(g.user))

	return oldUser, g.user, true
}

func (a *Allocator) Compact() error {
	compactor, ok := a.base.(memutils.Compactor)
	if !ok {
		return nil
	}
	return compactor.Compact()
}

// Reset forgets every guarded buffer and resets the wrapped strategy if it supports it
func (a *Allocator) Reset() error {
	a.mutex.Lock()
	a.guards = swiss.NewMap[uintptr, guard](42)
	a.byRaw = swiss.NewMap[uintptr, uintptr](42)
	a.mutex.Unlock()

	resetter, ok := a.base.(memutils.Resetter)
	if !ok {
		return nil
	}
	return resetter.Reset()
}

func (a *Allocator) Release() error {
	releaser, ok := a.base.(memutils.Releaser)
	if !ok {
		return nil
	}
	return releaser.Release()
}
