package security

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/memutils"
)

// minPlausibleAddress is the lowest address a dispatch table or object can live at. The first page is never
// mapped on supported platforms.
const minPlausibleAddress = 0x1000

// interfaceWords mirrors the runtime layout of a non-empty interface value
type interfaceWords struct {
	table unsafe.Pointer
	data  unsafe.Pointer
}

// ValidateStrategy rejects strategy values that cannot be dispatched through safely: a nil interface, a nil
// object behind the interface, or a dispatch table or object at an implausibly low address. It is a
// heuristic against corrupted or forged values and cannot prove that a strategy is well-behaved.
func ValidateStrategy(s memutils.Strategy) error {
	if s == nil {
		return errors.Wrap(memutils.ErrImplausibleStrategy, "strategy is nil")
	}

	words := (*interfaceWords)(unsafe.Pointer(&s))
	if uintptr(words.table) < minPlausibleAddress {
		return errors.Wrapf(memutils.ErrImplausibleStrategy, "dispatch table at %#x", uintptr(words.table))
	}
	if words.data == nil {
		return errors.Wrapf(memutils.ErrImplausibleStrategy, "strategy of type %T is a nil pointer", s)
	}
	if uintptr(words.data) < minPlausibleAddress {
		return errors.Wrapf(memutils.ErrImplausibleStrategy, "strategy object at %#x", uintptr(words.data))
	}

	return nil
}
