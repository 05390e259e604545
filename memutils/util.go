package memutils

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

const (
	// DefaultAlignment is the alignment used when an AllocationInfo does not request one. It matches the
	// largest fundamental alignment on the supported platforms.
	DefaultAlignment uint = 16
	// CacheLineSize is the assumed size of a cpu cache line, used for padding hot atomics
	CacheLineSize = 64
)

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp[T Number](value T, alignment uint) T {
	return (value + T(alignment) - 1) &^ (T(alignment) - 1)
}

func AlignDown[T Number](value T, alignment uint) T {
	return value &^ (T(alignment) - 1)
}

// IsAligned returns true if the provided pointer is a multiple of alignment, which must be a power of two
func IsAligned(ptr unsafe.Pointer, alignment uint) bool {
	return uintptr(ptr)&uintptr(alignment-1) == 0
}

// NaturalAlignment returns the largest power of two that divides size, capped at limit
func NaturalAlignment(size int, limit uint) uint {
	if size <= 0 {
		return limit
	}
	natural := uint(size & -size)
	if natural > limit {
		return limit
	}
	return natural
}
