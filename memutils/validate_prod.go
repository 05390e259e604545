//go:build !debug_mem_utils

package memutils

import "unsafe"

const (
	// DebugMargin is the number of guard bytes placed after every heap allocation. Debug builds fill them with a
	// magic value that CheckCorruption verifies.
	DebugMargin int = 0
)

// WriteMagicValue writes an easy-to-identify marker across DebugMargin bytes at the provided pointer and offset.
// This method no-ops unless the debug_mem_utils build tag is present.
func WriteMagicValue(data unsafe.Pointer, offset int) {
}

// ValidateMagicValue verifies that the marker written by WriteMagicValue is still present.
// This method always returns true unless the debug_mem_utils build tag is present.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugAssert panics with err if it is not nil. Programmer errors such as double frees go through here so that
// debug builds stop at the faulty call. This method no-ops unless the debug_mem_utils build tag is present.
func DebugAssert(err error) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
}
