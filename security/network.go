package security

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/memutils"
)

// RemoteAccessCheck is an additional, consumer-provided check for remote accesses
type RemoteAccessCheck func(ptr unsafe.Pointer, size int) bool

// NetworkValidator vets pointers and sizes that arrive from remote peers before they are used against local
// memory. It accepts everything unless Config.EnableNetworkSecurity is set.
type NetworkValidator struct {
	enabled bool
	maxSize int
	check   RemoteAccessCheck
}

// NewNetworkValidator creates a validator from the provided configuration. check may be nil.
func NewNetworkValidator(config Config, check RemoteAccessCheck) *NetworkValidator {
	maxSize := config.MaxRemoteAllocationSize
	if maxSize <= 0 {
		maxSize = defaultMaxRemoteAllocationSize
	}

	return &NetworkValidator{
		enabled: config.EnableNetworkSecurity,
		maxSize: maxSize,
		check:   check,
	}
}

// ValidateRemoteAccess returns an error wrapping ErrRemoteAccessDenied if a remote peer may not access size
// bytes at ptr
func (v *NetworkValidator) ValidateRemoteAccess(ptr unsafe.Pointer, size int) error {
	if !v.enabled {
		return nil
	}

	if size < 0 || size > v.maxSize {
		return errors.Wrapf(ErrRemoteAccessDenied, "size %d is outside of [0, %d]", size, v.maxSize)
	}

	if !memutils.IsAligned(ptr, memutils.DefaultAlignment) {
		return errors.Wrapf(ErrRemoteAccessDenied, "%p is not aligned to %d", ptr, memutils.DefaultAlignment)
	}

	if v.check != nil && !v.check(ptr, size) {
		return errors.Wrapf(ErrRemoteAccessDenied, "access to %d bytes at %p was rejected", size, ptr)
	}

	return nil
}
