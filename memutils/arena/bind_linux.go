//go:build linux

package arena

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

const (
	mpolPreferred = 1
	mpolBind      = 2

	maxNodes = 1024
)

func bindToNode(data []byte, node int, strict bool) error {
	if node < 0 || node >= maxNodes {
		return errors.Newf("node %d is outside of the supported range", node)
	}

	var mask [maxNodes / 64]uint64
	mask[node/64] |= 1 << (uint(node) % 64)

	mode := uintptr(mpolPreferred)
	if strict {
		mode = mpolBind
	}

	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		uintptr(unsafe.Pointer(&data[0])),
		uintptr(len(data)),
		mode,
		uintptr(unsafe.Pointer(&mask[0])),
		maxNodes,
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
