package arena

import (
	"os"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/memutils"
)

// NoNode indicates an arena that was not bound to a NUMA node
const NoNode = -1

var pageSize = os.Getpagesize()

// PageSize returns the system page size. Every arena is a whole number of pages and starts on a page boundary.
func PageSize() int {
	return pageSize
}

// Arena is a contiguous region of memory committed from the system outside of the Go heap. Pointers into an
// arena stay valid until Release is called.
type Arena struct {
	data []byte
	base unsafe.Pointer
	node int
}

// New commits a page-aligned arena of at least size bytes
func New(size int) (*Arena, error) {
	return NewOnNode(size, NoNode, false)
}

// NewOnNode commits a page-aligned arena of at least size bytes and asks the kernel to place its pages on
// the provided NUMA node. When strict is false, a failure to bind still returns a usable, unbound arena.
func NewOnNode(size int, node int, strict bool) (*Arena, error) {
	if size <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "arena size %d", size)
	}

	size = memutils.AlignUp(size, uint(pageSize))
	data, err := commit(size)
	if err != nil {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "failed to commit arena of %d bytes: %v", size, err)
	}

	a := &Arena{
		data: data,
		base: unsafe.Pointer(&data[0]),
		node: NoNode,
	}

	if node != NoNode {
		err = bindToNode(data, node, strict)
		if err == nil {
			a.node = node
		} else if strict {
			releaseErr := decommit(data)
			return nil, errors.CombineErrors(
				errors.Wrapf(memutils.ErrNodeUnavailable, "failed to bind arena to node %d: %v", node, err),
				releaseErr,
			)
		}
	}

	return a, nil
}

// Base returns the first byte of the arena
func (a *Arena) Base() unsafe.Pointer { return a.base }

// Size returns the size of the arena in bytes
func (a *Arena) Size() int { return len(a.data) }

// Node returns the NUMA node the arena was bound to, or NoNode
func (a *Arena) Node() int { return a.node }

// Bytes exposes the arena's memory
func (a *Arena) Bytes() []byte { return a.data }

// Contains returns true if ptr points inside the arena
func (a *Arena) Contains(ptr unsafe.Pointer) bool {
	if a.base == nil {
		return false
	}
	address := uintptr(ptr)
	start := uintptr(a.base)
	return address >= start && address < start+uintptr(len(a.data))
}

// Offset returns the distance in bytes from the start of the arena to ptr. ptr must be inside the arena.
func (a *Arena) Offset(ptr unsafe.Pointer) int {
	return int(uintptr(ptr) - uintptr(a.base))
}

// At returns a pointer offset bytes into the arena
func (a *Arena) At(offset int) unsafe.Pointer {
	return unsafe.Add(a.base, offset)
}

// Release returns the arena's memory to the system. The arena must not be used afterward.
func (a *Arena) Release() error {
	if a.data == nil {
		return errors.New("arena was already released")
	}

	err := decommit(a.data)
	a.data = nil
	a.base = nil
	return err
}
