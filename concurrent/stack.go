package concurrent

import (
	"sync/atomic"
	"unsafe"

	"github.com/hydragon-engine/memcore/internal/utils"
)

// maxPopAttempts bounds the compare-and-swap retries of a pop before the caller falls through to the next tier
const maxPopAttempts = 64

const (
	stateFree uint32 = 0x5AFEB10C
	stateLive uint32 = 0x11FEB10C
)

// noThread marks a block whose allocating caller had no cache
const noThread = ^uint32(0)

// blockHeader sits immediately in front of the payload of every central buffer block
type blockHeader struct {
	next   uint32
	class  uint32
	thread uint32
	state  uint32
}

// blockRef identifies a block by its header offset in the central buffer, divided by HeaderSize and offset by
// one so that 0 means "no block"
type blockRef uint32

func refForOffset(offset int) blockRef {
	return blockRef(offset/HeaderSize + 1)
}

func (r blockRef) offset() int {
	return (int(r) - 1) * HeaderSize
}

// taggedStack is a lock-free LIFO of blocks. The head packs a 32-bit generation above a 32-bit blockRef, and
// every successful swap bumps the generation, so a head that was popped and pushed back in between a load and
// a swap is never mistaken for the one that was loaded. depth is raised before a block is linked and lowered
// after it is unlinked, so it never undercounts the blocks on the stack.
type taggedStack struct {
	head  atomic.Uint64
	depth atomic.Int32
	_     utils.CacheLinePad
}

func packHead(generation uint64, ref blockRef) uint64 {
	return generation<<32 | uint64(ref)
}

func (s *taggedStack) push(base unsafe.Pointer, ref blockRef) {
	s.depth.Add(1)
	s.link(base, ref)
}

// reserve claims room for one more block while the stack holds fewer than limit. Every successful reserve must
// be followed by pushReserved.
func (s *taggedStack) reserve(limit int32) bool {
	for {
		depth := s.depth.Load()
		if depth >= limit {
			return false
		}
		if s.depth.CompareAndSwap(depth, depth+1) {
			return true
		}
	}
}

func (s *taggedStack) pushReserved(base unsafe.Pointer, ref blockRef) {
	s.link(base, ref)
}

func (s *taggedStack) link(base unsafe.Pointer, ref blockRef) {
	header := headerAt(base, ref)
	for {
		old := s.head.Load()
		atomic.StoreUint32(&header.next, uint32(old))
		if s.head.CompareAndSwap(old, packHead(old>>32+1, ref)) {
			return
		}
	}
}

// pop removes the top block, or returns 0 when the stack is empty or stays contended for maxPopAttempts tries
func (s *taggedStack) pop(base unsafe.Pointer) blockRef {
	for attempt := 0; attempt < maxPopAttempts; attempt++ {
		old := s.head.Load()
		ref := blockRef(old)
		if ref == 0 {
			return 0
		}

		next := atomic.LoadUint32(&headerAt(base, ref).next)
		if s.head.CompareAndSwap(old, packHead(old>>32+1, blockRef(next))) {
			s.depth.Add(-1)
			return ref
		}
	}

	return 0
}

func (s *taggedStack) clear() {
	s.head.Store(0)
	s.depth.Store(0)
}

func headerAt(base unsafe.Pointer, ref blockRef) *blockHeader {
	return (*blockHeader)(unsafe.Add(base, ref.offset()))
}
