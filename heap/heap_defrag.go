package heap

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/memutils/metadata"
)

func (h *Strategy) Lock() {
	h.mutex.Lock()
}

func (h *Strategy) Unlock() {
	h.mutex.Unlock()
}

func (h *Strategy) BlockCount() int { return len(h.blocks) }

func (h *Strategy) MetadataForBlock(index int) metadata.BlockMetadata {
	return h.blocks[index].metadata
}

func (h *Strategy) BlockBase(index int) unsafe.Pointer {
	return h.blocks[index].arena.Base()
}

// ReleaseEmptyBlocks returns every empty arena except the first to the system. The heap's lock must be held.
func (h *Strategy) ReleaseEmptyBlocks() (int, int, error) {
	var blocksFreed, bytesFreed int
	var err error

	for blockIndex := len(h.blocks) - 1; blockIndex > 0; blockIndex-- {
		block := h.blocks[blockIndex]
		if !block.metadata.IsEmpty() {
			continue
		}

		size := block.arena.Size()
		h.blocks = append(h.blocks[:blockIndex], h.blocks[blockIndex+1:]...)
		destroyErr := h.destroyBlock(block)
		if destroyErr != nil {
			err = errors.CombineErrors(err, destroyErr)
			continue
		}

		blocksFreed++
		bytesFreed += size
	}

	return blocksFreed, bytesFreed, err
}
