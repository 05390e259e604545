package pool

import (
	"context"
	"log/slog"
	"math/bits"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/memutils/arena"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// fixedPool is a single arena carved into equal blocks. A set bit in used marks a live block.
type fixedPool struct {
	id         int
	tier       Tier
	blockSize  int
	blockCount int
	freeCount  int

	arena *arena.Arena
	used  []uint64
}

func newFixedPool(id int, tier Tier, blockSize, blockCount, node int) (*fixedPool, error) {
	var memory *arena.Arena
	var err error
	if node == arena.NoNode {
		memory, err = arena.New(blockSize * blockCount)
	} else {
		memory, err = arena.NewOnNode(blockSize*blockCount, node, false)
	}
	if err != nil {
		return nil, err
	}

	return &fixedPool{
		id:         id,
		tier:       tier,
		blockSize:  blockSize,
		blockCount: blockCount,
		freeCount:  blockCount,
		arena:      memory,
		used:       make([]uint64, (blockCount+63)/64),
	}, nil
}

func (p *fixedPool) size() int {
	return p.blockSize * p.blockCount
}

func (p *fixedPool) isFull() bool  { return p.freeCount == 0 }
func (p *fixedPool) isEmpty() bool { return p.freeCount == p.blockCount }

func (p *fixedPool) contains(ptr unsafe.Pointer) bool {
	address := uintptr(ptr)
	start := uintptr(p.arena.Base())
	return address >= start && address < start+uintptr(p.size())
}

func (p *fixedPool) isUsed(index int) bool {
	return p.used[index/64]&(1<<(index%64)) != 0
}

// take claims the first free block, scanning the usage flags in order
func (p *fixedPool) take() (unsafe.Pointer, bool) {
	if p.isFull() {
		return nil, false
	}

	for word := 0; word < len(p.used); word++ {
		free := ^p.used[word]
		if free == 0 {
			continue
		}

		index := word*64 + bits.TrailingZeros64(free)
		if index >= p.blockCount {
			break
		}

		p.used[word] |= 1 << (index % 64)
		p.freeCount--
		return p.arena.At(index * p.blockSize), true
	}

	return nil, false
}

// blockIndex returns the index of the block that starts at ptr, or false if ptr is not the start of a block
func (p *fixedPool) blockIndex(ptr unsafe.Pointer) (int, bool) {
	offset := p.arena.Offset(ptr)
	if offset%p.blockSize != 0 {
		return 0, false
	}
	return offset / p.blockSize, true
}

func (p *fixedPool) give(index int) {
	p.used[index/64] &^= 1 << (index % 64)
	p.freeCount++
}

func (p *fixedPool) clear() {
	for i := range p.used {
		p.used[i] = 0
	}
	p.freeCount = p.blockCount
}

func (p *fixedPool) validate() error {
	used := 0
	for word := 0; word < len(p.used); word++ {
		used += bits.OnesCount64(p.used[word])
	}

	if used+p.freeCount != p.blockCount {
		return errors.Newf("pool %d has %d used and %d free blocks, but holds %d blocks", p.id, used, p.freeCount, p.blockCount)
	}

	return nil
}

func (p *fixedPool) destroy(logger *slog.Logger) error {
	var unreleased error
	if !p.isEmpty() {
		for index := 0; index < p.blockCount; index++ {
			if p.isUsed(index) {
				logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed pool block",
					slog.Int("pool", p.id),
					slog.String("tier", p.tier.String()),
					slog.Int("offset", index*p.blockSize),
					slog.Int("size", p.blockSize),
				)
			}
		}
		unreleased = errors.Newf("%d blocks were not freed before the destruction of pool %d", p.blockCount-p.freeCount, p.id)
	}

	return errors.CombineErrors(unreleased, p.arena.Release())
}

func (p *fixedPool) printJson(json *jwriter.ObjectState) {
	json.Name("Id").Int(p.id)
	json.Name("BlockSize").Int(p.blockSize)
	json.Name("BlockCount").Int(p.blockCount)
	json.Name("UsedBlocks").Int(p.blockCount - p.freeCount)
	json.Name("Node").Int(p.arena.Node())
}
