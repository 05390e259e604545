// Package heap provides the default general-purpose strategy: a coalescing free list over one or more arenas
// of committed memory.
package heap

import (
	"context"
	"log/slog"
	"strconv"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/internal/utils"
	"github.com/hydragon-engine/memcore/memutils"
	"github.com/hydragon-engine/memcore/memutils/arena"
	"github.com/hydragon-engine/memcore/memutils/defrag"
	"github.com/hydragon-engine/memcore/memutils/metadata"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// CreateFlags indicate specific heap behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = utils.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that the heap will not be synchronized internally. The consumer
	// must guarantee it is used from only one thread at a time or is synchronized by some other mechanism.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateBindToNode places the heap's arenas on CreateOptions.NumaNode
	CreateBindToNode
	// CreateStrictNodeBinding makes a failure to bind an arena to CreateOptions.NumaNode an allocation
	// failure. Without it, an arena that cannot be bound is used unbound.
	CreateStrictNodeBinding
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
	CreateBindToNode.Register("CreateBindToNode")
	CreateStrictNodeBinding.Register("CreateStrictNodeBinding")
}

const (
	// defaultArenaSize is the arena size used when none is provided via CreateOptions. It is equal to 64Mb.
	defaultArenaSize int = 64 * 1024 * 1024
)

// CreateOptions contains optional settings when creating a heap. The zero value is valid.
type CreateOptions struct {
	// Flags indicates specific heap behaviors to activate or deactivate
	Flags CreateFlags
	// ArenaSize is the size of each arena the heap commits. Requests that don't fit in an arena of this size
	// get a dedicated arena of their own.
	ArenaSize int
	// MaxBytes limits the total size of the heap's arenas. 0 means unlimited.
	MaxBytes int
	// AllocationStrategy selects how free regions are searched. 0 means metadata.AllocationStrategyMinTime.
	AllocationStrategy metadata.AllocationStrategy
	// NumaNode is the node arenas are bound to when CreateBindToNode is set
	NumaNode int
}

// Strategy is a general-purpose memutils.Strategy. Sizes are rounded up to memutils.DefaultAlignment. Every
// allocation is carved from the free list of an arena, and freed allocations are merged with their free
// neighbours immediately.
type Strategy struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex

	flags              CreateFlags
	arenaSize          int
	maxBytes           int
	allocationStrategy metadata.AllocationStrategy
	numaNode           int

	nextBlockId int
	blocks      []*arenaBlock
	counters    memutils.UsageCounters
}

var _ memutils.Strategy = &Strategy{}
var _ memutils.Compactor = &Strategy{}
var _ memutils.Resetter = &Strategy{}
var _ memutils.Releaser = &Strategy{}
var _ defrag.Target = &Strategy{}

// New creates a heap and commits its first arena
func New(logger *slog.Logger, options CreateOptions) (*Strategy, error) {
	h := &Strategy{
		logger: logger,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},
		flags:              options.Flags,
		arenaSize:          options.ArenaSize,
		maxBytes:           options.MaxBytes,
		allocationStrategy: options.AllocationStrategy,
		numaNode:           arena.NoNode,
	}

	if h.arenaSize <= 0 {
		h.arenaSize = defaultArenaSize
	}
	h.arenaSize = memutils.AlignUp(h.arenaSize, uint(arena.PageSize()))

	if h.allocationStrategy == 0 {
		h.allocationStrategy = metadata.AllocationStrategyMinTime
	}

	if options.Flags&CreateBindToNode != 0 {
		h.numaNode = options.NumaNode
	}

	if h.maxBytes > 0 && h.maxBytes < h.arenaSize {
		h.arenaSize = memutils.AlignDown(h.maxBytes, uint(arena.PageSize()))
		if h.arenaSize == 0 {
			return nil, errors.Wrapf(memutils.ErrOutOfMemory, "a budget of %d bytes cannot hold a single page", h.maxBytes)
		}
	}

	_, err := h.createBlock(h.arenaSize, false)
	if err != nil {
		return nil, err
	}

	return h, nil
}

// Node returns the NUMA node the heap's arenas are bound to, or arena.NoNode
func (h *Strategy) Node() int {
	return h.numaNode
}

func (h *Strategy) createBlock(blockSize int, dedicated bool) (*arenaBlock, error) {
	if h.maxBytes > 0 {
		err := h.counters.AddBlockWithBudget(blockSize, h.maxBytes)
		if err != nil {
			return nil, err
		}
	} else {
		h.counters.AddBlock(blockSize)
	}

	var memory *arena.Arena
	var err error
	if h.numaNode == arena.NoNode {
		memory, err = arena.New(blockSize)
	} else {
		memory, err = arena.NewOnNode(blockSize, h.numaNode, h.flags&CreateStrictNodeBinding != 0)
	}
	if err != nil {
		h.counters.RemoveBlock(blockSize)
		return nil, err
	}

	block := blockPool.Get().(*arenaBlock)
	block.Init(h.logger, memory, h.nextBlockId, dedicated)
	h.nextBlockId++

	h.blocks = append(h.blocks, block)
	return block, nil
}

func (h *Strategy) destroyBlock(block *arenaBlock) error {
	size := block.arena.Size()
	err := block.Destroy()
	h.counters.RemoveBlock(size)
	blockPool.Put(block)
	return err
}

func (h *Strategy) remove(block *arenaBlock) {
	for blockIndex := 0; blockIndex < len(h.blocks); blockIndex++ {
		if h.blocks[blockIndex] == block {
			h.blocks = append(h.blocks[0:blockIndex], h.blocks[blockIndex+1:]...)
			return
		}
	}

	panic("attempted to remove an arena block from a heap that did not own it")
}

func (h *Strategy) findBlock(ptr unsafe.Pointer) *arenaBlock {
	for _, block := range h.blocks {
		if block.arena.Contains(ptr) {
			return block
		}
	}

	return nil
}

func (h *Strategy) Allocate(size int, info memutils.AllocationInfo) (unsafe.Pointer, error) {
	h.logger.Debug("Strategy::Allocate", slog.Int("Size", size), slog.String("Tag", info.Tag))

	if size <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "requested %d bytes", size)
	}

	alignment := info.EffectiveAlignment()
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}
	if alignment > uint(arena.PageSize()) {
		return nil, errors.Wrapf(memutils.ErrRequestUnsupported, "alignment %d is larger than the page size", alignment)
	}
	if alignment < memutils.DefaultAlignment {
		alignment = memutils.DefaultAlignment
	}

	size = memutils.AlignUp(size, memutils.DefaultAlignment)

	var userData any
	if info.Tag != "" {
		userData = info.Tag
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for _, block := range h.blocks {
		ptr, err := h.allocFromBlock(block, size, alignment, userData)
		if err != nil {
			return nil, err
		}
		if ptr != nil {
			return ptr, nil
		}
	}

	// No room in existing arenas
	blockSize := h.arenaSize
	dedicated := false
	if size+int(alignment)+memutils.DebugMargin > blockSize {
		blockSize = memutils.AlignUp(size+memutils.DebugMargin, uint(arena.PageSize()))
		dedicated = true
	}

	block, err := h.createBlock(blockSize, dedicated)
	if err != nil {
		h.logger.Debug("    Strategy::createBlock FAILED", slog.Int("BlockSize", blockSize))
		return nil, err
	}

	ptr, err := h.allocFromBlock(block, size, alignment, userData)
	if err != nil {
		return nil, err
	}
	if ptr == nil {
		return nil, errors.AssertionFailedf("a fresh arena of %d bytes could not hold %d bytes", blockSize, size)
	}

	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new arena", slog.Int("arena.id", block.id), slog.Int("Size", blockSize), slog.Bool("Dedicated", dedicated))
	return ptr, nil
}

func (h *Strategy) allocFromBlock(block *arenaBlock, size int, alignment uint, userData any) (unsafe.Pointer, error) {
	success, req, err := block.metadata.CreateAllocationRequest(size, alignment, h.allocationStrategy)
	if err != nil {
		return nil, err
	}
	if !success {
		return nil, nil
	}

	handle, err := block.metadata.Alloc(req, userData)
	if err != nil {
		return nil, err
	}

	allocSize, err := block.metadata.AllocationSize(handle)
	if err != nil {
		return nil, err
	}

	block.WriteMagicBlockAfterAllocation(req.Offset, allocSize)
	h.counters.AddAllocation(allocSize)
	memutils.DebugValidate(block)

	return block.pointer(req.Offset), nil
}

func (h *Strategy) Deallocate(ptr unsafe.Pointer) error {
	h.logger.Debug("Strategy::Deallocate")

	if ptr == nil {
		return nil
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	block := h.findBlock(ptr)
	if block == nil {
		return errors.Wrapf(memutils.ErrUntrackedPointer, "%p is not inside any arena of this heap", ptr)
	}

	offset := block.arena.Offset(ptr)
	handle := metadata.HandleForOffset(offset)
	size, err := block.metadata.AllocationSize(handle)
	if err != nil {
		return errors.Wrapf(memutils.ErrUntrackedPointer, "%p is not a live allocation: %v", ptr, err)
	}

	corruptionErr := block.ValidateMagicValueAfterAllocation(offset, size)
	if corruptionErr != nil {
		h.logger.LogAttrs(context.Background(), slog.LevelError, "heap allocation was overrun",
			slog.Int("arena", block.id), slog.Int("offset", offset), slog.Int("size", size))
	}

	hasEmptyBlockBeforeFree := h.hasEmptyBlock()
	err = block.metadata.Free(handle)
	if err != nil {
		return err
	}
	h.counters.RemoveAllocation(size)
	memutils.DebugValidate(block)

	// The block is empty and another empty block is already standing by
	if block.metadata.IsEmpty() && len(h.blocks) > 1 && (block.dedicated || hasEmptyBlockBeforeFree) {
		h.remove(block)
		h.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty arena", slog.Int("arena.id", block.id))
		err = h.destroyBlock(block)
		if err != nil {
			return errors.CombineErrors(corruptionErr, err)
		}
	}

	h.incrementallySortBlocks()

	return corruptionErr
}

func (h *Strategy) hasEmptyBlock() bool {
	for blockIndex := 0; blockIndex < len(h.blocks); blockIndex++ {
		if h.blocks[blockIndex].metadata.IsEmpty() {
			return true
		}
	}

	return false
}

// incrementallySortBlocks moves fuller arenas toward the front, so that new allocations prefer them and
// emptier arenas get a chance to drain
func (h *Strategy) incrementallySortBlocks() {
	for blockIndex := 1; blockIndex < len(h.blocks); blockIndex++ {
		if h.blocks[blockIndex-1].metadata.SumFreeSize() > h.blocks[blockIndex].metadata.SumFreeSize() {
			h.blocks[blockIndex-1], h.blocks[blockIndex] = h.blocks[blockIndex], h.blocks[blockIndex-1]
			return
		}
	}
}

// Owns returns true if ptr is the start of a live allocation from this heap
func (h *Strategy) Owns(ptr unsafe.Pointer) bool {
	if ptr == nil {
		return false
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	block := h.findBlock(ptr)
	if block == nil {
		return false
	}

	_, err := block.metadata.AllocationSize(metadata.HandleForOffset(block.arena.Offset(ptr)))
	return err == nil
}

func (h *Strategy) Stats() memutils.Statistics {
	return h.counters.Snapshot()
}

func (h *Strategy) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for _, block := range h.blocks {
		block.metadata.AddDetailedStatistics(stats)
	}
}

// Compact returns every empty arena except the first to the system
func (h *Strategy) Compact() error {
	h.logger.Debug("Strategy::Compact")

	h.mutex.Lock()
	defer h.mutex.Unlock()

	_, _, err := h.ReleaseEmptyBlocks()
	return err
}

// Reset frees every allocation at once and returns every arena except the first to the system. Outstanding
// pointers become invalid.
func (h *Strategy) Reset() error {
	h.logger.Debug("Strategy::Reset")

	h.mutex.Lock()
	defer h.mutex.Unlock()

	var err error
	for blockIndex := len(h.blocks) - 1; blockIndex >= 0; blockIndex-- {
		block := h.blocks[blockIndex]
		block.metadata.Clear()

		if blockIndex > 0 {
			h.blocks = h.blocks[:blockIndex]
			err = errors.CombineErrors(err, h.destroyBlock(block))
		}
	}

	h.counters.Reset()
	return err
}

// Release logs any allocations that are still live and returns every arena to the system. The heap must not
// be used afterward.
func (h *Strategy) Release() error {
	h.logger.Debug("Strategy::Release")

	h.mutex.Lock()
	defer h.mutex.Unlock()

	var err error
	for _, block := range h.blocks {
		err = errors.CombineErrors(err, h.destroyBlock(block))
	}
	h.blocks = nil

	return err
}

// CheckCorruption verifies the guard bytes after every live allocation. Guard bytes are only written when
// memutils is built with the `debug_mem_utils` build tag.
func (h *Strategy) CheckCorruption() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for _, block := range h.blocks {
		err := block.CheckCorruption()
		if err != nil {
			return err
		}
	}

	return nil
}

func (h *Strategy) Validate() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for _, block := range h.blocks {
		err := block.Validate()
		if err != nil {
			return errors.Wrapf(err, "arena %d", block.id)
		}
	}

	stats := h.counters.Snapshot()
	return stats.Validate()
}

func (h *Strategy) PrintDetailedMap(writer *jwriter.Writer) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	for i := 0; i < len(h.blocks); i++ {
		block := h.blocks[i]

		blockObj := objState.Name(strconv.Itoa(block.id)).Object()

		blockObj.Name("Dedicated").Bool(block.dedicated)
		blockObj.Name("Node").Int(block.arena.Node())
		block.metadata.BlockJsonData(&blockObj)

		blockObj.End()
	}
}
