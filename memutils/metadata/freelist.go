package metadata

import (
	"log/slog"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/hydragon-engine/memcore/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// MinBlockSize is the smallest free region that will be split off the end of a new allocation. Smaller
// remainders stay attached to the allocation that produced them.
const MinBlockSize = 64

var blockAllocator = sync.Pool{
	New: func() any {
		return &freeListBlock{}
	},
}

type freeListBlock struct {
	offset int
	// size is the physical span of the region, including the debug margin of allocations
	size      int
	alignment uint
	free      bool

	prevPhysical *freeListBlock
	nextPhysical *freeListBlock

	prevFree *freeListBlock
	nextFree *freeListBlock

	userData any
}

func (b *freeListBlock) MarkFree() {
	b.free = true
	b.alignment = 0
	b.userData = nil
}

func (b *freeListBlock) MarkTaken() {
	b.free = false
}

func (b *freeListBlock) IsFree() bool {
	return b.free
}

func (b *freeListBlock) usableSize() int {
	if b.free {
		return b.size
	}
	return b.size - memutils.DebugMargin
}

func (b *freeListBlock) region() Region {
	return Region{
		Handle:    HandleForOffset(b.offset),
		Offset:    b.offset,
		Size:      b.usableSize(),
		Alignment: b.alignment,
		UserData:  b.userData,
		Free:      b.free,
	}
}

// FreeListBlockMetadata is a coalescing free list. Regions form a doubly-linked list in address order, and
// free regions are additionally linked into an unordered free list. Freed regions are merged with both
// neighbours immediately, so two free regions are never adjacent.
//
// The region produced by the most recent split or merge is remembered as a hint and is tried before any
// search when the AllocationStrategyMinTime strategy is in use.
type FreeListBlockMetadata struct {
	BlockMetadataBase

	allocCount      int
	allocatedBytes  int
	blocksFreeCount int
	blocksFreeSize  int

	handleKey  *swiss.Map[BlockAllocationHandle, *freeListBlock]
	firstBlock *freeListBlock
	freeHead   *freeListBlock
	hint       *freeListBlock
}

var _ BlockMetadata = &FreeListBlockMetadata{}

func NewFreeListBlockMetadata() *FreeListBlockMetadata {
	return &FreeListBlockMetadata{}
}

func (m *FreeListBlockMetadata) allocateBlock(offset, size int) *freeListBlock {
	b := blockAllocator.Get().(*freeListBlock)
	*b = freeListBlock{offset: offset, size: size}
	m.handleKey.Put(HandleForOffset(offset), b)
	return b
}

func (m *FreeListBlockMetadata) freeBlock(b *freeListBlock) {
	m.handleKey.Delete(HandleForOffset(b.offset))
	if m.hint == b {
		m.hint = nil
	}
	*b = freeListBlock{}
	blockAllocator.Put(b)
}

func (m *FreeListBlockMetadata) moveBlock(b *freeListBlock, offset int) {
	m.handleKey.Delete(HandleForOffset(b.offset))
	b.offset = offset
	m.handleKey.Put(HandleForOffset(offset), b)
}

func (m *FreeListBlockMetadata) getBlock(handle BlockAllocationHandle) (*freeListBlock, error) {
	block, ok := m.handleKey.Get(handle)
	if !ok {
		return nil, errors.Newf("handle %d does not refer to a region of this block", handle)
	}
	return block, nil
}

func (m *FreeListBlockMetadata) getAllocation(handle BlockAllocationHandle) (*freeListBlock, error) {
	block, err := m.getBlock(handle)
	if err != nil {
		return nil, err
	}
	if block.IsFree() {
		return nil, errors.Newf("region at offset %d is not a live allocation", block.offset)
	}
	return block, nil
}

func (m *FreeListBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.handleKey = swiss.NewMap[BlockAllocationHandle, *freeListBlock](42)

	m.firstBlock = m.allocateBlock(0, size)
	m.insertFreeBlock(m.firstBlock)
	m.hint = m.firstBlock
}

func (m *FreeListBlockMetadata) AllocationCount() int  { return m.allocCount }
func (m *FreeListBlockMetadata) FreeRegionsCount() int { return m.blocksFreeCount }
func (m *FreeListBlockMetadata) SumFreeSize() int      { return m.blocksFreeSize }
func (m *FreeListBlockMetadata) IsEmpty() bool         { return m.allocCount == 0 }

func (m *FreeListBlockMetadata) LargestFreeRegion() int {
	var largest int
	for block := m.freeHead; block != nil; block = block.nextFree {
		if block.size > largest {
			largest = block.size
		}
	}
	return largest
}

func (m *FreeListBlockMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	nextOffset := 0
	var allocCount, freeCount, allocatedBytes, freeSize int
	var prev *freeListBlock

	for block := m.firstBlock; block != nil; block = block.nextPhysical {
		if block.offset != nextOffset {
			return errors.Newf("physical block at offset %d should begin at offset %d", block.offset, nextOffset)
		}
		if block.prevPhysical != prev {
			return errors.Newf("block at offset %d has a previous physical block, but the reverse reference is broken", block.offset)
		}
		if block.size <= 0 {
			return errors.Newf("block at offset %d has a size of %d", block.offset, block.size)
		}

		keyed, ok := m.handleKey.Get(HandleForOffset(block.offset))
		if !ok || keyed != block {
			return errors.Newf("block at offset %d is not registered under its handle", block.offset)
		}

		if block.IsFree() {
			if prev != nil && prev.IsFree() {
				return errors.Newf("adjacent free regions at offsets %d and %d were not merged", prev.offset, block.offset)
			}
			freeCount++
			freeSize += block.size
		} else {
			if block.alignment == 0 || block.offset%int(block.alignment) != 0 {
				return errors.Newf("allocation at offset %d does not honour its alignment of %d", block.offset, block.alignment)
			}
			allocCount++
			allocatedBytes += block.usableSize()
		}

		nextOffset = block.offset + block.size
		prev = block
	}

	if nextOffset != m.size {
		return errors.Newf("the full size of the metadata is %d, but the blocks only added up to %d", m.size, nextOffset)
	}

	var freeListCount int
	for block := m.freeHead; block != nil; block = block.nextFree {
		if !block.IsFree() {
			return errors.Newf("block at offset %d is in the free list but is not free", block.offset)
		}
		if block.nextFree != nil && block.nextFree.prevFree != block {
			return errors.Newf("block at offset %d lists the block at offset %d as its next block, but the reverse reference is broken", block.offset, block.nextFree.offset)
		}
		freeListCount++
	}

	if freeListCount != freeCount {
		return errors.Newf("the number of free blocks in the physical list and the number of blocks in the free list do not match! free list size: %d, physical list free blocks: %d", freeListCount, freeCount)
	}
	if freeCount != m.blocksFreeCount {
		return errors.Newf("the free block count of the metadata is %d, but there were %d free blocks", m.blocksFreeCount, freeCount)
	}
	if freeSize != m.blocksFreeSize {
		return errors.Newf("the free size of the metadata is %d, but the free blocks added up to %d", m.blocksFreeSize, freeSize)
	}
	if allocCount != m.allocCount {
		return errors.Newf("the allocation count of the metadata is %d, but the taken blocks added up to %d", m.allocCount, allocCount)
	}
	if allocatedBytes != m.allocatedBytes {
		return errors.Newf("the allocated size of the metadata is %d, but the taken blocks added up to %d", m.allocatedBytes, allocatedBytes)
	}
	if m.handleKey.Count() != allocCount+freeCount {
		return errors.Newf("%d handles are registered for %d blocks", m.handleKey.Count(), allocCount+freeCount)
	}

	return nil
}

func (m *FreeListBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	for block := m.firstBlock; block != nil; block = block.nextPhysical {
		if block.IsFree() {
			stats.AddUnusedRange(block.size)
		} else {
			stats.AddAllocation(block.usableSize())
		}
	}
}

// AddStatistics adds this block's live allocations. A block keeps no history, so the totals and peak it
// contributes describe live allocations only.
func (m *FreeListBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	stats.AllocationCount += m.allocCount
	stats.TotalAllocated += m.allocatedBytes
	stats.CurrentUsage += m.allocatedBytes
	stats.PeakUsage += m.allocatedBytes
}

func (m *FreeListBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	m.blockJsonHeader(json, m.blocksFreeSize, m.allocCount, m.blocksFreeCount)

	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = m.VisitAllRegions(func(region Region) error {
		m.blockJsonRegion(&arrayState, region)
		return nil
	})
}

func (m *FreeListBlockMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	for block := m.firstBlock; block != nil; block = block.nextPhysical {
		if !block.IsFree() && !memutils.ValidateMagicValue(blockData, block.offset+block.usableSize()) {
			return errors.Wrapf(memutils.ErrCorruptionDetected, "guard bytes after the allocation at offset %d were overwritten", block.offset)
		}
	}

	return nil
}

func (m *FreeListBlockMetadata) fits(block *freeListBlock, size int, alignment uint) (int, bool) {
	offset := memutils.AlignUp(block.offset, alignment)
	return offset, offset+size+memutils.DebugMargin <= block.offset+block.size
}

func (m *FreeListBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy) (bool, AllocationRequest, error) {
	if allocSize <= 0 {
		return false, AllocationRequest{}, errors.Wrapf(memutils.ErrInvalidSize, "requested %d bytes", allocSize)
	}
	if err := memutils.CheckPow2(allocAlignment, "allocAlignment"); err != nil {
		return false, AllocationRequest{}, err
	}

	// Quick check for too small block
	if allocSize+memutils.DebugMargin > m.blocksFreeSize {
		return false, AllocationRequest{}, nil
	}

	request := AllocationRequest{
		Size:      allocSize,
		Alignment: allocAlignment,
		Type:      AllocationRequestFreeList,
	}

	if strategy != AllocationStrategyMinMemory && strategy != AllocationStrategyMinOffset && m.hint != nil {
		if offset, ok := m.fits(m.hint, allocSize, allocAlignment); ok {
			request.BlockAllocationHandle = HandleForOffset(m.hint.offset)
			request.Offset = offset
			request.Type = AllocationRequestHint
			return true, request, nil
		}
	}

	var found *freeListBlock
	var foundOffset int

	for block := m.freeHead; block != nil; block = block.nextFree {
		offset, ok := m.fits(block, allocSize, allocAlignment)
		if !ok {
			continue
		}

		switch strategy {
		case AllocationStrategyMinMemory:
			if found == nil || block.size < found.size {
				found, foundOffset = block, offset
			}
		case AllocationStrategyMinOffset:
			if found == nil || block.offset < found.offset {
				found, foundOffset = block, offset
			}
		default:
			found, foundOffset = block, offset
		}

		if found != nil && strategy != AllocationStrategyMinMemory && strategy != AllocationStrategyMinOffset {
			break
		}
	}

	if found == nil {
		return false, AllocationRequest{}, nil
	}

	request.BlockAllocationHandle = HandleForOffset(found.offset)
	request.Offset = foundOffset
	return true, request, nil
}

func (m *FreeListBlockMetadata) Alloc(req AllocationRequest, userData any) (BlockAllocationHandle, error) {
	block, err := m.getBlock(req.BlockAllocationHandle)
	if err != nil {
		return NoAllocation, err
	}
	if !block.IsFree() {
		return NoAllocation, errors.Newf("allocation request refers to the region at offset %d, which is no longer free", block.offset)
	}
	if req.Size <= 0 || req.Offset < block.offset || req.Offset+req.Size+memutils.DebugMargin > block.offset+block.size {
		return NoAllocation, errors.Newf("allocation request for %d bytes at offset %d no longer fits in the free region at offset %d", req.Size, req.Offset, block.offset)
	}
	if memutils.AlignUp(req.Offset, req.Alignment) != req.Offset {
		return NoAllocation, errors.Newf("allocation request offset %d is not aligned to %d", req.Offset, req.Alignment)
	}

	return m.carve(block, req.Offset, req.Size, req.Alignment, userData, true), nil
}

func (m *FreeListBlockMetadata) AllocAt(offset int, allocSize int, allocAlignment uint, userData any) (BlockAllocationHandle, error) {
	if allocSize <= 0 {
		return NoAllocation, errors.Wrapf(memutils.ErrInvalidSize, "requested %d bytes", allocSize)
	}
	if err := memutils.CheckPow2(allocAlignment, "allocAlignment"); err != nil {
		return NoAllocation, err
	}
	if offset < 0 || memutils.AlignUp(offset, allocAlignment) != offset {
		return NoAllocation, errors.Newf("offset %d is not aligned to %d", offset, allocAlignment)
	}

	end := offset + allocSize + memutils.DebugMargin
	for block := m.firstBlock; block != nil; block = block.nextPhysical {
		if block.offset+block.size <= offset {
			continue
		}

		if !block.IsFree() || end > block.offset+block.size {
			return NoAllocation, errors.Newf("range [%d, %d) does not lie inside a single free region", offset, end)
		}

		return m.carve(block, offset, allocSize, allocAlignment, userData, false), nil
	}

	return NoAllocation, errors.Newf("offset %d is outside of the block", offset)
}

// carve turns part of a free block into an allocation. Padding before the offset becomes a free region of its
// own. The neighbours of a free block are never free, so no merging is needed.
func (m *FreeListBlockMetadata) carve(block *freeListBlock, offset, size int, alignment uint, userData any, absorbTail bool) BlockAllocationHandle {
	m.removeFreeBlock(block)

	if padding := offset - block.offset; padding > 0 {
		oldOffset := block.offset
		m.moveBlock(block, offset)
		block.size -= padding

		padBlock := m.allocateBlock(oldOffset, padding)
		padBlock.prevPhysical = block.prevPhysical
		padBlock.nextPhysical = block
		if block.prevPhysical != nil {
			block.prevPhysical.nextPhysical = padBlock
		} else {
			m.firstBlock = padBlock
		}
		block.prevPhysical = padBlock
		m.insertFreeBlock(padBlock)
	}

	span := size + memutils.DebugMargin
	remainder := block.size - span
	if remainder >= MinBlockSize || (!absorbTail && remainder > 0) {
		tail := m.allocateBlock(offset+span, remainder)
		tail.prevPhysical = block
		tail.nextPhysical = block.nextPhysical
		if tail.nextPhysical != nil {
			tail.nextPhysical.prevPhysical = tail
		}
		block.nextPhysical = tail
		block.size = span

		m.insertFreeBlock(tail)
		m.hint = tail
	}

	block.MarkTaken()
	block.alignment = alignment
	block.userData = userData

	m.allocCount++
	m.allocatedBytes += block.usableSize()

	return HandleForOffset(block.offset)
}

func (m *FreeListBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	block, err := m.getAllocation(allocHandle)
	if err != nil {
		return err
	}

	m.allocCount--
	m.allocatedBytes -= block.usableSize()

	// Try merging
	if next := block.nextPhysical; next != nil && next.IsFree() {
		m.removeFreeBlock(next)
		block.size += next.size
		m.unlinkPhysical(next)
		m.freeBlock(next)
	}

	if prev := block.prevPhysical; prev != nil && prev.IsFree() {
		m.removeFreeBlock(prev)
		prev.size += block.size
		m.unlinkPhysical(block)
		m.freeBlock(block)
		block = prev
	}

	m.insertFreeBlock(block)
	m.hint = block

	return nil
}

func (m *FreeListBlockMetadata) unlinkPhysical(block *freeListBlock) {
	if block.prevPhysical != nil {
		block.prevPhysical.nextPhysical = block.nextPhysical
	} else {
		m.firstBlock = block.nextPhysical
	}

	if block.nextPhysical != nil {
		block.nextPhysical.prevPhysical = block.prevPhysical
	}
}

func (m *FreeListBlockMetadata) removeFreeBlock(block *freeListBlock) {
	if !block.IsFree() {
		panic("provided block is not free")
	}

	if block.prevFree != nil {
		block.prevFree.nextFree = block.nextFree
	} else {
		m.freeHead = block.nextFree
	}
	if block.nextFree != nil {
		block.nextFree.prevFree = block.prevFree
	}

	block.prevFree = nil
	block.nextFree = nil
	if m.hint == block {
		m.hint = nil
	}

	block.MarkTaken()
	m.blocksFreeCount--
	m.blocksFreeSize -= block.size
}

func (m *FreeListBlockMetadata) insertFreeBlock(block *freeListBlock) {
	block.MarkFree()
	block.prevFree = nil
	block.nextFree = m.freeHead
	if m.freeHead != nil {
		m.freeHead.prevFree = block
	}
	m.freeHead = block

	m.blocksFreeCount++
	m.blocksFreeSize += block.size
}

func (m *FreeListBlockMetadata) VisitAllRegions(handleRegion func(region Region) error) error {
	for block := m.firstBlock; block != nil; block = block.nextPhysical {
		err := handleRegion(block.region())
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *FreeListBlockMetadata) Clear() {
	block := m.firstBlock
	for block != nil {
		next := block.nextPhysical
		m.freeBlock(block)
		block = next
	}

	m.allocCount = 0
	m.allocatedBytes = 0
	m.blocksFreeCount = 0
	m.blocksFreeSize = 0
	m.freeHead = nil

	m.firstBlock = m.allocateBlock(0, m.size)
	m.insertFreeBlock(m.firstBlock)
	m.hint = m.firstBlock
}

func (m *FreeListBlockMetadata) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any)) {
	for block := m.firstBlock; block != nil; block = block.nextPhysical {
		if !block.IsFree() {
			logFunc(logger, block.offset, block.usableSize(), block.userData)
		}
	}
}

func (m *FreeListBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return 0, err
	}

	return block.offset, nil
}

func (m *FreeListBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	block, err := m.getAllocation(allocHandle)
	if err != nil {
		return 0, err
	}

	return block.usableSize(), nil
}

func (m *FreeListBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return nil, err
	}

	if block.IsFree() {
		return nil, errors.New("user data cannot be retrieved for a free block")
	}

	return block.userData, nil
}

func (m *FreeListBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	block, err := m.getBlock(allocHandle)
	if err != nil {
		return err
	}

	if block.IsFree() {
		return errors.New("user data cannot be set for a free block")
	}

	block.userData = userData
	return nil
}
