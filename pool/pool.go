// Package pool provides a strategy built from pools of fixed-size blocks. Each request is served by the
// smallest of three tiers whose block size fits it, and blocks are never split or merged.
package pool

import (
	"context"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/internal/utils"
	"github.com/hydragon-engine/memcore/memutils"
	"github.com/hydragon-engine/memcore/memutils/arena"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Tier identifies one of the three block sizes of a pool strategy
type Tier int

const (
	TierSmall Tier = iota
	TierMedium
	TierLarge

	TierCount = 3
)

var tierMapping = map[Tier]string{
	TierSmall:  "TierSmall",
	TierMedium: "TierMedium",
	TierLarge:  "TierLarge",
}

func (t Tier) String() string {
	return tierMapping[t]
}

// CreateFlags indicate specific pool behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = utils.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that the strategy will not be synchronized internally
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateDisableGrowth prevents new pools from being created after construction. A tier whose pools are all
	// full fails its requests with memutils.ErrOutOfMemory.
	CreateDisableGrowth
	// CreateBindToNode places every pool on CreateOptions.NumaNode
	CreateBindToNode
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
	CreateDisableGrowth.Register("CreateDisableGrowth")
	CreateBindToNode.Register("CreateBindToNode")
}

var (
	defaultBlockSizes    = [TierCount]int{64, 256, 1024}
	defaultBlocksPerPool = [TierCount]int{1024, 512, 256}
)

const (
	defaultInitialPools    = 1
	defaultMaxPoolsPerTier = 64
)

// CreateOptions contains optional settings when creating a pool strategy. The zero value is valid.
type CreateOptions struct {
	Flags CreateFlags
	// BlockSizes is the block size of each tier. Entries are rounded up to memutils.DefaultAlignment and must
	// increase from small to large. A 0 entry uses the default of 64, 256 or 1024 bytes.
	BlockSizes [TierCount]int
	// BlocksPerPool is the number of blocks in each pool of a tier. A 0 entry uses the default of 1024, 512
	// or 256 blocks.
	BlocksPerPool [TierCount]int
	// InitialPools is the number of pools created for each tier up front, which Compact never releases.
	// 0 means 1.
	InitialPools int
	// MaxPoolsPerTier bounds growth. 0 means 64.
	MaxPoolsPerTier int
	// NumaNode is the node pools are placed on when CreateBindToNode is set
	NumaNode int
}

type tierState struct {
	blockSize     int
	blocksPerPool int
	pools         []*fixedPool
}

// Strategy is a memutils.Strategy made of fixed-size block pools
type Strategy struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex

	growth          bool
	initialPools    int
	maxPoolsPerTier int
	node            int

	nextPoolId int
	tiers      [TierCount]tierState
	counters   memutils.UsageCounters
}

var _ memutils.Strategy = &Strategy{}
var _ memutils.Compactor = &Strategy{}
var _ memutils.Resetter = &Strategy{}
var _ memutils.Releaser = &Strategy{}

// New creates a pool strategy along with its initial pools
func New(logger *slog.Logger, options CreateOptions) (*Strategy, error) {
	s := &Strategy{
		logger: logger,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},
		growth:          options.Flags&CreateDisableGrowth == 0,
		initialPools:    options.InitialPools,
		maxPoolsPerTier: options.MaxPoolsPerTier,
		node:            arena.NoNode,
	}

	if s.initialPools <= 0 {
		s.initialPools = defaultInitialPools
	}
	if s.maxPoolsPerTier <= 0 {
		s.maxPoolsPerTier = defaultMaxPoolsPerTier
	}
	if s.maxPoolsPerTier < s.initialPools {
		return nil, errors.Newf("MaxPoolsPerTier (%d) must not be smaller than InitialPools (%d)", s.maxPoolsPerTier, s.initialPools)
	}
	if options.Flags&CreateBindToNode != 0 {
		s.node = options.NumaNode
	}

	for tier := TierSmall; tier < TierCount; tier++ {
		blockSize := options.BlockSizes[tier]
		if blockSize <= 0 {
			blockSize = defaultBlockSizes[tier]
		}
		blockSize = memutils.AlignUp(blockSize, memutils.DefaultAlignment)

		if tier > TierSmall && blockSize <= s.tiers[tier-1].blockSize {
			return nil, errors.Newf("the block size of %s (%d) must be larger than the block size of %s (%d)",
				tier, blockSize, tier-1, s.tiers[tier-1].blockSize)
		}

		blocksPerPool := options.BlocksPerPool[tier]
		if blocksPerPool <= 0 {
			blocksPerPool = defaultBlocksPerPool[tier]
		}

		s.tiers[tier] = tierState{
			blockSize:     blockSize,
			blocksPerPool: blocksPerPool,
		}
	}

	for tier := TierSmall; tier < TierCount; tier++ {
		for i := 0; i < s.initialPools; i++ {
			_, err := s.createPool(tier)
			if err != nil {
				return nil, errors.CombineErrors(err, s.Release())
			}
		}
	}

	return s, nil
}

// BlockSize returns the fixed block size of a tier
func (s *Strategy) BlockSize(tier Tier) int {
	return s.tiers[tier].blockSize
}

// TierFor returns the smallest tier whose blocks can hold size bytes, or false if size is larger than the
// large tier's block size
func (s *Strategy) TierFor(size int) (Tier, bool) {
	for tier := TierSmall; tier < TierCount; tier++ {
		if size <= s.tiers[tier].blockSize {
			return tier, true
		}
	}

	return 0, false
}

func (s *Strategy) createPool(tier Tier) (*fixedPool, error) {
	state := &s.tiers[tier]
	p, err := newFixedPool(s.nextPoolId, tier, state.blockSize, state.blocksPerPool, s.node)
	if err != nil {
		return nil, err
	}
	s.nextPoolId++

	state.pools = append(state.pools, p)
	s.counters.AddBlock(p.size())
	return p, nil
}

func (s *Strategy) destroyPool(p *fixedPool) error {
	size := p.size()
	err := p.destroy(s.logger)
	s.counters.RemoveBlock(size)
	return err
}

func (s *Strategy) Allocate(size int, info memutils.AllocationInfo) (unsafe.Pointer, error) {
	s.logger.Debug("Strategy::Allocate", slog.Int("Size", size), slog.String("Tag", info.Tag))

	if size <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "requested %d bytes", size)
	}

	alignment := info.EffectiveAlignment()
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}

	tier, ok := s.TierFor(size)
	if !ok {
		return nil, errors.Wrapf(memutils.ErrRequestUnsupported, "%d bytes is larger than the largest block size of %d bytes", size, s.tiers[TierLarge].blockSize)
	}

	state := &s.tiers[tier]
	natural := memutils.NaturalAlignment(state.blockSize, uint(arena.PageSize()))
	if alignment > natural {
		return nil, errors.Wrapf(memutils.ErrRequestUnsupported, "alignment %d is larger than the %d byte alignment of %s blocks", alignment, natural, tier)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, p := range state.pools {
		ptr, ok := p.take()
		if ok {
			s.counters.AddAllocation(state.blockSize)
			return ptr, nil
		}
	}

	if !s.growth || len(state.pools) >= s.maxPoolsPerTier {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "all %d pools of %s are full", len(state.pools), tier)
	}

	p, err := s.createPool(tier)
	if err != nil {
		return nil, err
	}
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new pool", slog.Int("pool.id", p.id), slog.String("Tier", tier.String()))

	ptr, ok := p.take()
	if !ok {
		return nil, errors.AssertionFailedf("a fresh pool of %s has no free block", tier)
	}

	s.counters.AddAllocation(state.blockSize)
	return ptr, nil
}

func (s *Strategy) findPool(ptr unsafe.Pointer) *fixedPool {
	for tier := TierSmall; tier < TierCount; tier++ {
		for _, p := range s.tiers[tier].pools {
			if p.contains(ptr) {
				return p
			}
		}
	}

	return nil
}

func (s *Strategy) Deallocate(ptr unsafe.Pointer) error {
	s.logger.Debug("Strategy::Deallocate")

	if ptr == nil {
		return nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	p := s.findPool(ptr)
	if p == nil {
		return errors.Wrapf(memutils.ErrUntrackedPointer, "%p is not inside any pool", ptr)
	}

	index, ok := p.blockIndex(ptr)
	if !ok {
		return errors.Wrapf(memutils.ErrUntrackedPointer, "%p is not the start of a block of pool %d", ptr, p.id)
	}
	if !p.isUsed(index) {
		return errors.Wrapf(memutils.ErrDoubleFree, "block %d of pool %d is already free", index, p.id)
	}

	p.give(index)
	s.counters.RemoveAllocation(p.blockSize)
	return nil
}

// Owns returns true if ptr is the start of a live block of one of this strategy's pools
func (s *Strategy) Owns(ptr unsafe.Pointer) bool {
	if ptr == nil {
		return false
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	p := s.findPool(ptr)
	if p == nil {
		return false
	}

	index, ok := p.blockIndex(ptr)
	return ok && p.isUsed(index)
}

func (s *Strategy) Stats() memutils.Statistics {
	return s.counters.Snapshot()
}

// PoolCount returns the number of pools currently backing a tier
func (s *Strategy) PoolCount(tier Tier) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.tiers[tier].pools)
}

// Compact releases pools that hold no live blocks, keeping the initial pools of every tier
func (s *Strategy) Compact() error {
	s.logger.Debug("Strategy::Compact")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	var err error
	for tier := TierSmall; tier < TierCount; tier++ {
		state := &s.tiers[tier]
		for poolIndex := len(state.pools) - 1; poolIndex >= 0 && len(state.pools) > s.initialPools; poolIndex-- {
			p := state.pools[poolIndex]
			if !p.isEmpty() {
				continue
			}

			state.pools = append(state.pools[:poolIndex], state.pools[poolIndex+1:]...)
			err = errors.CombineErrors(err, s.destroyPool(p))
		}
	}

	return err
}

// Reset marks every block of every pool free. Outstanding pointers become invalid.
func (s *Strategy) Reset() error {
	s.logger.Debug("Strategy::Reset")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for tier := TierSmall; tier < TierCount; tier++ {
		for _, p := range s.tiers[tier].pools {
			p.clear()
		}
	}

	s.counters.Reset()
	return nil
}

// Release logs any blocks that are still live and returns every pool to the system
func (s *Strategy) Release() error {
	s.logger.Debug("Strategy::Release")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	var err error
	for tier := TierSmall; tier < TierCount; tier++ {
		for _, p := range s.tiers[tier].pools {
			err = errors.CombineErrors(err, s.destroyPool(p))
		}
		s.tiers[tier].pools = nil
	}

	return err
}

func (s *Strategy) Validate() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	liveBytes := 0
	for tier := TierSmall; tier < TierCount; tier++ {
		for _, p := range s.tiers[tier].pools {
			err := p.validate()
			if err != nil {
				return err
			}
			liveBytes += (p.blockCount - p.freeCount) * p.blockSize
		}
	}

	stats := s.counters.Snapshot()
	if stats.CurrentUsage != liveBytes {
		return errors.Newf("pools hold %d live bytes, but statistics report %d", liveBytes, stats.CurrentUsage)
	}

	return stats.Validate()
}

func (s *Strategy) PrintDetailedMap(writer *jwriter.Writer) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	for tier := TierSmall; tier < TierCount; tier++ {
		state := &s.tiers[tier]
		tierObj := objState.Name(tier.String()).Object()
		tierObj.Name("BlockSize").Int(state.blockSize)
		tierObj.Name("BlocksPerPool").Int(state.blocksPerPool)

		poolsArray := tierObj.Name("Pools").Array()
		for _, p := range state.pools {
			poolObj := poolsArray.Object()
			p.printJson(&poolObj)
			poolObj.End()
		}
		poolsArray.End()

		tierObj.End()
	}
}
