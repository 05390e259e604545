// Package numa places allocations on NUMA nodes. An Allocator wraps one strategy per node and routes each
// request to the node its placement hint, node mask or calling CPU points at.
package numa

import (
	"context"
	"log/slog"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hydragon-engine/memcore/heap"
	"github.com/hydragon-engine/memcore/internal/utils"
	"github.com/hydragon-engine/memcore/memutils"
)

// CreateFlags indicate specific placement behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = utils.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreatePreferLocalAllocation places requests without a hint or mask on the node of the process's first
	// CPU instead of the first node
	CreatePreferLocalAllocation CreateFlags = 1 << iota
	// CreateStrictNodeBinding fails a request outright when its target node cannot serve it, instead of
	// falling back to the other nodes
	CreateStrictNodeBinding
)

func init() {
	CreatePreferLocalAllocation.Register("CreatePreferLocalAllocation")
	CreateStrictNodeBinding.Register("CreateStrictNodeBinding")
}

// NodeStrategyFactory creates the strategy that serves a single node
type NodeStrategyFactory func(logger *slog.Logger, node int, strict bool) (memutils.Strategy, error)

// HeapPerNode is the default NodeStrategyFactory: a heap whose arenas are bound to the node
func HeapPerNode(arenaSize int) NodeStrategyFactory {
	return func(logger *slog.Logger, node int, strict bool) (memutils.Strategy, error) {
		flags := heap.CreateBindToNode
		if strict {
			flags |= heap.CreateStrictNodeBinding
		}

		return heap.New(logger, heap.CreateOptions{
			Flags:     flags,
			ArenaSize: arenaSize,
			NumaNode:  node,
		})
	}
}

// CreateOptions contains optional settings when creating an Allocator. The zero value is valid.
type CreateOptions struct {
	Flags CreateFlags
	// Topology is the machine layout. nil detects it with DetectTopology.
	Topology *Topology
	// UINode is the node of the editor's UI thread
	UINode int
	// SimulationNodes are the nodes simulation thread groups are spread over. Empty means every node.
	SimulationNodes []int
	// NodeStrategy creates the strategy of each node. nil means HeapPerNode with 16Mb arenas.
	NodeStrategy NodeStrategyFactory
}

const defaultNodeArenaSize = 16 * 1024 * 1024

// NodeStats describes the usage of a single node
type NodeStats struct {
	Node       int
	Statistics memutils.Statistics
	// Placed is the number of requests served by this node
	Placed int
	// Fallbacks is the number of requests this node served after their target node failed
	Fallbacks int
}

type nodeStrategy struct {
	id       int
	strategy memutils.Strategy

	placed    atomic.Int64
	fallbacks atomic.Int64
}

// Allocator is a memutils.Strategy that routes requests to per-node strategies
type Allocator struct {
	logger *slog.Logger

	topology    *Topology
	table       *PlacementTable
	preferLocal bool
	strict      bool

	nodes []*nodeStrategy
}

var _ memutils.Strategy = &Allocator{}
var _ memutils.Compactor = &Allocator{}
var _ memutils.Releaser = &Allocator{}

func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	topology := options.Topology
	if topology == nil {
		topology = DetectTopology()
	}
	if len(topology.Nodes) == 0 {
		return nil, errors.New("the topology does not contain any node")
	}

	if !topology.HasNode(options.UINode) {
		return nil, errors.Newf("UI node %d is not part of the topology", options.UINode)
	}
	for _, node := range options.SimulationNodes {
		if !topology.HasNode(node) {
			return nil, errors.Newf("simulation node %d is not part of the topology", node)
		}
	}

	factory := options.NodeStrategy
	if factory == nil {
		factory = HeapPerNode(defaultNodeArenaSize)
	}

	a := &Allocator{
		logger:      logger,
		topology:    topology,
		table:       NewPlacementTable(topology.NodeIDs(), options.UINode, options.SimulationNodes),
		preferLocal: options.Flags&CreatePreferLocalAllocation != 0,
		strict:      options.Flags&CreateStrictNodeBinding != 0,
	}

	for _, node := range topology.Nodes {
		strategy, err := factory(logger, node.ID, a.strict)
		if err != nil {
			return nil, errors.CombineErrors(errors.Wrapf(err, "failed to create the strategy of node %d", node.ID), a.Release())
		}

		a.nodes = append(a.nodes, &nodeStrategy{id: node.ID, strategy: strategy})
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::New",
		slog.Int("Nodes", len(a.nodes)),
		slog.Bool("PreferLocal", a.preferLocal),
		slog.Bool("Strict", a.strict),
	)

	return a, nil
}

// Topology returns the layout the allocator was created with
func (a *Allocator) Topology() *Topology {
	return a.topology
}

func (a *Allocator) nodeIndex(id int) int {
	for i, node := range a.nodes {
		if node.id == id {
			return i
		}
	}
	return -1
}

// TargetNode returns the node a request would be placed on first, along with the request as it will be
// passed to that node's strategy
func (a *Allocator) TargetNode(info memutils.AllocationInfo) (int, memutils.AllocationInfo) {
	node, priority, ok := a.table.Resolve(info)
	if ok {
		info.Priority = priority
		return node, info
	}

	for mask := info.NumaNodeMask; mask != 0; mask &= mask - 1 {
		node := bits.TrailingZeros64(mask)
		if a.nodeIndex(node) >= 0 {
			return node, info
		}
	}

	if a.preferLocal {
		cpu, ok := firstAffinityCPU()
		if ok {
			node, ok := a.topology.NodeForCPU(cpu)
			if ok {
				return node, info
			}
		}
	}

	return a.nodes[0].id, info
}

func (a *Allocator) Allocate(size int, info memutils.AllocationInfo) (unsafe.Pointer, error) {
	a.logger.Debug("Allocator::Allocate", slog.Int("Size", size), slog.String("Tag", info.Tag))

	target, info := a.TargetNode(info)
	targetIndex := a.nodeIndex(target)

	ptr, err := a.nodes[targetIndex].strategy.Allocate(size, info)
	if err == nil {
		a.nodes[targetIndex].placed.Add(1)
		return ptr, nil
	}

	if errors.Is(err, memutils.ErrInvalidSize) || errors.Is(err, memutils.PowerOfTwoError) || errors.Is(err, memutils.ErrRequestUnsupported) {
		return nil, err
	}

	if a.strict {
		return nil, errors.Wrapf(memutils.ErrNodeUnavailable, "node %d: %v", target, err)
	}

	for offset := 1; offset < len(a.nodes); offset++ {
		node := a.nodes[(targetIndex+offset)%len(a.nodes)]

		ptr, fallbackErr := node.strategy.Allocate(size, info)
		if fallbackErr == nil {
			node.placed.Add(1)
			node.fallbacks.Add(1)
			return ptr, nil
		}
		err = errors.CombineErrors(err, fallbackErr)
	}

	return nil, err
}

func (a *Allocator) Deallocate(ptr unsafe.Pointer) error {
	a.logger.Debug("Allocator::Deallocate")

	if ptr == nil {
		return nil
	}

	for _, node := range a.nodes {
		if node.strategy.Owns(ptr) {
			return node.strategy.Deallocate(ptr)
		}
	}

	return errors.Wrapf(memutils.ErrUntrackedPointer, "%p is not owned by any node", ptr)
}

func (a *Allocator) Owns(ptr unsafe.Pointer) bool {
	for _, node := range a.nodes {
		if node.strategy.Owns(ptr) {
			return true
		}
	}
	return false
}

func (a *Allocator) Stats() memutils.Statistics {
	var stats memutils.Statistics
	for _, node := range a.nodes {
		nodeStats := node.strategy.Stats()
		stats.AddStatistics(&nodeStats)
	}
	return stats
}

// NodeStats returns the usage of every node
func (a *Allocator) NodeStats() []NodeStats {
	stats := make([]NodeStats, 0, len(a.nodes))
	for _, node := range a.nodes {
		stats = append(stats, NodeStats{
			Node:       node.id,
			Statistics: node.strategy.Stats(),
			Placed:     int(node.placed.Load()),
			Fallbacks:  int(node.fallbacks.Load()),
		})
	}
	return stats
}

// Compact compacts every node strategy that supports it
func (a *Allocator) Compact() error {
	var err error
	for _, node := range a.nodes {
		compactor, ok := node.strategy.(memutils.Compactor)
		if ok {
			err = errors.CombineErrors(err, compactor.Compact())
		}
	}
	return err
}

// Release releases every node strategy that supports it
func (a *Allocator) Release() error {
	var err error
	for _, node := range a.nodes {
		releaser, ok := node.strategy.(memutils.Releaser)
		if ok {
			err = errors.CombineErrors(err, releaser.Release())
		}
	}
	a.nodes = nil
	return err
}
