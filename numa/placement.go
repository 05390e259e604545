package numa

import (
	"sync/atomic"

	"github.com/hydragon-engine/memcore/memutils"
)

// PlacementTable maps editor workloads to nodes. Scene editing and UI data live on the UI node, asset
// processing rotates over every node, and simulation data follows the node of its thread group.
type PlacementTable struct {
	uiNode          int
	assetNodes      []int
	simulationNodes []int
	assetCursor     atomic.Uint32
}

// NewPlacementTable creates a table over the provided nodes. An empty simulationNodes uses every node.
func NewPlacementTable(nodes []int, uiNode int, simulationNodes []int) *PlacementTable {
	if len(simulationNodes) == 0 {
		simulationNodes = nodes
	}

	return &PlacementTable{
		uiNode:          uiNode,
		assetNodes:      append([]int(nil), nodes...),
		simulationNodes: append([]int(nil), simulationNodes...),
	}
}

// Resolve returns the node a workload should be placed on and the priority the request should carry. It
// returns false for memutils.WorkloadNone.
func (t *PlacementTable) Resolve(info memutils.AllocationInfo) (int, memutils.Priority, bool) {
	switch info.Workload {
	case memutils.WorkloadSceneEditing, memutils.WorkloadUI:
		return t.uiNode, raise(info.Priority, memutils.PriorityHigh), true

	case memutils.WorkloadAssetProcessing:
		index := t.assetCursor.Add(1) - 1
		return t.assetNodes[int(index)%len(t.assetNodes)], info.Priority.Or(memutils.PriorityNormal), true

	case memutils.WorkloadSimulation:
		node := t.simulationNodes[int(info.ThreadGroup)%len(t.simulationNodes)]
		if info.HotPath {
			return node, raise(info.Priority, memutils.PriorityHigh), true
		}
		return node, info.Priority.Or(memutils.PriorityNormal), true
	}

	return 0, info.Priority, false
}

func raise(priority memutils.Priority, floor memutils.Priority) memutils.Priority {
	if priority < floor {
		return floor
	}
	return priority
}
