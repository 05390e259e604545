package numa

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// DefaultSysfsRoot is where Linux exposes NUMA nodes
const DefaultSysfsRoot = "/sys/devices/system/node"

// Node is a single NUMA node and the CPUs attached to it
type Node struct {
	ID   int
	CPUs []int
}

// Topology lists the NUMA nodes of the machine in ascending ID order
type Topology struct {
	Nodes []Node
}

// SingleNodeTopology describes a machine without NUMA: one node 0 holding every CPU
func SingleNodeTopology() *Topology {
	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}

	return &Topology{Nodes: []Node{{ID: 0, CPUs: cpus}}}
}

// DetectTopology reads the NUMA layout from sysfs, falling back to SingleNodeTopology when sysfs does not
// describe any node
func DetectTopology() *Topology {
	topology, err := DetectTopologyFrom(DefaultSysfsRoot)
	if err != nil {
		return SingleNodeTopology()
	}
	return topology
}

// DetectTopologyFrom reads node<N>/cpulist entries below root
func DetectTopologyFrom(root string) (*Topology, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read NUMA nodes from %s", root)
	}

	topology := &Topology{}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "node") {
			continue
		}

		nodeID, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), "node"))
		if err != nil {
			continue
		}

		cpuData, err := os.ReadFile(filepath.Join(root, entry.Name(), "cpulist"))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read the cpu list of node %d", nodeID)
		}

		cpus, err := ParseCPUList(strings.TrimSpace(string(cpuData)))
		if err != nil {
			return nil, errors.Wrapf(err, "node %d", nodeID)
		}

		topology.Nodes = append(topology.Nodes, Node{ID: nodeID, CPUs: cpus})
	}

	if len(topology.Nodes) == 0 {
		return nil, errors.Newf("no NUMA nodes found in %s", root)
	}

	sort.Slice(topology.Nodes, func(i, j int) bool {
		return topology.Nodes[i].ID < topology.Nodes[j].ID
	})

	return topology, nil
}

// ParseCPUList parses the kernel's cpu list format, such as "0-3,8,10-11"
func ParseCPUList(cpuList string) ([]int, error) {
	var cpus []int
	if cpuList == "" {
		return cpus, nil
	}

	for _, part := range strings.Split(cpuList, ",") {
		part = strings.TrimSpace(part)

		first, last, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(first)
		if err != nil {
			return nil, errors.Newf("malformed cpu list entry %q", part)
		}

		end := start
		if isRange {
			end, err = strconv.Atoi(last)
			if err != nil || end < start {
				return nil, errors.Newf("malformed cpu list range %q", part)
			}
		}

		for cpu := start; cpu <= end; cpu++ {
			cpus = append(cpus, cpu)
		}
	}

	return cpus, nil
}

// NodeIDs returns the ID of every node
func (t *Topology) NodeIDs() []int {
	ids := make([]int, len(t.Nodes))
	for i, node := range t.Nodes {
		ids[i] = node.ID
	}
	return ids
}

// NodeForCPU returns the node a CPU belongs to
func (t *Topology) NodeForCPU(cpu int) (int, bool) {
	for _, node := range t.Nodes {
		for _, nodeCPU := range node.CPUs {
			if nodeCPU == cpu {
				return node.ID, true
			}
		}
	}

	return 0, false
}

// HasNode returns true if the topology contains a node with the provided ID
func (t *Topology) HasNode(id int) bool {
	for _, node := range t.Nodes {
		if node.ID == id {
			return true
		}
	}
	return false
}
