package main

import (
	"os"

	"github.com/hydragon-engine/memcore/numa"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
)

var topologyRoot string

func init() {
	cmd := newTopologyCmd()
	cmd.Flags().StringVar(&topologyRoot, "sysfs", numa.DefaultSysfsRoot, "Directory holding the node<N> entries")
	rootCmd.AddCommand(cmd)
}

func newTopologyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Print the NUMA nodes of the machine",
		Long: `The topology command prints the NUMA nodes the allocator would place memory
on, along with the CPUs of each node. Machines without NUMA information
report a single node holding every CPU.

Example:
  memctl topology
  memctl topology --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTopology()
		},
	}
	return cmd
}

func runTopology() error {
	topology, err := numa.DetectTopologyFrom(topologyRoot)
	if err != nil {
		printVerbose("No NUMA information (%v), assuming a single node\n", err)
		topology = numa.SingleNodeTopology()
	}

	if jsonOut {
		writer := jwriter.NewStreamingWriter(os.Stdout, 4096)
		arr := writer.Array()
		for _, node := range topology.Nodes {
			nodeObj := arr.Object()
			nodeObj.Name("ID").Int(node.ID)
			cpuArr := nodeObj.Name("CPUs").Array()
			for _, cpu := range node.CPUs {
				cpuArr.Int(cpu)
			}
			cpuArr.End()
			nodeObj.End()
		}
		arr.End()
		return writer.Flush()
	}

	printInfo("NUMA nodes: %d\n", len(topology.Nodes))
	for _, node := range topology.Nodes {
		printInfo("  Node %d: %d CPUs %v\n", node.ID, len(node.CPUs), node.CPUs)
	}
	return nil
}
