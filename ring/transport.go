package ring

import (
	"fmt"

	"github.com/fabricmesh/swmc"
	"github.com/fabricmesh/swmc/fabric"
)

// LoopbackTransport wires every node's Endpoint onto one shared fabric.Fabric within a
// single process: useful for tests and for cmd/swmcd's demo, where "the fabric" is
// simulated rather than a real interconnect.
type LoopbackTransport struct {
	topo      *Topology
	fab       *fabric.Fabric
	endpoints []*Endpoint
}

// NewLoopbackTransport builds a Topology sized for nodeCount nodes with the given
// per-ring capacity, backs it with an in-process fabric.Fabric, and initializes every
// ring.
func NewLoopbackTransport(nodeCount int, capacity uint32) (*LoopbackTransport, error) {
	topo, err := NewTopology(0, nodeCount, capacity)
	if err != nil {
		return nil, err
	}
	fab := fabric.New(int(topo.TotalSize()))

	endpoints := make([]*Endpoint, nodeCount)
	for i := 0; i < nodeCount; i++ {
		endpoints[i] = NewEndpoint(topo, swmc.NodeID(i), fab.NewView())
	}
	if err := topo.Initialize(endpoints[0].view); err != nil {
		return nil, err
	}
	for _, ep := range endpoints {
		if err := ep.view.Invalidate(0, int(topo.TotalSize())); err != nil {
			return nil, err
		}
	}

	return &LoopbackTransport{topo: topo, fab: fab, endpoints: endpoints}, nil
}

// Endpoint returns the Transport+Poll handle for node id.
func (lt *LoopbackTransport) Endpoint(id swmc.NodeID) (*Endpoint, error) {
	if int(id) < 0 || int(id) >= len(lt.endpoints) {
		return nil, fmt.Errorf("ring: node id %d out of range", id)
	}
	return lt.endpoints[id], nil
}

// NodeCount returns the number of simulated nodes.
func (lt *LoopbackTransport) NodeCount() int {
	return len(lt.endpoints)
}
