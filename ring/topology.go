package ring

import (
	"context"
	"fmt"

	"github.com/fabricmesh/swmc"
	"github.com/fabricmesh/swmc/fabric"
)

// pageAlign is the shared-window page size used to compute the ring stride (spec §6:
// "ceil(sizeof(window) / 4096) * 4096").
const pageAlign = 4096

// Topology materializes the N*(N-1) (sender,receiver) rings spec §4.2 describes, each
// placed at a deterministic offset derived from (s, r) and a page-aligned stride.
type Topology struct {
	base       uint64
	nodeCount  int
	capacity   uint32
	stride     uint64
	ringSize   uint64
}

// NewTopology builds the ring addressing for nodeCount nodes, each pairwise ring
// window starting at base and holding capacity slots.
func NewTopology(base uint64, nodeCount int, capacity uint32) (*Topology, error) {
	if nodeCount < 2 {
		return nil, fmt.Errorf("ring: nodeCount must be >= 2, got %d", nodeCount)
	}
	probe, err := NewRing(0, capacity)
	if err != nil {
		return nil, err
	}
	ringSize := probe.ByteSize()
	stride := ((ringSize + pageAlign - 1) / pageAlign) * pageAlign

	return &Topology{
		base:      base,
		nodeCount: nodeCount,
		capacity:  capacity,
		stride:    stride,
		ringSize:  ringSize,
	}, nil
}

// NodeCount returns the number of participating nodes.
func (t *Topology) NodeCount() int {
	return t.nodeCount
}

// TotalSize returns the number of shared-window bytes this topology's ring area
// occupies, from t.base.
func (t *Topology) TotalSize() uint64 {
	return t.stride * uint64(t.nodeCount*(t.nodeCount-1))
}

// pairIndex enumerates ordered (sender,receiver) pairs with sender != receiver in
// [0, N*(N-1)).
func (t *Topology) pairIndex(s, r swmc.NodeID) (int, error) {
	si, ri := int(s), int(r)
	if si < 0 || si >= t.nodeCount || ri < 0 || ri >= t.nodeCount {
		return 0, fmt.Errorf("ring: node id out of range [0,%d): s=%d r=%d", t.nodeCount, si, ri)
	}
	if si == ri {
		return 0, fmt.Errorf("ring: sender and receiver must differ (both %d)", si)
	}
	col := ri
	if ri > si {
		col--
	}
	return si*(t.nodeCount-1) + col, nil
}

// RingFor returns the Ring addressing the (s,r) pair's window.
func (t *Topology) RingFor(s, r swmc.NodeID) (*Ring, error) {
	idx, err := t.pairIndex(s, r)
	if err != nil {
		return nil, err
	}
	return NewRing(t.base+uint64(idx)*t.stride, t.capacity)
}

// Initialize resets and enables every ring in the topology, as seen through view. Call
// once at subsystem start (spec §4.2: "Initialization performs a full two-sided
// flush").
func (t *Topology) Initialize(view fabric.Window) error {
	for s := 0; s < t.nodeCount; s++ {
		for r := 0; r < t.nodeCount; r++ {
			if s == r {
				continue
			}
			ring, err := t.RingFor(swmc.NodeID(s), swmc.NodeID(r))
			if err != nil {
				return err
			}
			if err := ring.Initialize(view); err != nil {
				return err
			}
		}
	}
	return nil
}

// Transport is the downcall ops vector spec §6 fixes: unicast/broadcast against
// per-pair rings, a node-count query, and a completion hook. The fault engine calls it
// unconditionally: it does not accept a nil Transport, and a Broadcast or Unicast error
// (TransportUnavailable included) is returned to the caller rather than skipped.
type Transport interface {
	Unicast(ctx context.Context, dest swmc.NodeID, msg Message) error
	Broadcast(ctx context.Context, msg Message) error
	Done(msg Message)
	NodeCount() int
}

// Endpoint is one simulated node's handle onto a Topology: it owns a fabric.Window (a
// fabric.View in single-process tests, or a fabric.DirectFabric) and implements
// Transport by sending/polling that topology's rings from this node's perspective.
type Endpoint struct {
	self       swmc.NodeID
	topo       *Topology
	view       fabric.Window
	pollCursor int
}

// NewEndpoint binds a Topology to one node's identity and shared-window view.
func NewEndpoint(topo *Topology, self swmc.NodeID, view fabric.Window) *Endpoint {
	return &Endpoint{self: self, topo: topo, view: view}
}

// Unicast sends msg to dest over the (self,dest) ring.
func (e *Endpoint) Unicast(ctx context.Context, dest swmc.NodeID, msg Message) error {
	r, err := e.topo.RingFor(e.self, dest)
	if err != nil {
		return err
	}
	msg.FromNode = e.self
	msg.ToNode = dest
	result, err := r.Send(e.view, msg)
	if err != nil {
		return err
	}
	if result == Dropped {
		return swmc.NewError(swmc.OutOfResources, nil, fmt.Sprintf("ring (%d,%d) full", e.self, dest))
	}
	return nil
}

// Broadcast fans out msg to every other node, reporting the first error encountered
// (spec §4.2).
func (e *Endpoint) Broadcast(ctx context.Context, msg Message) error {
	var firstErr error
	for r := 0; r < e.topo.NodeCount(); r++ {
		dest := swmc.NodeID(r)
		if dest == e.self {
			continue
		}
		if err := e.Unicast(ctx, dest, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Done is a completion hook invoked once the fault engine has finished processing an
// inbound message; the loopback implementation has nothing to release.
func (e *Endpoint) Done(msg Message) {}

// NodeCount returns the number of participating nodes.
func (e *Endpoint) NodeCount() int {
	return e.topo.NodeCount()
}

// Poll round-robins over this node's receive rings (one per peer), dequeuing exactly
// one message if any peer has one waiting (spec §4.2: "round-robins over receive
// rings").
func (e *Endpoint) Poll() (swmc.NodeID, Message, bool, error) {
	n := e.topo.NodeCount()
	for i := 0; i < n; i++ {
		e.pollCursor = (e.pollCursor + 1) % n
		src := swmc.NodeID(e.pollCursor)
		if src == e.self {
			continue
		}
		r, err := e.topo.RingFor(src, e.self)
		if err != nil {
			return 0, Message{}, false, err
		}
		msg, ok, err := r.Poll(e.view)
		if err != nil {
			return 0, Message{}, false, err
		}
		if ok {
			return src, msg, true, nil
		}
	}
	return 0, Message{}, false, nil
}
