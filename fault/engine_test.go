package fault

import (
	"context"
	"testing"
	"time"

	"github.com/fabricmesh/swmc"
	"github.com/fabricmesh/swmc/page"
	"github.com/fabricmesh/swmc/replica"
	"github.com/fabricmesh/swmc/ring"
	"github.com/fabricmesh/swmc/waitstation"
)

// memBackend is an in-process replica.Backend stub shared by every test in this file:
// originals live in a plain map keyed by offset.
type memBackend struct {
	originals map[swmc.PageOffset][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{originals: make(map[swmc.PageOffset][]byte)}
}

func (b *memBackend) Allocate(order swmc.PageOrder) ([]byte, error) {
	return make([]byte, 4096<<uint(order)), nil
}

func (b *memBackend) Free(data []byte) {}

func (b *memBackend) ReadOriginal(offset swmc.PageOffset, order swmc.PageOrder) ([]byte, error) {
	content, ok := b.originals[offset]
	if !ok {
		content = make([]byte, 4096<<uint(order))
	}
	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

func (b *memBackend) WriteBack(offset swmc.PageOffset, data []byte) error {
	out := make([]byte, len(data))
	copy(out, data)
	b.originals[offset] = out
	return nil
}

func (b *memBackend) Unmap(offset swmc.PageOffset, order swmc.PageOrder) error {
	return nil
}

// testNode bundles one simulated node's full fault-engine stack.
type testNode struct {
	id       swmc.NodeID
	engine   *Engine
	backend  *memBackend
	stations *waitstation.Registry
}

// harness wires n nodes over a single LoopbackTransport and provides a deterministic
// pump that drains every node's inbound ring until all are empty, dispatching each
// message through the receiving engine's HandleInbound (spec §4.2's receive loop,
// driven synchronously here instead of by a background goroutine so tests stay
// deterministic).
type harness struct {
	t         *testing.T
	transport *ring.LoopbackTransport
	endpoints []*ring.Endpoint
	nodes     []*testNode
}

func newHarness(t *testing.T, n int) *harness {
	t.Helper()
	transport, err := ring.NewLoopbackTransport(n, 64)
	if err != nil {
		t.Fatalf("NewLoopbackTransport: %v", err)
	}
	h := &harness{t: t, transport: transport}
	for i := 0; i < n; i++ {
		ep, err := transport.Endpoint(swmc.NodeID(i))
		if err != nil {
			t.Fatalf("Endpoint(%d): %v", i, err)
		}
		h.endpoints = append(h.endpoints, ep)

		tbl := page.NewTable()
		backend := newMemBackend()
		pool := replica.NewPool(tbl, backend)
		stations, err := waitstation.NewRegistry(1024, 16)
		if err != nil {
			t.Fatalf("NewRegistry: %v", err)
		}
		engine := NewEngine(swmc.NodeID(i), tbl, pool, backend, stations, ep)
		h.nodes = append(h.nodes, &testNode{id: swmc.NodeID(i), engine: engine, backend: backend, stations: stations})
	}
	return h
}

// pump drains every node's inbound ring until a full round finds nothing to deliver.
func (h *harness) pump(ctx context.Context) {
	for {
		delivered := false
		for i, ep := range h.endpoints {
			for {
				_, msg, ok, err := ep.Poll()
				if err != nil {
					h.t.Fatalf("node %d Poll: %v", i, err)
				}
				if !ok {
					break
				}
				delivered = true
				if err := h.nodes[i].engine.HandleInbound(ctx, msg); err != nil {
					h.t.Fatalf("node %d HandleInbound(%v): %v", i, msg.Type, err)
				}
			}
		}
		if !delivered {
			return
		}
	}
}

// faultAndPump drives node idx's local fault to completion, pumping the ring after the
// broadcast so peers' ACKs are delivered before Wait returns. Sync faults block inside
// OnLocalFault itself, so the pump must run concurrently with it.
func (h *harness) faultAndPump(ctx context.Context, idx int, offset swmc.PageOffset, write bool) (Mapping, error) {
	type result struct {
		m   Mapping
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := h.nodes[idx].engine.OnLocalFault(ctx, offset, write)
		done <- result{m, err}
	}()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case r := <-done:
			h.pump(ctx)
			return r.m, r.err
		case <-deadline:
			h.t.Fatal("faultAndPump: timed out")
		default:
			h.pump(ctx)
			time.Sleep(time.Millisecond)
		}
	}
}

// completeAsync runs node idx's CompleteAsync on the next station its registry hands to
// the completion ring, standing in for the async-completion daemon.
func (h *harness) completeAsync(ctx context.Context, idx int) {
	h.t.Helper()
	select {
	case s := <-h.nodes[idx].stations.CompletionRing():
		if err := h.nodes[idx].engine.CompleteAsync(ctx, s); err != nil {
			h.t.Fatalf("node %d CompleteAsync: %v", idx, err)
		}
	case <-time.After(2 * time.Second):
		h.t.Fatalf("node %d: no station reached the completion ring", idx)
	}
}

func TestColdReadFaultMapsReplicaFromOriginal(t *testing.T) {
	h := newHarness(t, 2)
	h.nodes[0].backend.originals[0x1000] = []byte("hello world")
	ctx := context.Background()

	// With the wait-station pool below its soft threshold, a cold read takes the async
	// FETCH path: it maps the raw original and leaves the I->S transition to the
	// async-completion step, which builds the replica.
	m, err := h.faultAndPump(ctx, 0, 0x1000, false)
	if err != nil {
		t.Fatalf("OnLocalFault: %v", err)
	}
	if m.Target != MapOriginal {
		t.Fatalf("expected MapOriginal from the async path, got %v", m.Target)
	}
	h.completeAsync(ctx, 0)

	m, err = h.faultAndPump(ctx, 0, 0x1000, false)
	if err != nil {
		t.Fatalf("second OnLocalFault: %v", err)
	}
	if m.Target != MapReplica {
		t.Fatalf("expected MapReplica, got %v", m.Target)
	}
	if got := string(m.Data[:len("hello world")]); got != "hello world" {
		t.Fatalf("expected the replica built from the original, got %q", got)
	}

	entry, ok := h.nodes[0].engine.pageTable.Get(0x1000)
	if !ok || entry.State != page.Shared {
		t.Fatalf("expected page Shared after cold read, got %+v", entry)
	}
}

func TestWriteFaultUpgradesToModified(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	m, err := h.faultAndPump(ctx, 0, 0x2000, true)
	if err != nil {
		t.Fatalf("OnLocalFault: %v", err)
	}
	if m.Target != MapReplica {
		t.Fatalf("expected MapReplica, got %v", m.Target)
	}
	entry, ok := h.nodes[0].engine.pageTable.Get(0x2000)
	if !ok || entry.State != page.Modified {
		t.Fatalf("expected page Modified after write fault, got %+v", entry)
	}
	r, ok := h.nodes[0].engine.replicas.Lookup(0x2000)
	if !ok || !r.Dirty {
		t.Fatal("expected dirty replica after write fault")
	}
}

func TestRemoteReadAgainstLocalModifiedWritesBackAndDowngrades(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	if _, err := h.faultAndPump(ctx, 0, 0x3000, true); err != nil {
		t.Fatalf("node0 write fault: %v", err)
	}
	r0, ok := h.nodes[0].engine.replicas.Lookup(0x3000)
	if !ok {
		t.Fatal("expected node 0 to hold a replica")
	}
	copy(r0.Data, []byte("dirty-payload"))

	if _, err := h.faultAndPump(ctx, 1, 0x3000, false); err != nil {
		t.Fatalf("node1 read fault: %v", err)
	}

	entry0, ok := h.nodes[0].engine.pageTable.Get(0x3000)
	if !ok || entry0.State != page.Shared {
		t.Fatalf("expected node 0 downgraded to Shared, got %+v", entry0)
	}
	if _, ok := h.nodes[0].engine.replicas.Lookup(0x3000); !ok {
		t.Fatal("expected node 0 to keep its replica after a read-only remote fetch (no INVALIDATE)")
	}

	got := h.nodes[0].backend.originals[0x3000]
	if string(got[:len("dirty-payload")]) != "dirty-payload" {
		t.Fatalf("expected writeback of dirty data, got %q", got)
	}

	// Node 1's cold read went down the async path; finish it as the daemon would.
	h.completeAsync(ctx, 1)
	entry1, ok := h.nodes[1].engine.pageTable.Get(0x3000)
	if !ok || entry1.State != page.Shared {
		t.Fatalf("expected node 1 Shared after cold read, got %+v", entry1)
	}
}

func TestRemoteWriteAgainstLocalModifiedRelinquishesReplica(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	if _, err := h.faultAndPump(ctx, 0, 0x4000, true); err != nil {
		t.Fatalf("node0 write fault: %v", err)
	}
	if _, err := h.faultAndPump(ctx, 1, 0x4000, true); err != nil {
		t.Fatalf("node1 write fault: %v", err)
	}

	entry0, ok := h.nodes[0].engine.pageTable.Get(0x4000)
	if !ok || entry0.State != page.Invalid {
		t.Fatalf("expected node 0 invalidated, got %+v", entry0)
	}
	if _, ok := h.nodes[0].engine.replicas.Lookup(0x4000); ok {
		t.Fatal("expected node 0's replica to be torn down after a write-write conflict")
	}

	entry1, ok := h.nodes[1].engine.pageTable.Get(0x4000)
	if !ok || entry1.State != page.Modified {
		t.Fatalf("expected node 1 Modified, got %+v", entry1)
	}
}

// TestCompleteAsyncRefreshesThroughSharedStale drives CompleteAsync directly against a
// station whose backend original changed between the station's creation (modeling
// issueAsync's raw read) and its completion, confirming the page settles on Shared with
// a replica refreshed from the backend's latest content rather than the stale bytes
// issueAsync originally handed out.
func TestCompleteAsyncRefreshesThroughSharedStale(t *testing.T) {
	h := newHarness(t, 2)
	e := h.nodes[0].engine
	offset := swmc.PageOffset(0x6000)
	h.nodes[0].backend.originals[offset] = []byte("version-1")

	station, err := e.stations.Acquire(0, offset, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// A concurrent write lands on the backend's original between issueAsync's raw read
	// and every peer's ACK arriving, the race CompleteAsync's S-stale window guards.
	h.nodes[0].backend.originals[offset] = []byte("version-2")

	if err := e.CompleteAsync(context.Background(), station); err != nil {
		t.Fatalf("CompleteAsync: %v", err)
	}

	entry, ok := e.pageTable.Get(offset)
	if !ok || entry.State != page.Shared {
		t.Fatalf("expected page Shared after CompleteAsync settles, got %+v", entry)
	}

	r, ok := e.replicas.Lookup(offset)
	if !ok {
		t.Fatal("expected CompleteAsync to populate a replica")
	}
	if got := string(r.Data[:len("version-2")]); got != "version-2" {
		t.Fatalf("expected the replica refreshed from the backend's latest original, got %q", got)
	}
}

// TestMapLocalReplicaRefetchesWhenReplicatedWithoutShared covers the refetch-on-
// downgrade path: an existing replica whose page reads REPLICATED but not SHARED must
// be refreshed from the backend rather than handed back with its old cached bytes.
func TestMapLocalReplicaRefetchesWhenReplicatedWithoutShared(t *testing.T) {
	h := newHarness(t, 2)
	e := h.nodes[0].engine
	offset := swmc.PageOffset(0x7000)
	h.nodes[0].backend.originals[offset] = []byte("fresh-content")

	r, _, err := e.replicas.CreateReplica(offset, 0)
	if err != nil {
		t.Fatalf("CreateReplica: %v", err)
	}
	copy(r.Data, []byte("stale-content"))

	e.pageTable.WithLock(offset, func(entry *page.Entry) {
		entry.Flags = page.FlagReplicated
	})

	m, err := e.mapLocalReplica(offset, true)
	if err != nil {
		t.Fatalf("mapLocalReplica: %v", err)
	}
	if got := string(m.Data[:len("fresh-content")]); got != "fresh-content" {
		t.Fatalf("expected mapLocalReplica to refetch fresh backend content, got %q", got)
	}
	if !r.Dirty {
		t.Fatal("expected the write fault to mark the replica dirty")
	}
}

func TestActionTableInvariantViolationStillResponds(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	tbl := h.nodes[0].engine.pageTable
	tbl.WithLock(0x5000, func(e *page.Entry) {
		e.Flags = page.FlagReplicated | page.FlagModified | page.FlagShared
	})

	msg := ring.Message{Type: ring.INVALIDATE, WaitStationID: 7, FromNode: swmc.NodeID(1), ToNode: swmc.NodeID(0), Offset: 0x5000}
	if err := h.nodes[0].engine.OnRemoteMessage(ctx, msg); err != nil {
		t.Fatalf("OnRemoteMessage: %v", err)
	}

	_, reply, ok, err := h.endpoints[1].Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !ok {
		t.Fatal("expected a reply even for the declared-invalid cell")
	}
	if reply.Type != ring.INVALIDATE_ACK {
		t.Fatalf("expected best-effort ACK, got %v", reply.Type)
	}
}
