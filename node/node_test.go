package node

import (
	"context"
	"testing"
	"time"

	"github.com/fabricmesh/swmc"
	"github.com/fabricmesh/swmc/fabric"
	"github.com/fabricmesh/swmc/ring"
)

// newTestNodes wires n Nodes over one ring.LoopbackTransport, each with its own
// page-storage fabric view seeded with seed bytes at every offset the test will touch.
func newTestNodes(t *testing.T, n int, seed map[swmc.PageOffset][]byte) ([]*Node, func()) {
	t.Helper()
	transport, err := ring.NewLoopbackTransport(n, 64)
	if err != nil {
		t.Fatalf("NewLoopbackTransport: %v", err)
	}
	pageFabric := fabric.New(1 << 20)

	nodes := make([]*Node, n)
	for i := 0; i < n; i++ {
		ep, err := transport.Endpoint(swmc.NodeID(i))
		if err != nil {
			t.Fatalf("Endpoint(%d): %v", i, err)
		}
		view := pageFabric.NewView()
		if i == 0 {
			for offset, data := range seed {
				if _, err := view.WriteAt(data, uint64(offset)); err != nil {
					t.Fatalf("seed WriteAt: %v", err)
				}
				if err := view.Flush(uint64(offset), len(data)); err != nil {
					t.Fatalf("seed Flush: %v", err)
				}
			}
		}

		cfg := swmc.DefaultConfig()
		cfg.SelfNode = swmc.NodeID(i)
		cfg.NodeCount = n
		cfg.WaitStationPoolSize = 1024
		nodes[i] = New(cfg, ep, view, 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	for _, nd := range nodes {
		nd.Start(ctx)
	}

	cleanup := func() {
		cancel()
		for _, nd := range nodes {
			nd.Stop()
		}
	}
	return nodes, cleanup
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestColdReadReplicatesFromOriginal(t *testing.T) {
	seed := map[swmc.PageOffset][]byte{0x10000: append([]byte("hello world"), make([]byte, pageSize-11)...)}
	nodes, cleanup := newTestNodes(t, 2, seed)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m, err := nodes[1].OnLocalFault(ctx, 0x10000, false)
	if err != nil {
		t.Fatalf("OnLocalFault: %v", err)
	}
	if string(m.Data[:11]) != "hello world" {
		t.Fatalf("mapped content = %q, want %q", m.Data[:11], "hello world")
	}

	// The first read took the async path; the async-completion daemon builds the
	// replica and settles the page on Shared once the peer's ACK arrives.
	waitUntil(t, time.Second, func() bool {
		e, ok := nodes[1].pageTable.Get(0x10000)
		return ok && e.State.String() == "S"
	})

	m2, err := nodes[1].OnLocalFault(ctx, 0x10000, false)
	if err != nil {
		t.Fatalf("second OnLocalFault: %v", err)
	}
	if string(m2.Data[:11]) != "hello world" {
		t.Fatalf("cached replica content = %q, want %q", m2.Data[:11], "hello world")
	}
	if nodes[1].Counters().Fault.ReplicaHits < 1 {
		t.Fatalf("expected second fault to hit the cached replica")
	}
}

func TestWriteUpgradeInvalidatesPeer(t *testing.T) {
	seed := map[swmc.PageOffset][]byte{0x20000: make([]byte, pageSize)}
	nodes, cleanup := newTestNodes(t, 2, seed)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := nodes[0].OnLocalFault(ctx, 0x20000, false); err != nil {
		t.Fatalf("node0 read fault: %v", err)
	}
	if _, err := nodes[1].OnLocalFault(ctx, 0x20000, false); err != nil {
		t.Fatalf("node1 read fault: %v", err)
	}

	if _, err := nodes[0].OnLocalFault(ctx, 0x20000, true); err != nil {
		t.Fatalf("node0 write fault: %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		e, ok := nodes[1].pageTable.Get(0x20000)
		return ok && e.State.String() == "I"
	})
}

func TestCountersResetZeroesFaultCounts(t *testing.T) {
	seed := map[swmc.PageOffset][]byte{0x30000: make([]byte, pageSize)}
	nodes, cleanup := newTestNodes(t, 2, seed)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := nodes[0].OnLocalFault(ctx, 0x30000, false); err != nil {
		t.Fatalf("OnLocalFault: %v", err)
	}
	if nodes[0].Counters().Fault.FaultReads == 0 {
		t.Fatal("expected at least one recorded read fault")
	}

	nodes[0].ResetCounters()
	c := nodes[0].Counters()
	if c.Fault.FaultReads != 0 || c.Fault.FaultWrites != 0 || c.Fault.ReplicaHits != 0 {
		t.Fatalf("counters not reset: %+v", c.Fault)
	}
}

func TestEnableDisableControlsSampling(t *testing.T) {
	seed := map[swmc.PageOffset][]byte{0x40000: make([]byte, pageSize)}
	nodes, cleanup := newTestNodes(t, 2, seed)
	defer cleanup()

	nodes[0].SetEnabled(false)
	if nodes[0].Enabled() {
		t.Fatal("expected coherence disabled")
	}
	if nodes[0].Sample(0x40000, 1) {
		t.Fatal("sample should be rejected while coherence disabled")
	}

	nodes[0].SetEnabled(true)
	if !nodes[0].Sample(0x40000, 1) {
		t.Fatal("sample should be accepted once coherence re-enabled")
	}
}

func TestReplicationDaemonStartStopIdempotent(t *testing.T) {
	seed := map[swmc.PageOffset][]byte{0x50000: make([]byte, pageSize)}
	nodes, cleanup := newTestNodes(t, 2, seed)
	defer cleanup()

	if err := nodes[0].StartReplicationDaemon(10*time.Millisecond, 20); err != nil {
		t.Fatalf("StartReplicationDaemon: %v", err)
	}
	if err := nodes[0].StartReplicationDaemon(10*time.Millisecond, 20); err != nil {
		t.Fatalf("second StartReplicationDaemon should be a no-op: %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		return nodes[0].Counters().Hotness.TicksRun > 0
	})

	nodes[0].StopReplicationDaemon()
	nodes[0].StopReplicationDaemon()
}
