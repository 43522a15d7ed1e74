// Package node assembles one participating node's full coherence stack — fabric view,
// page table, wait-station registry, replica pool, fault engine and hotness
// sampler/daemon — behind the control surface and observability counters spec §6
// specifies. It is the top-level type application code (and cmd/swmcd) is expected to
// use; the lower packages are not meant to be wired by hand outside of tests.
package node

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabricmesh/swmc"
	"github.com/fabricmesh/swmc/fabric"
	"github.com/fabricmesh/swmc/fault"
	"github.com/fabricmesh/swmc/hotness"
	"github.com/fabricmesh/swmc/page"
	"github.com/fabricmesh/swmc/replica"
	"github.com/fabricmesh/swmc/ring"
	"github.com/fabricmesh/swmc/waitstation"
)

// asyncCompletionRingSize bounds the async-completion work-ring spec §9 describes
// between the receive loop and the completion daemon.
const asyncCompletionRingSize = 1024

// pollIdleSleep is the receive loop's between-passes sleep when every ring was empty
// (spec §5: "draining every inbound ring in round-robin with a 1 ms sleep between
// passes").
const pollIdleSleep = 1 * time.Millisecond

// Node wires one node's lower packages together and exposes spec §6's control surface
// (enable/disable, start/stop replication daemon, flush all replicas) plus its
// read-only observability counters.
type Node struct {
	ID         swmc.NodeID
	InstanceID uuid.UUID

	pageTable *page.Table
	stations  *waitstation.Registry
	pool      *replica.Pool
	backend   *fabricBackend
	engine    *fault.Engine
	sampler   *hotness.Sampler

	endpoint *ring.Endpoint

	runner *swmc.TaskRunner
	cancel context.CancelFunc

	daemonMu      sync.Mutex
	daemon        *hotness.Daemon
	daemonCancel  context.CancelFunc
	daemonRunning bool
}

// New assembles a Node for endpoint's node id, reading and writing page content through
// view starting at pageAreaBase. view is ordinarily a fabric.View over a node's own
// page-storage fabric.Fabric, kept separate from whatever fabric backs endpoint's
// rings, so ring traffic and page bytes never alias each other's offsets.
func New(cfg swmc.Config, endpoint *ring.Endpoint, view fabric.Window, pageAreaBase uint64) *Node {
	pageTable := page.NewTable()
	backend := newFabricBackend(view, pageAreaBase)
	pool := replica.NewPool(pageTable, backend)

	capacity := uint32(cfg.WaitStationPoolSize)
	if capacity == 0 {
		capacity = waitstation.DefaultCapacity
	}
	stations, err := waitstation.NewRegistry(capacity, asyncCompletionRingSize)
	if err != nil {
		// Neither Config nor LoadConfig validates WaitStationPoolSize; NewRegistry
		// rejects a capacity beyond the 16-bit id space, so an out-of-range value
		// ends here.
		panic(err)
	}

	engine := fault.NewEngine(cfg.SelfNode, pageTable, pool, backend, stations, endpoint)
	windowSize := uint64(view.Size())
	if windowSize > pageAreaBase {
		windowSize -= pageAreaBase
	} else {
		windowSize = 0
	}
	sampler := hotness.NewSampler(pageTable, windowSize, engine.Enabled)

	return &Node{
		ID:         cfg.SelfNode,
		InstanceID: uuid.New(),
		pageTable:  pageTable,
		stations:   stations,
		pool:       pool,
		backend:    backend,
		engine:     engine,
		sampler:    sampler,
		endpoint:   endpoint,
	}
}

// Start launches the node's long-lived background tasks — the receive loop, its
// per-message fault workers, and the async-completion daemon — under one cancellation
// scope (spec §5). The hotness replication daemon is started separately via
// StartReplicationDaemon, matching spec §6's control surface treating it as an
// independently startable/stoppable service.
func (n *Node) Start(ctx context.Context) {
	slog.Info("node: starting", "node", n.ID, "instance", n.InstanceID)
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.runner = swmc.NewTaskRunner(ctx, 0)
	n.runner.Go(func() error { return n.receiveLoop(n.runner.Context()) })
	n.runner.Go(func() error { return n.engine.RunAsyncCompletionDaemon(n.runner.Context()) })
}

// Stop cancels every background task started by Start (and any running replication
// daemon) and waits for them to exit, treating the expected context.Canceled exit as a
// clean shutdown rather than a failure.
func (n *Node) Stop() error {
	n.StopReplicationDaemon()
	if n.cancel == nil {
		return nil
	}
	n.cancel()
	err := n.runner.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// receiveLoop polls the node's inbound rings round-robin, spawning one worker task per
// message so the loop itself never blocks on a fault handle's bucket lock (spec §5).
func (n *Node) receiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, msg, ok, err := n.endpoint.Poll()
		if err != nil {
			slog.Warn("node: poll failed", "node", n.ID, "error", err)
			continue
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollIdleSleep):
			}
			continue
		}

		n.runner.Go(func() error {
			if err := n.engine.HandleInbound(ctx, msg); err != nil {
				slog.Warn("node: inbound message handling failed", "node", n.ID, "error", err)
			}
			n.endpoint.Done(msg)
			return nil
		})
	}
}

// OnLocalFault is the upcall the mapping layer invokes before installing a page-table
// entry (spec §4.1, §6).
func (n *Node) OnLocalFault(ctx context.Context, offset swmc.PageOffset, isWrite bool) (fault.Mapping, error) {
	return n.engine.OnLocalFault(ctx, offset, isWrite)
}

// Sample feeds one address-sampling tuple to the hotness sampler (spec §4.5).
func (n *Node) Sample(offset swmc.PageOffset, pid int32) bool {
	return n.sampler.Observe(hotness.Sample{Offset: offset, PID: pid})
}

// SetEnabled toggles the page-coherence-enabled flag (spec §6's control surface); the
// mapping layer must elide upcalls while disabled.
func (n *Node) SetEnabled(v bool) { n.engine.SetEnabled(v) }

// Enabled reports the current coherence-enabled flag.
func (n *Node) Enabled() bool { return n.engine.Enabled() }

// StartReplicationDaemon starts the hotness replication daemon with the given sampling
// interval and hot-page percentile (spec §6's "Start replication daemon with
// (sampling_interval, hot_page_percent)"). It is a no-op returning nil if the daemon is
// already running.
func (n *Node) StartReplicationDaemon(interval time.Duration, hotPagePercent int) error {
	n.daemonMu.Lock()
	defer n.daemonMu.Unlock()
	if n.daemonRunning {
		return nil
	}
	if n.runner == nil {
		return swmc.NewError(swmc.Unknown, nil, "node: Start must be called before StartReplicationDaemon")
	}

	d := hotness.NewDaemon(n.sampler, n.pageTable, n.pool, interval, hotPagePercent, 0)
	ctx, cancel := context.WithCancel(n.runner.Context())
	n.daemon = d
	n.daemonCancel = cancel
	n.daemonRunning = true

	n.runner.Go(func() error {
		err := d.Run(ctx)
		n.daemonMu.Lock()
		n.daemonRunning = false
		n.daemonMu.Unlock()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return nil
}

// StopReplicationDaemon stops the hotness replication daemon if running (spec §6). It
// is a no-op if no daemon is running.
func (n *Node) StopReplicationDaemon() {
	n.daemonMu.Lock()
	defer n.daemonMu.Unlock()
	if n.daemonCancel != nil {
		n.daemonCancel()
		n.daemonCancel = nil
	}
	n.daemonRunning = false
}

// FlushAllReplicas ages all active replicas to inactive then reclaims the entire
// inactive list (spec §4.4 "Explicit flush", exposed via spec §6's control surface).
// It returns the number of replicas freed.
func (n *Node) FlushAllReplicas() (int, error) {
	return n.pool.FlushAll()
}

// Counters is the snapshot of spec §6's read-only observability counters.
type Counters struct {
	Fault   fault.Counters
	Replica replica.Stats
	Hotness hotness.Counters
}

// Counters returns a snapshot of every subsystem's counters.
func (n *Node) Counters() Counters {
	c := Counters{Fault: n.engine.Counters(), Replica: n.pool.Stats()}
	n.daemonMu.Lock()
	d := n.daemon
	n.daemonMu.Unlock()
	if d != nil {
		c.Hotness = d.Counters()
	}
	return c
}

// ResetCounters zeroes the fault engine's counters and the replica pool's counters
// (spec §6: "a write of 1 to the reset endpoint zeroes them"). The hotness daemon's
// counters are not reset.
func (n *Node) ResetCounters() {
	n.engine.ResetCounters()
	n.pool.ResetStats()
}
