package fault

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/fabricmesh/swmc"
	"github.com/fabricmesh/swmc/page"
	"github.com/fabricmesh/swmc/replica"
	"github.com/fabricmesh/swmc/ring"
	"github.com/fabricmesh/swmc/waitstation"
)

// MappingTarget is what a successful fault mapped the faulting address onto.
type MappingTarget int

const (
	// MapOriginal means the raw shared-window page should be mapped directly (the
	// async FETCH path, before the transaction has actually landed).
	MapOriginal MappingTarget = iota
	// MapReplica means the local replica's backing bytes should be mapped.
	MapReplica
)

// Mapping is on_local_fault's success result (spec §4.1).
type Mapping struct {
	Target MappingTarget
	Data   []byte
}

// Engine is the page coherence engine (spec §4.1): the fault handler, state machine
// and remote-fault responder for one node.
type Engine struct {
	self      swmc.NodeID
	pageTable *page.Table
	replicas  *replica.Pool
	backend   replica.Backend
	stations  *waitstation.Registry
	transport ring.Transport
	handles   *handleTable

	enabled         atomic.Bool
	ackedFaultCount atomic.Int64

	faultReads  atomic.Int64
	faultWrites atomic.Int64
	replicaHits atomic.Int64
}

// NewEngine builds an Engine for node self.
func NewEngine(self swmc.NodeID, pageTable *page.Table, replicas *replica.Pool, backend replica.Backend, stations *waitstation.Registry, transport ring.Transport) *Engine {
	e := &Engine{
		self:      self,
		pageTable: pageTable,
		replicas:  replicas,
		backend:   backend,
		stations:  stations,
		transport: transport,
		handles:   newHandleTable(),
	}
	e.enabled.Store(true)
	return e
}

// SetEnabled toggles the "page coherence enabled" flag (spec §6's control surface);
// the mapping layer is expected to elide calling OnLocalFault while disabled.
func (e *Engine) SetEnabled(v bool) { e.enabled.Store(v) }

// Enabled reports the current coherence-enabled flag.
func (e *Engine) Enabled() bool { return e.enabled.Load() }

// Counters is a snapshot of the fault engine's sysfs-style counters (spec §6).
type Counters struct {
	FaultReads  int64
	FaultWrites int64
	ReplicaHits int64
}

// Counters returns a snapshot of the engine's counters.
func (e *Engine) Counters() Counters {
	return Counters{
		FaultReads:  e.faultReads.Load(),
		FaultWrites: e.faultWrites.Load(),
		ReplicaHits: e.replicaHits.Load(),
	}
}

// ResetCounters zeroes the fault counters (spec §6).
func (e *Engine) ResetCounters() {
	e.faultReads.Store(0)
	e.faultWrites.Store(0)
	e.replicaHits.Store(0)
}

// OnLocalFault is called by the mapping layer before installing a page-table entry
// (spec §4.1). On success the returned Mapping is valid to map; RetryFault means the
// caller must re-drive the fault from scratch after a short back-off.
func (e *Engine) OnLocalFault(ctx context.Context, offset swmc.PageOffset, isWrite bool) (Mapping, error) {
	if isWrite {
		e.faultWrites.Add(1)
	} else {
		e.faultReads.Add(1)
	}

	for {
		snapshot := e.ackedFaultCount.Load()
		h, owner, waitCh := e.handles.acquireOrAttachLocal(offset, isWrite, snapshot)
		if !owner {
			select {
			case <-waitCh:
			case <-ctx.Done():
				return Mapping{}, ctx.Err()
			}
			if h.Retry.Load() {
				return Mapping{}, swmc.NewError(swmc.RetryFault, nil, offset)
			}
			continue
		}

		m, err := e.serviceLocalFault(ctx, offset, isWrite)
		retried := h.Retry.Load()
		e.handles.releaseLocal(offset)
		if err != nil {
			return Mapping{}, err
		}
		if retried {
			return Mapping{}, swmc.NewError(swmc.RetryFault, nil, offset)
		}
		return m, nil
	}
}

func (e *Engine) serviceLocalFault(ctx context.Context, offset swmc.PageOffset, isWrite bool) (Mapping, error) {
	var flags Flags
	var stale bool
	e.pageTable.WithLock(offset, func(entry *page.Entry) {
		if entry.Flags.Has(page.FlagShared) {
			flags |= FlagShared
		}
		if entry.Flags.Has(page.FlagModified) {
			flags |= FlagModified
		}
		if entry.Flags.Has(page.FlagReplicated) {
			flags |= FlagReplicated
		}
		stale = entry.State == page.SharedStale
	})
	if isWrite {
		flags |= FlagNeedWrite
	}

	entry := Lookup(flags)
	if entry.InvariantViolation {
		slog.Warn("fault: local fault hit the declared-invalid action-table cell", "offset", offset, "flags", flags)
		return Mapping{}, swmc.NewError(swmc.InvariantViolation, nil, offset)
	}

	switch {
	case stale:
		// S-stale must be refreshed with a sync FETCH before use, bypassing the
		// table entirely, and its replica refetched from the backend (spec §4.1).
		if err := e.issueSync(ctx, offset, ring.FETCH); err != nil {
			return Mapping{}, err
		}
		if r, ok := e.replicas.Lookup(offset); ok {
			fresh, err := e.backend.ReadOriginal(offset, r.Order)
			if err != nil {
				return Mapping{}, err
			}
			copy(r.Data, fresh)
		}
	case entry.Actions.Has(ActionIssueSyncTransaction) && entry.Actions.Has(ActionIssueAsyncTransaction):
		// I->S: sync unless the wait-station pool has headroom (spec §4.1/§4.3).
		if e.stations.AtSoftThreshold() {
			if err := e.issueSync(ctx, offset, ring.FETCH); err != nil {
				return Mapping{}, err
			}
		} else {
			return e.issueAsync(ctx, offset)
		}
	case entry.Actions.Has(ActionIssueSyncTransaction):
		// A write transition: always a sync INVALIDATE broadcast.
		if err := e.issueSync(ctx, offset, ring.INVALIDATE); err != nil {
			return Mapping{}, err
		}
	}
	// Falling through with neither bit set means the page is already valid locally
	// (MAP_VPN_TO_PFN only): nothing to issue.

	e.ackedFaultCount.Add(1)
	e.pageTable.WithLock(offset, func(entry *page.Entry) {
		if isWrite {
			entry.State = page.Modified
			entry.Flags = (entry.Flags &^ page.FlagShared) | page.FlagModified
		} else if entry.State != page.Modified {
			entry.State = page.Shared
			entry.Flags = (entry.Flags &^ page.FlagModified) | page.FlagShared
		}
	})

	return e.mapLocalReplica(offset, isWrite)
}

func (e *Engine) mapLocalReplica(offset swmc.PageOffset, isWrite bool) (Mapping, error) {
	r, ok := e.replicas.Lookup(offset)
	if !ok {
		var err error
		r, _, err = e.replicas.CreateReplica(offset, 0)
		if err != nil {
			return Mapping{}, err
		}
	} else {
		e.replicaHits.Add(1)
		// REPLICATED without SHARED means a write fault just took this page off SHARED
		// over a replica populated by an earlier read, without tearing the replica
		// down, so its cached Data may predate the transaction. Refetch before handing
		// it back (spec §4.1). A dirty replica already holds this node's own writes
		// and is handed back as is.
		var stale bool
		e.pageTable.WithLock(offset, func(entry *page.Entry) {
			stale = entry.Flags.Has(page.FlagReplicated) && !entry.Flags.Has(page.FlagShared)
		})
		if stale && !r.Dirty {
			fresh, err := e.backend.ReadOriginal(offset, r.Order)
			if err != nil {
				return Mapping{}, err
			}
			copy(r.Data, fresh)
		}
	}
	if isWrite {
		r.Dirty = true
	}
	return Mapping{Target: MapReplica, Data: r.Data}, nil
}

// issueSync broadcasts msgType to every peer through a single wait station sized to
// N-1 peers, then sleeps on it (spec §4.1). A NACK from any peer collapses the
// station; the caller observes RetryFault.
func (e *Engine) issueSync(ctx context.Context, offset swmc.PageOffset, msgType ring.MessageType) error {
	expected := e.transport.NodeCount() - 1
	if expected <= 0 {
		return nil
	}
	station, err := e.stations.Acquire(expected, nil, nil)
	if err != nil {
		return err
	}
	msg := ring.Message{Type: msgType, WaitStationID: int32(station.ID), Offset: offset, AckedFaultCount: e.ackedFaultCount.Load()}
	if err := e.transport.Broadcast(ctx, msg); err != nil {
		e.stations.Release(station.ID)
		return err
	}
	waitErr := station.Wait(ctx)
	e.stations.Release(station.ID)
	if swmc.Code(waitErr) == swmc.Nacked {
		return swmc.NewError(swmc.RetryFault, waitErr, offset)
	}
	return waitErr
}

// issueAsync broadcasts a FETCH and returns immediately, mapping the raw original page
// (spec §4.1's latency-hiding path); the async-completion daemon finishes the
// transition once the station's ACKs arrive (see CompleteAsync).
func (e *Engine) issueAsync(ctx context.Context, offset swmc.PageOffset) (Mapping, error) {
	expected := e.transport.NodeCount() - 1
	station, err := e.stations.Acquire(expected, offset, nil)
	if err != nil {
		return Mapping{}, err
	}
	msg := ring.Message{Type: ring.FETCH, WaitStationID: int32(station.ID), Offset: offset, AckedFaultCount: e.ackedFaultCount.Load()}
	if err := e.transport.Broadcast(ctx, msg); err != nil {
		e.stations.Release(station.ID)
		return Mapping{}, err
	}
	data, err := e.backend.ReadOriginal(offset, 0)
	if err != nil {
		return Mapping{}, err
	}
	return Mapping{Target: MapOriginal, Data: data}, nil
}

// CompleteAsync is run by the async-completion daemon for every station it drains off
// the wait-station registry's completion ring (spec §4.1/§9): it marks the page
// S-stale with MODIFIED cleared and SHARED set, refreshes the replica against the
// backend (creating it if absent), then settles on Shared, finishing the transition
// issueAsync deferred.
func (e *Engine) CompleteAsync(ctx context.Context, s *waitstation.Station) error {
	offset, ok := s.AsyncPayload.(swmc.PageOffset)
	if !ok {
		return fmt.Errorf("fault: async station payload is not a PageOffset: %T", s.AsyncPayload)
	}
	defer e.stations.Release(s.ID)

	if err := s.Wait(ctx); err != nil {
		if swmc.Code(err) == swmc.Nacked {
			return nil
		}
		return err
	}

	e.ackedFaultCount.Add(1)
	// issueAsync mapped the original's bytes before any peer's ACK landed, so they may
	// already be behind whatever those peers flushed while the fetch was in flight.
	// Mark the page S-stale until it is refreshed, so a read fault landing in this
	// narrow window takes the sync-refresh branch in serviceLocalFault instead of
	// being served the unrefreshed copy (spec §3/§4.1).
	e.pageTable.WithLock(offset, func(entry *page.Entry) {
		entry.State = page.SharedStale
		entry.Flags = (entry.Flags &^ page.FlagModified) | page.FlagShared
	})

	r, ok := e.replicas.Lookup(offset)
	if !ok {
		var err error
		r, _, err = e.replicas.CreateReplica(offset, 0)
		if err != nil {
			return err
		}
	} else {
		fresh, err := e.backend.ReadOriginal(offset, r.Order)
		if err != nil {
			return err
		}
		copy(r.Data, fresh)
	}

	e.pageTable.WithLock(offset, func(entry *page.Entry) {
		if entry.State == page.SharedStale {
			entry.State = page.Shared
		}
	})
	return nil
}

// RunAsyncCompletionDaemon drains the wait-station registry's completion ring until
// ctx is canceled, logging and swallowing recoverable errors (spec §7's propagation
// rule for background work).
func (e *Engine) RunAsyncCompletionDaemon(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-e.stations.CompletionRing():
			if err := e.CompleteAsync(ctx, s); err != nil {
				slog.Warn("fault: async completion failed", "error", err)
			}
		}
	}
}

// HandleInbound routes one polled ring.Message to the remote-fault responder or to
// the wait-station registry, depending on its type (spec §4.1/§6).
func (e *Engine) HandleInbound(ctx context.Context, msg ring.Message) error {
	switch msg.Type {
	case ring.FETCH, ring.INVALIDATE:
		return e.OnRemoteMessage(ctx, msg)
	case ring.FETCH_ACK, ring.INVALIDATE_ACK:
		return e.stations.DeliverAck(uint16(msg.WaitStationID))
	case ring.FETCH_NACK, ring.INVALIDATE_NACK:
		return e.stations.DeliverNack(uint16(msg.WaitStationID))
	default:
		return swmc.NewError(swmc.InvalidMessage, nil, msg.Type)
	}
}

// OnRemoteMessage is called by the receive loop for every inbound FETCH/INVALIDATE; it
// always produces exactly one reply to the sender (spec §4.1).
func (e *Engine) OnRemoteMessage(ctx context.Context, msg ring.Message) error {
	needWrite := msg.Type == ring.INVALIDATE
	decision := e.handles.remoteArrive(msg.Offset, needWrite, msg.AckedFaultCount, msg.FromNode, e.self)
	if !decision.proceed {
		return e.respond(ctx, msg, nackTypeFor(msg.Type))
	}
	if decision.markRetryOn != nil {
		decision.markRetryOn.Retry.Store(true)
	}
	defer e.handles.releaseRemote(msg.Offset, decision.createdHere)

	flags := FlagRemote
	if needWrite {
		flags |= FlagNeedWrite
	}
	e.pageTable.WithLock(msg.Offset, func(entry *page.Entry) {
		if entry.Flags.Has(page.FlagShared) {
			flags |= FlagShared
		}
		if entry.Flags.Has(page.FlagModified) {
			flags |= FlagModified
		}
		if entry.Flags.Has(page.FlagReplicated) {
			flags |= FlagReplicated
		}
	})

	entry := Lookup(flags)
	if entry.InvariantViolation {
		slog.Warn("fault: remote message hit the declared-invalid action-table cell", "offset", msg.Offset, "from", msg.FromNode)
		return e.respond(ctx, msg, ackTypeFor(msg.Type))
	}

	r, hasReplica := e.replicas.Lookup(msg.Offset)
	var actErr error
	switch {
	case entry.Actions.Has(ActionWriteback) && entry.Actions.Has(ActionInvalidate) && hasReplica:
		actErr = e.replicas.FlushReplica(r)
	case entry.Actions.Has(ActionWriteback) && hasReplica:
		actErr = e.replicas.WriteBackOnly(r)
	case entry.Actions.Has(ActionInvalidate) && hasReplica:
		actErr = e.replicas.FlushReplica(r)
	case entry.Actions.Has(ActionInvalidate):
		e.pageTable.WithLock(msg.Offset, func(entry *page.Entry) {
			entry.State = page.Invalid
			entry.Flags &^= page.FlagShared | page.FlagModified
		})
	}
	if actErr != nil {
		// A failed writeback or flush is still answered, with a NACK, so the sender's
		// station is not left waiting.
		_ = e.respond(ctx, msg, nackTypeFor(msg.Type))
		return actErr
	}

	return e.respond(ctx, msg, ackTypeFor(msg.Type))
}

func (e *Engine) respond(ctx context.Context, msg ring.Message, replyType ring.MessageType) error {
	reply := ring.Message{Type: replyType, WaitStationID: msg.WaitStationID, Offset: msg.Offset, AckedFaultCount: e.ackedFaultCount.Load()}
	return e.transport.Unicast(ctx, msg.FromNode, reply)
}

func ackTypeFor(t ring.MessageType) ring.MessageType {
	if t == ring.INVALIDATE {
		return ring.INVALIDATE_ACK
	}
	return ring.FETCH_ACK
}

func nackTypeFor(t ring.MessageType) ring.MessageType {
	if t == ring.INVALIDATE {
		return ring.INVALIDATE_NACK
	}
	return ring.FETCH_NACK
}
