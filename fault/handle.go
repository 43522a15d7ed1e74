package fault

import (
	"sync"
	"sync/atomic"

	"github.com/fabricmesh/swmc"
)

// FaultHandle is the per-page rendezvous object spec §3 describes: at most one exists
// per page key at a time. A local fault owns it for the duration of its transaction;
// an incoming remote message either borrows it (when a local owner already exists) or
// installs a short-lived handle of its own (when none does), released when the remote
// message finishes.
type FaultHandle struct {
	Offset swmc.PageOffset

	// Remote is true for a handle installed to serialize a remote message's
	// processing when no local fault was already in flight for this page.
	Remote bool
	// NeedWrite is true if the in-flight work (local or remote) wants to write.
	NeedWrite bool
	// AckedSnapshot is the owning local fault's acked-fault-count at acquire time,
	// used for the concurrent-writers tie-break (spec §4.1).
	AckedSnapshot int64

	// Retry is set by a racing remote message that won priority over a local owner;
	// the local owner (or any waiter) must return RetryFault once woken.
	Retry atomic.Bool

	waiters []chan struct{}
}

const bucketCount = 256

type handleTable struct {
	buckets [bucketCount]handleBucket
}

type handleBucket struct {
	mu      sync.Mutex
	entries map[swmc.PageOffset]*FaultHandle
}

func newHandleTable() *handleTable {
	t := &handleTable{}
	for i := range t.buckets {
		t.buckets[i].entries = make(map[swmc.PageOffset]*FaultHandle)
	}
	return t
}

func (t *handleTable) bucketFor(offset swmc.PageOffset) *handleBucket {
	return &t.buckets[uint64(offset)%bucketCount]
}

// acquireOrAttachLocal installs a fresh owned handle for offset if none exists, or
// attaches a wait channel to the existing one. Returns (handle, owner, waitCh).
func (t *handleTable) acquireOrAttachLocal(offset swmc.PageOffset, needWrite bool, ackedSnapshot int64) (*FaultHandle, bool, chan struct{}) {
	b := t.bucketFor(offset)
	b.mu.Lock()
	defer b.mu.Unlock()

	if h, ok := b.entries[offset]; ok {
		ch := make(chan struct{})
		h.waiters = append(h.waiters, ch)
		return h, false, ch
	}
	h := &FaultHandle{Offset: offset, NeedWrite: needWrite, AckedSnapshot: ackedSnapshot}
	b.entries[offset] = h
	return h, true, nil
}

// releaseLocal removes h from the table and wakes every attached waiter.
func (t *handleTable) releaseLocal(offset swmc.PageOffset) {
	b := t.bucketFor(offset)
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.entries[offset]
	if !ok {
		return
	}
	delete(b.entries, offset)
	for _, ch := range h.waiters {
		close(ch)
	}
}

// remoteDecision is the outcome of arriving at the per-page handle as a remote
// message (spec §4.1's priority rules).
type remoteDecision struct {
	proceed     bool
	markRetryOn *FaultHandle
	createdHere bool
}

// remoteArrive applies spec §4.1's remote-fault priority rules:
//   - an existing handle already servicing a remote request: NACK.
//   - existing local handle is a WRITE and the incoming message is a READ: NACK
//     (local has strictly higher priority).
//   - both are writes: lower acked-fault-count wins, ties broken by lower node id. The
//     local side of the compare is the owning local fault's AckedSnapshot (its
//     acked-fault-count at the moment it acquired the handle), not the engine's live
//     counter, so the comparison is pinned to the state the local writer actually
//     raced against.
//   - otherwise: proceed; if the remote message is a write, mark the local handle
//     RETRY so its owner re-drives after waking.
func (t *handleTable) remoteArrive(offset swmc.PageOffset, needWrite bool, senderAcked int64, senderNode swmc.NodeID, selfNode swmc.NodeID) remoteDecision {
	b := t.bucketFor(offset)
	b.mu.Lock()
	defer b.mu.Unlock()

	h, exists := b.entries[offset]
	if !exists {
		nh := &FaultHandle{Offset: offset, Remote: true, NeedWrite: needWrite}
		b.entries[offset] = nh
		return remoteDecision{proceed: true, createdHere: true}
	}
	if h.Remote {
		return remoteDecision{proceed: false}
	}
	if !needWrite && h.NeedWrite {
		return remoteDecision{proceed: false}
	}
	if needWrite && h.NeedWrite {
		remoteWins := senderAcked < h.AckedSnapshot || (senderAcked == h.AckedSnapshot && senderNode < selfNode)
		if !remoteWins {
			return remoteDecision{proceed: false}
		}
		return remoteDecision{proceed: true, markRetryOn: h}
	}
	if needWrite {
		return remoteDecision{proceed: true, markRetryOn: h}
	}
	return remoteDecision{proceed: true}
}

// releaseRemote removes the transient handle a no-conflict remoteArrive installed.
// No-op if the remote message instead borrowed an existing local handle.
func (t *handleTable) releaseRemote(offset swmc.PageOffset, createdHere bool) {
	if !createdHere {
		return
	}
	t.releaseLocal(offset)
}
