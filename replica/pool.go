package replica

import (
	"sync"
	"sync/atomic"

	"github.com/fabricmesh/swmc"
	"github.com/fabricmesh/swmc/page"
)

// CreateResult is the outcome of Pool.CreateReplica (spec §4.4: "Ok | Skipped | Err").
type CreateResult int

const (
	Created CreateResult = iota
	Skipped
)

// Backend supplies the page-level operations the pool cannot perform itself: raw page
// allocation, reading the original's current bytes, writing a replica's dirty data
// back, and dropping local mappings so future accesses re-enter the fault engine. The
// node package wires this onto a fabric.Window; the pool itself never touches the
// fabric directly, keeping it (per spec §2's dependency order) beneath the fault
// engine rather than coupled to transport.
type Backend interface {
	Allocate(order swmc.PageOrder) ([]byte, error)
	Free(data []byte)
	ReadOriginal(offset swmc.PageOffset, order swmc.PageOrder) ([]byte, error)
	WriteBack(offset swmc.PageOffset, data []byte) error
	Unmap(offset swmc.PageOffset, order swmc.PageOrder) error
}

// Pool owns every replica a node has created: the active/inactive MRU lists, the
// offset index, and the counters spec §4.5/§6 exposes for observability.
type Pool struct {
	pageTable *page.Table
	backend   Backend

	listMu   sync.Mutex
	active   list
	inactive list

	indexMu sync.Mutex
	byOffset map[swmc.PageOffset]*Replica

	creates   atomic.Int64
	frees     atomic.Int64
	allocated atomic.Int64
}

// NewPool builds an empty replica pool over pageTable, using backend for allocation
// and writeback.
func NewPool(pageTable *page.Table, backend Backend) *Pool {
	return &Pool{
		pageTable: pageTable,
		backend:   backend,
		byOffset:  make(map[swmc.PageOffset]*Replica),
	}
}

// Stats are the pool's sysfs-style counters (spec §6 Observability).
type Stats struct {
	Creates        int64
	Frees          int64
	AllocatedPages int64
	ActiveLen      int
	InactiveLen    int
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.listMu.Lock()
	defer p.listMu.Unlock()
	return Stats{
		Creates:        p.creates.Load(),
		Frees:          p.frees.Load(),
		AllocatedPages: p.allocated.Load(),
		ActiveLen:      p.active.len(),
		InactiveLen:    p.inactive.len(),
	}
}

// ResetStats zeroes the counters (spec §6: "A write of 1 to the reset endpoint zeroes
// them").
func (p *Pool) ResetStats() {
	p.creates.Store(0)
	p.frees.Store(0)
}

// Lookup returns the replica currently shadowing offset, if any.
func (p *Pool) Lookup(offset swmc.PageOffset) (*Replica, bool) {
	p.indexMu.Lock()
	defer p.indexMu.Unlock()
	r, ok := p.byOffset[offset]
	return r, ok
}

// EvictWhere flushes every currently-held replica whose offset satisfies pred (spec
// §4.5 step 1/3: walking active and inactive for pages whose hotness fell below the
// daemon's current threshold). Membership in either list doesn't matter for this
// sweep — every live replica sits on exactly one of them — so this walks the offset
// index directly rather than the lists themselves.
func (p *Pool) EvictWhere(pred func(offset swmc.PageOffset) bool) (int, error) {
	p.indexMu.Lock()
	matched := make([]*Replica, 0)
	for offset, r := range p.byOffset {
		if pred(offset) {
			matched = append(matched, r)
		}
	}
	p.indexMu.Unlock()

	evicted := 0
	for _, r := range matched {
		if err := p.FlushReplica(r); err != nil {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

// CreateReplica allocates a replica for offset and copies the original's contents
// into it (spec §4.4). Skipped is returned, with no error, when the original is
// flagged {MODIFIED & SHARED} (stale-shared) — creating a replica of inconsistent data
// would only propagate the inconsistency.
func (p *Pool) CreateReplica(offset swmc.PageOffset, order swmc.PageOrder) (*Replica, CreateResult, error) {
	var staleShared bool
	p.pageTable.WithLock(offset, func(e *page.Entry) {
		staleShared = e.Flags.Has(page.FlagModified | page.FlagShared)
	})
	if staleShared {
		return nil, Skipped, nil
	}

	content, err := p.backend.ReadOriginal(offset, order)
	if err != nil {
		return nil, Skipped, err
	}
	data, err := p.backend.Allocate(order)
	if err != nil {
		return nil, Skipped, err
	}
	copy(data, content)

	r := &Replica{Offset: offset, Order: order, Data: data}

	p.pageTable.WithLock(offset, func(e *page.Entry) {
		e.Replica = r
		e.Flags |= page.FlagReplicated
	})
	// Best-effort: a failure here means stale mappings may still observe the
	// original directly, not a correctness hazard for the coherence state itself.
	_ = p.backend.Unmap(offset, order)

	p.indexMu.Lock()
	p.byOffset[offset] = r
	p.indexMu.Unlock()

	p.listMu.Lock()
	p.active.pushHead(r)
	r.member = onActive
	p.listMu.Unlock()

	p.creates.Add(1)
	p.allocated.Add(1)
	return r, Created, nil
}

// WriteBackOnly drains r's dirty data into the original and downgrades the original's
// MSI flags from Modified to Shared, but keeps the replica allocated and mapped (spec
// §4.1's remote-FETCH-against-M path: "downgrade to S" without destroying the
// replica, unlike FlushReplica's full teardown).
func (p *Pool) WriteBackOnly(r *Replica) error {
	if r.Dirty {
		if err := p.backend.WriteBack(r.Offset, r.Data); err != nil {
			return err
		}
		r.Dirty = false
	}
	p.pageTable.WithLock(r.Offset, func(e *page.Entry) {
		if e.Flags.Has(page.FlagModified) {
			e.Flags &^= page.FlagModified
			e.Flags |= page.FlagShared
			if e.State == page.Modified {
				e.State = page.Shared
			}
		}
	})
	return nil
}

// FlushReplica writes r's dirty data back to the original (if modified), removes r
// from whichever list it sits on, unmaps and frees it, and drops the original back to
// Invalid with no replica pointer (spec §4.4): unlike WriteBackOnly's downgrade-in-
// place, the replica stops existing locally, so a later access must re-fault.
func (p *Pool) FlushReplica(r *Replica) error {
	if r.Dirty {
		if err := p.backend.WriteBack(r.Offset, r.Data); err != nil {
			return err
		}
	}

	p.pageTable.WithLock(r.Offset, func(e *page.Entry) {
		e.State = page.Invalid
		e.Flags &^= page.FlagModified | page.FlagShared | page.FlagReplicated
		e.Replica = nil
	})

	p.listMu.Lock()
	switch r.member {
	case onActive:
		p.active.removeReplica(r)
	case onInactive:
		p.inactive.removeReplica(r)
	}
	r.member = none
	p.listMu.Unlock()

	p.indexMu.Lock()
	delete(p.byOffset, r.Offset)
	p.indexMu.Unlock()

	_ = p.backend.Unmap(r.Offset, r.Order)
	p.backend.Free(r.Data)

	p.frees.Add(1)
	p.allocated.Add(-1)
	return nil
}

// CountObjects implements the shrinker contract's size estimate: inactive length plus
// one quarter of active length (spec §4.4).
func (p *Pool) CountObjects() int {
	p.listMu.Lock()
	defer p.listMu.Unlock()
	return p.inactive.len() + p.active.len()/4
}

// ScanObjects attempts to free approximately n replicas: it reclaims from inactive
// first, aging active pages into inactive (with a doubling batch size) when inactive
// is smaller than 2n, and returns early without freeing if both lists are too small to
// proceed (spec §4.4/§8).
func (p *Pool) ScanObjects(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	freed := 0
	k := uint(0)
	for freed < n {
		if p.inactiveLen() < 2*n {
			batch := 4 * n * int(1<<k)
			aged := p.ageActiveBatch(batch)
			k++
			if aged == 0 && p.inactiveLen() < 2*n {
				break
			}
			continue
		}
		f, err := p.reclaimInactive(n - freed)
		if err != nil {
			return freed, err
		}
		freed += f
		if f == 0 {
			break
		}
	}
	return freed, nil
}

// FlushAll ages every active replica to inactive, then reclaims the entire inactive
// list (spec §4.4: used on shutdown or explicit request).
func (p *Pool) FlushAll() (int, error) {
	for {
		r := p.popActiveTail()
		if r == nil {
			break
		}
		p.listMu.Lock()
		p.inactive.pushHead(r)
		r.member = onInactive
		p.listMu.Unlock()
	}
	freed := 0
	for {
		r := p.popInactiveTail()
		if r == nil {
			break
		}
		if err := p.FlushReplica(r); err != nil {
			return freed, err
		}
		freed++
	}
	return freed, nil
}

func (p *Pool) inactiveLen() int {
	p.listMu.Lock()
	defer p.listMu.Unlock()
	return p.inactive.len()
}

func (p *Pool) popActiveTail() *Replica {
	p.listMu.Lock()
	defer p.listMu.Unlock()
	r := p.active.popTail()
	if r != nil {
		r.member = none
	}
	return r
}

func (p *Pool) popInactiveTail() *Replica {
	p.listMu.Lock()
	defer p.listMu.Unlock()
	r := p.inactive.popTail()
	if r != nil {
		r.member = none
	}
	return r
}

// ageActiveBatch walks up to batch replicas from the active list's LRU end, sampling
// and clearing each page's Young bit (spec §4.4): young pages return to the active
// MRU end, not-young pages migrate to the inactive MRU end. Returns how many migrated.
func (p *Pool) ageActiveBatch(batch int) int {
	moved := 0
	for i := 0; i < batch; i++ {
		r := p.popActiveTail()
		if r == nil {
			break
		}
		var young bool
		p.pageTable.WithLock(r.Offset, func(e *page.Entry) {
			young = e.Young
			e.Young = false
		})
		p.listMu.Lock()
		if young {
			p.active.pushHead(r)
			r.member = onActive
		} else {
			p.inactive.pushHead(r)
			r.member = onInactive
			moved++
		}
		p.listMu.Unlock()
	}
	return moved
}

func (p *Pool) reclaimInactive(want int) (int, error) {
	freed := 0
	for freed < want {
		r := p.popInactiveTail()
		if r == nil {
			break
		}
		if err := p.FlushReplica(r); err != nil {
			return freed, err
		}
		freed++
	}
	return freed, nil
}
