// Package page holds each node's local metadata for shared-window pages (spec §3): the
// MSI-like state, aged access-count/hotness fields, and whether the page is currently
// shadowed by a local replica. The table is sharded by page offset with per-bucket
// locks, the same addressing idiom the teacher's registry uses for on-disk handles.
package page

import (
	"sync"

	"github.com/fabricmesh/swmc"
)

// State is one node's MSI-like coherence state for a page (spec §3).
type State int32

const (
	// Invalid means this node holds no valid data for the page.
	Invalid State = iota
	// Shared means this node holds a read-only, up-to-date copy.
	Shared
	// Modified means this node holds the sole writable, up-to-date copy.
	Modified
	// SharedStale is a transient Shared state whose cached data is known to be
	// outdated; it must be refreshed (flush + re-fetch) before another local read.
	SharedStale
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "I"
	case Shared:
		return "S"
	case Modified:
		return "M"
	case SharedStale:
		return "S-stale"
	default:
		return "unknown"
	}
}

// Flags are the persistent, per-page metadata bits the fault engine probes before
// choosing actions (spec §4.1: "reads three bits from the original page: SHARED,
// MODIFIED, REPLICATED"). REMOTE and NEEDWRITE are per-fault, not per-page, and so live
// on the fault handle instead (see the fault package).
type Flags uint8

const (
	FlagShared Flags = 1 << iota
	FlagModified
	FlagReplicated
)

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Entry is one node's metadata for one shared-window page.
type Entry struct {
	Offset swmc.PageOffset
	State  State
	Flags  Flags

	// AccessCount is the aged, MSB-decayed access counter the hotness sampler
	// maintains (spec §4.5).
	AccessCount uint32
	// LastAccessedAge is the monitoring age at which AccessCount was last updated.
	LastAccessedAge uint16
	// Young is tested-and-cleared by the replica pool's LRU scan (spec §4.4).
	Young bool

	// Replica is an opaque handle to this page's local replica (nil if none). It is
	// typed any rather than *replica.Replica to keep page a leaf package with no
	// dependency on replica (spec §2's "leaves first" dependency order).
	Replica any
}

const bucketCount = 256

// Table is the sharded, per-node page metadata store.
type Table struct {
	buckets [bucketCount]bucket
}

type bucket struct {
	mu      sync.Mutex
	entries map[swmc.PageOffset]*Entry
}

// NewTable constructs an empty Table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.buckets {
		t.buckets[i].entries = make(map[swmc.PageOffset]*Entry)
	}
	return t
}

func (t *Table) bucketFor(offset swmc.PageOffset) *bucket {
	return &t.buckets[uint64(offset)%bucketCount]
}

// Get returns the entry for offset, if present.
func (t *Table) Get(offset swmc.PageOffset) (*Entry, bool) {
	b := t.bucketFor(offset)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[offset]
	return e, ok
}

// GetOrCreate returns the entry for offset, creating a fresh Invalid-state entry if
// none exists yet.
func (t *Table) GetOrCreate(offset swmc.PageOffset) *Entry {
	b := t.bucketFor(offset)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[offset]
	if !ok {
		e = &Entry{Offset: offset, State: Invalid}
		b.entries[offset] = e
	}
	return e
}

// WithLock runs fn with the bucket covering offset held, for callers (the fault
// engine) that must read-modify-write several Entry fields atomically with respect to
// other faults on the same page.
func (t *Table) WithLock(offset swmc.PageOffset, fn func(e *Entry)) {
	b := t.bucketFor(offset)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[offset]
	if !ok {
		e = &Entry{Offset: offset, State: Invalid}
		b.entries[offset] = e
	}
	fn(e)
}

// Delete removes offset's entry entirely, dropping its tracked history. Replica
// teardown does not call it: FlushReplica leaves the entry in place as Invalid.
func (t *Table) Delete(offset swmc.PageOffset) {
	b := t.bucketFor(offset)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, offset)
}

// Len returns the number of tracked pages, for tests and observability.
func (t *Table) Len() int {
	n := 0
	for i := range t.buckets {
		t.buckets[i].mu.Lock()
		n += len(t.buckets[i].entries)
		t.buckets[i].mu.Unlock()
	}
	return n
}

// ForEach calls fn for every tracked entry. fn must not call back into the Table (it
// runs under the owning bucket's lock).
func (t *Table) ForEach(fn func(e *Entry)) {
	for i := range t.buckets {
		t.buckets[i].mu.Lock()
		for _, e := range t.buckets[i].entries {
			fn(e)
		}
		t.buckets[i].mu.Unlock()
	}
}
