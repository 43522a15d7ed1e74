package node

import (
	"github.com/fabricmesh/swmc"
	"github.com/fabricmesh/swmc/fabric"
)

// pageSize is the shared-window page granularity the coherence unit operates at (spec
// §1: "the unit is always a page").
const pageSize = 4096

// fabricBackend implements replica.Backend over one node's fabric.Window, addressing
// page content at pageBase+offset in that window (node.New takes the page window
// separately from the fabric carrying the rings). ReadOriginal invalidates
// before reading (the "cache-line flush pulls current memory" refresh spec §4.1
// describes); WriteBack writes then flushes (spec §4.4's "cache-flushes the original").
type fabricBackend struct {
	view     fabric.Window
	pageBase uint64
}

func newFabricBackend(view fabric.Window, pageBase uint64) *fabricBackend {
	return &fabricBackend{view: view, pageBase: pageBase}
}

func (b *fabricBackend) addr(offset swmc.PageOffset) uint64 {
	return b.pageBase + uint64(offset)
}

// Allocate returns a zeroed replica buffer sized for order (spec §4.4: "a zeroed page
// of the requested order").
func (b *fabricBackend) Allocate(order swmc.PageOrder) ([]byte, error) {
	return make([]byte, pageSize<<uint(order)), nil
}

// Free releases a replica buffer; the in-process simulation has nothing to return to
// an allocator beyond letting the garbage collector reclaim it.
func (b *fabricBackend) Free(data []byte) {}

// ReadOriginal invalidates then reads order's worth of bytes at offset from the shared
// window, modeling the "cache-line flush pulls current memory" refresh spec §4.1
// describes for both replica creation and S-stale recovery.
func (b *fabricBackend) ReadOriginal(offset swmc.PageOffset, order swmc.PageOrder) ([]byte, error) {
	length := pageSize << uint(order)
	addr := b.addr(offset)
	if err := b.view.Invalidate(addr, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	if _, err := b.view.ReadAt(out, addr); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteBack writes data into the shared window at offset and flushes it, the cache
// discipline spec §4.4's flush_replica relies on to publish dirty replica content back
// to the original before it is dropped or downgraded.
func (b *fabricBackend) WriteBack(offset swmc.PageOffset, data []byte) error {
	addr := b.addr(offset)
	if _, err := b.view.WriteAt(data, addr); err != nil {
		return err
	}
	return b.view.Flush(addr, len(data))
}

// Unmap drops local process mappings of the page so subsequent accesses re-enter the
// fault engine (spec §4.4). There are no real page-table mappings in this in-process
// simulation, so this is a no-op hook kept to satisfy replica.Backend's contract.
func (b *fabricBackend) Unmap(offset swmc.PageOffset, order swmc.PageOrder) error {
	return nil
}
