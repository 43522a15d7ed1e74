package swmc

import "fmt"

// NodeID identifies a host node participating in the shared window. Wire layout fixes
// this at 4 bytes (spec §6), so it is backed by int32 rather than an arbitrary-width
// integer or a UUID.
type NodeID int32

// PageOffset is the shared-window offset of a page; it is stable across nodes and is
// the sole cross-node identifier for a page (spec §3/§GLOSSARY).
type PageOffset uint64

// PageOrder is the allocation order (log2 page-multiple) of a page or replica.
type PageOrder int32

func (n NodeID) String() string {
	return fmt.Sprintf("node-%d", int32(n))
}

func (o PageOffset) String() string {
	return fmt.Sprintf("0x%x", uint64(o))
}
