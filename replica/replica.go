// Package replica implements the local replica pool (spec §4.4): private page copies
// shadowing hot remote pages, kept on two MRU-ordered lists (active, inactive) and
// reclaimed under pressure via the shrinker contract (count_objects/scan_objects).
package replica

import (
	"github.com/fabricmesh/swmc"
)

// membership identifies which list (if any) a Replica currently sits on.
type membership int

const (
	none membership = iota
	onActive
	onInactive
)

// Replica is a local, privately allocated page shadowing one shared-window page (spec
// §3).
type Replica struct {
	Offset swmc.PageOffset
	Order  swmc.PageOrder
	Data   []byte
	// Dirty marks that Data has been locally modified since creation and must be
	// written back to the original on flush.
	Dirty bool

	member membership
	dllNode *node
}

// List reports which of {"active", "inactive", "none"} the replica currently sits on,
// for tests and observability.
func (r *Replica) List() string {
	switch r.member {
	case onActive:
		return "active"
	case onInactive:
		return "inactive"
	default:
		return "none"
	}
}
