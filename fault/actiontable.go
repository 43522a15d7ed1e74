// Package fault implements the page coherence engine (spec §4.1): the fault handler,
// per-page fault-handle table, the MSI-style action table, transaction issuance, and
// the remote-fault responder. It is the sole authority that transitions a page's MSI
// state.
package fault

import "fmt"

// Flags are the five bits the fault engine probes before choosing actions (spec
// §4.1): REMOTE (handling a peer's message rather than a local fault), NEEDWRITE (the
// fault wants to write), REPLICATED (the original has a local replica), MODIFIED and
// SHARED (the original page's MSI flags). Bit order below fixes the 32-entry table's
// index; it is an implementation choice, not part of the wire format.
type Flags uint8

const (
	FlagShared Flags = 1 << iota
	FlagModified
	FlagReplicated
	FlagNeedWrite
	FlagRemote
)

// Index returns f's position in the 32-entry action table.
func (f Flags) Index() int { return int(f & 0x1f) }

func (f Flags) has(mask Flags) bool { return f&mask == mask }

// ActionBits are the work items the action table selects (spec §4.1). LOCAL-side bits
// are only ever set for indices with FlagRemote clear; REMOTE-side bits only for
// indices with FlagRemote set, except the declared-invalid local cell (index 15), which
// carries ActionRespond. ActionUpdateMetadata is shared by both sides.
type ActionBits uint16

const (
	// LOCAL side.
	ActionIssueSyncTransaction ActionBits = 1 << iota
	ActionIssueAsyncTransaction
	ActionWaitForAsyncTransaction
	ActionMapVPNToPFN

	// REMOTE side.
	ActionWriteback
	ActionInvalidate
	ActionRespond

	// Shared by both sides.
	ActionUpdateMetadata
)

func (a ActionBits) Has(mask ActionBits) bool { return a&mask == mask }

func (a ActionBits) String() string {
	names := []struct {
		bit  ActionBits
		name string
	}{
		{ActionIssueSyncTransaction, "ISSUE_SYNC_TRANSACTION"},
		{ActionIssueAsyncTransaction, "ISSUE_ASYNC_TRANSACTION"},
		{ActionWaitForAsyncTransaction, "WAIT_FOR_ASYNC_TRANSACTION"},
		{ActionMapVPNToPFN, "MAP_VPN_TO_PFN"},
		{ActionWriteback, "WRITEBACK"},
		{ActionInvalidate, "INVALIDATE"},
		{ActionRespond, "RESPOND"},
		{ActionUpdateMetadata, "UPDATE_METADATA"},
	}
	s := ""
	for _, n := range names {
		if a.Has(n.bit) {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "NONE"
	}
	return s
}

// TableEntry is one action-table cell: the work to dispatch, and whether this index
// is the spec §4.1/§9 declared-invalid combination.
type TableEntry struct {
	Actions            ActionBits
	InvariantViolation bool
}

// invalidCellPredicate is this implementation's resolution of spec §9's open question:
// the acronym {R, W, M, S} in "the combination {R, W, M, S} is declared invalid (a
// replicated page cannot be both Modified and Shared)" reads as REPLICATED, NEEDWRITE,
// MODIFIED, SHARED all set — REMOTE is not part of the condition, so both the local
// and remote variant of this combination (15 and 31) are invalid (see DESIGN.md).
func invalidCellPredicate(f Flags) bool {
	return f.has(FlagReplicated | FlagNeedWrite | FlagModified | FlagShared)
}

// actionTable is built once at package init by applying the MSI transition rules spec
// §4.1 describes in prose to every one of the 32 {REMOTE,NEEDWRITE,REPLICATED,
// MODIFIED,SHARED} combinations.
var actionTable [32]TableEntry

func init() {
	for i := 0; i < 32; i++ {
		f := Flags(i)
		actionTable[i] = buildEntry(f)
	}
}

// buildEntry derives one action-table cell from its flags, per spec §4.1:
//
//   - I->S (local read fault, no replica, page clean): issue a FETCH transaction and map
//     the result once it lands.
//   - I->M or S->M (local write fault): broadcast INVALIDATE, then map once all peers
//     concede.
//   - Remote FETCH against a MODIFIED original: writeback the replica before
//     responding, then update metadata and ACK.
//   - Remote INVALIDATE against SHARED or MODIFIED: invalidate the replica, update
//     metadata, ACK.
//   - The already-Shared, already-read-fault case needs no transaction at all: the
//     original is already valid for reads.
//   - {REPLICATED, NEEDWRITE, MODIFIED, SHARED} is the declared-invalid cell (spec §9
//     OQ1): best-effort RESPOND, tag InvariantViolation, issue no transaction.
func buildEntry(f Flags) TableEntry {
	if invalidCellPredicate(f) {
		return TableEntry{Actions: ActionRespond | ActionUpdateMetadata, InvariantViolation: true}
	}

	remote := f.has(FlagRemote)
	write := f.has(FlagNeedWrite)
	shared := f.has(FlagShared)
	modified := f.has(FlagModified)

	if remote {
		var a ActionBits
		switch {
		case modified && write:
			// Remote write-fault against our M: writeback, fully relinquish.
			a = ActionWriteback | ActionInvalidate | ActionUpdateMetadata | ActionRespond
		case modified:
			// Remote read-fault against our M: writeback and downgrade to S, keep
			// the replica (spec E2E scenario 3).
			a = ActionWriteback | ActionUpdateMetadata | ActionRespond
		case shared && write:
			// Remote write-fault racing our S: drop to I.
			a = ActionInvalidate | ActionUpdateMetadata | ActionRespond
		case shared:
			// Remote read-fault against our S: nothing to give up, just ACK.
			a = ActionUpdateMetadata | ActionRespond
		default:
			// We hold nothing for this page; trivially ACK.
			a = ActionRespond
		}
		return TableEntry{Actions: a}
	}

	// Local fault path.
	switch {
	case write && shared:
		// S -> M: must invalidate every peer's copy first.
		return TableEntry{Actions: ActionIssueSyncTransaction | ActionUpdateMetadata | ActionMapVPNToPFN}
	case write && !shared && !modified:
		// I -> M: same broadcast, nobody to race against yet but still must announce.
		return TableEntry{Actions: ActionIssueSyncTransaction | ActionUpdateMetadata | ActionMapVPNToPFN}
	case write && modified:
		// Already M locally: nothing to issue, just map.
		return TableEntry{Actions: ActionMapVPNToPFN}
	case !write && (shared || modified):
		// Already valid for reads.
		return TableEntry{Actions: ActionMapVPNToPFN}
	default:
		// I -> S: fetch, sync or async depending on wait-station pressure (the engine
		// chooses which ISSUE_* bit set applies at dispatch time, not here — both are
		// legal for this cell).
		return TableEntry{Actions: ActionIssueSyncTransaction | ActionIssueAsyncTransaction | ActionUpdateMetadata | ActionMapVPNToPFN}
	}
}

// Lookup returns the action-table entry for the given flags.
func Lookup(f Flags) TableEntry {
	return actionTable[f.Index()]
}

func init() {
	for i := 0; i < 32; i++ {
		if actionTable[i].InvariantViolation && !invalidCellPredicate(Flags(i)) {
			panic(fmt.Sprintf("fault: index %d tagged InvariantViolation but predicate disagrees", i))
		}
	}
}
