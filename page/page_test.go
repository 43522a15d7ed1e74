package page

import (
	"testing"

	"github.com/fabricmesh/swmc"
)

func TestGetOrCreateStartsInvalid(t *testing.T) {
	tbl := NewTable()
	e := tbl.GetOrCreate(swmc.PageOffset(0x1000))
	if e.State != Invalid {
		t.Fatalf("new entry state = %v, want Invalid", e.State)
	}
	if e.Flags != 0 {
		t.Fatalf("new entry flags = %v, want 0", e.Flags)
	}
}

func TestWithLockMutatesInPlace(t *testing.T) {
	tbl := NewTable()
	offset := swmc.PageOffset(0x2000)
	tbl.WithLock(offset, func(e *Entry) {
		e.State = Shared
		e.Flags |= FlagShared
	})
	e, ok := tbl.Get(offset)
	if !ok {
		t.Fatalf("expected entry to exist")
	}
	if e.State != Shared || !e.Flags.Has(FlagShared) {
		t.Fatalf("entry = %+v, want State=Shared Flags has FlagShared", e)
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	tbl := NewTable()
	offset := swmc.PageOffset(0x3000)
	tbl.GetOrCreate(offset)
	tbl.Delete(offset)
	if _, ok := tbl.Get(offset); ok {
		t.Fatalf("entry should have been deleted")
	}
	if tbl.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", tbl.Len())
	}
}

func TestForEachVisitsAllEntries(t *testing.T) {
	tbl := NewTable()
	offsets := []swmc.PageOffset{0x1000, 0x2000, 0x3000, 0x4000}
	for _, o := range offsets {
		tbl.GetOrCreate(o)
	}
	seen := make(map[swmc.PageOffset]bool)
	tbl.ForEach(func(e *Entry) { seen[e.Offset] = true })
	if len(seen) != len(offsets) {
		t.Fatalf("ForEach visited %d entries, want %d", len(seen), len(offsets))
	}
}
