package hotness

import (
	"testing"
	"time"

	"github.com/fabricmesh/swmc"
	"github.com/fabricmesh/swmc/page"
	"github.com/fabricmesh/swmc/replica"
)

// memBackend is an in-process replica.Backend stub, the same shape the replica
// package's own tests use: originals live in a plain map keyed by offset.
type memBackend struct {
	originals map[swmc.PageOffset][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{originals: make(map[swmc.PageOffset][]byte)}
}

func (b *memBackend) Allocate(order swmc.PageOrder) ([]byte, error) {
	return make([]byte, 4096<<uint(order)), nil
}

func (b *memBackend) Free(data []byte) {}

func (b *memBackend) ReadOriginal(offset swmc.PageOffset, order swmc.PageOrder) ([]byte, error) {
	content, ok := b.originals[offset]
	if !ok {
		content = make([]byte, 4096<<uint(order))
	}
	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

func (b *memBackend) WriteBack(offset swmc.PageOffset, data []byte) error {
	out := make([]byte, len(data))
	copy(out, data)
	b.originals[offset] = out
	return nil
}

func (b *memBackend) Unmap(offset swmc.PageOffset, order swmc.PageOrder) error { return nil }

func TestTickReplicatesHotCandidates(t *testing.T) {
	tbl := page.NewTable()
	backend := newMemBackend()
	pool := replica.NewPool(tbl, backend)
	sampler := NewSampler(tbl, 0x100000, nil)
	d := NewDaemon(sampler, tbl, pool, time.Minute, 20, 0)

	hot := swmc.PageOffset(0x1000)
	backend.originals[hot] = []byte("hot page content")
	for i := 0; i < 100; i++ {
		sampler.Observe(Sample{Offset: hot, PID: 1})
	}

	d.Tick()

	e, ok := tbl.Get(hot)
	if !ok || !e.Flags.Has(page.FlagReplicated) {
		t.Fatalf("expected the hot page to be replicated after one tick, entry=%+v ok=%v", e, ok)
	}
	if d.Counters().Replications == 0 {
		t.Fatal("expected at least one recorded replication")
	}
}

func TestTickEvictsPagesBelowThreshold(t *testing.T) {
	tbl := page.NewTable()
	backend := newMemBackend()
	pool := replica.NewPool(tbl, backend)
	sampler := NewSampler(tbl, 0x100000, nil)
	d := NewDaemon(sampler, tbl, pool, time.Minute, 20, 0)

	cold := swmc.PageOffset(0x2000)
	backend.originals[cold] = []byte("cold page content")
	if _, _, err := pool.CreateReplica(cold, 0); err != nil {
		t.Fatalf("CreateReplica: %v", err)
	}

	// A handful of samples on a different, much hotter page pushes the threshold
	// above the cold page's near-zero access count.
	hot := swmc.PageOffset(0x3000)
	for i := 0; i < 1000; i++ {
		sampler.Observe(Sample{Offset: hot, PID: 1})
	}
	sampler.Observe(Sample{Offset: cold, PID: 1})

	d.Tick()
	d.Tick()

	if _, ok := pool.Lookup(cold); ok {
		t.Fatal("expected the cold replica to be evicted by the second tick")
	}
}

func TestCountersReflectTicksRun(t *testing.T) {
	tbl := page.NewTable()
	backend := newMemBackend()
	pool := replica.NewPool(tbl, backend)
	sampler := NewSampler(tbl, 0x100000, nil)
	d := NewDaemon(sampler, tbl, pool, time.Minute, 20, 0)

	d.Tick()
	d.Tick()
	d.Tick()

	if got := d.Counters().TicksRun; got != 3 {
		t.Fatalf("TicksRun = %d, want 3", got)
	}
}
