package hotness

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fabricmesh/swmc"
	"github.com/fabricmesh/swmc/page"
	"github.com/fabricmesh/swmc/replica"
)

// DefaultInterval is the replication interval's spec default (spec §4.5).
const DefaultInterval = 60 * time.Second

// DefaultPercentile is the hotness-threshold percentile's spec default (spec §4.5
// step 5).
const DefaultPercentile = 20

// Counters are the daemon's sysfs-style counters (spec §4.5: "Sysfs-style counters
// expose ... for external monitoring", extended here with the daemon's own totals).
type Counters struct {
	Evictions     int64
	Replications  int64
	TicksRun      int64
	CurrentAge    uint16
	CurrentThresh int
}

// Daemon runs the replication-interval tick against one node's sampler, page table and
// replica pool (spec §4.5).
type Daemon struct {
	sampler  *Sampler
	table    *page.Table
	pool     *replica.Pool
	interval time.Duration
	percent  int
	order    swmc.PageOrder

	threshold atomic.Int32

	evictions    atomic.Int64
	replications atomic.Int64
	ticksRun     atomic.Int64
}

// NewDaemon builds a Daemon with the given replication interval and hotness
// percentile. order is the allocation order used when replicating a newly-hot page.
func NewDaemon(sampler *Sampler, table *page.Table, pool *replica.Pool, interval time.Duration, percentile int, order swmc.PageOrder) *Daemon {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if percentile <= 0 {
		percentile = DefaultPercentile
	}
	return &Daemon{sampler: sampler, table: table, pool: pool, interval: interval, percent: percentile, order: order}
}

// Threshold returns the current hotness threshold (an MSB-index): pages at or above it
// are replication candidates, pages below it are eviction candidates.
func (d *Daemon) Threshold() int {
	return int(d.threshold.Load())
}

// Counters returns a snapshot of the daemon's counters.
func (d *Daemon) Counters() Counters {
	return Counters{
		Evictions:     d.evictions.Load(),
		Replications:  d.replications.Load(),
		TicksRun:      d.ticksRun.Load(),
		CurrentAge:    d.sampler.Age(),
		CurrentThresh: d.Threshold(),
	}
}

// Run ticks every interval until ctx is canceled, logging and swallowing recoverable
// errors per spec §7's background-work propagation rule.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Tick()
		}
	}
}

// Tick runs one replication-interval pass (spec §4.5 steps 1-6). It is exported so
// tests (and a driver that wants deterministic timing) can invoke it directly instead
// of waiting on the ticker.
func (d *Daemon) Tick() {
	threshold := d.Threshold()

	evicted, err := d.pool.EvictWhere(func(offset swmc.PageOffset) bool {
		var idx int
		d.table.WithLock(offset, func(e *page.Entry) { idx = msbIndex(e.AccessCount) })
		return idx < threshold
	})
	if err != nil {
		slog.Warn("hotness: eviction pass failed", "error", err)
	}
	d.evictions.Add(int64(evicted))

	for _, offset := range d.sampler.DrainCandidates() {
		var idx int
		var replicated bool
		d.table.WithLock(offset, func(e *page.Entry) {
			idx = msbIndex(e.AccessCount)
			replicated = e.Flags.Has(page.FlagReplicated)
		})
		if replicated || idx < threshold {
			continue
		}
		if _, _, err := d.pool.CreateReplica(offset, d.order); err != nil {
			slog.Warn("hotness: replication failed", "offset", offset, "error", err)
			continue
		}
		d.replications.Add(1)
	}

	// Recompute the threshold from this interval's histogram before Tick halves it
	// (spec §4.5 steps 5 and 6).
	d.threshold.Store(int32(d.sampler.Threshold(d.percent)))
	d.sampler.Tick()
	d.ticksRun.Add(1)
}
