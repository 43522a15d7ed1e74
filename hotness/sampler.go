// Package hotness implements the address-sampling feed and the replication-interval
// daemon that drives periodic hot-page replication and cold-page eviction (spec §4.5).
package hotness

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/fabricmesh/swmc"
	"github.com/fabricmesh/swmc/page"
)

// Sample is one {virtual-address, pid} tuple as delivered by the OS performance-
// counter feed, already resolved to a shared-window page offset (spec §4.5).
type Sample struct {
	Offset swmc.PageOffset
	PID    int32
}

// histogramBuckets is the 32-bin MSB-index histogram (spec §4.5).
const histogramBuckets = 32

// Sampler maintains the per-page decayed access count and the global MSB-index
// histogram that the replication daemon reads to recompute its hotness threshold.
type Sampler struct {
	table      *page.Table
	windowSize uint64
	enabledFn  func() bool

	age       atomic.Uint32
	histogram [histogramBuckets]atomic.Int64

	mu         sync.Mutex
	candidates map[swmc.PageOffset]struct{}
}

// NewSampler builds a Sampler over table, bounding accepted samples to
// [0, windowSize) and accepting samples only while enabledFn reports true (spec
// §4.5: "checks that the page lies in the shared window and is coherence-enabled"). A
// nil enabledFn accepts unconditionally.
func NewSampler(table *page.Table, windowSize uint64, enabledFn func() bool) *Sampler {
	return &Sampler{
		table:      table,
		windowSize: windowSize,
		enabledFn:  enabledFn,
		candidates: make(map[swmc.PageOffset]struct{}),
	}
}

// msbIndex returns the position of v's most-significant set bit, or -1 if v is zero.
func msbIndex(v uint32) int {
	if v == 0 {
		return -1
	}
	return bits.Len32(v) - 1
}

// Observe records one sample, decaying the page's access count by the elapsed age
// delta before incrementing it, updating the histogram if the page's MSB-index
// changed, and marking the page as a replication candidate for the next daemon tick.
// Returns false if the sample was rejected (out of window, or coherence disabled).
func (s *Sampler) Observe(sample Sample) bool {
	if s.enabledFn != nil && !s.enabledFn() {
		return false
	}
	if uint64(sample.Offset) >= s.windowSize {
		return false
	}

	currentAge := uint16(s.age.Load())
	var oldIdx, newIdx int
	s.table.WithLock(sample.Offset, func(e *page.Entry) {
		delta := currentAge - e.LastAccessedAge
		switch {
		case delta == 0:
		case delta > 31:
			e.AccessCount = 0
		default:
			e.AccessCount >>= delta
		}
		oldIdx = msbIndex(e.AccessCount)
		e.AccessCount++
		e.LastAccessedAge = currentAge
		e.Young = true
		newIdx = msbIndex(e.AccessCount)
	})

	if newIdx != oldIdx {
		if oldIdx >= 0 {
			s.histogram[oldIdx].Add(-1)
		}
		s.histogram[newIdx].Add(1)
	}

	s.mu.Lock()
	s.candidates[sample.Offset] = struct{}{}
	s.mu.Unlock()
	return true
}

// Age returns the current monitoring age (spec §GLOSSARY: "incremented every
// replication interval, used to exponentially decay access counts").
func (s *Sampler) Age() uint16 {
	return uint16(s.age.Load())
}

// Histogram returns a snapshot of the 32 MSB-index bucket counts.
func (s *Sampler) Histogram() [histogramBuckets]int64 {
	var out [histogramBuckets]int64
	for i := range s.histogram {
		out[i] = s.histogram[i].Load()
	}
	return out
}

// Threshold computes the MSB-index covering the top percentile% of the histogram
// (spec §4.5 step 5, default P=20): walking buckets from hottest to coldest,
// accumulating counts until the running total reaches percentile% of the grand total.
func (s *Sampler) Threshold(percentile int) int {
	counts := s.Histogram()
	var total int64
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0
	}
	target := total * int64(percentile) / 100
	var cum int64
	for i := histogramBuckets - 1; i >= 0; i-- {
		cum += counts[i]
		if cum >= target {
			return i
		}
	}
	return 0
}

// Tick increments the monitoring age and halves every histogram bucket, cooling the
// global signal (spec §4.5 steps 4 and 6).
func (s *Sampler) Tick() {
	s.age.Add(1)
	for i := range s.histogram {
		s.histogram[i].Store(s.histogram[i].Load() / 2)
	}
}

// DrainCandidates returns every distinct offset sampled since the last drain and
// clears the candidate set (spec §4.5 step 2: "the replication-candidate list fed by
// sampling").
func (s *Sampler) DrainCandidates() []swmc.PageOffset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]swmc.PageOffset, 0, len(s.candidates))
	for o := range s.candidates {
		out = append(out, o)
	}
	s.candidates = make(map[swmc.PageOffset]struct{})
	return out
}
