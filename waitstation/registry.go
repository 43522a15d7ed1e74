package waitstation

import (
	"fmt"
	"sync"
	"time"

	"github.com/fabricmesh/swmc"
)

// DefaultCapacity is the spec's "16-bit space, order 64K" pool size.
const DefaultCapacity = 1 << 16

// softThresholdNumerator/Denominator express the 80% soft threshold (spec §4.3:
// "callers are forced to pick the synchronous transaction path").
const (
	softThresholdNumerator   = 4
	softThresholdDenominator = 5
)

// Registry is the bounded, recycled-id pool of Stations (spec §4.3). capacity must not
// exceed 1<<16 since ids are a 16-bit wire field (spec §6's ws_id).
type Registry struct {
	mu             sync.Mutex
	capacity       uint32
	free           freeStack
	stations       map[uint16]*Station
	completionRing chan *Station
}

// NewRegistry builds a Registry with the given capacity (ids [0, capacity)) and an
// async-completion work-ring of completionRingSize slots (spec §9: "an explicit work-
// ring between the receive loop ... and the completion daemon").
func NewRegistry(capacity uint32, completionRingSize int) (*Registry, error) {
	if capacity == 0 || capacity > DefaultCapacity {
		return nil, fmt.Errorf("waitstation: capacity %d out of range (0,%d]", capacity, DefaultCapacity)
	}
	r := &Registry{
		capacity:       capacity,
		stations:       make(map[uint16]*Station, capacity),
		completionRing: make(chan *Station, completionRingSize),
	}
	for i := uint32(capacity); i > 0; i-- {
		r.free.push(uint16(i - 1))
	}
	return r, nil
}

// InUse returns the number of stations currently allocated.
func (r *Registry) InUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stations)
}

// AtSoftThreshold reports whether the pool has reached 80% utilization, at which point
// the fault engine must fall back from the async to the sync transaction path (spec
// §4.1/§4.3/§8).
func (r *Registry) AtSoftThreshold() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint32(len(r.stations))*softThresholdDenominator >= r.capacity*softThresholdNumerator
}

// Acquire draws a station id from the pool and returns a Station expecting
// expectedAcks replies. asyncPayload, if non-nil, marks this as an async transaction's
// station (spec §4.1's "async_page"). deadline is the additive, optional §9-OQ2
// extension; nil reproduces the spec's undefined/leaked baseline.
func (r *Registry) Acquire(expectedAcks int, asyncPayload any, deadline *time.Time) (*Station, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.free.pop()
	if !ok {
		return nil, swmc.NewError(swmc.OutOfResources, nil, "waitstation: pool exhausted")
	}
	s := newStation(id, expectedAcks, asyncPayload, deadline, r)
	r.stations[id] = s
	return s, nil
}

// DeliverAck decrements the expected-ACK counter for id (spec §4.3).
func (r *Registry) DeliverAck(id uint16) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.ack()
	return nil
}

// DeliverNack marks id's station as failed and decrements its counter (spec §4.3).
func (r *Registry) DeliverNack(id uint16) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.nack()
	return nil
}

func (r *Registry) lookup(id uint16) (*Station, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stations[id]
	if !ok {
		return nil, swmc.NewError(swmc.InvalidMessage, nil, fmt.Sprintf("waitstation: unknown id %d", id))
	}
	return s, nil
}

// Release returns id to the free pool. Callers (the fault engine, after Wait returns)
// must call this exactly once per Acquire; the spec's id space is large enough that a
// caller which forgets (an orphaned station on a lost message) merely shrinks the pool
// rather than corrupting it (spec §4.3: "Orphaned stations are leaked intentionally").
func (r *Registry) Release(id uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stations[id]; !ok {
		return
	}
	delete(r.stations, id)
	r.free.push(id)
}

// CompletionRing is the async-completion work-ring: stations with a non-nil
// AsyncPayload are pushed here once all expected ACKs/NACKs arrive, for the async
// daemon to drain (spec §4.1/§9).
func (r *Registry) CompletionRing() <-chan *Station {
	return r.completionRing
}

// handOffAsync pushes a completed async station onto the completion ring. A full ring
// means the daemon is falling behind; the send blocks, applying backpressure to
// whichever goroutine delivered the final ACK/NACK rather than dropping work.
func (r *Registry) handOffAsync(s *Station) {
	r.completionRing <- s
}
