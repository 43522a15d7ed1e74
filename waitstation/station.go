package waitstation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fabricmesh/swmc"
)

// Station is one multi-ACK rendezvous: a broadcast expecting expectedAcks replies
// converted into a single object a fault can sleep on (spec §4.3). AsyncPayload is the
// optional back-reference to the original page used by the async FETCH path (spec
// §4.1): when non-nil, reaching zero hands the station to the registry's completion
// work-ring instead of simply waking a local waiter.
type Station struct {
	ID           uint16
	AsyncPayload any

	remaining atomic.Int32
	nacked    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	deadline  *time.Time

	registry *Registry
}

func newStation(id uint16, expectedAcks int, asyncPayload any, deadline *time.Time, r *Registry) *Station {
	s := &Station{
		ID:           id,
		AsyncPayload: asyncPayload,
		done:         make(chan struct{}),
		deadline:     deadline,
		registry:     r,
	}
	s.remaining.Store(int32(expectedAcks))
	if expectedAcks <= 0 {
		s.complete()
	}
	return s
}

// ack records one successful reply; the zero-crossing thread completes the station.
func (s *Station) ack() {
	if s.remaining.Add(-1) <= 0 {
		s.complete()
	}
}

// nack marks the station's result as failed; the zero-crossing thread (if any) still
// observes failure via the nacked flag (spec §4.3: "NACK collapses the result of the
// entire station").
func (s *Station) nack() {
	s.nacked.Store(true)
	if s.remaining.Add(-1) <= 0 {
		s.complete()
	}
}

func (s *Station) complete() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.AsyncPayload != nil && s.registry != nil {
			s.registry.handOffAsync(s)
		}
	})
}

// Wait blocks the caller until the station completes (spec §4.3). It returns
// swmc.Nacked if any peer NACKed, or if the station's deadline (an additive,
// spec §9-OQ2 extension — nil by default) elapses before completion.
func (s *Station) Wait(ctx context.Context) error {
	var timerC <-chan time.Time
	if s.deadline != nil {
		timer := time.NewTimer(time.Until(*s.deadline))
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case <-s.done:
		if s.nacked.Load() {
			return swmc.NewError(swmc.Nacked, nil, s.ID)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timerC:
		s.nacked.Store(true)
		s.closeOnce.Do(func() { close(s.done) })
		return swmc.NewError(swmc.Nacked, nil, s.ID)
	}
}
