package waitstation

import (
	"context"
	"testing"
	"time"

	"github.com/fabricmesh/swmc"
)

func TestAcquireDeliverAckCompletesStation(t *testing.T) {
	r, err := NewRegistry(8, 4)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	s, err := r.Acquire(3, nil, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := r.DeliverAck(s.ID); err != nil {
			t.Fatalf("DeliverAck: %v", err)
		}
	}

	select {
	case <-s.done:
		t.Fatalf("station completed before all ACKs arrived")
	default:
	}

	if err := r.DeliverAck(s.ID); err != nil {
		t.Fatalf("DeliverAck: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestDeliverNackCollapsesStation(t *testing.T) {
	r, err := NewRegistry(8, 4)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	s, err := r.Acquire(2, nil, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := r.DeliverAck(s.ID); err != nil {
		t.Fatalf("DeliverAck: %v", err)
	}
	if err := r.DeliverNack(s.ID); err != nil {
		t.Fatalf("DeliverNack: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = s.Wait(ctx)
	if swmc.Code(err) != swmc.Nacked {
		t.Fatalf("Wait error = %v, want Nacked", err)
	}
}

func TestAcquireExhaustedPool(t *testing.T) {
	r, err := NewRegistry(2, 1)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := r.Acquire(1, nil, nil); err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	if _, err := r.Acquire(1, nil, nil); err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	_, err = r.Acquire(1, nil, nil)
	if swmc.Code(err) != swmc.OutOfResources {
		t.Fatalf("Acquire on exhausted pool = %v, want OutOfResources", err)
	}
}

func TestReleaseRecyclesID(t *testing.T) {
	r, err := NewRegistry(1, 1)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	s, err := r.Acquire(1, nil, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	r.Release(s.ID)
	if _, err := r.Acquire(1, nil, nil); err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
}

func TestAtSoftThreshold(t *testing.T) {
	r, err := NewRegistry(10, 1)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	for i := 0; i < 7; i++ {
		if _, err := r.Acquire(1, nil, nil); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if r.AtSoftThreshold() {
		t.Fatalf("7/10 should be below the 80%% soft threshold")
	}
	if _, err := r.Acquire(1, nil, nil); err != nil {
		t.Fatalf("Acquire 8th: %v", err)
	}
	if !r.AtSoftThreshold() {
		t.Fatalf("8/10 should be at the 80%% soft threshold")
	}
}

func TestDeadlineConvertsToNacked(t *testing.T) {
	r, err := NewRegistry(4, 1)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	deadline := time.Now().Add(20 * time.Millisecond)
	s, err := r.Acquire(1, nil, &deadline)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = s.Wait(ctx)
	if swmc.Code(err) != swmc.Nacked {
		t.Fatalf("Wait after deadline = %v, want Nacked", err)
	}
}

func TestAsyncPayloadHandsOffToCompletionRing(t *testing.T) {
	r, err := NewRegistry(4, 1)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	s, err := r.Acquire(1, swmc.PageOffset(0x1000), nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := r.DeliverAck(s.ID); err != nil {
		t.Fatalf("DeliverAck: %v", err)
	}

	select {
	case completed := <-r.CompletionRing():
		if completed.ID != s.ID {
			t.Fatalf("completed station id = %d, want %d", completed.ID, s.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("station was not handed off to the completion ring")
	}
}
