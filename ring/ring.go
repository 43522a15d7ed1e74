package ring

import (
	"encoding/binary"
	"fmt"

	"github.com/fabricmesh/swmc"
	"github.com/fabricmesh/swmc/fabric"
)

// headerSize is the ring window header: u64 head, u64 tail, u8 enabled, padded out to
// a cache line so the slot array starts cache-line aligned (spec §6).
const headerSize = 64

const (
	headFieldOffset    = 0
	tailFieldOffset    = 8
	enabledFieldOffset = 16
)

// SendResult is the outcome of Ring.Send.
type SendResult int

const (
	// Ok means the message was enqueued.
	Ok SendResult = iota
	// Dropped means the ring was full (holds capacity-1 messages already).
	Dropped
)

// Ring is one (sender,receiver) SPSC window laid out at a fixed offset within a shared
// fabric.Window: a head counter (writer-owned), a tail counter (reader-owned), an
// enabled flag, and a fixed-capacity slot array. capacity MUST be a power of two so
// that slot index = counter & (capacity-1) (spec §4.2).
type Ring struct {
	base     uint64
	capacity uint64
}

// NewRing constructs the addressing for a ring window at base with the given
// capacity. capacity must be a power of two.
func NewRing(base uint64, capacity uint32) (*Ring, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ring: capacity %d is not a power of two", capacity)
	}
	return &Ring{base: base, capacity: uint64(capacity)}, nil
}

// ByteSize returns the total bytes this ring window occupies starting at base.
func (r *Ring) ByteSize() uint64 {
	return headerSize + r.capacity*SlotSize
}

func (r *Ring) slotOffset(index uint64) uint64 {
	return r.base + headerSize + (index%r.capacity)*SlotSize
}

func (r *Ring) headOffset() uint64    { return r.base + headFieldOffset }
func (r *Ring) tailOffset() uint64    { return r.base + tailFieldOffset }
func (r *Ring) enabledOffset() uint64 { return r.base + enabledFieldOffset }

func readU64(view fabric.Window, offset uint64) (uint64, error) {
	var buf [8]byte
	if _, err := view.ReadAt(buf[:], offset); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeU64(view fabric.Window, offset uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := view.WriteAt(buf[:], offset)
	return err
}

// Initialize resets head, tail to 0 and enabled to 1, flushing the header so every
// node's subsequent Invalidate observes a freshly-initialized ring (spec §4.2:
// "Initialization performs a full two-sided flush").
func (r *Ring) Initialize(view fabric.Window) error {
	if err := writeU64(view, r.headOffset(), 0); err != nil {
		return err
	}
	if err := writeU64(view, r.tailOffset(), 0); err != nil {
		return err
	}
	if _, err := view.WriteAt([]byte{1}, r.enabledOffset()); err != nil {
		return err
	}
	return view.Flush(r.base, int(headerSize))
}

// Enabled reports whether the ring is enabled, after invalidating the flag from the
// shared medium.
func (r *Ring) Enabled(view fabric.Window) (bool, error) {
	if err := view.Invalidate(r.enabledOffset(), 1); err != nil {
		return false, err
	}
	var b [1]byte
	if _, err := view.ReadAt(b[:], r.enabledOffset()); err != nil {
		return false, err
	}
	return b[0] == 1, nil
}

// Send enqueues msg as the writer. It invalidates the reader-owned tail before
// checking occupancy, writes the slot and advances head, flushing both. Returns
// Dropped (tail unchanged, from the reader's perspective) when the ring already holds
// capacity-1 messages (spec §4.2/§8).
func (r *Ring) Send(view fabric.Window, msg Message) (SendResult, error) {
	if err := view.Invalidate(r.tailOffset(), 8); err != nil {
		return Dropped, err
	}
	tail, err := readU64(view, r.tailOffset())
	if err != nil {
		return Dropped, err
	}
	head, err := readU64(view, r.headOffset())
	if err != nil {
		return Dropped, err
	}

	if head-tail >= r.capacity-1 {
		return Dropped, nil
	}

	slot := r.slotOffset(head)
	if _, err := view.WriteAt(msg.Encode(), slot); err != nil {
		return Dropped, err
	}
	if err := view.Flush(slot, SlotSize); err != nil {
		return Dropped, err
	}

	newHead := head + 1
	if err := writeU64(view, r.headOffset(), newHead); err != nil {
		return Dropped, err
	}
	if err := view.Flush(r.headOffset(), 8); err != nil {
		return Dropped, err
	}
	return Ok, nil
}

// Poll dequeues exactly one message as the reader, if any is available. It invalidates
// the writer-owned head before checking for work, reads and invalidates the slot, then
// advances and flushes tail (spec §4.2).
func (r *Ring) Poll(view fabric.Window) (Message, bool, error) {
	if err := view.Invalidate(r.headOffset(), 8); err != nil {
		return Message{}, false, err
	}
	head, err := readU64(view, r.headOffset())
	if err != nil {
		return Message{}, false, err
	}
	tail, err := readU64(view, r.tailOffset())
	if err != nil {
		return Message{}, false, err
	}
	if tail >= head {
		return Message{}, false, nil
	}

	slot := r.slotOffset(tail)
	if err := view.Invalidate(slot, SlotSize); err != nil {
		return Message{}, false, err
	}
	buf := make([]byte, SlotSize)
	if _, err := view.ReadAt(buf, slot); err != nil {
		return Message{}, false, err
	}
	msg, err := Decode(buf)
	if err != nil {
		return Message{}, false, err
	}

	newTail := tail + 1
	if err := writeU64(view, r.tailOffset(), newTail); err != nil {
		return Message{}, false, err
	}
	if err := view.Flush(r.tailOffset(), 8); err != nil {
		return Message{}, false, err
	}
	return msg, true, nil
}

// Occupancy invalidates and returns head-tail, the ring's current message count, from
// the perspective of view's node. Exposed for tests and observability only.
func (r *Ring) Occupancy(view fabric.Window) (uint64, error) {
	if err := view.Invalidate(r.base, 16); err != nil {
		return 0, err
	}
	head, err := readU64(view, r.headOffset())
	if err != nil {
		return 0, err
	}
	tail, err := readU64(view, r.tailOffset())
	if err != nil {
		return 0, err
	}
	if head < tail {
		return 0, swmc.NewError(swmc.InvalidMessage, nil, "ring: head < tail")
	}
	return head - tail, nil
}
