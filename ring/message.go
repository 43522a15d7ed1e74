// Package ring implements the inter-node messaging ring: the lock-free, shared-memory
// SPSC queue used for request/ACK traffic (spec §4.2), together with the packed wire
// format spec §6 fixes across nodes.
package ring

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fabricmesh/swmc"
)

// MessageType enumerates the wire message kinds (spec §3/§6).
type MessageType int32

const (
	FETCH MessageType = iota
	FETCH_ACK
	FETCH_NACK
	INVALIDATE
	INVALIDATE_ACK
	INVALIDATE_NACK
	ERROR
)

func (t MessageType) String() string {
	switch t {
	case FETCH:
		return "FETCH"
	case FETCH_ACK:
		return "FETCH_ACK"
	case FETCH_NACK:
		return "FETCH_NACK"
	case INVALIDATE:
		return "INVALIDATE"
	case INVALIDATE_ACK:
		return "INVALIDATE_ACK"
	case INVALIDATE_NACK:
		return "INVALIDATE_NACK"
	case ERROR:
		return "ERROR"
	default:
		return fmt.Sprintf("MessageType(%d)", int32(t))
	}
}

// IsAck reports whether t is one of the *_ACK kinds.
func (t MessageType) IsAck() bool {
	return t == FETCH_ACK || t == INVALIDATE_ACK
}

// IsNack reports whether t is one of the *_NACK kinds.
func (t MessageType) IsNack() bool {
	return t == FETCH_NACK || t == INVALIDATE_NACK
}

// Message is the wire payload: header {type, wait-station id, from-node, to-node} +
// payload {shared-window offset, page order, sender's local acked-fault count at send
// time} (spec §3/§6).
type Message struct {
	Type            MessageType
	WaitStationID   int32
	FromNode        swmc.NodeID
	ToNode          swmc.NodeID
	Offset          swmc.PageOffset
	PageOrder       swmc.PageOrder
	AckedFaultCount int64
}

// wireSize is the packed on-wire size: i32*4 + u64 + i32 + i64 = 36 bytes.
const wireSize = 4 + 4 + 4 + 4 + 8 + 4 + 8

// SlotSize is the per-message slot size in the ring, padded and aligned to a 64-byte
// cache line (spec §6).
const SlotSize = 64

func init() {
	if wireSize > SlotSize {
		panic("ring: wireSize exceeds SlotSize")
	}
}

// Encode packs m into a SlotSize-byte, zero-padded buffer.
func (m Message) Encode() []byte {
	buf := make([]byte, SlotSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Type))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.WaitStationID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.FromNode))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(m.ToNode))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(m.Offset))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(m.PageOrder))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(m.AckedFaultCount))
	return buf
}

// Decode unpacks a SlotSize-byte buffer (as produced by Encode) into a Message.
func Decode(buf []byte) (Message, error) {
	if len(buf) < wireSize {
		return Message{}, swmc.NewError(swmc.InvalidMessage, nil, fmt.Sprintf("short message: %d bytes", len(buf)))
	}
	r := bytes.NewReader(buf)
	var raw struct {
		Type            int32
		WaitStationID   int32
		FromNode        int32
		ToNode          int32
		Offset          uint64
		PageOrder       int32
		AckedFaultCount int64
	}
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return Message{}, swmc.NewError(swmc.InvalidMessage, err, nil)
	}
	t := MessageType(raw.Type)
	if t < FETCH || t > ERROR {
		return Message{}, swmc.NewError(swmc.InvalidMessage, nil, fmt.Sprintf("type out of range: %d", raw.Type))
	}
	return Message{
		Type:            t,
		WaitStationID:   raw.WaitStationID,
		FromNode:        swmc.NodeID(raw.FromNode),
		ToNode:          swmc.NodeID(raw.ToNode),
		Offset:          swmc.PageOffset(raw.Offset),
		PageOrder:       swmc.PageOrder(raw.PageOrder),
		AckedFaultCount: raw.AckedFaultCount,
	}, nil
}
