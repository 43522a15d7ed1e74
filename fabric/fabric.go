// Package fabric models the physically-shared, not-hardware-coherent memory region
// spec.md calls "the shared window". It is deliberately the lowest-level package in
// this module: ring, page and replica all read and write bytes through a fabric.View,
// never through a language-level shared slice, so that the explicit flush/invalidate
// discipline spec §4.2/§5 describes is an observable property instead of a comment.
//
// Fabric holds the one backing byte array every simulated node ultimately agrees on.
// Each node obtains its own View, which layers a private shadow buffer over the
// backing array: writes land only in the shadow (modeling a CPU cache line), Flush
// copies shadow -> backing (a store-and-fence), and Invalidate copies backing ->
// shadow (a cache-line invalidate followed by re-fetch). A node that writes and
// flushes, observed by a peer that never invalidates, is stale by construction —
// exactly the property spec §3/§8 requires S-stale and the ring's cache discipline to
// guard against.
package fabric

import (
	"fmt"
	"sync"
)

// Window is the contract both the in-process View and the O_DIRECT-backed DirectFabric
// satisfy: private-shadow reads/writes plus explicit flush/invalidate against the
// shared medium.
type Window interface {
	ReadAt(p []byte, offset uint64) (int, error)
	WriteAt(p []byte, offset uint64) (int, error)
	Flush(offset uint64, length int) error
	Invalidate(offset uint64, length int) error
	Size() int
}

// Fabric is the shared backing store. All Views derived from one Fabric observe the
// same underlying bytes once flushed/invalidated.
type Fabric struct {
	mu      sync.Mutex
	backing []byte
}

// New allocates a Fabric with the given size in bytes.
func New(size int) *Fabric {
	return &Fabric{backing: make([]byte, size)}
}

// Size returns the fabric's total addressable byte size.
func (f *Fabric) Size() int {
	return len(f.backing)
}

// NewView returns a private View over this fabric for one simulated node. The shadow
// starts as a zeroed buffer of the same size as the backing store, then must be
// Invalidate()'d to pick up existing content, exactly as a fresh node sees nothing
// until it fetches.
func (f *Fabric) NewView() *View {
	return &View{
		fabric: f,
		shadow: make([]byte, len(f.backing)),
	}
}

// View is one node's private window onto a Fabric.
type View struct {
	fabric *Fabric
	mu     sync.RWMutex
	shadow []byte
}

func (v *View) bounds(offset uint64, length int) error {
	if length < 0 {
		return fmt.Errorf("fabric: negative length %d", length)
	}
	end := offset + uint64(length)
	if end > uint64(len(v.shadow)) || end < offset {
		return fmt.Errorf("fabric: range [%d,%d) out of bounds (size %d)", offset, end, len(v.shadow))
	}
	return nil
}

// ReadAt copies len(p) bytes from this node's shadow (NOT the shared backing store)
// starting at offset. Callers that need the freshest data must Invalidate first.
func (v *View) ReadAt(p []byte, offset uint64) (int, error) {
	if err := v.bounds(offset, len(p)); err != nil {
		return 0, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return copy(p, v.shadow[offset:offset+uint64(len(p))]), nil
}

// WriteAt copies len(p) bytes into this node's shadow starting at offset. The write is
// invisible to every other node (and to the backing store) until Flush is called.
func (v *View) WriteAt(p []byte, offset uint64) (int, error) {
	if err := v.bounds(offset, len(p)); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return copy(v.shadow[offset:offset+uint64(len(p))], p), nil
}

// Flush publishes [offset, offset+length) from this node's shadow into the shared
// backing store. This is the "cache-flush + store fence" spec §4.2 requires after a
// writer updates head, a slot, or page content it wants a peer to observe.
func (v *View) Flush(offset uint64, length int) error {
	if err := v.bounds(offset, length); err != nil {
		return err
	}
	v.mu.RLock()
	chunk := make([]byte, length)
	copy(chunk, v.shadow[offset:offset+uint64(length)])
	v.mu.RUnlock()

	v.fabric.mu.Lock()
	defer v.fabric.mu.Unlock()
	copy(v.fabric.backing[offset:offset+uint64(length)], chunk)
	return nil
}

// Invalidate pulls [offset, offset+length) from the shared backing store into this
// node's shadow, discarding whatever the shadow held there. This is the "cache
// invalidate" spec §4.2 requires before a reader observes any reader-visible field.
func (v *View) Invalidate(offset uint64, length int) error {
	if err := v.bounds(offset, length); err != nil {
		return err
	}
	v.fabric.mu.Lock()
	chunk := make([]byte, length)
	copy(chunk, v.fabric.backing[offset:offset+uint64(length)])
	v.fabric.mu.Unlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	copy(v.shadow[offset:offset+uint64(length)], chunk)
	return nil
}

// Size returns the view's addressable byte size (equal to the owning fabric's size).
func (v *View) Size() int {
	return len(v.shadow)
}
