package fabric

import (
	"context"
	"os"
	"sync"

	"github.com/ncw/directio"

	"github.com/fabricmesh/swmc"
)

// blockSize is the O_DIRECT alignment boundary required by the backing file.
const blockSize = directio.BlockSize

// DirectFabric is a Window backed by a real file opened with O_DIRECT: Flush and
// Invalidate cross a genuine kernel I/O path instead of a Go mutex, for deployments or
// tests that want the flush/invalidate boundary to be more than an in-process
// convention. It still keeps a private shadow buffer per node (ReadAt/WriteAt only
// touch the shadow), matching View's semantics exactly; only Flush/Invalidate differ
// in how they reach the shared medium.
type DirectFabric struct {
	ctx    context.Context
	file   *os.File
	mu     sync.Mutex
	shadow []byte
	size   int
}

// NewDirectFabric opens (creating if needed) filename as an O_DIRECT-backed shared
// window of the given size, rounded up to the next block boundary.
func NewDirectFabric(ctx context.Context, filename string, size int) (*DirectFabric, error) {
	aligned := roundUpBlock(size)

	var f *os.File
	err := swmc.Retry(ctx, 5, func(ctx context.Context) error {
		var e error
		f, e = directio.OpenFile(filename, os.O_CREATE|os.O_RDWR, 0o644)
		return e
	}, nil)
	if err != nil {
		return nil, swmc.NewError(swmc.OutOfResources, err, filename)
	}
	if err := f.Truncate(int64(aligned)); err != nil {
		f.Close()
		return nil, swmc.NewError(swmc.OutOfResources, err, filename)
	}

	return &DirectFabric{
		ctx:    ctx,
		file:   f,
		shadow: make([]byte, aligned),
		size:   aligned,
	}, nil
}

func roundUpBlock(n int) int {
	if n <= 0 {
		return blockSize
	}
	return ((n + blockSize - 1) / blockSize) * blockSize
}

// Close releases the backing file.
func (d *DirectFabric) Close() error {
	return d.file.Close()
}

// Size returns the backing file's block-aligned size.
func (d *DirectFabric) Size() int {
	return d.size
}

func (d *DirectFabric) boundsCheck(offset uint64, length int) error {
	if length < 0 || offset+uint64(length) > uint64(d.size) {
		return swmc.NewError(swmc.InvalidMessage, nil, "fabric: range out of bounds")
	}
	return nil
}

// ReadAt copies len(p) bytes from this node's shadow.
func (d *DirectFabric) ReadAt(p []byte, offset uint64) (int, error) {
	if err := d.boundsCheck(offset, len(p)); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return copy(p, d.shadow[offset:offset+uint64(len(p))]), nil
}

// WriteAt copies len(p) bytes into this node's shadow; invisible to the file until
// Flush.
func (d *DirectFabric) WriteAt(p []byte, offset uint64) (int, error) {
	if err := d.boundsCheck(offset, len(p)); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return copy(d.shadow[offset:offset+uint64(len(p))], p), nil
}

// Flush writes the block(s) covering [offset, offset+length) from the shadow to the
// O_DIRECT file, bypassing the page cache.
func (d *DirectFabric) Flush(offset uint64, length int) error {
	if err := d.boundsCheck(offset, length); err != nil {
		return err
	}
	blockOff, block := d.alignedBlockFor(offset, length)

	return swmc.Retry(d.ctx, 5, func(context.Context) error {
		_, err := d.file.WriteAt(block, int64(blockOff))
		return err
	}, nil)
}

// Invalidate reads the block(s) covering [offset, offset+length) from the O_DIRECT
// file into the shadow, discarding whatever the shadow held there.
func (d *DirectFabric) Invalidate(offset uint64, length int) error {
	if err := d.boundsCheck(offset, length); err != nil {
		return err
	}
	blockOff, blockLen := alignRange(offset, length)
	block := directio.AlignedBlock(blockLen)

	err := swmc.Retry(d.ctx, 5, func(context.Context) error {
		_, e := d.file.ReadAt(block, int64(blockOff))
		return e
	}, nil)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.shadow[blockOff:blockOff+uint64(blockLen)], block)
	return nil
}

// alignedBlockFor returns a directio.AlignedBlock copy of the block-aligned range
// covering [offset, offset+length) from the current shadow content.
func (d *DirectFabric) alignedBlockFor(offset uint64, length int) (uint64, []byte) {
	blockOff, blockLen := alignRange(offset, length)
	block := directio.AlignedBlock(blockLen)

	d.mu.Lock()
	copy(block, d.shadow[blockOff:blockOff+uint64(blockLen)])
	d.mu.Unlock()

	return blockOff, block
}

func alignRange(offset uint64, length int) (uint64, int) {
	start := (offset / blockSize) * blockSize
	end := offset + uint64(length)
	end = ((end + blockSize - 1) / blockSize) * blockSize
	return start, int(end - start)
}
