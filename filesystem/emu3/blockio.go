package emu3

import (
	"fmt"

	"github.com/dagargo/go-emu3fs/backend"
)

// Buffer is a single 512-byte physical block, read from or destined for
// one specific block number. Every higher layer acquires, optionally
// mutates, and releases a Buffer; BlockIO guarantees no buffer is leaked
// on any exit path as long as callers release what they acquire.
type Buffer struct {
	Block uint32
	Data  []byte
	dirty bool
}

// MarkDirty flags the buffer as modified. The actual write-back happens
// on Write, not here; Sync uses the flag to decide whether the buffer
// still needs writing.
func (b *Buffer) MarkDirty() { b.dirty = true }

// BlockIO is the uniform 512-byte block read/write-back interface every
// higher layer goes through. It holds no cache beyond what the host's
// backend.Storage may itself provide.
type BlockIO struct {
	storage backend.Storage
	start   int64 // byte offset of block 0 within the backend
}

// NewBlockIO wraps a backend.Storage as a block-addressable device. start
// is the byte offset of block 0 within the backend, allowing an emu3
// image to live inside a larger container.
func NewBlockIO(storage backend.Storage, start int64) *BlockIO {
	return &BlockIO{storage: storage, start: start}
}

// Read loads block blk into a fresh Buffer.
func (io *BlockIO) Read(blk uint32) (*Buffer, error) {
	b := &Buffer{Block: blk, Data: make([]byte, blockSize)}
	off := io.start + int64(blk)*blockSize
	if _, err := io.storage.ReadAt(b.Data, off); err != nil {
		return nil, fmt.Errorf("%w: block %d: %v", ErrBlockUnreadable, blk, err)
	}
	return b, nil
}

// Write persists buf's current contents to its block, synchronously. The
// design permits deferring this past the call returning, but this driver
// does not keep its own write-back cache, so writes are immediate; the
// durability guarantee ("a released dirty buffer is durable no later
// than the next explicit sync") is trivially satisfied.
func (io *BlockIO) Write(buf *Buffer) error {
	wf, err := io.storage.Writable()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIoError, err)
	}
	off := io.start + int64(buf.Block)*blockSize
	if _, err := wf.WriteAt(buf.Data, off); err != nil {
		return fmt.Errorf("%w: block %d: %v", ErrIoError, buf.Block, err)
	}
	buf.dirty = false
	return nil
}

// Release is a no-op beyond documenting the scoped-acquire/release
// discipline the design requires: callers must release every
// buffer they acquire on every exit path, even error paths. With no
// write-back cache to return the buffer to, there is nothing left to do.
func (io *BlockIO) Release(buf *Buffer) {}

// Sync flushes buf if it is still marked dirty. Since Write already
// performs a synchronous write-through, Sync exists so callers can follow
// the acquire/mutate/mark-dirty/release/sync shape uniformly even though,
// in this implementation, it usually finds nothing left to do.
func (io *BlockIO) Sync(buf *Buffer) error {
	if !buf.dirty {
		return nil
	}
	return io.Write(buf)
}
