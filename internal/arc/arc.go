// Copyright 2024 The Dbuf Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package arc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// errIO is returned by Read when a simulated I/O failure was injected via
// InjectReadFailure.
var errIO = errors.New("arc: simulated I/O error")

// ContentType distinguishes data blocks from metadata blocks, mirroring the
// ARC's content-type split (it affects eviction heuristics in a real ARC;
// this reference implementation only threads it through for bookkeeping).
type ContentType int8

const (
	ContentData ContentType = iota
	ContentMetadata
)

// Priority is the I/O priority passed down to Read.
type Priority int8

const (
	PrioritySync Priority = iota
	PriorityAsync
)

// ReadFlags carries the out-of-band read modifiers spec.md §6 groups under
// "flags"/"aflags".
type ReadFlags struct {
	// Prefetch marks the read as speculative.
	Prefetch bool
}

// AFlags reports back how a Read was actually satisfied.
type AFlags struct {
	// Cached is true if the read was satisfied synchronously from the cache.
	Cached bool
}

// BlockKey identifies a block's content for the purposes of the ARC's
// own cache and duplicate (nopwrite) detection. It stands in for a real
// on-disk checksum.
type BlockKey struct {
	sum uint64
}

// Shard implements the key constraint used by genericCache.
func (k BlockKey) Shard(numShards int) int {
	return int(k.sum % uint64(numShards))
}

func checksumOf(data []byte) BlockKey {
	return BlockKey{sum: xxhash.Sum64(data)}
}

// BlockPointer is the dbuf layer's view of a block locator: either a real
// checksum/size pair, or a hole.
type BlockPointer struct {
	Key          BlockKey
	PhysicalSize uint32
	LogicalSize  uint32
	Birth        uint64
	IsHole       bool
}

// HolePointer returns a block pointer describing a hole of the given
// logical size.
func HolePointer(logicalSize uint32) BlockPointer {
	return BlockPointer{IsHole: true, LogicalSize: logicalSize}
}

// BlockPointerEncodedSize is the fixed on-the-wire size of one encoded
// BlockPointer, used by an indirect block's content buffer to size itself.
// The on-disk block-pointer format is explicitly out of scope; this
// encoding exists only so an indirect dbuf's child array has *some* byte
// representation to hash and write through the cache, the same way any
// other block's content does.
const BlockPointerEncodedSize = 24

// EncodeBlockPointers serializes ptrs into dst, which must be at least
// len(ptrs)*BlockPointerEncodedSize bytes.
func EncodeBlockPointers(dst []byte, ptrs []BlockPointer) {
	for i, bp := range ptrs {
		off := i * BlockPointerEncodedSize
		putLE64(dst[off:], bp.Key.sum)
		putLE32(dst[off+8:], bp.PhysicalSize)
		putLE32(dst[off+12:], bp.LogicalSize)
		putLE64(dst[off+16:], bp.Birth)
		if bp.IsHole {
			dst[off+16] |= 0x80
		}
	}
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putLE32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// EvictCallback is the weak back-reference from a Buf to its owning dbuf,
// per spec.md §9's cyclic-reference design note: the cache invokes it on
// eviction, and the callback is responsible for acquiring whatever locks it
// needs to complete teardown.
type EvictCallback func(buf *Buf, arg any)

// Buf is a cache-managed data buffer. It is the dbuf layer's "frontend":
// readers see it, writers mutate it while it is unfrozen, and once frozen
// it becomes immutable content ready for write-out.
type Buf struct {
	data        []byte
	contentType ContentType

	mu struct {
		sync.Mutex
		frozen   bool
		released bool
		loaned   bool
		cb       EvictCallback
		cbArg    any
	}
}

// Data returns the buffer's bytes. The caller must not retain the slice
// past a Freeze/Thaw transition without re-reading Data.
func (b *Buf) Data() []byte { return b.data }

// Size returns the logical size of the buffer.
func (b *Buf) Size() int { return len(b.data) }

// Freeze marks the buffer immutable. Per spec.md §4.3/§4.4, a dirty
// record's buffer is frozen only once its write ranges are fully resolved.
func (b *Buf) Freeze() {
	b.mu.Lock()
	b.mu.frozen = true
	b.mu.Unlock()
}

// Thaw marks the buffer mutable again.
func (b *Buf) Thaw() {
	b.mu.Lock()
	b.mu.frozen = false
	b.mu.Unlock()
}

// Frozen reports whether the buffer is currently immutable.
func (b *Buf) Frozen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mu.frozen
}

// Released reports whether the buffer has been released from cache
// management (arc_released): it is exclusively owned by its caller and is
// eligible for a nopwrite-style reuse.
func (b *Buf) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mu.released
}

// Clone returns a new, independently-owned Buf with a copy of the data.
// Used by the dirty path's COW split (spec.md §4.4 step 5, §9 Design Note).
func (b *Buf) Clone() *Buf {
	data := make([]byte, len(b.data))
	copy(data, b.data)
	return &Buf{data: data, contentType: b.contentType}
}

// ReadFuture represents a pending asynchronous read. Per spec.md §4.6, a
// cache hit returns synchronously (no ReadFuture); a miss returns one that
// eventually delivers a Buf or an error.
type ReadFuture struct {
	mu struct {
		sync.Mutex
		done  bool
		buf   *Buf
		err   error
		waits []func(*Buf, error)
	}
}

// OnComplete registers a callback invoked exactly once, either synchronously
// (if the future already completed) or from the goroutine that completes
// it. The callback must not block.
func (f *ReadFuture) OnComplete(cb func(buf *Buf, err error)) {
	f.mu.Lock()
	if f.mu.done {
		buf, err := f.mu.buf, f.mu.err
		f.mu.Unlock()
		cb(buf, err)
		return
	}
	f.mu.waits = append(f.mu.waits, cb)
	f.mu.Unlock()
}

// Wait blocks until the future completes and returns its result.
func (f *ReadFuture) Wait() (*Buf, error) {
	done := make(chan struct{})
	var buf *Buf
	var err error
	f.OnComplete(func(b *Buf, e error) {
		buf, err = b, e
		close(done)
	})
	<-done
	return buf, err
}

func (f *ReadFuture) complete(buf *Buf, err error) {
	f.mu.Lock()
	f.mu.done = true
	f.mu.buf = buf
	f.mu.err = err
	waits := f.mu.waits
	f.mu.waits = nil
	f.mu.Unlock()
	for _, w := range waits {
		w(buf, err)
	}
}

// WriteHandle represents an in-flight write I/O.
type WriteHandle struct {
	done chan struct{}
	err  error
}

// Wait blocks until the write completes.
func (w *WriteHandle) Wait() error {
	<-w.done
	return w.err
}

type cachedBlock struct {
	data []byte
	refs int32
}

// Cache is a reference ARC implementation: a checksum-keyed, CLOCK-Pro
// cache of block content plus a small durable "backing store" so that
// evicted blocks can still be re-read. The dbuf package holds a *Cache
// directly rather than an interface, so the method set above
// (Alloc/Read/Write/Release/Freeze/Thaw/SetCallback/RemoveRef/BufSize/
// Released/Frozen/LoanBuf/ReturnBuf) is not swappable without changing
// the dbuf package.
type Cache struct {
	blocks *genericCache[BlockKey, cachedBlock]

	storeMu sync.Mutex
	store   map[BlockKey][]byte

	// ioDelay simulates I/O latency for cache misses; zero in tests.
	ioDelay time.Duration

	injectReadErr atomic.Bool
}

// New creates a Cache with the given capacity (in cached blocks) and
// shard count.
func New(capacity, numShards int) *Cache {
	c := &Cache{store: make(map[BlockKey][]byte)}
	c.blocks = newGenericCache[BlockKey, cachedBlock](capacity, numShards,
		func(ctx context.Context, k BlockKey, r ref[BlockKey, cachedBlock]) error {
			c.storeMu.Lock()
			data := c.store[k]
			c.storeMu.Unlock()
			v := r.Value()
			v.data = append([]byte(nil), data...)
			return nil
		},
		func(*cachedBlock) {},
	)
	return c
}

// SetIODelay configures a fixed artificial latency for cache-miss reads;
// useful for tests that exercise the async completion path deterministically.
func (c *Cache) SetIODelay(d time.Duration) { c.ioDelay = d }

// InjectReadFailure causes the next cache-miss read to fail with an I/O
// error, exercising spec.md §7's transient-read-failure paths.
func (c *Cache) InjectReadFailure() { c.injectReadErr.Store(true) }

// Alloc allocates a new, cache-unmanaged buffer of the given size.
func (c *Cache) Alloc(size int, contentType ContentType) *Buf {
	return &Buf{data: make([]byte, size), contentType: contentType}
}

// LoanBuf hands out a buffer the caller may fill without cache bookkeeping,
// to be returned via ReturnBuf (spec.md §12.1, dbuf_loan_arcbuf).
func (c *Cache) LoanBuf(size int, contentType ContentType) *Buf {
	b := c.Alloc(size, contentType)
	b.mu.loaned = true
	return b
}

// ReturnBuf returns a buffer previously obtained via LoanBuf.
func (c *Cache) ReturnBuf(b *Buf) {
	b.mu.Lock()
	b.mu.loaned = false
	b.mu.Unlock()
}

// Release marks a buffer as exclusively owned by its caller, outside of
// cache management (arc_release).
func (c *Cache) Release(b *Buf) {
	b.mu.Lock()
	b.mu.released = true
	b.mu.Unlock()
}

// Freeze freezes a buffer's content.
func (c *Cache) Freeze(b *Buf) { b.Freeze() }

// Thaw thaws a buffer's content.
func (c *Cache) Thaw(b *Buf) { b.Thaw() }

// Frozen reports whether a buffer is frozen.
func (c *Cache) Frozen(b *Buf) bool { return b.Frozen() }

// Released reports whether a buffer has been released from cache management.
func (c *Cache) Released(b *Buf) bool { return b.Released() }

// BufSize returns a buffer's logical size.
func (c *Cache) BufSize(b *Buf) int { return b.Size() }

// SetCallback attaches the weak eviction back-reference described in
// spec.md §9.
func (c *Cache) SetCallback(b *Buf, cb EvictCallback, arg any) {
	b.mu.Lock()
	b.mu.cb = cb
	b.mu.cbArg = arg
	b.mu.Unlock()
}

// HasCallback reports whether a buffer currently carries an eviction
// callback (arc_has_callback).
func (c *Cache) HasCallback(b *Buf) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mu.cb != nil
}

// Read looks up bp's content. On a cache hit it returns a ready Buf and a
// nil future; on a miss it returns a nil Buf and a future that will
// complete once the simulated read finishes. A hole pointer is always
// satisfied synchronously with a zero-filled buffer.
func (c *Cache) Read(
	ctx context.Context, bp BlockPointer, priority Priority, flags ReadFlags,
) (buf *Buf, future *ReadFuture, aflags AFlags) {
	if bp.IsHole {
		return &Buf{data: make([]byte, bp.LogicalSize), contentType: ContentData}, nil, AFlags{Cached: true}
	}

	if block, release, err := c.blocks.findOrCreate(ctx, bp.Key); err == nil && len(block.data) > 0 {
		data := append([]byte(nil), block.data...)
		release()
		return &Buf{data: data, contentType: ContentData}, nil, AFlags{Cached: true}
	} else if err == nil {
		release()
	}

	future = &ReadFuture{}
	go func() {
		if c.ioDelay > 0 {
			time.Sleep(c.ioDelay)
		}
		if c.injectReadErr.CompareAndSwap(true, false) {
			future.complete(nil, errIO)
			return
		}
		c.storeMu.Lock()
		data := append([]byte(nil), c.store[bp.Key]...)
		c.storeMu.Unlock()
		if uint32(len(data)) < bp.LogicalSize {
			data = append(data, make([]byte, bp.LogicalSize-uint32(len(data)))...)
		}
		future.complete(&Buf{data: data, contentType: ContentData}, nil)
	}()
	return nil, future, AFlags{}
}

// Write durably stores buf's content under a checksum-derived block
// pointer, invoking readyCB once the pointer is known (mirroring zio's
// "ready" stage, which is when the dbuf layer publishes the pointer into
// the parent indirect/dnode) and doneCB once the write is durable.
func (c *Cache) Write(
	ctx context.Context,
	buf *Buf,
	readyCB func(bp BlockPointer),
	doneCB func(err error),
) *WriteHandle {
	h := &WriteHandle{done: make(chan struct{})}
	bp := BlockPointer{
		Key:          checksumOf(buf.Data()),
		PhysicalSize: uint32(len(buf.Data())),
		LogicalSize:  uint32(len(buf.Data())),
	}

	c.storeMu.Lock()
	_, dup := c.store[bp.Key]
	c.store[bp.Key] = append([]byte(nil), buf.Data()...)
	c.storeMu.Unlock()

	if block, release, err := c.blocks.findOrCreate(ctx, bp.Key); err == nil {
		if dup {
			atomic.AddInt32(&block.refs, 1)
		}
		release()
	}

	if readyCB != nil {
		readyCB(bp)
	}
	go func() {
		if c.ioDelay > 0 {
			time.Sleep(c.ioDelay)
		}
		h.err = nil
		close(h.done)
		if doneCB != nil {
			doneCB(nil)
		}
	}()
	return h
}

// RemoveRef releases the ARC's own reference on bp's content, reporting
// whether a duplicate copy is already known to the cache (the condition
// dbuf_rele uses to decide it can evict rather than keep the dbuf warm).
func (c *Cache) RemoveRef(ctx context.Context, bp BlockPointer) (isDuplicate bool) {
	if bp.IsHole {
		return false
	}
	block, release, err := c.blocks.findOrCreate(ctx, bp.Key)
	if err != nil {
		return false
	}
	defer release()
	remaining := atomic.AddInt32(&block.refs, -1)
	return remaining > 0
}

// Evict drops bp's content from the cache outright.
func (c *Cache) Evict(bp BlockPointer) {
	c.blocks.evict(bp.Key)
	c.storeMu.Lock()
	delete(c.store, bp.Key)
	c.storeMu.Unlock()
}

// Metrics reports aggregate cache hit/miss counters.
func (c *Cache) Metrics() CacheMetrics { return c.blocks.metrics() }

// Close shuts down the cache's background release workers.
func (c *Cache) Close() { c.blocks.close() }
