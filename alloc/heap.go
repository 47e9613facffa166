// Package alloc implements the device-side heap allocator (spec §4.5):
// four independent pools partitioned by size class and sharing mode, each
// backed by one or more coarse-grained chunks carved from a notional
// device heap, with best-fit reuse of freed regions.
package alloc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/emirpasic/gods/v2/trees/redblacktree"

	"github.com/vertexml/tensorcore/envconfig"
	"github.com/vertexml/tensorcore/tensor"
)

const (
	// SmallAllocThreshold is the largest request routed to a small-class
	// pool; anything bigger goes to the large-class pool.
	SmallAllocThreshold = 1 << 20 // 1 MiB

	// MinLargeChunk is the smallest chunk carved for the large pool, even
	// to satisfy a request smaller than this, except when a capped pool
	// falls back to an exact-size chunk (see grow).
	MinLargeChunk = 10 << 20 // 10 MiB

	// SmallHeapChunk is the chunk size carved when a small pool needs more
	// backing storage.
	SmallHeapChunk = 8 << 20 // 8 MiB

	// LargeHeapChunk is the chunk size carved when a large pool needs more
	// backing storage and the request itself doesn't already demand more.
	LargeHeapChunk = 32 << 20 // 32 MiB

	// RoundLarge is the granularity large-pool requests are rounded up to,
	// keeping the large pool's free list from fragmenting into byte-odd
	// slivers.
	RoundLarge = 2 << 20 // 2 MiB
)

// ErrOutOfMemory is wrapped into a *device.OOMError by callers that need
// the typed-panic/recover protocol (spec §7 kind 2); alloc itself stays a
// plain error-returning package so it can be unit-tested without device.
type ErrOutOfMemory struct {
	Requested int
	Pool      string
}

func (e *ErrOutOfMemory) Error() string {
	return fmt.Sprintf("alloc: out of memory: %d bytes requested from %s pool", e.Requested, e.Pool)
}

type chunk struct {
	data []byte
}

// freeBlock is one contiguous unused region within a chunk.
type freeBlock struct {
	chunkIndex int
	offset     int
	size       int
}

// key packs (size, a tie-breaking sequence number) into a single ordered
// uint64 so the free list can use gods' generic tree directly: Ceiling on
// a key with the requested size and sequence zero yields the smallest
// free block that's at least as large, with the earliest-inserted block
// of that size winning ties (spec §4.5 "ordered by (available_bytes,
// address), best-fit via ceiling lookup").
type key uint64

func makeKey(size int, seq uint64) key {
	return key(uint64(size)<<32 | (seq & 0xffffffff))
}

func (k key) size() int { return int(uint64(k) >> 32) }

type pool struct {
	name   string
	small  bool
	shared bool

	maxBytes int // 0 means unbounded

	chunks     []*chunk
	used       int
	free       *redblacktree.Tree[key, *freeBlock]
	nextSeq    uint64
}

func newPool(name string, small, shared bool, maxBytes int) *pool {
	return &pool{
		name:     name,
		small:    small,
		shared:   shared,
		maxBytes: maxBytes,
		free:     redblacktree.New[key, *freeBlock](),
	}
}

// Buffer is the tensor.Buffer implementation a Heap hands out.
type Buffer struct {
	p          *pool
	chunkIndex int
	offset     int
	size       int
}

func (b *Buffer) ByteCount() int { return b.size }

func (b *Buffer) Bytes() []byte {
	c := b.p.chunks[b.chunkIndex]
	return c.data[b.offset : b.offset+b.size]
}

// Heap is a complete allocator: four pools, one per (size class, sharing
// mode) pair, each grown lazily and independently.
type Heap struct {
	mu sync.Mutex

	smallShared  *pool
	smallPrivate *pool
	largeShared  *pool
	largePrivate *pool
}

// New constructs a heap. maxBytesPerPool caps each pool's live bytes: a
// pool adds a chunk only while its in-use bytes plus the new chunk fit
// under the cap (0 = unbounded). Chunks are never released, so after frees
// a pool's total chunk bytes can exceed the cap. Tests use a small cap to
// exercise the OOM path deterministically.
func New(maxBytesPerPool int) *Heap {
	return &Heap{
		smallShared:  newPool("small/shared", true, true, maxBytesPerPool),
		smallPrivate: newPool("small/private", true, false, maxBytesPerPool),
		largeShared:  newPool("large/shared", false, true, maxBytesPerPool),
		largePrivate: newPool("large/private", false, false, maxBytesPerPool),
	}
}

func (h *Heap) poolFor(byteCount int, shared bool) *pool {
	small := byteCount <= SmallAllocThreshold
	switch {
	case small && shared:
		return h.smallShared
	case small && !shared:
		return h.smallPrivate
	case !small && shared:
		return h.largeShared
	default:
		return h.largePrivate
	}
}

// Alloc implements device.Allocator. byteCount is rounded up to
// RoundLarge for large-pool requests (spec §4.5).
func (h *Heap) Alloc(byteCount int, shared bool) (tensor.Buffer, error) {
	if byteCount <= 0 {
		fatalf("alloc.Alloc", "non-positive byte count %d", byteCount)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	p := h.poolFor(byteCount, shared)
	size := byteCount
	if !p.small {
		size = roundUp(size, RoundLarge)
	}

	if blk, ok := p.bestFit(size); ok {
		return p.carve(blk, size), nil
	}

	if err := p.grow(size); err != nil {
		return nil, err
	}
	blk, ok := p.bestFit(size)
	if !ok {
		fatalf("alloc.Alloc", "grow succeeded but no fitting block found")
	}
	return p.carve(blk, size), nil
}

// Free returns buf's region to its pool's free list. Adjacent free blocks
// are not coalesced (spec leaves fragmentation handling unspecified; this
// module trades a small amount of long-run fragmentation for a much
// simpler, clearly-correct free path).
func (h *Heap) Free(buf tensor.Buffer) {
	b, ok := buf.(*Buffer)
	if !ok {
		fatalf("alloc.Free", "buffer %T was not allocated by this heap", buf)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	b.p.used -= b.size
	b.p.nextSeq++
	b.p.free.Put(makeKey(b.size, b.p.nextSeq), &freeBlock{chunkIndex: b.chunkIndex, offset: b.offset, size: b.size})
}

func (p *pool) bestFit(size int) (*freeBlock, bool) {
	node, found := p.free.Ceiling(makeKey(size, 0))
	if !found {
		return nil, false
	}
	blk := node.Value
	p.free.Remove(node.Key)
	return blk, true
}

func (p *pool) carve(blk *freeBlock, size int) *Buffer {
	if blk.size > size {
		p.nextSeq++
		remainder := &freeBlock{chunkIndex: blk.chunkIndex, offset: blk.offset + size, size: blk.size - size}
		p.free.Put(makeKey(remainder.size, p.nextSeq), remainder)
	}
	p.used += size
	return &Buffer{p: p, chunkIndex: blk.chunkIndex, offset: blk.offset, size: size}
}

func (p *pool) grow(minSize int) error {
	chunkSize := SmallHeapChunk
	if !p.small {
		chunkSize = LargeHeapChunk
		if minSize > chunkSize {
			chunkSize = roundUp(minSize, RoundLarge)
		}
		if chunkSize < MinLargeChunk {
			chunkSize = MinLargeChunk
		}
	} else if minSize > chunkSize {
		chunkSize = minSize
	}

	if p.maxBytes > 0 && p.used+chunkSize > p.maxBytes {
		// Try to satisfy exactly minSize against the remaining headroom
		// before giving up, so a pool near its cap can still serve a
		// request that fits.
		chunkSize = minSize
		if p.used+chunkSize > p.maxBytes {
			return &ErrOutOfMemory{Requested: minSize, Pool: p.name}
		}
	}

	p.chunks = append(p.chunks, &chunk{data: make([]byte, chunkSize)})
	p.nextSeq++
	p.free.Put(makeKey(chunkSize, p.nextSeq), &freeBlock{chunkIndex: len(p.chunks) - 1, offset: 0, size: chunkSize})

	if envconfig.DebugAllocator() {
		slog.Debug("alloc.grow", "pool", p.name, "chunk_bytes", chunkSize, "chunks", len(p.chunks), "used", p.used)
	}
	return nil
}

// Dump renders every pool's chunk count, used bytes, and free-list size for
// debugging (spec §6 debug flags; on-demand human-readable form, the way
// the teacher's ml/dump.go renders a tensor's contents on request rather
// than unconditionally).
func (h *Heap) Dump() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var sb []byte
	for _, p := range []*pool{h.smallShared, h.smallPrivate, h.largeShared, h.largePrivate} {
		sb = fmt.Appendf(sb, "%s: chunks=%d used=%d free_blocks=%d\n", p.name, len(p.chunks), p.used, p.free.Size())
	}
	return string(sb)
}

func roundUp(n, multiple int) int {
	if n%multiple == 0 {
		return n
	}
	return n + (multiple - n%multiple)
}

func fatalf(op, format string, args ...any) {
	panic(fmt.Sprintf("%s: %s", op, fmt.Sprintf(format, args...)))
}
