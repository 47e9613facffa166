// Package tensor implements the opaque tensor handle that is the sole
// identity passed across the eager-execution boundary (spec §3). A handle's
// shape and byte count are immutable after creation; everything else about
// it — reference count, initialization state, and the device buffer it
// owns — is mutated only by its owning device, under that device's mutex,
// except for the reference count itself which is atomic so release can be
// called from any goroutine (including a command-buffer completion
// callback running on an arbitrary thread).
package tensor

import (
	"fmt"
	"sync/atomic"

	"github.com/vertexml/tensorcore/dtype"
)

const maxInlineRank = 4

// Buffer is the device-side storage a materialized handle owns. It is
// implemented by the allocator's pool entries; tensor never constructs one
// itself.
type Buffer interface {
	// ByteCount is the usable size of the buffer.
	ByteCount() int
	// Bytes exposes the buffer's backing storage for host reads/writes.
	// Implementations that live purely on a GPU would stage through a
	// shared-memory mapping here; the reference software encoder in this
	// module keeps buffers host-resident so this is a direct slice.
	Bytes() []byte
}

// Releaser is implemented by a tensor's owning device. ReleaseHandle is
// invoked exactly once, when a handle's reference count drops to zero, and
// may block (spec §3 "Lifecycle": destruction blocks waiting on
// last_writer_cb_id if it has not yet completed).
type Releaser interface {
	ReleaseHandle(h *Handle)
}

// Handle is the opaque tensor identity. Two handles compare equal iff their
// addresses are equal — callers must never copy a Handle by value.
type Handle struct {
	refcount int64 // atomic; New starts it at 1, eager-op outputs are retained to 2 (spec §3 invariant 1)

	owner Releaser
	dtype dtype.DType

	byteCount int
	rank      int
	shape     [maxInlineRank]int
	overflow  []int // heap-spill for rank > maxInlineRank

	// Mutable runtime attributes (spec §3). Mutated only under the owning
	// device's mutex; read without the mutex only via the atomic-adjacent
	// accessors below, which the device calls after it has already
	// established a happens-before edge (e.g. on the creating goroutine
	// before the handle escapes).
	Initialized    bool
	Materialized   bool
	LastWriterCBID int64
	Buffer         Buffer
	ConstantData   []byte
}

// New allocates a handle with the given shape and dtype. The initial
// reference count is 1 (spec §6 createTensor); the queue calls Retain once
// immediately after construction to implement the eager-op convention of
// refcount 2 on op outputs (spec §3 invariant 1).
func New(owner Releaser, dt dtype.DType, shape []int) *Handle {
	if !dt.Valid() {
		panic(fmt.Sprintf("tensor: invalid dtype %v", dt))
	}
	h := &Handle{
		owner:    owner,
		dtype:    dt,
		rank:     len(shape),
		refcount: 1,
	}
	elems := 1
	for i, s := range shape {
		if s < 0 {
			panic(fmt.Sprintf("tensor: negative shape dimension %v", shape))
		}
		elems *= s
		if i < maxInlineRank {
			h.shape[i] = s
		}
	}
	if len(shape) > maxInlineRank {
		h.overflow = append([]int(nil), shape[maxInlineRank:]...)
	}
	h.byteCount = elems * dt.Stride()
	return h
}

// DType returns the handle's immutable element type.
func (h *Handle) DType() dtype.DType { return h.dtype }

// ByteCount returns the handle's immutable total byte size.
func (h *Handle) ByteCount() int { return h.byteCount }

// Rank returns the handle's immutable number of dimensions.
func (h *Handle) Rank() int { return h.rank }

// Shape returns a copy of the handle's immutable shape.
func (h *Handle) Shape() []int {
	out := make([]int, h.rank)
	for i := range out {
		if i < maxInlineRank {
			out[i] = h.shape[i]
		} else {
			out[i] = h.overflow[i-maxInlineRank]
		}
	}
	return out
}

// IsScalar reports whether the handle holds exactly one element — the
// broadcast/constant-fold eligibility test used throughout spec §4
// (byte_count == dtype.stride).
func (h *Handle) IsScalar() bool {
	return h.byteCount == h.dtype.Stride()
}

// Refcount returns the current reference count. Intended for diagnostics
// and tests; do not branch production logic on a racily-read snapshot.
func (h *Handle) Refcount() int64 {
	return atomic.LoadInt64(&h.refcount)
}

// Retain atomically increments the reference count. Called whenever a
// handle is captured by a new eager op, compiled instruction, or external
// reference (spec §3 invariant 1).
func (h *Handle) Retain() {
	atomic.AddInt64(&h.refcount, 1)
}

// Release atomically decrements the reference count and, if it reaches
// zero, invokes the owning device's ReleaseHandle exactly once.
func (h *Handle) Release() {
	if atomic.AddInt64(&h.refcount, -1) == 0 {
		h.owner.ReleaseHandle(h)
	}
}

// SameShape reports whether h and other have identical rank and extents.
func (h *Handle) SameShape(other *Handle) bool {
	if h.rank != other.rank {
		return false
	}
	for i := 0; i < h.rank; i++ {
		if h.dimAt(i) != other.dimAt(i) {
			return false
		}
	}
	return true
}

func (h *Handle) dimAt(i int) int {
	if i < maxInlineRank {
		return h.shape[i]
	}
	return h.overflow[i-maxInlineRank]
}

// String renders a compact diagnostic form used in abort messages.
func (h *Handle) String() string {
	return fmt.Sprintf("Handle{dtype=%v, shape=%v, bytes=%d, refcount=%d}", h.dtype, h.Shape(), h.byteCount, h.Refcount())
}
