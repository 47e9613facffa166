package device

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vertexml/tensorcore/envconfig"
	"github.com/vertexml/tensorcore/tensor"
)

// Allocator is the heap-allocator boundary (spec §4.5). alloc.Heap is the
// implementation this module ships, and the one its tests use.
type Allocator interface {
	Alloc(byteCount int, shared bool) (tensor.Buffer, error)
	Free(buf tensor.Buffer)
}

// commandBuffer tracks one flush's worth of dispatched work so
// ReleaseHandle and Barrier can wait on it without holding the device
// mutex across the wait (spec §3 "Lifecycle", §4.3 step 6).
type commandBuffer struct {
	id   int64
	done chan struct{}
}

// Device is the eager execution runtime bound to one GPU-like compute
// device (spec §1, §3). All mutable state is guarded by mu except the
// three atomic counters, which the async completion callbacks touch
// without taking the lock (spec §4.3: "scheduled/completed counters are
// updated from a completion callback that may run on a different
// goroutine").
type Device struct {
	mu sync.Mutex

	queue opQueue

	encoder     Encoder
	allocator   Allocator
	shaderCache *shaderCache

	committed int64
	scheduled int64
	completed int64

	nextCBID   int64
	cmdBuffers map[int64]*commandBuffer

	closed bool
}

// New constructs a device bound to encoder (the GPU dispatch boundary,
// spec §4.4) and allocator (spec §4.5).
func New(encoder Encoder, allocator Allocator) *Device {
	return &Device{
		encoder:     encoder,
		allocator:   allocator,
		shaderCache: newShaderCache(),
		cmdBuffers:  make(map[int64]*commandBuffer),
	}
}

func (d *Device) backpressure() int64 {
	return atomic.LoadInt64(&d.committed) - atomic.LoadInt64(&d.completed)
}

// ReleaseHandle implements tensor.Releaser (spec §3 "Lifecycle"): once a
// handle's refcount reaches zero its device buffer returns to the
// allocator, blocking first on the command buffer that last wrote it if
// that buffer has not yet completed.
func (d *Device) ReleaseHandle(h *tensor.Handle) {
	d.mu.Lock()
	if h.Buffer == nil {
		d.mu.Unlock()
		return
	}
	var wait *commandBuffer
	if h.LastWriterCBID != 0 {
		wait = d.cmdBuffers[h.LastWriterCBID]
	}
	d.mu.Unlock()

	if wait != nil {
		<-wait.done
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if h.Buffer != nil {
		d.allocator.Free(h.Buffer)
		h.Buffer = nil
	}
	if envconfig.DebugRefCounting() {
		debugLog("ReleaseHandle", "freed buffer for %s", h)
	}
}

// dumpableAllocator is implemented by allocators that can render their own
// pool statistics; alloc.Heap satisfies it.
type dumpableAllocator interface {
	Dump() string
}

// DumpAllocator renders the allocator's pool statistics, grounded on the
// teacher's ml/dump.go on-demand dump style and gated behind
// DEBUG_PLUGGABLE_DEVICE_ALLOCATOR so the flag has an observable effect.
func (d *Device) DumpAllocator() string {
	if !envconfig.DebugAllocator() {
		return ""
	}
	dd, ok := d.allocator.(dumpableAllocator)
	if !ok {
		return fmt.Sprintf("allocator %T does not support Dump", d.allocator)
	}
	return dd.Dump()
}

// DumpQueue renders the pending op queue's contents, gated behind
// DEBUG_COMMAND_STREAM.
func (d *Device) DumpQueue() string {
	if !envconfig.DebugCommandStream() {
		return ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var sb strings.Builder
	for i, it := range d.queue.items {
		switch {
		case it.Eager != nil:
			fmt.Fprintf(&sb, "[%d] eager op=%d arity=%v group=%v inputs=%d\n",
				i, it.Eager.Op, it.Eager.Arity, it.Eager.Group, len(it.Eager.Inputs))
		case it.Copy != nil:
			fmt.Fprintf(&sb, "[%d] explicit_copy %s -> %s\n", i, it.Copy.Input, it.Copy.Output)
		}
	}
	return sb.String()
}

// Close drains any pending work and tears the device down. Safe to call
// once; later calls are no-ops.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.Barrier()
}
