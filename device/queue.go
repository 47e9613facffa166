package device

import (
	"github.com/vertexml/tensorcore/dtype"
	"github.com/vertexml/tensorcore/tensor"
)

// EagerOperation is one frontend call awaiting compilation (spec §3
// "Eager operation record"). Its opID/group/metadata are already resolved
// by the time it is queued; the compiler only reads them.
type EagerOperation struct {
	Arity    Arity
	Op       opID
	Group    dtype.Group
	Metadata []uint64
	Inputs   []*tensor.Handle // 1..3
	Output   *tensor.Handle
}

// explicitCopyOp mirrors spec §3's `explicit_copy` record.
type explicitCopyOp struct {
	Input  *tensor.Handle
	Output *tensor.Handle
}

type queueItem struct {
	Eager *EagerOperation
	Copy  *explicitCopyOp
}

// opQueue is the per-device pending list `Q` (spec §4.1).
type opQueue struct {
	items []queueItem
}

func (q *opQueue) len() int { return len(q.items) }

func (q *opQueue) push(it queueItem) { q.items = append(q.items, it) }

// drainAll removes and returns every queued item.
func (q *opQueue) drainAll() []queueItem {
	items := q.items
	q.items = nil
	return items
}

// drainAllButLast removes and returns every queued item except the last,
// which is left in the queue. Used by maybeFlush's MAX_BATCH path so the
// held-back op's still-retained inputs don't block fusion in the next
// batch (spec §4.3).
func (q *opQueue) drainAllButLast() []queueItem {
	if len(q.items) == 0 {
		return nil
	}
	last := q.items[len(q.items)-1]
	out := make([]queueItem, len(q.items)-1)
	copy(out, q.items[:len(q.items)-1])
	q.items = []queueItem{last}
	return out
}

// ExecuteOperation implements spec §4.1: decode, type-check, retain inputs,
// allocate outputs, append to the queue, and trigger maybeFlush. inputs
// must already belong to this device (spec §3 invariant 7); crossing
// devices is a programmer error here — the frontend collaborator is
// responsible for routing through CopyTensor first (spec §5).
//
// On return, outputs carries one handle with refcount 2 (spec §3 invariant
// 1): one reference for the caller, one balanced by compilation.
func (d *Device) ExecuteOperation(name string, attrs Attributes, inputs []*tensor.Handle) []*tensor.Handle {
	spec, ok := registry[name]
	if !ok {
		fatalf("ExecuteOperation", "unknown operation %q", name)
	}

	// mu guards only the decode/fold/queue-push critical section; it is
	// released before maybeFlush so a flush on this same call (compile,
	// encode, commit) never tries to reacquire a mutex this goroutine
	// already holds.
	d.mu.Lock()
	decoded := spec.decode(d, attrs, inputs)

	if out := d.tryConstantFold(spec, decoded); out != nil {
		d.mu.Unlock()
		return []*tensor.Handle{out}
	}

	for _, in := range decoded.inputs {
		in.Retain()
	}

	out := tensor.New(d, decoded.outDType, decoded.outShape)
	out.Retain() // refcount 2: one for the caller, one for the pending op

	d.queue.push(queueItem{Eager: &EagerOperation{
		Arity:    spec.arity,
		Op:       decoded.op,
		Group:    decoded.group,
		Metadata: decoded.metadata,
		Inputs:   decoded.inputs,
		Output:   out,
	}})
	d.mu.Unlock()

	d.maybeFlush()
	return []*tensor.Handle{out}
}

// ExecuteCopy implements the `explicit_copy` operation type (spec §3):
// always closes the current fusion and emits a standalone ExplicitCopy
// instruction, never fused with elementwise work.
func (d *Device) ExecuteCopy(input *tensor.Handle) *tensor.Handle {
	d.mu.Lock()
	input.Retain()
	out := tensor.New(d, input.DType(), input.Shape())
	out.Retain()

	d.queue.push(queueItem{Copy: &explicitCopyOp{Input: input, Output: out}})
	d.mu.Unlock()

	d.maybeFlush()
	return out
}
