package device

import (
	"github.com/vertexml/tensorcore/dtype"
	"github.com/vertexml/tensorcore/tensor"
)

// Elementwise is the compiler's fused output: a chain of elementwise ops
// that execute as a single GPU dispatch (spec §3 "Elementwise instruction").
type Elementwise struct {
	Operations []uint16 // op codes, including register-swap pseudo-ops
	Metadata   []uint64 // at most ~two slots per op, often empty

	DataGroup dtype.Group

	Inputs [RegisterCount]*tensor.Handle // up to four; nil past input count
	Output *tensor.Handle

	Size int // element count

	NumFusedUnary    int
	NumFusedNonUnary int
}

func (e *Elementwise) numInputs() int {
	n := 0
	for _, in := range e.Inputs {
		if in != nil {
			n++
		}
	}
	return n
}

// retainedHandles returns every handle this instruction keeps alive through
// its command buffer's execution (spec §3 invariant 2).
func (e *Elementwise) retainedHandles() []*tensor.Handle {
	out := make([]*tensor.Handle, 0, RegisterCount+1)
	for _, in := range e.Inputs {
		if in != nil {
			out = append(out, in)
		}
	}
	if e.Output != nil {
		out = append(out, e.Output)
	}
	return out
}

// ExplicitCopy is a standalone buffer-to-buffer blit, never fused with
// elementwise work (spec §3 "Explicit-copy instruction").
type ExplicitCopy struct {
	Input     *tensor.Handle
	Output    *tensor.Handle
	ByteCount int
}

func (c *ExplicitCopy) retainedHandles() []*tensor.Handle {
	return []*tensor.Handle{c.Input, c.Output}
}

// Instruction is the sum type the compiler emits: exactly one of Elementwise
// or ExplicitCopy is non-nil.
type Instruction struct {
	Elementwise  *Elementwise
	ExplicitCopy *ExplicitCopy
}

func (i *Instruction) retainedHandles() []*tensor.Handle {
	switch {
	case i.Elementwise != nil:
		return i.Elementwise.retainedHandles()
	case i.ExplicitCopy != nil:
		return i.ExplicitCopy.retainedHandles()
	default:
		return nil
	}
}
