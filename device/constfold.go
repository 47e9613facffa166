package device

import (
	"github.com/vertexml/tensorcore/dtype"
	"github.com/vertexml/tensorcore/tensor"
)

// tryConstantFold implements spec §4.6: when every input to a unary op is
// a scalar constant, execute it on the CPU immediately and return a new
// constant handle, bypassing the queue entirely. Binary and ternary ops are
// not folded (spec §9 open question 1): the arity check below returns nil
// for them, so ExecuteOperation falls through to the normal eager path.
func (d *Device) tryConstantFold(spec *OpSpec, decoded decodedOp) *tensor.Handle {
	if spec.arity != Unary {
		return nil
	}
	in := decoded.inputs[0]
	if in.ConstantData == nil || !in.IsScalar() {
		return nil
	}

	var regs [RegisterCount]reg
	regs[0] = readElement(in.ConstantData, 0, in.DType())

	ops := foldOpsFor(decoded.op, decoded.group)
	result := runOps(ops, regs, decoded.outDType.IsFloat())

	out := tensor.New(d, decoded.outDType, decoded.outShape)
	out.ConstantData = make([]byte, out.ByteCount())
	writeElement(out.ConstantData, 0, decoded.outDType, result)
	out.Initialized = true
	out.Retain() // refcount 2, matching the eager path's convention.
	return out
}

// foldOpsFor wraps a single logical op in the same arity/group-coded form
// the interpreter expects, so constant folding reuses runOps verbatim.
func foldOpsFor(op opID, group dtype.Group) []uint16 {
	if op == opNoOp {
		return nil
	}
	return []uint16{op.code(Unary, group)}
}
