package device

import (
	"github.com/vertexml/tensorcore/dtype"
	"github.com/vertexml/tensorcore/tensor"
)

// decodedOp is what an OpSpec's decode function produces: everything
// ExecuteOperation needs to either constant-fold or enqueue the call.
type decodedOp struct {
	op       opID
	group    dtype.Group
	metadata []uint64
	inputs   []*tensor.Handle
	outDType dtype.DType
	outShape []int
}

// OpSpec binds a frontend operation name to its arity and its attribute/
// shape decoding rules. The dispatch table mapping names to decoders is,
// per spec §1, an external collaborator in the real system; this registry
// is this module's stand-in so ExecuteOperation has something concrete to
// look up (spec §4.1 step 1).
type OpSpec struct {
	arity  Arity
	decode func(d *Device, attrs Attributes, inputs []*tensor.Handle) decodedOp
}

var registry map[string]*OpSpec

func init() {
	registry = map[string]*OpSpec{
		"Square": unarySpec(opSquare),
		"Sqrt":   unarySpec(opSqrt),
		"Neg":    unarySpec(opNeg),
		"Sin":    unarySpec(opSin),
		"Cos":    unarySpec(opCos),
		"Abs":    unarySpec(opAbs),
		"Cast":   {arity: Unary, decode: decodeCast},

		"Add": binarySpec(opAdd),
		"Sub": binarySpec(opSub),
		"Mul": binarySpec(opMul),
		"Div": binarySpec(opDiv),
		"Min": binarySpec(opMin),
		"Max": binarySpec(opMax),
		"Pow": binarySpec(opPow),

		"Select": {arity: Ternary, decode: decodeSelect},
	}
}

func requireArity(op string, inputs []*tensor.Handle, n int) {
	if len(inputs) != n {
		fatalf(op, "expected %d input(s), got %d", n, len(inputs))
	}
}

func unarySpec(op opID) *OpSpec {
	return &OpSpec{
		arity: Unary,
		decode: func(d *Device, attrs Attributes, inputs []*tensor.Handle) decodedOp {
			requireArity("unary op", inputs, 1)
			in := inputs[0]
			return decodedOp{
				op:       op,
				group:    in.DType().Group(),
				inputs:   inputs,
				outDType: in.DType(),
				outShape: in.Shape(),
			}
		},
	}
}

func decodeCast(d *Device, attrs Attributes, inputs []*tensor.Handle) decodedOp {
	requireArity("Cast", inputs, 1)
	in := inputs[0]
	code := dtype.Code(attrs.Int32(0))
	to, ok := dtype.FromCode(code)
	if !ok {
		fatalf("Cast", "unsupported target dtype code %d", code)
	}
	// A cast's data group is whichever group needs the wider register path;
	// if either side is G64 the kernel that reinterprets bits must run the
	// large-form encoding.
	group := in.DType().Group()
	if to.Group() == dtype.G64 {
		group = dtype.G64
	}
	return decodedOp{
		op:       castOpID(in.DType(), to),
		group:    group,
		inputs:   inputs,
		outDType: to,
		outShape: in.Shape(),
	}
}

// binaryOutputShapeAndGroup implements spec §4.1's broadcast rule: binary
// ops support scalar broadcasting when exactly one side is a single
// element; otherwise shapes must match exactly. Bool/non-bool mixing is a
// programmer error.
func binaryOutputShapeAndGroup(op string, a, b *tensor.Handle) (shape []int, group dtype.Group) {
	if a.DType().IsBool() != b.DType().IsBool() {
		fatalf(op, "cannot mix bool and non-bool operands (%v, %v)", a.DType(), b.DType())
	}
	if a.DType() != b.DType() {
		fatalf(op, "dtype mismatch: %v vs %v", a.DType(), b.DType())
	}
	switch {
	case a.SameShape(b):
		shape = a.Shape()
	case a.IsScalar():
		shape = b.Shape()
	case b.IsScalar():
		shape = a.Shape()
	default:
		fatalf(op, "shape mismatch: %v vs %v (no broadcast eligible)", a.Shape(), b.Shape())
	}
	return shape, a.DType().Group()
}

func binarySpec(op opID) *OpSpec {
	return &OpSpec{
		arity: Binary,
		decode: func(d *Device, attrs Attributes, inputs []*tensor.Handle) decodedOp {
			requireArity("binary op", inputs, 2)
			shape, group := binaryOutputShapeAndGroup("binary op", inputs[0], inputs[1])
			return decodedOp{
				op:       op,
				group:    group,
				inputs:   inputs,
				outDType: inputs[0].DType(),
				outShape: shape,
			}
		},
	}
}

// decodeSelect implements the ternary `sel(cond, x, y)` op (spec §8 S5):
// cond must be bool, x and y must share a dtype and be shape-compatible
// with the same scalar-broadcast rule as binary ops.
func decodeSelect(d *Device, attrs Attributes, inputs []*tensor.Handle) decodedOp {
	requireArity("Select", inputs, 3)
	cond, x, y := inputs[0], inputs[1], inputs[2]
	if !cond.DType().IsBool() {
		fatalf("Select", "condition must be bool, got %v", cond.DType())
	}
	shape, group := binaryOutputShapeAndGroup("Select", x, y)
	return decodedOp{
		op:       opSelect,
		group:    group,
		inputs:   inputs,
		outDType: x.DType(),
		outShape: shape,
	}
}
