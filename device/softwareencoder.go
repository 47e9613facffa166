package device

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/vertexml/tensorcore/dtype"
	"github.com/vertexml/tensorcore/tensor"
)

func init() {
	RegisterEncoderFactory("software", func() Encoder { return &softwareEncoder{} })
}

// softwareEncoder is the reference implementation of the spec §4.4
// encoder contract: a real GPU encoder is out of scope (spec §1), so this
// module carries a host-resident one that is good enough to exercise the
// whole pipeline (queue, compiler, stream, allocator) in tests. Each
// instruction is computed synchronously inside Encode, and Commit fires
// scheduled/completed immediately; a real encoder would invoke them from
// the driver's callback thread.
type softwareEncoder struct{}

func (s *softwareEncoder) Encode(d *Device, instr *Instruction) {
	switch {
	case instr.ExplicitCopy != nil:
		s.encodeCopy(d, instr.ExplicitCopy)
	case instr.Elementwise != nil:
		s.encodeElementwise(d, instr.Elementwise)
	default:
		fatalf("softwareEncoder.Encode", "instruction has neither Elementwise nor ExplicitCopy set")
	}
}

func (s *softwareEncoder) Commit(id int64, encoded []*Instruction, scheduled func(), completed func()) {
	scheduled()
	completed()
}

func materialize(d *Device, h *tensor.Handle) []byte {
	if h.ConstantData != nil {
		return h.ConstantData
	}
	if h.Buffer == nil {
		buf, err := d.allocator.Alloc(h.ByteCount(), true)
		if err != nil {
			panic(&OOMError{Requested: h.ByteCount(), Err: err})
		}
		h.Buffer = buf
		h.Materialized = true
	}
	return h.Buffer.Bytes()
}

func (s *softwareEncoder) encodeCopy(d *Device, c *ExplicitCopy) {
	src := materialize(d, c.Input)
	dst := materialize(d, c.Output)
	copy(dst, src)
	c.Output.Materialized = true
}

func (s *softwareEncoder) encodeElementwise(d *Device, e *Elementwise) {
	out := materialize(d, e.Output)
	e.Output.Materialized = true

	inputBufs := [RegisterCount][]byte{}
	for i, in := range e.Inputs {
		if in != nil {
			inputBufs[i] = materialize(d, in)
		}
	}

	if fast := tryFastPath(e, out, inputBufs); fast {
		return
	}

	outStride := e.Output.DType().Stride()
	for idx := 0; idx < e.Size; idx++ {
		var regs [RegisterCount]reg
		for i, in := range e.Inputs {
			if in == nil {
				continue
			}
			elemIdx := idx
			if in.IsScalar() {
				elemIdx = 0
			}
			regs[i] = readElement(inputBufs[i], elemIdx*in.DType().Stride(), in.DType())
		}
		result := runOps(e.Operations, regs, e.Output.DType().IsFloat())
		writeElement(out, idx*outStride, e.Output.DType(), result)
	}
}

// tryFastPath recognizes the common single-op, non-swapped, same-shape
// F32 case and dispatches through gonum/floats instead of the generic
// per-element interpreter, mirroring how a real kernel would pick a
// specialized pipeline for the common shapes (spec §4.4 "select kernel
// pipeline by data group").
func tryFastPath(e *Elementwise, out []byte, inputs [RegisterCount][]byte) bool {
	if len(e.Operations) != 1 || e.Output.DType() != dtype.F32 {
		return false
	}
	d := decodeOpCode(e.Operations[0])
	if d.isSwap {
		return false
	}

	dst := asFloat64(out)
	switch d.arity {
	case Unary:
		if e.Inputs[0] == nil || e.Inputs[0].DType() != dtype.F32 || e.Inputs[0].IsScalar() {
			return false
		}
		src := asFloat64(inputs[0])
		copy(dst, src)
		switch d.logical {
		case opSquare:
			floats.MulTo(dst, dst, dst)
		case opNeg:
			floats.Scale(-1, dst)
		case opAbs:
			for i := range dst {
				dst[i] = absFloat(dst[i])
			}
		default:
			return false
		}
	case Binary:
		if e.Inputs[0] == nil || e.Inputs[1] == nil {
			return false
		}
		if e.Inputs[0].DType() != dtype.F32 || e.Inputs[1].DType() != dtype.F32 {
			return false
		}
		if e.Inputs[0].IsScalar() || e.Inputs[1].IsScalar() {
			return false
		}
		a := asFloat64(inputs[0])
		b := asFloat64(inputs[1])
		switch d.logical {
		case opAdd:
			floats.AddTo(dst, a, b)
		case opMul:
			floats.MulTo(dst, a, b)
		case opSub:
			floats.SubTo(dst, a, b)
		default:
			return false
		}
	default:
		return false
	}
	fromFloat64(out, dst)
	return true
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// asFloat64/fromFloat64 bridge F32 device buffers to gonum/floats, which
// operates on []float64. The conversion cost is paid only on the fast
// path's whole-array ops.
func asFloat64(buf []byte) []float64 {
	n := len(buf) / 4
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = float64(math.Float32frombits(leUint32(buf[i*4 : i*4+4])))
	}
	return out
}

func fromFloat64(buf []byte, vals []float64) {
	for i, v := range vals {
		leySetUint32(buf[i*4:i*4+4], math.Float32bits(float32(v)))
	}
}
