package device

import (
	"math"

	"github.com/x448/float16"

	"github.com/vertexml/tensorcore/dtype"
)

// reg is the interpreter's per-element virtual register value (spec §4.2's
// "shader-side interpreter" that fusion targets instead of physical GPU
// register reshuffling). Numeric ops operate on f; Select's condition
// register is read as b. Both the constant folder and the reference
// software encoder share this interpreter so CPU and "device" execution
// agree.
type reg struct {
	f float64
	b bool
}

func readElement(buf []byte, byteOffset int, dt dtype.DType) reg {
	b := buf[byteOffset : byteOffset+dt.Stride()]
	switch dt {
	case dtype.F32:
		return reg{f: float64(math.Float32frombits(leUint32(b)))}
	case dtype.F16:
		return reg{f: float64(float16.Frombits(leUint16(b)).Float32())}
	case dtype.Bool:
		return reg{b: b[0] != 0}
	case dtype.I8:
		return reg{f: float64(int8(b[0]))}
	case dtype.U8:
		return reg{f: float64(b[0])}
	case dtype.I16:
		return reg{f: float64(int16(leUint16(b)))}
	case dtype.U16:
		return reg{f: float64(leUint16(b))}
	case dtype.I32:
		return reg{f: float64(int32(leUint32(b)))}
	case dtype.U32:
		return reg{f: float64(leUint32(b))}
	case dtype.I64:
		return reg{f: float64(int64(leUint64(b)))}
	case dtype.U64:
		return reg{f: float64(leUint64(b))}
	default:
		fatalf("opvm.readElement", "unsupported dtype %v", dt)
		return reg{}
	}
}

func writeElement(buf []byte, byteOffset int, dt dtype.DType, v reg) {
	b := buf[byteOffset : byteOffset+dt.Stride()]
	switch dt {
	case dtype.F32:
		leySetUint32(b, math.Float32bits(float32(v.f)))
	case dtype.F16:
		leySetUint16(b, float16.Fromfloat32(float32(v.f)).Bits())
	case dtype.Bool:
		if v.b {
			b[0] = 1
		} else {
			b[0] = 0
		}
	case dtype.I8:
		b[0] = byte(int8(v.f))
	case dtype.U8:
		b[0] = byte(uint8(v.f))
	case dtype.I16:
		leySetUint16(b, uint16(int16(v.f)))
	case dtype.U16:
		leySetUint16(b, uint16(v.f))
	case dtype.I32:
		leySetUint32(b, uint32(int32(v.f)))
	case dtype.U32:
		leySetUint32(b, uint32(v.f))
	case dtype.I64:
		leySetUint64(b, uint64(int64(v.f)))
	case dtype.U64:
		leySetUint64(b, uint64(v.f))
	default:
		fatalf("opvm.writeElement", "unsupported dtype %v", dt)
	}
}

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
func leySetUint16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func leySetUint32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
func leySetUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// decodedOpCode is a single op-stream entry resolved back to its logical
// identity and arity, the inverse of opID.code.
type decodedOpCode struct {
	logical opID
	arity   Arity
	isSwap  bool
	swap    [2]int
}

func decodeOpCode(code uint16) decodedOpCode {
	if ArityOf(code) == RegisterSwapArity {
		return decodedOpCode{isSwap: true, swap: swapPairs[code]}
	}
	arity := ArityOf(code)
	var base uint16
	switch arity {
	case Unary:
		base = code - unaryBase
	case Binary:
		base = code - binaryBase
	case Ternary:
		base = code - ternaryBase
	}
	if base >= largeFormOffset {
		base -= largeFormOffset
	}
	return decodedOpCode{logical: opID(base), arity: arity}
}

// execUnary applies a logical unary op to the value in register 0. Cast
// ops are a pass-through at this layer: the dtype conversion itself
// happens when the result is written to the output buffer with its actual
// dtype (writeElement truncates/widens as needed).
func execUnary(op opID, v reg) reg {
	switch {
	case op >= castBase:
		return v
	case op == opSquare:
		return reg{f: v.f * v.f}
	case op == opSqrt:
		return reg{f: math.Sqrt(v.f)}
	case op == opNeg:
		return reg{f: -v.f}
	case op == opSin:
		return reg{f: math.Sin(v.f)}
	case op == opCos:
		return reg{f: math.Cos(v.f)}
	case op == opAbs:
		return reg{f: math.Abs(v.f)}
	default:
		fatalf("opvm.execUnary", "unknown unary op %d", op)
		return reg{}
	}
}

func execBinary(op opID, a, b reg) reg {
	switch op {
	case opAdd:
		return reg{f: a.f + b.f}
	case opSub:
		return reg{f: a.f - b.f}
	case opMul:
		return reg{f: a.f * b.f}
	case opDiv:
		return reg{f: a.f / b.f}
	case opMin:
		return reg{f: math.Min(a.f, b.f)}
	case opMax:
		return reg{f: math.Max(a.f, b.f)}
	case opPow:
		return reg{f: math.Pow(a.f, b.f)}
	default:
		fatalf("opvm.execBinary", "unknown binary op %d", op)
		return reg{}
	}
}

func execTernary(op opID, cond, x, y reg) reg {
	if op != opSelect {
		fatalf("opvm.execTernary", "unknown ternary op %d", op)
	}
	if cond.b {
		return x
	}
	return y
}

// runOps executes a fusion's op stream against the given starting
// registers (already loaded from head buffers, or scalar-broadcast), and
// returns the final value of register 0.
//
// truncateToF32 mirrors what an unfused instruction sequence does for free:
// each unfused op writes its result to a real F32/F16 output buffer and the
// next op reads it back, which round-trips the value through float32
// precision (writeElement truncates, readElement widens the truncated bits
// back to float64). A fused chain never materializes that intermediate
// buffer, so without this the interpreter's float64 accumulator register
// would carry more precision than the unfused path ever had, diverging from
// spec §8 Testable Property #1's bit-identical-for-floating-types
// requirement. Set only when the instruction's real output dtype is
// floating (G64 has no floating member, so in G64 this fires only for a
// cast to a floating dtype).
func runOps(ops []uint16, regs [RegisterCount]reg, truncateToF32 bool) reg {
	for _, code := range ops {
		d := decodeOpCode(code)
		if d.isSwap {
			regs[d.swap[0]], regs[d.swap[1]] = regs[d.swap[1]], regs[d.swap[0]]
			continue
		}
		switch d.arity {
		case Unary:
			regs[0] = execUnary(d.logical, regs[0])
		case Binary:
			regs[0] = execBinary(d.logical, regs[0], regs[1])
		case Ternary:
			regs[0] = execTernary(d.logical, regs[0], regs[1], regs[2])
		}
		if truncateToF32 {
			regs[0].f = float64(float32(regs[0].f))
		}
	}
	return regs[0]
}
