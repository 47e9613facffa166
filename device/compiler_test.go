package device

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vertexml/tensorcore/dtype"
	"github.com/vertexml/tensorcore/tensor"
)

type noopOwner struct{}

func (noopOwner) ReleaseHandle(*tensor.Handle) {}

func scalar(dt dtype.DType, refcount int64) *tensor.Handle {
	h := tensor.New(noopOwner{}, dt, []int{2})
	for h.Refcount() < refcount {
		h.Retain()
	}
	return h
}

func unaryItem(op opID, in, out *tensor.Handle, group dtype.Group) queueItem {
	return queueItem{Eager: &EagerOperation{Arity: Unary, Op: op, Group: group, Inputs: []*tensor.Handle{in}, Output: out}}
}

func binaryItem(op opID, a, b, out *tensor.Handle, group dtype.Group) queueItem {
	return queueItem{Eager: &EagerOperation{Arity: Binary, Op: op, Group: group, Inputs: []*tensor.Handle{a, b}, Output: out}}
}

// TestFuseUnaryChain mirrors spec §8 S1: a straight chain of unary ops over
// the same data group compiles to a single Elementwise instruction.
func TestFuseUnaryChain(t *testing.T) {
	in := scalar(dtype.F32, 2)
	a := scalar(dtype.F32, 1)
	b := scalar(dtype.F32, 1)
	c := scalar(dtype.F32, 1)

	items := []queueItem{
		unaryItem(opSquare, in, a, dtype.G32),
		unaryItem(opSqrt, a, b, dtype.G32),
		unaryItem(opNeg, b, c, dtype.G32),
	}
	instrs := newCompiler().compile(items)
	require.Len(t, instrs, 1)
	require.NotNil(t, instrs[0].Elementwise)
	require.Equal(t, 3, instrs[0].Elementwise.NumFusedUnary)
	require.Same(t, in, instrs[0].Elementwise.Inputs[0])
	require.Same(t, c, instrs[0].Elementwise.Output)
}

// TestFusionBreaksOnGroupChange covers spec §4.2's data-group invariant:
// crossing G32/G64 always forces a new instruction.
func TestFusionBreaksOnGroupChange(t *testing.T) {
	in := scalar(dtype.F32, 2)
	a := scalar(dtype.F32, 1)
	b := scalar(dtype.U64, 1)

	items := []queueItem{
		unaryItem(opSquare, in, a, dtype.G32),
		unaryItem(opNoOp, a, b, dtype.G64), // cast, logically opNoOp here for the test
	}
	instrs := newCompiler().compile(items)
	require.Len(t, instrs, 2)
}

// TestBinaryFusionWithRegisterSwap exercises spec §8 S3: a binary op whose
// tail operand is the right-hand argument requires register rearrangement
// but still fuses into one instruction.
func TestBinaryFusionWithRegisterSwap(t *testing.T) {
	in := scalar(dtype.F32, 2)
	a := scalar(dtype.F32, 1)
	other := scalar(dtype.F32, 5)
	out := scalar(dtype.F32, 1)

	items := []queueItem{
		unaryItem(opSqrt, in, a, dtype.G32),
		binaryItem(opMin, other, a, out, dtype.G32), // tail `a` is the right operand
	}
	instrs := newCompiler().compile(items)
	require.Len(t, instrs, 1)
	e := instrs[0].Elementwise
	require.Equal(t, 1, e.NumFusedUnary)
	require.Equal(t, 1, e.NumFusedNonUnary)

	var sawSwap bool
	for _, code := range e.Operations {
		if ArityOf(code) == RegisterSwapArity {
			sawSwap = true
		}
	}
	require.True(t, sawSwap, "expected at least one register-swap pseudo-op")
}

// TestNonAdjacentFusionReopensFromHistory constructs the displaced-chain
// scenario spec §4.2's history cache exists for: an intervening, unrelated
// op takes over "current" between two ops that are otherwise a direct
// producer/consumer pair, and the cache still lets the second one fuse
// into the first's (not yet committed) instruction.
func TestNonAdjacentFusionReopensFromHistory(t *testing.T) {
	x0 := scalar(dtype.F32, 2)
	x1 := scalar(dtype.F32, 1) // tail of chain A; refcount 2 at close (its own reference plus y's retain below)

	other0 := scalar(dtype.F32, 2)
	other1 := scalar(dtype.F32, 1)

	y := scalar(dtype.F32, 1)

	items := []queueItem{
		unaryItem(opSquare, x0, x1, dtype.G32), // chain A, will close once the unrelated op interrupts
		unaryItem(opNeg, other0, other1, dtype.G32), // unrelated, displaces "current"
	}
	// x1's retain from the eventual consumer already happened at record
	// time in the real system; simulate that by bumping it before y's
	// eager op is appended, matching ExecuteOperation's retain-at-record
	// convention.
	x1.Retain()
	items = append(items, unaryItem(opSqrt, x1, y, dtype.G32))

	instrs := newCompiler().compile(items)
	require.Len(t, instrs, 2, "chain A should be reopened and merged with its continuation, not left standalone")

	var found bool
	for _, instr := range instrs {
		if instr.Elementwise != nil && instr.Elementwise.Output == y {
			require.Equal(t, 2, instr.Elementwise.NumFusedUnary, "reopened fusion should carry both the original and continuing op")
			require.Same(t, x0, instr.Elementwise.Inputs[0])
			found = true
		}
	}
	require.True(t, found)
}

// TestZombieFusionIsDropped covers spec §8 S6: a fusion whose tail is
// released before ever being read is never emitted.
func TestZombieFusionIsDropped(t *testing.T) {
	in := scalar(dtype.F32, 2)
	dead := scalar(dtype.F32, 1)
	dead.Release() // drop to refcount 0 before compiling, as if never consumed

	items := []queueItem{unaryItem(opSquare, in, dead, dtype.G32)}
	instrs := newCompiler().compile(items)
	require.Empty(t, instrs)
}

func TestTernarySelectFuses(t *testing.T) {
	cond := scalar(dtype.Bool, 2)
	x := scalar(dtype.F32, 2)
	y := scalar(dtype.F32, 2)
	out := scalar(dtype.F32, 1)

	items := []queueItem{{Eager: &EagerOperation{
		Arity: Ternary, Op: opSelect, Group: dtype.G32,
		Inputs: []*tensor.Handle{cond, x, y}, Output: out,
	}}}
	instrs := newCompiler().compile(items)
	require.Len(t, instrs, 1)
	require.Equal(t, 1, instrs[0].Elementwise.NumFusedNonUnary)
}

func TestExplicitCopyNeverFuses(t *testing.T) {
	in := scalar(dtype.F32, 2)
	mid := scalar(dtype.F32, 1)
	copyOut := scalar(dtype.F32, 1)
	after := scalar(dtype.F32, 1)

	items := []queueItem{
		unaryItem(opSquare, in, mid, dtype.G32),
		{Copy: &explicitCopyOp{Input: mid, Output: copyOut}},
		unaryItem(opNeg, copyOut, after, dtype.G32),
	}
	instrs := newCompiler().compile(items)
	require.Len(t, instrs, 3)
	require.NotNil(t, instrs[1].ExplicitCopy)
}
