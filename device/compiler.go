package device

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/vertexml/tensorcore/dtype"
	"github.com/vertexml/tensorcore/tensor"
)

// fusionInProgress is the compiler's central concept (spec §4.2): a
// contiguous (or reopened) chain of elementwise ops being assembled into
// one dispatch.
//
// heads are the fixed device-buffer bindings an emitted Elementwise
// instruction carries (spec §3: "Up to four input device buffers"); they
// never change once assigned to a slot. cur tracks, purely for this
// compiler's own bookkeeping, which logical value currently occupies each
// virtual register — it starts equal to heads and is mutated by register
// swaps and by each appended op writing its result into register 0 (the
// convention the reference software encoder's interpreter follows, see
// device/opvm.go).
type fusionInProgress struct {
	heads [RegisterCount]*tensor.Handle
	cur   [RegisterCount]*tensor.Handle

	ops      []uint16
	metadata []uint64

	tail                 *tensor.Handle
	tailRefcountSnapshot int64

	size  int
	group dtype.Group

	numFusedUnary    int
	numFusedNonUnary int
}

// releaseContinuationTail balances the two retains a tensor accumulated
// before the compiler decided it is a fused-away intermediate rather than a
// real instruction input or output: the "compilation" retain ExecuteOperation
// placed on it as an op's output, and the retain ExecuteOperation placed on
// it again when the next op recorded it as an input. Neither will ever be
// balanced by a command-buffer completion, since the tensor never appears in
// any emitted instruction's retainedHandles() once it is folded into a
// continuing fusion.
func releaseContinuationTail(h *tensor.Handle) {
	h.Release()
	h.Release()
}

func (f *fusionInProgress) freeHeadSlots() int {
	n := 0
	for _, h := range f.heads {
		if h == nil {
			n++
		}
	}
	return n
}

func (f *fusionInProgress) headIndexOf(h *tensor.Handle) (int, bool) {
	for i, v := range f.heads {
		if v == h {
			return i, true
		}
	}
	return -1, false
}

func (f *fusionInProgress) curIndexOf(h *tensor.Handle) (int, bool) {
	for i, v := range f.cur {
		if v == h {
			return i, true
		}
	}
	return -1, false
}

// bindNewOperand places a never-before-seen operand into the next free head
// slot, returning its slot index.
func (f *fusionInProgress) bindNewOperand(h *tensor.Handle) int {
	for i := 0; i < RegisterCount; i++ {
		if f.heads[i] == nil {
			f.heads[i] = h
			f.cur[i] = h
			return i
		}
	}
	fatalf("fusionInProgress.bindNewOperand", "no free head slot")
	return -1
}

// arrangeRegisters plans the minimal pairwise-swap sequence that brings the
// handles in desired order into virtual registers 0..len(desired)-1, then
// applies it to f.cur and returns the emitted swap codes. This is the
// general form of spec §4.2's binary/ternary register-swap rules: the
// binary case always reduces to at most one swap to relocate the new
// operand plus, if the tail is the right-hand argument, one more to flip
// the pair — exactly what a 2-register selection sort produces.
func (f *fusionInProgress) arrangeRegisters(desired []*tensor.Handle) []uint16 {
	var swaps []uint16
	for i, want := range desired {
		if f.cur[i] == want {
			continue
		}
		j, ok := f.curIndexOf(want)
		if !ok {
			fatalf("arrangeRegisters", "operand not resident in any register")
		}
		swaps = append(swaps, swapCodeFor(i, j))
		f.cur[i], f.cur[j] = f.cur[j], f.cur[i]
	}
	return swaps
}

// closedFusionEntry is what the history cache remembers about a fusion
// that has been finalized but whose tail is still live enough to be
// reopened for non-adjacent fusion (spec §4.2, "Non-adjacent fusion").
type closedFusionEntry struct {
	index int
	state *fusionInProgress
}

type compiler struct {
	current      *fusionInProgress
	history      *orderedmap.OrderedMap[*tensor.Handle, *closedFusionEntry]
	instructions []*Instruction
}

func newCompiler() *compiler {
	return &compiler{history: orderedmap.New[*tensor.Handle, *closedFusionEntry]()}
}

// compile walks items once, producing the instruction vector a flush will
// hand to the encoder (spec §4.2).
func (c *compiler) compile(items []queueItem) []*Instruction {
	for _, it := range items {
		switch {
		case it.Copy != nil:
			c.closeCurrent()
			it.Copy.Output.Initialized = true
			c.instructions = append(c.instructions, &Instruction{ExplicitCopy: &ExplicitCopy{
				Input:     it.Copy.Input,
				Output:    it.Copy.Output,
				ByteCount: it.Copy.Input.ByteCount(),
			}})
		case it.Eager != nil:
			switch it.Eager.Arity {
			case Unary:
				c.handleUnary(it.Eager)
			case Binary:
				c.handleBinary(it.Eager)
			case Ternary:
				c.handleTernary(it.Eager)
			default:
				fatalf("compiler.compile", "unexpected arity %v", it.Eager.Arity)
			}
		}
	}
	c.closeCurrent()
	return stripNilPlaceholders(c.instructions)
}

func stripNilPlaceholders(in []*Instruction) []*Instruction {
	out := make([]*Instruction, 0, len(in))
	for _, instr := range in {
		if instr != nil {
			out = append(out, instr)
		}
	}
	return out
}

func (c *compiler) closeCurrent() {
	if c.current != nil {
		c.appendFusion()
		c.current = nil
	}
}

// appendFusion closes c.current: drops it as dead code if nothing
// references its tail (spec §9 open question 2's endorsed simplification),
// otherwise finalizes and, if the tail is held by at most the pending
// instruction's compile-balance reference plus one consuming op's retain,
// records it in the history cache for reopening.
func (c *compiler) appendFusion() {
	f := c.current
	if f.tailRefcountSnapshot == 0 {
		// Dropped as dead code (spec §8 S6): release the compiler's hold on
		// every head this fusion would otherwise have carried to an
		// instruction, since no instruction will ever exist to release them
		// at completion.
		for _, h := range f.heads {
			if h != nil {
				h.Release()
			}
		}
		return
	}

	f.tail.Initialized = true

	idx := len(c.instructions)
	c.instructions = append(c.instructions, &Instruction{Elementwise: &Elementwise{
		Operations:       append([]uint16(nil), f.ops...),
		Metadata:         append([]uint64(nil), f.metadata...),
		DataGroup:        f.group,
		Inputs:           f.heads,
		Output:           f.tail,
		Size:             f.size,
		NumFusedUnary:    f.numFusedUnary,
		NumFusedNonUnary: f.numFusedNonUnary,
	}})

	if f.tailRefcountSnapshot <= 2 {
		c.history.Set(f.tail, &closedFusionEntry{index: idx, state: f})
	}
}

// tryReopen looks up input in the history cache and, if it is eligible
// (compatible data group, still exclusively referenced, and enough free
// head slots for neededFreeSlots more operands), removes the cached
// instruction from the list and returns its state to resume building.
//
// Eligibility mirrors spec §4.2's invariant: the cached tail's refcount
// snapshot at close time was at most 2 (recorded above), and by the time
// this op consumes it no additional external reference has appeared.
// Since ExecuteOperation retains every input at record time (before this
// compile pass runs), the consuming op's own retain is already reflected
// in input.Refcount() here; refcount <= 2 therefore means "this op's
// retain plus the original compile-balance reference, and nothing else."
func (c *compiler) tryReopen(input *tensor.Handle, group dtype.Group, neededFreeSlots int) (*fusionInProgress, bool) {
	entry, ok := c.history.Get(input)
	if !ok {
		return nil, false
	}
	if entry.state.group != group {
		return nil, false
	}
	if input.Refcount() > 2 {
		return nil, false
	}
	if entry.state.freeHeadSlots() < neededFreeSlots {
		return nil, false
	}
	c.instructions[entry.index] = nil
	c.history.Delete(input)
	entry.state.tail.Initialized = false
	return entry.state, true
}

func (c *compiler) openFreshUnary(op *EagerOperation) {
	f := &fusionInProgress{group: op.Group, size: elementCount(op.Output)}
	f.heads[0] = op.Inputs[0]
	f.cur[0] = op.Inputs[0]
	c.current = f
	c.appendUnaryStep(op)
}

func (c *compiler) appendUnaryStep(op *EagerOperation) {
	f := c.current
	if op.Op != opNoOp {
		f.ops = append(f.ops, op.Op.code(Unary, op.Group))
	}
	f.metadata = append(f.metadata, op.Metadata...)
	f.numFusedUnary++
	f.cur[0] = op.Output
	f.tail = op.Output
	f.tailRefcountSnapshot = op.Output.Refcount()
}

func (c *compiler) handleUnary(op *EagerOperation) {
	in := op.Inputs[0]
	if c.current != nil && c.current.tail == in && c.current.group == op.Group {
		c.appendUnaryStep(op)
		releaseContinuationTail(in)
		return
	}
	c.closeCurrent()
	if reopened, ok := c.tryReopen(in, op.Group, 0); ok {
		c.current = reopened
		c.appendUnaryStep(op)
		releaseContinuationTail(in)
		return
	}
	c.openFreshUnary(op)
}

// canContinueBinary reports whether the current fusion can absorb op
// without closing: one input must equal the tail, and the fusion needs a
// free head slot for the other input unless it is already resident.
func canContinueBinary(f *fusionInProgress, op *EagerOperation) (tail, other *tensor.Handle, ok bool) {
	if f == nil || f.group != op.Group {
		return nil, nil, false
	}
	a, b := op.Inputs[0], op.Inputs[1]
	switch f.tail {
	case a:
		tail, other = a, b
	case b:
		tail, other = b, a
	default:
		return nil, nil, false
	}
	if _, already := f.headIndexOf(other); already {
		return tail, other, true
	}
	return tail, other, f.freeHeadSlots() > 0
}

func (c *compiler) appendBinaryStep(op *EagerOperation, tail, other *tensor.Handle) {
	f := c.current
	if _, ok := f.headIndexOf(other); !ok {
		f.bindNewOperand(other)
	}

	// desired register order follows the op's original argument order so
	// non-commutative ops (Sub, Div) stay correct.
	desired := [2]*tensor.Handle{op.Inputs[0], op.Inputs[1]}
	f.ops = append(f.ops, f.arrangeRegisters(desired[:])...)
	f.ops = append(f.ops, op.Op.code(Binary, op.Group))
	f.metadata = append(f.metadata, op.Metadata...)
	f.numFusedNonUnary++
	f.cur[0] = op.Output
	f.tail = op.Output
	f.tailRefcountSnapshot = op.Output.Refcount()
}

func (c *compiler) openFreshBinary(op *EagerOperation) {
	f := &fusionInProgress{group: op.Group, size: elementCount(op.Output)}
	f.heads[0], f.cur[0] = op.Inputs[0], op.Inputs[0]
	f.heads[1], f.cur[1] = op.Inputs[1], op.Inputs[1]
	c.current = f
	f.ops = append(f.ops, op.Op.code(Binary, op.Group))
	f.metadata = append(f.metadata, op.Metadata...)
	f.numFusedNonUnary++
	f.cur[0] = op.Output
	f.tail = op.Output
	f.tailRefcountSnapshot = op.Output.Refcount()
}

func (c *compiler) handleBinary(op *EagerOperation) {
	if tail, other, ok := canContinueBinary(c.current, op); ok {
		c.appendBinaryStep(op, tail, other)
		releaseContinuationTail(tail)
		return
	}
	c.closeCurrent()

	for _, candidate := range op.Inputs {
		otherOf := op.Inputs[0]
		if candidate == op.Inputs[0] {
			otherOf = op.Inputs[1]
		}
		entry, cached := c.history.Get(candidate)
		if !cached {
			continue
		}
		needed := 0
		if _, alreadyLoaded := entry.state.headIndexOf(otherOf); !alreadyLoaded {
			needed = 1
		}
		if reopened, ok := c.tryReopen(candidate, op.Group, needed); ok {
			c.current = reopened
			c.appendBinaryStep(op, candidate, otherOf)
			releaseContinuationTail(candidate)
			return
		}
	}
	c.openFreshBinary(op)
}

func (c *compiler) appendTernaryStep(op *EagerOperation, tail *tensor.Handle, fresh []*tensor.Handle) {
	f := c.current
	for _, operand := range fresh {
		if _, ok := f.headIndexOf(operand); !ok {
			f.bindNewOperand(operand)
		}
	}
	desired := []*tensor.Handle{op.Inputs[0], op.Inputs[1], op.Inputs[2]}
	f.ops = append(f.ops, f.arrangeRegisters(desired)...)
	f.ops = append(f.ops, op.Op.code(Ternary, op.Group))
	f.metadata = append(f.metadata, op.Metadata...)
	f.numFusedNonUnary++
	f.cur[0] = op.Output
	f.tail = op.Output
	f.tailRefcountSnapshot = op.Output.Refcount()
}

func (c *compiler) openFreshTernary(op *EagerOperation) {
	f := &fusionInProgress{group: op.Group, size: elementCount(op.Output)}
	for i := 0; i < 3; i++ {
		f.heads[i], f.cur[i] = op.Inputs[i], op.Inputs[i]
	}
	c.current = f
	f.ops = append(f.ops, op.Op.code(Ternary, op.Group))
	f.metadata = append(f.metadata, op.Metadata...)
	f.numFusedNonUnary++
	f.cur[0] = op.Output
	f.tail = op.Output
	f.tailRefcountSnapshot = op.Output.Refcount()
}

// handleTernary requires input3 (the compiler's internal slot 2) to be
// free at the start of a continuation, mirroring spec §4.2: "Requires
// input3==nil at start (allows placing two new heads)."
func (c *compiler) handleTernary(op *EagerOperation) {
	f := c.current
	if f != nil && f.group == op.Group && f.heads[2] == nil {
		var tailIdx = -1
		for i, in := range op.Inputs {
			if in == f.tail {
				tailIdx = i
				break
			}
		}
		if tailIdx >= 0 {
			fresh := make([]*tensor.Handle, 0, 2)
			for i, in := range op.Inputs {
				if i == tailIdx {
					continue
				}
				if _, ok := f.headIndexOf(in); !ok {
					fresh = append(fresh, in)
				}
			}
			if f.freeHeadSlots() >= len(fresh) {
				continuedTail := f.tail
				c.appendTernaryStep(op, continuedTail, fresh)
				releaseContinuationTail(continuedTail)
				return
			}
		}
	}
	c.closeCurrent()
	for _, candidate := range op.Inputs {
		entry, cached := c.history.Get(candidate)
		if !cached {
			continue
		}
		var fresh []*tensor.Handle
		seen := map[*tensor.Handle]bool{candidate: true}
		for _, in := range op.Inputs {
			if seen[in] {
				continue
			}
			seen[in] = true
			if _, already := entry.state.headIndexOf(in); !already {
				fresh = append(fresh, in)
			}
		}
		if reopened, ok := c.tryReopen(candidate, op.Group, len(fresh)); ok {
			c.current = reopened
			c.appendTernaryStep(op, candidate, fresh)
			releaseContinuationTail(candidate)
			return
		}
	}
	c.openFreshTernary(op)
}

func elementCount(h *tensor.Handle) int {
	if h.DType().Stride() == 0 {
		return 0
	}
	return h.ByteCount() / h.DType().Stride()
}
