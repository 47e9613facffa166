package device

import (
	"encoding/binary"
	"math"
)

// Attributes is the decoded form of the packed attribute buffer spec §6
// describes: one 16-byte slot per top-level attribute. Fixed-width scalars
// live directly in a slot; strings and arrays are a {pointer, length} pair.
// The registry/dispatch table that builds these buffers from the
// frontend's call is explicitly out of scope (spec §1) — this type only
// needs to model the contract it hands to the operation queue, so the
// {pointer, length} pair is represented as an index into an in-process
// blob table rather than a real foreign pointer, since there is no actual
// FFI boundary inside a single Go process.
type Attributes struct {
	slots [][16]byte
	blobs [][]byte
}

const slotSize = 16

// AttributeBuilder constructs an Attributes value one slot at a time, in
// call order, mirroring how the (out-of-scope) dispatch layer would pack
// arguments before invoking the queue.
type AttributeBuilder struct {
	a Attributes
}

func NewAttributeBuilder() *AttributeBuilder {
	return &AttributeBuilder{}
}

func (b *AttributeBuilder) putSlot(encode func([]byte)) *AttributeBuilder {
	var slot [slotSize]byte
	encode(slot[:])
	b.a.slots = append(b.a.slots, slot)
	return b
}

// PutInt32 appends a fixed-width scalar slot.
func (b *AttributeBuilder) PutInt32(v int32) *AttributeBuilder {
	return b.putSlot(func(s []byte) { binary.LittleEndian.PutUint32(s[0:4], uint32(v)) })
}

// PutFloat32 appends a fixed-width scalar slot.
func (b *AttributeBuilder) PutFloat32(v float32) *AttributeBuilder {
	return b.PutInt32(int32(math.Float32bits(v)))
}

// PutUint64 appends a fixed-width scalar slot.
func (b *AttributeBuilder) PutUint64(v uint64) *AttributeBuilder {
	return b.putSlot(func(s []byte) { binary.LittleEndian.PutUint64(s[0:8], v) })
}

// PutBool appends a fixed-width scalar slot.
func (b *AttributeBuilder) PutBool(v bool) *AttributeBuilder {
	var i int32
	if v {
		i = 1
	}
	return b.PutInt32(i)
}

// PutBytes appends a {pointer, length} slot referencing data. Arrays of
// arrays/strings would recurse through nested blobs with inner elements
// packed rather than padded to 16 bytes (spec §6); a single flat blob
// covers every shape this runtime's op set actually consumes.
func (b *AttributeBuilder) PutBytes(data []byte) *AttributeBuilder {
	idx := len(b.a.blobs)
	b.a.blobs = append(b.a.blobs, data)
	return b.putSlot(func(s []byte) {
		binary.LittleEndian.PutUint32(s[0:4], uint32(idx))
		binary.LittleEndian.PutUint32(s[4:8], uint32(len(data)))
	})
}

// PutInt32Array appends a {pointer, length} slot over native-stride int32s.
func (b *AttributeBuilder) PutInt32Array(vals []int32) *AttributeBuilder {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return b.PutBytes(buf)
}

func (b *AttributeBuilder) Build() Attributes { return b.a }

func (a Attributes) Len() int { return len(a.slots) }

func (a Attributes) slot(i int) [16]byte {
	if i < 0 || i >= len(a.slots) {
		fatalf("Attributes", "attribute index %d out of range (have %d)", i, len(a.slots))
	}
	return a.slots[i]
}

func (a Attributes) Int32(i int) int32 {
	s := a.slot(i)
	return int32(binary.LittleEndian.Uint32(s[0:4]))
}

func (a Attributes) Float32(i int) float32 {
	return math.Float32frombits(uint32(a.Int32(i)))
}

func (a Attributes) Uint64(i int) uint64 {
	s := a.slot(i)
	return binary.LittleEndian.Uint64(s[0:8])
}

func (a Attributes) Bool(i int) bool {
	return a.Int32(i) != 0
}

func (a Attributes) Bytes(i int) []byte {
	s := a.slot(i)
	idx := binary.LittleEndian.Uint32(s[0:4])
	length := binary.LittleEndian.Uint32(s[4:8])
	if int(idx) >= len(a.blobs) {
		fatalf("Attributes", "attribute index %d references unknown blob %d", i, idx)
	}
	blob := a.blobs[idx]
	if int(length) > len(blob) {
		fatalf("Attributes", "attribute index %d length %d exceeds blob size %d", i, length, len(blob))
	}
	return blob[:length]
}

func (a Attributes) Int32Array(i int) []int32 {
	raw := a.Bytes(i)
	out := make([]int32, len(raw)/4)
	for j := range out {
		out[j] = int32(binary.LittleEndian.Uint32(raw[j*4:]))
	}
	return out
}
