package device

import (
	"github.com/vertexml/tensorcore/dtype"
	"github.com/vertexml/tensorcore/tensor"
)

// CreateTensor implements spec §6 createTensor: allocate a handle and, if
// data is non-nil, fill it immediately and mark it initialized. A scalar
// create stores its value in ConstantData instead of a device buffer, so
// later unary ops over it are eligible for constant folding (spec §4.6).
func (d *Device) CreateTensor(dt dtype.DType, shape []int, data []byte) *tensor.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := tensor.New(d, dt, shape)
	if data == nil {
		return h
	}
	if len(data) != h.ByteCount() {
		fatalf("CreateTensor", "data length %d does not match tensor byte count %d", len(data), h.ByteCount())
	}
	if h.IsScalar() {
		h.ConstantData = append([]byte(nil), data...)
		h.Initialized = true
		return h
	}

	buf, err := d.allocator.Alloc(h.ByteCount(), true)
	if err != nil {
		panic(&OOMError{Requested: h.ByteCount(), Err: err})
	}
	copy(buf.Bytes(), data)
	h.Buffer = buf
	h.Materialized = true
	h.Initialized = true
	return h
}

// ReadTensor implements spec §6 readTensor: force a full flush and barrier
// so every pending write to h has completed, then copy its bytes out to
// the host. Reading an uninitialized tensor is a programmer error (spec
// §7 kind 1).
func (d *Device) ReadTensor(h *tensor.Handle) []byte {
	d.Barrier()

	d.mu.Lock()
	defer d.mu.Unlock()
	if !h.Initialized {
		fatalf("ReadTensor", "read of uninitialized tensor %s", h)
	}
	if h.ConstantData != nil {
		return append([]byte(nil), h.ConstantData...)
	}
	if h.Buffer == nil {
		fatalf("ReadTensor", "tensor %s has no backing buffer", h)
	}
	out := make([]byte, h.Buffer.ByteCount())
	copy(out, h.Buffer.Bytes())
	return out
}

// ReleaseTensor implements spec §6 deleteTensor: drop the caller's
// reference. The handle's storage is reclaimed once the refcount reaches
// zero (tensor.Handle.Release).
func (d *Device) ReleaseTensor(h *tensor.Handle) {
	h.Release()
}

// CopyTensor moves a tensor from src's device to dst, round-tripping
// through the host since the two devices may not share an address space
// (supplemented multi-device feature; spec §5 names copyTensor but scopes
// its cross-device mechanics out as an external-interface concern).
func CopyTensor(dst *Device, src *Device, h *tensor.Handle) *tensor.Handle {
	if dst == src {
		return dst.ExecuteCopy(h)
	}
	data := src.ReadTensor(h)
	return dst.CreateTensor(h.DType(), h.Shape(), data)
}
