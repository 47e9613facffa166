package device_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vertexml/tensorcore/alloc"
	"github.com/vertexml/tensorcore/device"
	"github.com/vertexml/tensorcore/dtype"
	"github.com/vertexml/tensorcore/tensor"
)

func newDevice(t *testing.T, maxBytesPerPool int) *device.Device {
	t.Helper()
	return device.New(device.NewEncoder("software"), alloc.New(maxBytesPerPool))
}

func f32Bytes(vals ...float32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func readF32(t *testing.T, data []byte) []float32 {
	t.Helper()
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// TestEagerChainMatchesExpectedResult runs a sqrt followed by a min against
// a broadcast scalar end to end through CreateTensor/ExecuteOperation/
// ReadTensor and checks the final host-visible value.
func TestEagerChainMatchesExpectedResult(t *testing.T) {
	d := newDevice(t, 0)

	a0 := d.CreateTensor(dtype.F32, []int{2}, f32Bytes(25, 25))
	pointNine := d.CreateTensor(dtype.F32, nil, f32Bytes(4.9))

	sq := d.ExecuteOperation("Sqrt", device.Attributes{}, []*tensor.Handle{a0})[0]
	mn := d.ExecuteOperation("Min", device.Attributes{}, []*tensor.Handle{sq, pointNine})[0]

	got := readF32(t, d.ReadTensor(mn))
	require.InDelta(t, 4.9, got[0], 1e-4)
	require.InDelta(t, 4.9, got[1], 1e-4)
}

func TestConstantFoldBypassesQueue(t *testing.T) {
	d := newDevice(t, 0)
	five := d.CreateTensor(dtype.F32, nil, f32Bytes(5))

	sq := d.ExecuteOperation("Square", device.Attributes{}, []*tensor.Handle{five})[0]
	require.True(t, sq.Initialized)
	require.NotNil(t, sq.ConstantData)

	got := readF32(t, d.ReadTensor(sq))
	require.InDelta(t, 25, got[0], 1e-6)
}

func TestCopyTensorRoundTrip(t *testing.T) {
	d := newDevice(t, 0)
	in := d.CreateTensor(dtype.I32, []int{3}, i32Bytes(1, 2, 3))
	out := d.ExecuteCopy(in)
	require.Equal(t, d.ReadTensor(in), d.ReadTensor(out))
}

func TestOOMDuringFlushAbortsAfterRetry(t *testing.T) {
	// Cap the pool at just over one buffer's worth: the input tensor fits,
	// but the op's output (a second same-size buffer) never will, even
	// after the command stream's barrier-and-retry recovery (spec §4.3
	// step 4, §7 kind 2).
	const bufSize = 4096 * 4
	d := newDevice(t, bufSize+100)
	big := d.CreateTensor(dtype.F32, []int{4096}, make([]byte, bufSize))

	require.Panics(t, func() {
		out := d.ExecuteOperation("Neg", device.Attributes{}, []*tensor.Handle{big})[0]
		d.ReadTensor(out)
	})
}

func TestDumpAllocatorReportsPoolStats(t *testing.T) {
	t.Setenv("DEBUG_PLUGGABLE_DEVICE_ALLOCATOR", "true")
	d := newDevice(t, 0)
	d.CreateTensor(dtype.F32, []int{4096}, make([]byte, 4096*4))
	require.Contains(t, d.DumpAllocator(), "chunks=")
}

func TestDumpAllocatorDisabledByDefault(t *testing.T) {
	d := newDevice(t, 0)
	require.Empty(t, d.DumpAllocator())
}

func i32Bytes(vals ...int32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return buf
}
