package dtype

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStride(t *testing.T) {
	cases := []struct {
		d    DType
		want int
	}{
		{Bool, 1}, {I8, 1}, {U8, 1},
		{F16, 2}, {I16, 2}, {U16, 2},
		{F32, 4}, {I32, 4}, {U32, 4},
		{I64, 8}, {U64, 8},
	}
	for _, c := range cases {
		if got := c.d.Stride(); got != c.want {
			t.Errorf("%v.Stride() = %d, want %d", c.d, got, c.want)
		}
	}
}

func TestGroupPartition(t *testing.T) {
	g64 := map[DType]bool{U32: true, I64: true, U64: true}
	for _, d := range All() {
		want := G32
		if g64[d] {
			want = G64
		}
		if got := d.Group(); got != want {
			t.Errorf("%v.Group() = %v, want %v", d, got, want)
		}
	}
}

func TestCodeRoundTrip(t *testing.T) {
	for _, d := range All() {
		code := d.ToCode()
		back, ok := FromCode(code)
		if !ok {
			t.Fatalf("FromCode(%d) not ok for dtype %v", code, d)
		}
		if back != d {
			t.Errorf("round trip %v -> %d -> %v, want %v", d, code, back, d)
		}
	}
}

func TestFromCodeUnsupported(t *testing.T) {
	if _, ok := FromCode(Code(2) /* F64 */); ok {
		t.Error("FromCode(F64) should be unsupported, this runtime has no F64 DType")
	}
}

func TestAllIsAscendingAndComplete(t *testing.T) {
	want := []DType{F16, F32, Bool, I8, I16, I32, I64, U8, U16, U32, U64}
	if diff := cmp.Diff(want, All()); diff != "" {
		t.Errorf("All() mismatch (-want +got):\n%s", diff)
	}
}

func TestValid(t *testing.T) {
	if Invalid.Valid() {
		t.Error("Invalid.Valid() should be false")
	}
	for _, d := range All() {
		if !d.Valid() {
			t.Errorf("%v.Valid() should be true", d)
		}
	}
}
