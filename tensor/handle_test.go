package tensor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vertexml/tensorcore/dtype"
)

type fakeOwner struct {
	released []*Handle
}

func (o *fakeOwner) ReleaseHandle(h *Handle) {
	o.released = append(o.released, h)
}

func TestNewComputesByteCount(t *testing.T) {
	h := New(&fakeOwner{}, dtype.F32, []int{2, 3})
	require.Equal(t, 24, h.ByteCount())
	require.Equal(t, 2, h.Rank())
	require.Equal(t, []int{2, 3}, h.Shape())
	require.False(t, h.IsScalar())
}

func TestScalarByteCount(t *testing.T) {
	h := New(&fakeOwner{}, dtype.F32, nil)
	require.True(t, h.IsScalar())
	require.Equal(t, 4, h.ByteCount())
}

func TestRetainReleaseDropsAtZero(t *testing.T) {
	owner := &fakeOwner{}
	h := New(owner, dtype.I32, []int{4})
	require.EqualValues(t, 1, h.Refcount())

	h.Retain()
	require.EqualValues(t, 2, h.Refcount())

	h.Release()
	require.Empty(t, owner.released)

	h.Release()
	require.Len(t, owner.released, 1)
	require.Same(t, h, owner.released[0])
}

func TestSameShape(t *testing.T) {
	a := New(&fakeOwner{}, dtype.F32, []int{2, 3})
	b := New(&fakeOwner{}, dtype.F32, []int{2, 3})
	c := New(&fakeOwner{}, dtype.F32, []int{3, 2})
	require.True(t, a.SameShape(b))
	require.False(t, a.SameShape(c))
}

func TestNewRejectsInvalidDType(t *testing.T) {
	require.Panics(t, func() {
		New(&fakeOwner{}, dtype.Invalid, []int{1})
	})
}
