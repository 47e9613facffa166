package alloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocRoutesBySizeClass(t *testing.T) {
	h := New(0)

	small, err := h.Alloc(1024, true)
	require.NoError(t, err)
	require.Equal(t, 1024, small.ByteCount())

	large, err := h.Alloc(SmallAllocThreshold+1, true)
	require.NoError(t, err)
	require.GreaterOrEqual(t, large.ByteCount(), SmallAllocThreshold+1)
}

func TestFreeAllowsReuse(t *testing.T) {
	h := New(0)
	buf, err := h.Alloc(2048, true)
	require.NoError(t, err)
	h.Free(buf)

	reused, err := h.Alloc(2048, true)
	require.NoError(t, err)
	require.Equal(t, 2048, reused.ByteCount())
	require.Equal(t, 1, len(h.smallShared.chunks), "freeing and reallocating the same size should not grow a new chunk")
}

func TestAllocRoundsLargeRequests(t *testing.T) {
	h := New(0)
	buf, err := h.Alloc(SmallAllocThreshold+1, true)
	require.NoError(t, err)
	require.Zero(t, buf.ByteCount()%RoundLarge)
}

func TestAllocReturnsOOMWhenCapped(t *testing.T) {
	h := New(1024)
	_, err := h.Alloc(1024, true)
	require.NoError(t, err)

	_, err = h.Alloc(1024, true)
	require.Error(t, err)
	var oom *ErrOutOfMemory
	require.ErrorAs(t, err, &oom)
}

func TestDumpReportsAllFourPools(t *testing.T) {
	h := New(0)
	_, err := h.Alloc(1024, true)
	require.NoError(t, err)

	dump := h.Dump()
	require.Contains(t, dump, "small/shared")
	require.Contains(t, dump, "small/private")
	require.Contains(t, dump, "large/shared")
	require.Contains(t, dump, "large/private")
}

func TestSharedAndPrivatePoolsAreIndependent(t *testing.T) {
	h := New(0)
	shared, err := h.Alloc(1024, true)
	require.NoError(t, err)
	private, err := h.Alloc(1024, false)
	require.NoError(t, err)
	require.NotSame(t, shared.(*Buffer).p, private.(*Buffer).p)
}
