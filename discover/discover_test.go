package discover

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vertexml/tensorcore/alloc"
	"github.com/vertexml/tensorcore/device"
)

func TestRegisterAndLookup(t *testing.T) {
	dev := device.New(device.NewEncoder("software"), alloc.New(0))
	info := Register("gpu0", dev)

	got, ok := Lookup(info.ID)
	require.True(t, ok)
	require.Equal(t, "gpu0", got.Name)
	require.Same(t, dev, got.Dev)
}

func TestAllReturnsRegistrationOrder(t *testing.T) {
	before := len(All())
	dev := device.New(device.NewEncoder("software"), alloc.New(0))
	Register("gpu-last", dev)
	all := All()
	require.Len(t, all, before+1)
	require.Equal(t, "gpu-last", all[len(all)-1].Name)
}
