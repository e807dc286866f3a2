//go:build linux

package ifdriver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/dhcpagent/internal/testutil"
)

func TestVethKernelRoundTrip(t *testing.T) {
	testutil.RequireVM(t)
	ctx := context.Background()

	ns := NewNamespaces(true)
	require.NoError(t, ns.Ensure("ns-vmtest"))
	defer ns.Delete("ns-vmtest")

	d, err := New(DriverVeth, Options{})
	require.NoError(t, err)
	spec := InterfaceSpec{NetworkID: "vmtest", Name: "tap-vmtest", HostPeer: "htap-vmtest", MAC: "fa:16:3e:00:00:01"}

	h, err := d.Plug(ctx, "ns-vmtest", spec)
	require.NoError(t, err)
	again, err := d.Plug(ctx, "ns-vmtest", spec)
	require.NoError(t, err)
	assert.Equal(t, h, again)

	require.NoError(t, d.SetAddresses(ctx, h, []string{"10.99.0.254/24", "10.98.0.254/24"}))
	require.NoError(t, d.SetAddresses(ctx, h, []string{"10.99.0.254/24"}))
	addrs, err := d.Addresses(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.99.0.254/24"}, addrs)

	require.NoError(t, d.Unplug(ctx, h))
	require.NoError(t, d.Unplug(ctx, h), "second unplug is a no-op")
	_, err = d.Addresses(ctx, h)
	assert.ErrorIs(t, err, ErrNotFound)
}
