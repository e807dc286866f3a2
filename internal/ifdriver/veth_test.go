package ifdriver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/dhcpagent/internal/model"
)

func testSpec() InterfaceSpec {
	return InterfaceSpec{NetworkID: "N1", Name: "tap-N1", HostPeer: "htap-N1"}
}

func notFound() error {
	return ErrNotFound
}

func TestVethPlugCreatesPair(t *testing.T) {
	nl := new(MockNetlinker)
	d, err := New(DriverVeth, Options{Netlinker: nl})
	require.NoError(t, err)

	nsLink := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: "tap-N1", Index: 7}}
	peer := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: "htap-N1", Index: 8}}

	nl.On("LinkByName", "ns-N1", "tap-N1").Return(nil, notFound()).Once()
	nl.On("LinkByName", "", "htap-N1").Return(nil, notFound()).Once()
	nl.On("LinkByName", "", "tap-N1").Return(nil, notFound()).Once()
	nl.On("LinkAdd", "", mock.MatchedBy(func(v *netlink.Veth) bool {
		return v.Name == "tap-N1" && v.PeerName == "htap-N1"
	})).Return(nil).Once()
	nl.On("LinkByName", "", "tap-N1").Return(nsLink, nil).Once()
	nl.On("LinkSetNs", nsLink, "ns-N1").Return(nil).Once()
	nl.On("LinkByName", "ns-N1", "tap-N1").Return(nsLink, nil).Once()
	nl.On("LinkSetUp", "ns-N1", nsLink).Return(nil).Once()
	nl.On("LinkByName", "", "htap-N1").Return(peer, nil).Once()
	nl.On("LinkSetUp", "", peer).Return(nil).Once()
	nl.On("DisableTxOffload", "ns-N1", "tap-N1").Return(errors.New("no ethtool")).Once()

	h, err := d.Plug(context.Background(), "ns-N1", testSpec())
	require.NoError(t, err, "offload failure is not fatal")
	assert.Equal(t, "tap-N1", h.Name)
	assert.Equal(t, "htap-N1", h.HostPeer)
	assert.Equal(t, "ns-N1", h.Namespace)
	assert.Equal(t, DriverVeth, h.Driver)
	nl.AssertExpectations(t)
}

func TestVethPlugExistingIsNoop(t *testing.T) {
	nl := new(MockNetlinker)
	d, _ := New(DriverVeth, Options{Netlinker: nl})

	nsLink := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: "tap-N1"}}
	peer := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: "htap-N1"}}
	nl.On("LinkByName", "ns-N1", "tap-N1").Return(nsLink, nil)
	nl.On("LinkSetUp", "ns-N1", nsLink).Return(nil)
	nl.On("LinkByName", "", "htap-N1").Return(peer, nil)
	nl.On("LinkSetUp", "", peer).Return(nil)

	_, err := d.Plug(context.Background(), "ns-N1", testSpec())
	require.NoError(t, err)
	nl.AssertNotCalled(t, "LinkAdd", mock.Anything, mock.Anything)
	nl.AssertExpectations(t)
}

func TestVethPlugFailureCleansUp(t *testing.T) {
	nl := new(MockNetlinker)
	d, _ := New(DriverVeth, Options{Netlinker: nl})

	nsLink := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: "tap-N1"}}
	peer := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: "htap-N1"}}

	nl.On("LinkByName", "ns-N1", "tap-N1").Return(nil, notFound())
	nl.On("LinkByName", "", "htap-N1").Return(nil, notFound()).Once()
	nl.On("LinkByName", "", "tap-N1").Return(nil, notFound()).Once()
	nl.On("LinkAdd", "", mock.Anything).Return(nil).Once()
	nl.On("LinkByName", "", "tap-N1").Return(nsLink, nil).Once()
	nl.On("LinkSetNs", nsLink, "ns-N1").Return(errors.New("EPERM")).Once()
	// cleanup
	nl.On("LinkByName", "", "htap-N1").Return(peer, nil).Once()
	nl.On("LinkDel", "", peer).Return(nil).Once()

	_, err := d.Plug(context.Background(), "ns-N1", testSpec())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EPERM")
	nl.AssertExpectations(t)
}

func TestVethUnplugIdempotent(t *testing.T) {
	nl := new(MockNetlinker)
	d, _ := New(DriverVeth, Options{Netlinker: nl})

	nl.On("LinkByName", mock.Anything, mock.Anything).Return(nil, notFound())

	err := d.Unplug(context.Background(), handleFor("ns-N1"))
	assert.NoError(t, err)
	nl.AssertNotCalled(t, "LinkDel", mock.Anything, mock.Anything)
}

func handleFor(ns string) model.InterfaceHandle {
	return model.InterfaceHandle{Name: "tap-N1", HostPeer: "htap-N1", Namespace: ns, Driver: DriverVeth}
}

func TestVethSetAddressesReconciles(t *testing.T) {
	nl := new(MockNetlinker)
	d, _ := New(DriverVeth, Options{Netlinker: nl})

	link := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: "tap-N1"}}
	stale, _ := netlink.ParseAddr("10.0.0.9/24")
	keep, _ := netlink.ParseAddr("10.1.0.254/24")

	nl.On("LinkByName", "ns-N1", "tap-N1").Return(link, nil)
	nl.On("AddrList", "ns-N1", link, unix.AF_INET).Return([]netlink.Addr{*stale, *keep}, nil)
	nl.On("AddrDel", "ns-N1", link, mock.MatchedBy(func(a *netlink.Addr) bool {
		return a.IPNet.String() == "10.0.0.9/24"
	})).Return(nil).Once()
	nl.On("AddrAdd", "ns-N1", link, mock.MatchedBy(func(a *netlink.Addr) bool {
		return a.IPNet.String() == "10.0.0.254/24"
	})).Return(nil).Once()

	h := handleFor("ns-N1")
	err := d.SetAddresses(context.Background(), h, []string{"10.0.0.254/24", "10.1.0.254/24"})
	require.NoError(t, err)
	nl.AssertExpectations(t)
}

func TestVethAddressesSorted(t *testing.T) {
	nl := new(MockNetlinker)
	d, _ := New(DriverVeth, Options{Netlinker: nl})

	link := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: "tap-N1"}}
	a, _ := netlink.ParseAddr("10.1.0.254/24")
	b, _ := netlink.ParseAddr("10.0.0.254/24")
	nl.On("LinkByName", "ns-N1", "tap-N1").Return(link, nil)
	nl.On("AddrList", "ns-N1", link, unix.AF_INET).Return([]netlink.Addr{*a, *b}, nil)

	got, err := d.Addresses(context.Background(), handleFor("ns-N1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.254/24", "10.1.0.254/24"}, got)
}

func TestBridgeAttach(t *testing.T) {
	nl := new(MockNetlinker)
	d, err := New(DriverBridge, Options{Netlinker: nl, Bridge: "br-int"})
	require.NoError(t, err)

	nsLink := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: "tap-N1"}}
	peer := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: "htap-N1", Index: 8}}
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: "br-int", Index: 3}}

	nl.On("LinkByName", "ns-N1", "tap-N1").Return(nsLink, nil)
	nl.On("LinkSetUp", mock.Anything, mock.Anything).Return(nil)
	nl.On("LinkByName", "", "htap-N1").Return(peer, nil)
	nl.On("LinkByName", "", "br-int").Return(br, nil)
	nl.On("LinkSetMaster", "", peer, br).Return(nil).Once()

	_, err = d.Plug(context.Background(), "ns-N1", testSpec())
	require.NoError(t, err)
	nl.AssertExpectations(t)
}

func TestOVSAttachAndDetach(t *testing.T) {
	nl := new(MockNetlinker)
	ex := new(MockCommandExecutor)
	d, err := New(DriverOVS, Options{Netlinker: nl, Executor: ex, Bridge: "br-int"})
	require.NoError(t, err)

	nsLink := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: "tap-N1"}}
	peer := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: "htap-N1"}}
	nl.On("LinkByName", "ns-N1", "tap-N1").Return(nsLink, nil)
	nl.On("LinkSetUp", mock.Anything, mock.Anything).Return(nil)
	nl.On("LinkByName", "", "htap-N1").Return(peer, nil)
	nl.On("LinkDel", "ns-N1", nsLink).Return(nil)

	ex.On("RunCommand", "ovs-vsctl", []string{
		"--may-exist", "add-port", "br-int", "htap-N1",
		"--", "set", "Interface", "htap-N1", "external-ids:iface-id=N1",
	}).Return("", nil).Once()
	ex.On("RunCommand", "ovs-vsctl", []string{
		"--if-exists", "del-port", "br-int", "htap-N1",
	}).Return("", nil).Once()

	h, err := d.Plug(context.Background(), "ns-N1", testSpec())
	require.NoError(t, err)
	require.NoError(t, d.Unplug(context.Background(), h))
	ex.AssertExpectations(t)
	nl.AssertCalled(t, "LinkDel", "ns-N1", nsLink)
}

func TestNewDriver(t *testing.T) {
	_, err := New("macvtap", Options{})
	assert.Error(t, err)

	_, err = New(DriverBridge, Options{})
	assert.Error(t, err, "bridge driver needs a bridge name")

	d, err := New(DriverVeth, Options{Netlinker: new(MockNetlinker)})
	require.NoError(t, err)
	assert.Equal(t, DriverVeth, d.Name())
}

func TestDeviceName(t *testing.T) {
	assert.Equal(t, "tap-N1", DeviceName("tap-", "N1"))
	long := DeviceName("tap-", "3f1c9a52-8d7e-4b1a-9c33-0d2f1e6a7b90")
	assert.Len(t, long, 15)
	assert.Equal(t, long, DeviceName("tap-", "3f1c9a52-8d7e-4b1a-9c33-0d2f1e6a7b90"), "stable")
	assert.Regexp(t, `^tap-[0-9a-f]{11}$`, long)

	// ids sharing their first characters must not share a device
	for _, prefix := range []string{"tap-", "htap-"} {
		a := DeviceName(prefix, "tenant-blue-1")
		b := DeviceName(prefix, "tenant-blue-2")
		assert.NotEqual(t, a, b, prefix)
		assert.LessOrEqual(t, len(a), 15)
	}
}

func TestPlugRejectsBadMAC(t *testing.T) {
	nl := new(MockNetlinker)
	d, _ := New(DriverVeth, Options{Netlinker: nl})
	nl.On("LinkByName", mock.Anything, mock.Anything).Return(nil, notFound())

	spec := testSpec()
	spec.MAC = "not-a-mac"
	_, err := d.Plug(context.Background(), "", spec)
	assert.ErrorContains(t, err, "interface mac")
	nl.AssertNotCalled(t, "LinkAdd", mock.Anything, mock.Anything)
}
