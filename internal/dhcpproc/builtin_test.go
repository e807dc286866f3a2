package dhcpproc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/dhcpagent/internal/model"
)

func writeRendered(t *testing.T, dir string, n *model.Network) {
	t.Helper()
	art, err := Render(n, testRenderOptions(dir))
	require.NoError(t, err)
	for name, data := range art.Files() {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
}

func loopbackBuiltin() *Builtin {
	b := NewBuiltin()
	b.listen = func(Launch) (net.PacketConn, error) {
		return net.ListenPacket("udp4", "127.0.0.1:0")
	}
	return b
}

func discover(t *testing.T, mac string) *dhcpv4.DHCPv4 {
	t.Helper()
	hw, err := net.ParseMAC(mac)
	require.NoError(t, err)
	m, err := dhcpv4.NewDiscovery(hw)
	require.NoError(t, err)
	return m
}

func TestBuiltinOfferAndAck(t *testing.T) {
	dir := t.TempDir()
	n := testNetwork()
	n.Subnets[0].Hosts = []model.HostReservation{{MAC: "aa:bb:cc:dd:ee:ff", IP: "10.0.0.5", Hostname: "web"}}
	writeRendered(t, dir, n)

	b := loopbackBuiltin()
	l := Launch{NetworkID: "N1", Interface: "tap-N1", Dir: dir}
	h, err := b.Start(context.Background(), l)
	require.NoError(t, err)
	defer b.Stop(context.Background(), h)
	srv, ok := b.server(h)
	require.True(t, ok)

	// reserved client
	offer, err := srv.handle(discover(t, "aa:bb:cc:dd:ee:ff"))
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, dhcpv4.MessageTypeOffer, offer.MessageType())
	assert.Equal(t, "10.0.0.5", offer.YourIPAddr.String())
	assert.Equal(t, "10.0.0.254", offer.ServerIdentifier().String())
	assert.Equal(t, "web", offer.HostName())

	// dynamic client
	offer, err = srv.handle(discover(t, "02:00:00:00:00:01"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", offer.YourIPAddr.String())
	require.Len(t, offer.Router(), 1)
	assert.Equal(t, "10.0.0.1", offer.Router()[0].String())
	assert.Equal(t, net.IPv4Mask(255, 255, 255, 0), offer.SubnetMask())
	assert.Equal(t, 24*time.Hour, offer.IPAddressLeaseTime(0))

	req, err := dhcpv4.NewRequestFromOffer(offer)
	require.NoError(t, err)
	ack, err := srv.handle(req)
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.MessageTypeAck, ack.MessageType())
	assert.Equal(t, "10.0.0.2", ack.YourIPAddr.String())

	leases, err := os.ReadFile(filepath.Join(dir, LeaseFile))
	require.NoError(t, err)
	assert.Contains(t, string(leases), "02:00:00:00:00:01 10.0.0.2")

	// another client does not get the leased address
	offer, err = srv.handle(discover(t, "02:00:00:00:00:02"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", offer.YourIPAddr.String())
}

func TestBuiltinNaksForeignAddress(t *testing.T) {
	dir := t.TempDir()
	n := testNetwork()
	n.Subnets[0].Hosts = []model.HostReservation{{MAC: "aa:bb:cc:dd:ee:ff", IP: "10.0.0.5"}}
	writeRendered(t, dir, n)

	b := loopbackBuiltin()
	h, err := b.Start(context.Background(), Launch{NetworkID: "N1", Interface: "tap-N1", Dir: dir})
	require.NoError(t, err)
	defer b.Stop(context.Background(), h)
	srv, _ := b.server(h)

	hw, _ := net.ParseMAC("02:00:00:00:00:09")
	req, err := dhcpv4.NewDiscovery(hw)
	require.NoError(t, err)
	req.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeRequest))
	req.UpdateOption(dhcpv4.OptRequestedIPAddress(net.ParseIP("10.0.0.5")))

	reply, err := srv.handle(req)
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.MessageTypeNak, reply.MessageType())
}

func TestBuiltinReloadKeepsInstance(t *testing.T) {
	dir := t.TempDir()
	n := testNetwork()
	writeRendered(t, dir, n)

	b := loopbackBuiltin()
	ctx := context.Background()
	l := Launch{NetworkID: "N1", Interface: "tap-N1", Dir: dir}
	h, err := b.Start(ctx, l)
	require.NoError(t, err)
	assert.True(t, b.Alive(h))

	n.Subnets[0].Hosts = []model.HostReservation{{MAC: "aa:bb:cc:dd:ee:01", IP: "10.0.0.77"}}
	writeRendered(t, dir, n)
	require.NoError(t, b.Reload(ctx, h, l, ReloadScope{Hosts: true}))
	assert.True(t, b.Alive(h))

	srv, ok := b.server(h)
	require.True(t, ok)
	offer, err := srv.handle(discover(t, "aa:bb:cc:dd:ee:01"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.77", offer.YourIPAddr.String())

	require.NoError(t, b.Stop(ctx, h))
	assert.False(t, b.Alive(h))
	require.NoError(t, b.Stop(ctx, h))
	assert.Error(t, b.Reload(ctx, h, l, ReloadScope{Hosts: true}))
}

func TestBuiltinLeasesSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	writeRendered(t, dir, testNetwork())
	ctx := context.Background()
	l := Launch{NetworkID: "N1", Interface: "tap-N1", Dir: dir}

	b := loopbackBuiltin()
	h, err := b.Start(ctx, l)
	require.NoError(t, err)
	srv, _ := b.server(h)
	offer, err := srv.handle(discover(t, "02:00:00:00:00:01"))
	require.NoError(t, err)
	req, err := dhcpv4.NewRequestFromOffer(offer)
	require.NoError(t, err)
	_, err = srv.handle(req)
	require.NoError(t, err)
	require.NoError(t, b.Stop(ctx, h))

	h, err = b.Start(ctx, l)
	require.NoError(t, err)
	defer b.Stop(ctx, h)
	srv, _ = b.server(h)
	offer, err = srv.handle(discover(t, "02:00:00:00:00:02"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", offer.YourIPAddr.String(), "persisted lease stays taken")

	data, _ := os.ReadFile(filepath.Join(dir, LeaseFile))
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
}

func TestPoolNextSkips(t *testing.T) {
	p := newPool(Range{Start: net.ParseIP("10.0.0.2").To4(), End: net.ParseIP("10.0.0.4").To4(), Mask: net.CIDRMask(24, 32)})
	p.mark(net.ParseIP("10.0.0.2"))

	ip, ok := p.next(func(ip net.IP) bool { return ip.Equal(net.ParseIP("10.0.0.3")) })
	require.True(t, ok)
	assert.Equal(t, "10.0.0.4", ip.String())

	p.mark(ip)
	_, ok = p.next(func(ip net.IP) bool { return ip.Equal(net.ParseIP("10.0.0.3")) })
	assert.False(t, ok)

	p.release(net.ParseIP("10.0.0.2"))
	ip, ok = p.next(nil)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2", ip.String())
}
