package dhcpproc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/dhcpagent/internal/model"
)

func testNetwork() *model.Network {
	return &model.Network{
		ID:       "N1",
		Enabled:  true,
		Revision: "1",
		Subnets: []model.Subnet{{
			ID:         "s1",
			CIDR:       "10.0.0.0/24",
			GatewayIP:  "10.0.0.1",
			EnableDHCP: true,
			DNSServers: []string{"10.0.0.53"},
		}},
	}
}

func testRenderOptions(dir string) RenderOptions {
	return RenderOptions{
		Interface:     "tap-N1",
		Dir:           dir,
		LeaseDuration: 24 * time.Hour,
		Domain:        "openstacklocal",
	}
}

func TestRenderN1(t *testing.T) {
	art, err := Render(testNetwork(), testRenderOptions("/var/lib/dhcpagent/dhcp/N1"))
	require.NoError(t, err)

	conf := string(art.Config)
	for _, want := range []string{
		"interface=tap-N1\n",
		"bind-interfaces\n",
		"listen-address=10.0.0.254\n",
		"dhcp-range=set:subnet0,10.0.0.2,10.0.0.253,255.255.255.0,86400s\n",
		"dhcp-hostsfile=/var/lib/dhcpagent/dhcp/N1/host\n",
		"dhcp-optsfile=/var/lib/dhcpagent/dhcp/N1/opts\n",
		"domain=openstacklocal\n",
	} {
		assert.Contains(t, conf, want)
	}
	assert.Empty(t, art.Hosts)
	assert.Equal(t, "tag:subnet0,option:router,10.0.0.1\ntag:subnet0,option:dns-server,10.0.0.53\n", string(art.Opts))
}

func TestRenderFingerprintIgnoresRevision(t *testing.T) {
	n := testNetwork()
	a, err := Render(n, testRenderOptions("/d"))
	require.NoError(t, err)

	n.Revision = "2"
	b, err := Render(n, testRenderOptions("/d"))
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestRenderReservationOnlyChangesHosts(t *testing.T) {
	n := testNetwork()
	before, err := Render(n, testRenderOptions("/d"))
	require.NoError(t, err)

	n.Subnets[0].Hosts = []model.HostReservation{{MAC: "AA:BB:CC:DD:EE:FF", IP: "10.0.0.5"}}
	after, err := Render(n, testRenderOptions("/d"))
	require.NoError(t, err)

	assert.Equal(t, "aa:bb:cc:dd:ee:ff,host-10-0-0-5,10.0.0.5\n", string(after.Hosts))
	assert.NotEqual(t, before.Fingerprint(), after.Fingerprint())
	scope := before.Fingerprints().Changed(after.Fingerprints())
	assert.Equal(t, ReloadScope{Hosts: true}, scope)
}

func TestRenderRejectsInvalidNetwork(t *testing.T) {
	n := testNetwork()
	n.Subnets = append(n.Subnets, model.Subnet{ID: "s2", CIDR: "10.0.0.0/25", EnableDHCP: true})
	_, err := Render(n, testRenderOptions("/d"))
	require.Error(t, err)
	assert.True(t, model.IsPermanent(err))
}

func TestRenderedArtifactsParse(t *testing.T) {
	dir := t.TempDir()
	n := testNetwork()
	n.Subnets[0].Hosts = []model.HostReservation{{MAC: "aa:bb:cc:dd:ee:ff", IP: "10.0.0.5", Hostname: "web"}}
	n.Subnets[0].LeaseSeconds = 600

	art, err := Render(n, testRenderOptions(dir))
	require.NoError(t, err)
	for name, data := range art.Files() {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}

	cfg, err := ParseDir(dir)
	require.NoError(t, err)
	assert.Empty(t, cfg.Warnings)
	assert.Equal(t, "tap-N1", cfg.Interface)
	assert.Equal(t, "openstacklocal", cfg.Domain)
	assert.Equal(t, filepath.Join(dir, LeaseFile), cfg.LeaseFile)
	require.Len(t, cfg.Ranges, 1)
	assert.Equal(t, "subnet0", cfg.Ranges[0].Tag)
	assert.Equal(t, "10.0.0.2", cfg.Ranges[0].Start.String())
	assert.Equal(t, 10*time.Minute, cfg.Ranges[0].Lease)
	require.Len(t, cfg.Hosts, 1)
	assert.Equal(t, "web", cfg.Hosts[0].Hostname)
	assert.Equal(t, "10.0.0.1", cfg.Options["subnet0"].Router.String())
	require.Len(t, cfg.Listen, 1)
	assert.Equal(t, "10.0.0.254", cfg.Listen[0].String())
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"86400s", 24 * time.Hour},
		{"3600", time.Hour},
		{"12h", 12 * time.Hour},
		{"2d", 48 * time.Hour},
		{"1w", 7 * 24 * time.Hour},
		{"infinite", 0},
		{"1h30m", 90 * time.Minute},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseDuration("soon")
	assert.Error(t, err)
}

func TestParseConfigWarnings(t *testing.T) {
	cfg, err := ParseConfig([]byte("interface=tap-x\ndhcp-range=set:a,10.0.0.2,bogus,255.255.255.0\ndhcp-range=set:b,10.1.0.2,10.1.0.9,255.255.255.0,1h\n"))
	require.NoError(t, err)
	assert.Len(t, cfg.Ranges, 1)
	require.Len(t, cfg.Warnings, 1)
	assert.True(t, strings.HasPrefix(cfg.Warnings[0], "line 2:"))

	_, err = ParseConfig([]byte("interface=tap-x\n"))
	assert.Error(t, err, "no ranges")
}
