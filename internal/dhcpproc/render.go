package dhcpproc

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"grimm.is/dhcpagent/internal/model"
)

// Artifact file names inside a network's directory.
const (
	ConfigFile = "dnsmasq.conf"
	HostsFile  = "host"
	OptsFile   = "opts"
	LeaseFile  = "leases"
	PIDFile    = "pid"
	LaunchFile = "launch.json"
)

// RenderOptions carries agent-wide settings that shape the generated files.
type RenderOptions struct {
	// Interface the server listens on.
	Interface string
	// Dir is the network's artifact directory; file references are absolute.
	Dir           string
	LeaseDuration time.Duration
	Domain        string
	// DNSServers are handed out for subnets that declare none.
	DNSServers []string
}

// Artifacts are the rendered server configuration files of one network.
type Artifacts struct {
	Config []byte
	Hosts  []byte
	Opts   []byte
}

// Fingerprints holds per-artifact content hashes.
type Fingerprints struct {
	Config string `json:"config"`
	Hosts  string `json:"hosts"`
	Opts   string `json:"opts"`
}

// Changed reports which artifacts differ between f and other.
func (f Fingerprints) Changed(other Fingerprints) ReloadScope {
	return ReloadScope{
		Config: f.Config != other.Config,
		Hosts:  f.Hosts != other.Hosts,
		Opts:   f.Opts != other.Opts,
	}
}

func hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Fingerprints hashes each artifact.
func (a *Artifacts) Fingerprints() Fingerprints {
	return Fingerprints{
		Config: hash(a.Config),
		Hosts:  hash(a.Hosts),
		Opts:   hash(a.Opts),
	}
}

// Fingerprint is the combined content hash of all artifacts.
func (a *Artifacts) Fingerprint() string {
	f := a.Fingerprints()
	return hash([]byte(f.Config + f.Hosts + f.Opts))
}

// Files maps artifact file names to contents.
func (a *Artifacts) Files() map[string][]byte {
	return map[string][]byte{
		ConfigFile: a.Config,
		HostsFile:  a.Hosts,
		OptsFile:   a.Opts,
	}
}

func subnetTag(i int) string {
	return fmt.Sprintf("subnet%d", i)
}

// Render generates the server configuration for a network. The output is a
// pure function of the network and options; the revision marker is not
// included so a revision bump without content change keeps the fingerprint.
func Render(n *model.Network, opts RenderOptions) (*Artifacts, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	subnets := n.DHCPSubnets()
	if len(subnets) == 0 {
		return nil, model.NewConfigError(n.ID, "render", fmt.Errorf("no DHCP-enabled IPv4 subnet"))
	}
	if opts.Interface == "" {
		return nil, fmt.Errorf("render %s: no interface", n.ID)
	}

	var conf, hosts, dhcpOpts bytes.Buffer

	fmt.Fprintf(&conf, "# network %s\n", n.ID)
	fmt.Fprintf(&conf, "interface=%s\n", opts.Interface)
	conf.WriteString("except-interface=lo\n")
	conf.WriteString("bind-interfaces\n")
	conf.WriteString("port=0\n")
	conf.WriteString("no-hosts\n")
	conf.WriteString("no-resolv\n")
	conf.WriteString("dhcp-authoritative\n")
	fmt.Fprintf(&conf, "dhcp-leasefile=%s\n", filepath.Join(opts.Dir, LeaseFile))
	fmt.Fprintf(&conf, "dhcp-hostsfile=%s\n", filepath.Join(opts.Dir, HostsFile))
	fmt.Fprintf(&conf, "dhcp-optsfile=%s\n", filepath.Join(opts.Dir, OptsFile))
	if opts.Domain != "" {
		fmt.Fprintf(&conf, "domain=%s\n", opts.Domain)
	}

	for i, s := range subnets {
		tag := subnetTag(i)
		server, ipnet, err := s.ServerAddress()
		if err != nil {
			return nil, model.NewConfigError(n.ID, "render", err)
		}
		pools, err := s.AllocationPools()
		if err != nil {
			return nil, model.NewConfigError(n.ID, "render", err)
		}

		lease := opts.LeaseDuration
		if s.LeaseSeconds > 0 {
			lease = time.Duration(s.LeaseSeconds) * time.Second
		}

		fmt.Fprintf(&conf, "listen-address=%s\n", server)
		for _, p := range pools {
			fmt.Fprintf(&conf, "dhcp-range=set:%s,%s,%s,%s,%s\n",
				tag, p.Start, p.End, net.IP(ipnet.Mask), formatLease(lease))
		}

		for _, h := range s.Hosts {
			name := h.Hostname
			if name == "" {
				name = "host-" + strings.ReplaceAll(h.IP, ".", "-")
			}
			fmt.Fprintf(&hosts, "%s,%s,%s\n", model.NormalizeMAC(h.MAC), name, h.IP)
		}

		if s.GatewayIP != "" {
			fmt.Fprintf(&dhcpOpts, "tag:%s,option:router,%s\n", tag, s.GatewayIP)
		} else {
			fmt.Fprintf(&dhcpOpts, "tag:%s,option:router\n", tag)
		}
		dns := s.DNSServers
		if len(dns) == 0 {
			dns = opts.DNSServers
		}
		if len(dns) > 0 {
			fmt.Fprintf(&dhcpOpts, "tag:%s,option:dns-server,%s\n", tag, strings.Join(dns, ","))
		}
	}

	return &Artifacts{
		Config: conf.Bytes(),
		Hosts:  hosts.Bytes(),
		Opts:   dhcpOpts.Bytes(),
	}, nil
}

// formatLease renders a lease time the way the server parses it back.
func formatLease(d time.Duration) string {
	if d <= 0 {
		return "infinite"
	}
	return fmt.Sprintf("%ds", int64(d/time.Second))
}
