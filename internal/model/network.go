package model

import (
	"bytes"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/hashicorp/go-multierror"
)

// Network is the controller's authoritative description of one logical network.
type Network struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Revision string   `json:"revision" yaml:"revision"`
	Subnets  []Subnet `json:"subnets" yaml:"subnets"`
}

// Subnet is one addressing block of a network.
type Subnet struct {
	ID         string   `json:"id" yaml:"id"`
	CIDR       string   `json:"cidr" yaml:"cidr"`
	GatewayIP  string   `json:"gateway_ip,omitempty" yaml:"gateway_ip,omitempty"`
	DNSServers []string `json:"dns_servers,omitempty" yaml:"dns_servers,omitempty"`
	EnableDHCP bool     `json:"enable_dhcp" yaml:"enable_dhcp"`
	// ServerIP is the address of the DHCP port. Empty means the agent picks one.
	ServerIP     string            `json:"server_ip,omitempty" yaml:"server_ip,omitempty"`
	Pools        []Pool            `json:"allocation_pools,omitempty" yaml:"allocation_pools,omitempty"`
	Hosts        []HostReservation `json:"hosts,omitempty" yaml:"hosts,omitempty"`
	LeaseSeconds int               `json:"lease_seconds,omitempty" yaml:"lease_seconds,omitempty"`
}

// Pool is an inclusive address range handed out dynamically.
type Pool struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// HostReservation pins an address to a MAC.
type HostReservation struct {
	MAC      string `json:"mac" yaml:"mac"`
	IP       string `json:"ip" yaml:"ip"`
	Hostname string `json:"hostname,omitempty" yaml:"hostname,omitempty"`
}

// Network ids name directories, namespaces and devices on the host.
var networkIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// maximum id length; namespace names live under /run/netns
const maxNetworkID = 200

// ValidNetworkID reports whether id is safe to use as a path element and a
// namespace name.
func ValidNetworkID(id string) bool {
	return len(id) <= maxNetworkID && networkIDPattern.MatchString(id) && id != "." && id != ".."
}

// smallest servable IPv4 subnet (network, server, one client, broadcast)
const maxServedPrefix = 30

// Prefix parses the subnet's CIDR.
func (s *Subnet) Prefix() (*net.IPNet, error) {
	_, ipnet, err := net.ParseCIDR(s.CIDR)
	if err != nil {
		return nil, err
	}
	return ipnet, nil
}

// IsIPv4 reports whether the subnet is an IPv4 block.
func (s *Subnet) IsIPv4() bool {
	ipnet, err := s.Prefix()
	return err == nil && ipnet.IP.To4() != nil
}

// DHCPEligible reports whether the agent serves DHCP for this subnet.
// IPv6 subnets are carried but never served.
func (s *Subnet) DHCPEligible() bool {
	return s.EnableDHCP && s.IsIPv4()
}

// ServerAddress returns the DHCP server's own address in the subnet: the
// configured ServerIP, or the last usable host that is not the gateway.
func (s *Subnet) ServerAddress() (net.IP, *net.IPNet, error) {
	ipnet, err := s.Prefix()
	if err != nil {
		return nil, nil, err
	}
	if s.ServerIP != "" {
		ip := net.ParseIP(s.ServerIP)
		if ip == nil {
			return nil, nil, fmt.Errorf("invalid server ip %q", s.ServerIP)
		}
		return ip.To4(), ipnet, nil
	}

	_, broadcast := cidr.AddressRange(ipnet)
	ip := cidr.Dec(broadcast)
	gw := net.ParseIP(s.GatewayIP)
	if gw != nil && ip.Equal(gw) {
		ip = cidr.Dec(ip)
	}
	return ip.To4(), ipnet, nil
}

// ServerCIDR returns ServerAddress in CIDR notation, e.g. "10.0.0.254/24".
func (s *Subnet) ServerCIDR() (string, error) {
	ip, ipnet, err := s.ServerAddress()
	if err != nil {
		return "", err
	}
	ones, _ := ipnet.Mask.Size()
	return fmt.Sprintf("%s/%d", ip, ones), nil
}

// AllocationPools returns the configured pools, or a single pool spanning
// the usable hosts that excludes the gateway and server addresses at either
// end of the range.
func (s *Subnet) AllocationPools() ([]Pool, error) {
	if len(s.Pools) > 0 {
		return s.Pools, nil
	}
	server, ipnet, err := s.ServerAddress()
	if err != nil {
		return nil, err
	}
	first, broadcast := cidr.AddressRange(ipnet)
	start := cidr.Inc(first)
	end := cidr.Dec(broadcast)

	gw := net.ParseIP(s.GatewayIP)
	for _, skip := range []net.IP{gw, server} {
		if skip == nil {
			continue
		}
		if start.Equal(skip) {
			start = cidr.Inc(start)
		}
		if end.Equal(skip) {
			end = cidr.Dec(end)
		}
	}
	if bytes.Compare(start.To16(), end.To16()) > 0 {
		return nil, fmt.Errorf("subnet %s has no assignable addresses", s.CIDR)
	}
	return []Pool{{Start: start.String(), End: end.String()}}, nil
}

// DHCPSubnets returns the subnets the agent serves, in declaration order.
func (n *Network) DHCPSubnets() []Subnet {
	var out []Subnet
	for _, s := range n.Subnets {
		if s.DHCPEligible() {
			out = append(out, s)
		}
	}
	return out
}

// NeedsService reports whether the network must have a binding and a
// running DHCP server.
func (n *Network) NeedsService() bool {
	return n.Enabled && len(n.DHCPSubnets()) > 0
}

// Clone returns a deep copy.
func (n *Network) Clone() *Network {
	if n == nil {
		return nil
	}
	c := *n
	c.Subnets = make([]Subnet, len(n.Subnets))
	for i, s := range n.Subnets {
		s.DNSServers = append([]string(nil), s.DNSServers...)
		s.Pools = append([]Pool(nil), s.Pools...)
		s.Hosts = append([]HostReservation(nil), s.Hosts...)
		c.Subnets[i] = s
	}
	return &c
}

// Validate checks that the network can be rendered into a server
// configuration. The returned error is a KindConfig *Error listing every
// problem found.
func (n *Network) Validate() error {
	var errs *multierror.Error
	if n.ID == "" {
		errs = multierror.Append(errs, fmt.Errorf("missing network id"))
	} else if !ValidNetworkID(n.ID) {
		errs = multierror.Append(errs, fmt.Errorf("invalid network id %q", n.ID))
	}

	var served []*net.IPNet
	seenIP := make(map[string]string)
	seenMAC := make(map[string]string)

	for i := range n.Subnets {
		s := &n.Subnets[i]
		ipnet, err := s.Prefix()
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("subnet %s: invalid cidr %q", s.ID, s.CIDR))
			continue
		}
		if !s.DHCPEligible() {
			continue
		}
		if ones, _ := ipnet.Mask.Size(); ones > maxServedPrefix {
			errs = multierror.Append(errs, fmt.Errorf("subnet %s: %s is too small to serve", s.ID, s.CIDR))
			continue
		}
		served = append(served, ipnet)

		if s.GatewayIP != "" {
			if err := checkInside(ipnet, s.GatewayIP); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("subnet %s: gateway: %w", s.ID, err))
			}
		}
		if s.ServerIP != "" {
			if err := checkInside(ipnet, s.ServerIP); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("subnet %s: server ip: %w", s.ID, err))
			}
		}
		for _, d := range s.DNSServers {
			if net.ParseIP(d) == nil {
				errs = multierror.Append(errs, fmt.Errorf("subnet %s: invalid dns server %q", s.ID, d))
			}
		}
		for _, p := range s.Pools {
			if err := checkPool(ipnet, p); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("subnet %s: pool %s-%s: %w", s.ID, p.Start, p.End, err))
			}
		}
		if len(s.Pools) == 0 {
			if _, err := s.AllocationPools(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("subnet %s: %w", s.ID, err))
			}
		}
		if s.LeaseSeconds < 0 {
			errs = multierror.Append(errs, fmt.Errorf("subnet %s: negative lease time", s.ID))
		}

		for _, h := range s.Hosts {
			hw, err := net.ParseMAC(h.MAC)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("subnet %s: reservation %s: invalid mac %q", s.ID, h.IP, h.MAC))
			} else {
				mac := hw.String()
				if prev, ok := seenMAC[mac]; ok {
					errs = multierror.Append(errs, fmt.Errorf("subnet %s: mac %s already reserved for %s", s.ID, mac, prev))
				}
				seenMAC[mac] = h.IP
			}
			if err := checkInside(ipnet, h.IP); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("subnet %s: reservation %s: %w", s.ID, h.MAC, err))
				continue
			}
			ip := net.ParseIP(h.IP).String()
			if prev, ok := seenIP[ip]; ok {
				errs = multierror.Append(errs, fmt.Errorf("subnet %s: ip %s already reserved for %s", s.ID, ip, prev))
			}
			seenIP[ip] = h.MAC
		}
	}

	if len(served) > 1 {
		all := &net.IPNet{IP: net.IPv4zero, Mask: net.IPMask(net.IPv4zero)}
		if err := cidr.VerifyNoOverlap(served, all); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("overlapping subnets: %w", err))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return NewConfigError(n.ID, "validate", err)
	}
	return nil
}

func checkInside(ipnet *net.IPNet, addr string) error {
	ip := net.ParseIP(addr)
	if ip == nil {
		return fmt.Errorf("invalid address %q", addr)
	}
	if !ipnet.Contains(ip) {
		return fmt.Errorf("%s is outside %s", addr, ipnet)
	}
	return nil
}

func checkPool(ipnet *net.IPNet, p Pool) error {
	if err := checkInside(ipnet, p.Start); err != nil {
		return err
	}
	if err := checkInside(ipnet, p.End); err != nil {
		return err
	}
	start := net.ParseIP(p.Start).To16()
	end := net.ParseIP(p.End).To16()
	if bytes.Compare(start, end) > 0 {
		return fmt.Errorf("start after end")
	}
	return nil
}

// NormalizeMAC returns the canonical lower-case colon form of mac, or mac
// unchanged if it does not parse.
func NormalizeMAC(mac string) string {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return strings.ToLower(mac)
	}
	return hw.String()
}
