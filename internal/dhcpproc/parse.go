package dhcpproc

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ServerConfig is the parsed form of a network's artifacts, used by the
// builtin server.
type ServerConfig struct {
	Interface string
	Domain    string
	LeaseFile string
	HostsFile string
	OptsFile  string
	Listen    []net.IP
	Ranges    []Range
	Hosts     []Host
	// Options by tag
	Options map[string]*TagOptions

	Warnings []string
}

// Range is one dhcp-range line.
type Range struct {
	Tag   string
	Start net.IP
	End   net.IP
	Mask  net.IPMask
	// Lease of zero means infinite.
	Lease time.Duration
}

// Contains reports whether ip lies within the range's subnet.
func (r Range) Contains(ip net.IP) bool {
	return r.Network().Contains(ip)
}

// Network returns the subnet the range belongs to.
func (r Range) Network() *net.IPNet {
	return &net.IPNet{IP: r.Start.Mask(r.Mask), Mask: r.Mask}
}

// Host is one dhcp-hostsfile line.
type Host struct {
	MAC      string
	Hostname string
	IP       net.IP
}

// TagOptions are the options sent to clients in a tagged range.
type TagOptions struct {
	Router   net.IP
	NoRouter bool
	DNS      []net.IP
}

// ParseDir reads the artifacts in dir. Files referenced by the main config
// are resolved as written there.
func ParseDir(dir string) (*ServerConfig, error) {
	conf, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(conf)
	if err != nil {
		return nil, err
	}

	if cfg.HostsFile != "" {
		data, err := os.ReadFile(cfg.HostsFile)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err := cfg.parseHosts(data); err != nil {
			return nil, err
		}
	}
	if cfg.OptsFile != "" {
		data, err := os.ReadFile(cfg.OptsFile)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err := cfg.parseOpts(data); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ParseConfig parses the main configuration file.
func ParseConfig(data []byte) (*ServerConfig, error) {
	cfg := &ServerConfig{Options: make(map[string]*TagOptions)}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		key := strings.TrimSpace(parts[0])
		value := ""
		if len(parts) > 1 {
			value = strings.TrimSpace(parts[1])
		}

		if err := cfg.parseDirective(key, value); err != nil {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("line %d: %v", lineNum, err))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read server config: %w", err)
	}
	if cfg.Interface == "" {
		return nil, fmt.Errorf("server config has no interface")
	}
	if len(cfg.Ranges) == 0 {
		return nil, fmt.Errorf("server config has no dhcp-range")
	}
	return cfg, nil
}

func (c *ServerConfig) parseDirective(key, value string) error {
	switch key {
	case "interface":
		c.Interface = value
	case "domain":
		c.Domain = value
	case "listen-address":
		ip := net.ParseIP(value).To4()
		if ip == nil {
			return fmt.Errorf("invalid listen-address: %s", value)
		}
		c.Listen = append(c.Listen, ip)
	case "dhcp-range":
		return c.parseDHCPRange(value)
	case "dhcp-leasefile":
		c.LeaseFile = value
	case "dhcp-hostsfile":
		c.HostsFile = value
	case "dhcp-optsfile":
		c.OptsFile = value
	default:
		// Directives for the external server only
	}
	return nil
}

func (c *ServerConfig) parseDHCPRange(value string) error {
	// Format: set:<tag>,<start>,<end>,<netmask>[,<lease-time>]
	parts := strings.Split(value, ",")
	if len(parts) < 4 {
		return fmt.Errorf("invalid dhcp-range: %s", value)
	}

	r := Range{}
	idx := 0
	if strings.HasPrefix(parts[0], "set:") {
		r.Tag = strings.TrimPrefix(parts[0], "set:")
		idx++
	}
	if len(parts)-idx < 3 {
		return fmt.Errorf("invalid dhcp-range: %s", value)
	}

	r.Start = net.ParseIP(parts[idx]).To4()
	if r.Start == nil {
		return fmt.Errorf("invalid start IP: %s", parts[idx])
	}
	r.End = net.ParseIP(parts[idx+1]).To4()
	if r.End == nil {
		return fmt.Errorf("invalid end IP: %s", parts[idx+1])
	}
	mask := net.ParseIP(parts[idx+2]).To4()
	if mask == nil {
		return fmt.Errorf("invalid netmask: %s", parts[idx+2])
	}
	r.Mask = net.IPMask(mask)

	r.Lease = time.Hour
	if idx+3 < len(parts) {
		dur, err := parseDuration(parts[idx+3])
		if err != nil {
			return err
		}
		r.Lease = dur
	}

	c.Ranges = append(c.Ranges, r)
	return nil
}

// parseHosts reads "mac,hostname,ip" lines.
func (c *ServerConfig) parseHosts(data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			c.Warnings = append(c.Warnings, fmt.Sprintf("invalid host entry: %s", line))
			continue
		}
		mac, err := net.ParseMAC(parts[0])
		if err != nil {
			c.Warnings = append(c.Warnings, fmt.Sprintf("invalid host mac: %s", parts[0]))
			continue
		}
		ip := net.ParseIP(parts[2]).To4()
		if ip == nil {
			c.Warnings = append(c.Warnings, fmt.Sprintf("invalid host ip: %s", parts[2]))
			continue
		}
		c.Hosts = append(c.Hosts, Host{MAC: mac.String(), Hostname: parts[1], IP: ip})
	}
	return scanner.Err()
}

// parseOpts reads "tag:<tag>,option:<name>[,<values>]" lines.
func (c *ServerConfig) parseOpts(data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 2 || !strings.HasPrefix(parts[0], "tag:") || !strings.HasPrefix(parts[1], "option:") {
			c.Warnings = append(c.Warnings, fmt.Sprintf("invalid option line: %s", line))
			continue
		}
		tag := strings.TrimPrefix(parts[0], "tag:")
		o, ok := c.Options[tag]
		if !ok {
			o = &TagOptions{}
			c.Options[tag] = o
		}

		values := parts[2:]
		switch strings.TrimPrefix(parts[1], "option:") {
		case "router":
			if len(values) == 0 {
				o.NoRouter = true
				continue
			}
			o.Router = net.ParseIP(values[0]).To4()
		case "dns-server":
			for _, v := range values {
				if ip := net.ParseIP(v).To4(); ip != nil {
					o.DNS = append(o.DNS, ip)
				}
			}
		default:
			c.Warnings = append(c.Warnings, fmt.Sprintf("unsupported option: %s", parts[1]))
		}
	}
	return scanner.Err()
}

var durationRe = regexp.MustCompile(`^(\d+)([smhdw]?)$`)

// parseDuration parses lease times: "infinite", Go durations, or a number
// with an optional s/m/h/d/w suffix (seconds when absent).
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))

	if s == "infinite" {
		return 0, nil
	}

	matches := durationRe.FindStringSubmatch(s)
	if matches == nil {
		if dur, err := time.ParseDuration(s); err == nil {
			return dur, nil
		}
		return 0, fmt.Errorf("invalid duration: %s", s)
	}

	num, _ := strconv.Atoi(matches[1])
	switch matches[2] {
	case "", "s":
		return time.Duration(num) * time.Second, nil
	case "m":
		return time.Duration(num) * time.Minute, nil
	case "h":
		return time.Duration(num) * time.Hour, nil
	case "d":
		return time.Duration(num) * 24 * time.Hour, nil
	case "w":
		return time.Duration(num) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown duration unit: %s", matches[2])
}
