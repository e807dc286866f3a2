package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"

	"grimm.is/dhcpagent/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

var (
	interfaceDrivers = []string{"veth", "bridge", "ovs"}
	dhcpDrivers      = []string{"dnsmasq", "builtin"}
)

// Validate checks the config after defaults were applied. It returns nil or
// a ValidationErrors listing every problem.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	checkDuration := func(field, value string, min time.Duration) {
		d, err := time.ParseDuration(value)
		if err != nil {
			add(field, "invalid duration %q", value)
			return
		}
		if d < min {
			add(field, "must be at least %s", min)
		}
	}

	checkDuration("resync_interval", c.ResyncInterval, time.Second)
	if !contains(interfaceDrivers, c.InterfaceDriver) {
		add("interface_driver", "unknown driver %q (want one of %s)", c.InterfaceDriver, strings.Join(interfaceDrivers, ", "))
	}
	if !contains(dhcpDrivers, c.DHCPDriver) {
		add("dhcp_driver", "unknown driver %q (want one of %s)", c.DHCPDriver, strings.Join(dhcpDrivers, ", "))
	}
	if c.StateDir == "" {
		add("state_dir", "must be set")
	}
	if c.Workers < 1 {
		add("workers", "must be at least 1")
	}
	if c.CleanupAfterFailures < 0 {
		add("cleanup_after_failures", "must not be negative")
	}
	if c.MTU != 0 && (c.MTU < 576 || c.MTU > 65535) {
		add("mtu", "%d out of range", c.MTU)
	}
	if len("h"+c.InterfacePrefix) > 8 {
		add("interface_prefix", "%q leaves too little of the network id in device names", c.InterfacePrefix)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		add("log_level", "%v", err)
	}
	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			add("metrics_listen", "%v", err)
		}
	}

	if (c.InterfaceDriver == "bridge" || c.InterfaceDriver == "ovs") && (c.Bridge == nil || c.Bridge.Name == "") {
		add("bridge.name", "required by interface driver %q", c.InterfaceDriver)
	}

	if cc := c.Controller; cc != nil {
		if len(cc.Providers) == 0 && cc.NetworkFile == "" {
			add("controller.providers", "set providers or network_file")
		}
		for i, p := range cc.Providers {
			u, err := url.Parse(p)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				add(fmt.Sprintf("controller.providers[%d]", i), "invalid provider URL %q", p)
			}
		}
		checkDuration("controller.request_timeout", cc.RequestTimeout, time.Second)
		checkDuration("controller.http_timeout", cc.HTTPTimeout, 100*time.Millisecond)
		if cc.RetryCount() < 0 {
			add("controller.retries", "must not be negative")
		}
		if cc.RedirectLimit() < 0 {
			add("controller.redirects", "must not be negative")
		}
		if cc.Fingerprint != "" {
			if b, err := hex.DecodeString(cc.Fingerprint); err != nil || len(b) != sha256.Size {
				add("controller.fingerprint", "must be a hex SHA-256 digest")
			}
		}
	}

	if d := c.DHCP; d != nil {
		if d.LeaseDuration != "infinite" {
			checkDuration("dhcp.lease_duration", d.LeaseDuration, 2*time.Minute)
		}
		if d.Domain != "" {
			if _, ok := dns.IsDomainName(d.Domain); !ok {
				add("dhcp.domain", "invalid domain name %q", d.Domain)
			}
		}
		for i, s := range d.DNSServers {
			if ip := net.ParseIP(s); ip == nil || ip.To4() == nil {
				add(fmt.Sprintf("dhcp.dns_servers[%d]", i), "invalid IPv4 address %q", s)
			}
		}
		if c.DHCPDriver == "dnsmasq" && d.Binary == "" {
			add("dhcp.binary", "required by the dnsmasq driver")
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
