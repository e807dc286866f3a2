// Package config loads the agent configuration.
//
// The file is HCL (default /etc/dhcpagent/agent.hcl) with a JSON fallback
// for generated configs:
//
//	resync_interval  = "30s"
//	interface_driver = "veth"
//	dhcp_driver      = "dnsmasq"
//	state_dir        = "/var/lib/dhcpagent"
//
//	controller {
//	  providers       = ["http://10.0.0.10:9696"]
//	  request_timeout = "30s"
//	}
//
//	dhcp {
//	  lease_duration = "24h"
//	  domain         = "openstacklocal"
//	}
//
// Configuration is read once at startup. Validation errors are fatal.
package config

import (
	"path/filepath"
	"time"

	"grimm.is/dhcpagent/internal/brand"
)

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Config is the top-level agent configuration.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	ResyncInterval       string `hcl:"resync_interval,optional" json:"resync_interval,omitempty"`
	InterfaceDriver      string `hcl:"interface_driver,optional" json:"interface_driver,omitempty"`
	// DHCPDriver selects the server: "dnsmasq" (default) or "builtin".
	// dnsmasq re-reads only its hosts and options files on SIGHUP, so a change
	// to a network's subnets, ranges or interface restarts it with a new PID;
	// builtin reloads every change in place.
	DHCPDriver           string `hcl:"dhcp_driver,optional" json:"dhcp_driver,omitempty"`
	StateDir             string `hcl:"state_dir,optional" json:"state_dir,omitempty"`
	UseNamespaces        *bool  `hcl:"use_namespaces,optional" json:"use_namespaces,omitempty"`
	NamespacePrefix      string `hcl:"namespace_prefix,optional" json:"namespace_prefix,omitempty"`
	InterfacePrefix      string `hcl:"interface_prefix,optional" json:"interface_prefix,omitempty"`
	MTU                  int    `hcl:"mtu,optional" json:"mtu,omitempty"`
	Workers              int    `hcl:"workers,optional" json:"workers,omitempty"`
	CleanupAfterFailures int    `hcl:"cleanup_after_failures,optional" json:"cleanup_after_failures,omitempty"`
	LogLevel             string `hcl:"log_level,optional" json:"log_level,omitempty"`
	LogJSON              bool   `hcl:"log_json,optional" json:"log_json,omitempty"`
	MetricsListen        string `hcl:"metrics_listen,optional" json:"metrics_listen,omitempty"`

	Controller *ControllerConfig `hcl:"controller,block" json:"controller,omitempty"`
	Bridge     *BridgeConfig     `hcl:"bridge,block" json:"bridge,omitempty"`
	DHCP       *DHCPConfig       `hcl:"dhcp,block" json:"dhcp,omitempty"`
}

// ControllerConfig describes how desired state is fetched.
type ControllerConfig struct {
	// Providers are API base URLs tried in order.
	Providers      []string `hcl:"providers,optional" json:"providers,omitempty"`
	RequestTimeout string   `hcl:"request_timeout,optional" json:"request_timeout,omitempty"`
	HTTPTimeout    string   `hcl:"http_timeout,optional" json:"http_timeout,omitempty"`
	Retries        *int     `hcl:"retries,optional" json:"retries,omitempty"`
	Redirects      *int     `hcl:"redirects,optional" json:"redirects,omitempty"`
	Token          string   `hcl:"token,optional" json:"token,omitempty"`
	// Fingerprint pins the provider certificate (SHA-256 hex of the leaf).
	Fingerprint string `hcl:"fingerprint,optional" json:"fingerprint,omitempty"`
	// NetworkFile switches to standalone mode: desired state is read from a
	// YAML file instead of the controller API.
	NetworkFile string `hcl:"network_file,optional" json:"network_file,omitempty"`
}

// BridgeConfig names the bridge used by the bridge and ovs drivers.
type BridgeConfig struct {
	Name string `hcl:"name,optional" json:"name,omitempty"`
}

// DHCPConfig holds server defaults applied to every network.
type DHCPConfig struct {
	Binary        string   `hcl:"binary,optional" json:"binary,omitempty"`
	LeaseDuration string   `hcl:"lease_duration,optional" json:"lease_duration,omitempty"`
	Domain        string   `hcl:"domain,optional" json:"domain,omitempty"`
	DNSServers    []string `hcl:"dns_servers,optional" json:"dns_servers,omitempty"`
}

// Defaults
const (
	DefaultResyncInterval  = 30 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
	DefaultHTTPTimeout     = 10 * time.Second
	DefaultRetries         = 2
	DefaultRedirects       = 2
	DefaultLeaseDuration   = 24 * time.Hour
	DefaultWorkers         = 4
	DefaultCleanupFailures = 5
	DefaultMetricsListen   = "127.0.0.1:9469"
)

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.ResyncInterval == "" {
		c.ResyncInterval = DefaultResyncInterval.String()
	}
	if c.InterfaceDriver == "" {
		c.InterfaceDriver = "veth"
	}
	if c.DHCPDriver == "" {
		c.DHCPDriver = "dnsmasq"
	}
	if c.StateDir == "" {
		c.StateDir = brand.GetStateDir()
	}
	if c.UseNamespaces == nil {
		enabled := true
		c.UseNamespaces = &enabled
	}
	if c.NamespacePrefix == "" {
		c.NamespacePrefix = "ns-"
	}
	if c.InterfacePrefix == "" {
		c.InterfacePrefix = "tap-"
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.CleanupAfterFailures == 0 {
		c.CleanupAfterFailures = DefaultCleanupFailures
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Controller == nil {
		c.Controller = &ControllerConfig{}
	}
	cc := c.Controller
	if cc.RequestTimeout == "" {
		cc.RequestTimeout = DefaultRequestTimeout.String()
	}
	if cc.HTTPTimeout == "" {
		cc.HTTPTimeout = DefaultHTTPTimeout.String()
	}
	if cc.Retries == nil {
		n := DefaultRetries
		cc.Retries = &n
	}
	if cc.Redirects == nil {
		n := DefaultRedirects
		cc.Redirects = &n
	}

	if c.Bridge == nil {
		c.Bridge = &BridgeConfig{}
	}
	if c.Bridge.Name == "" && c.InterfaceDriver == "ovs" {
		c.Bridge.Name = "br-int"
	}

	if c.DHCP == nil {
		c.DHCP = &DHCPConfig{}
	}
	if c.DHCP.Binary == "" {
		c.DHCP.Binary = "dnsmasq"
	}
	if c.DHCP.LeaseDuration == "" {
		c.DHCP.LeaseDuration = DefaultLeaseDuration.String()
	}
}

// Default returns a config with every default applied.
func Default() *Config {
	c := &Config{MetricsListen: DefaultMetricsListen}
	c.ApplyDefaults()
	return c
}

// Namespaces reports whether per-network namespaces are enabled.
func (c *Config) Namespaces() bool {
	return c.UseNamespaces == nil || *c.UseNamespaces
}

// ResyncEvery returns the parsed resync interval.
func (c *Config) ResyncEvery() time.Duration {
	return parseDurationOr(c.ResyncInterval, DefaultResyncInterval)
}

// ProcessDir is where per-network DHCP server artifacts live.
func (c *Config) ProcessDir() string {
	return filepath.Join(c.StateDir, "dhcp")
}

// StatePath is the state database file.
func (c *Config) StatePath() string {
	return filepath.Join(c.StateDir, "state.db")
}

// RequestTimeoutDuration bounds a whole controller call including retries.
func (cc *ControllerConfig) RequestTimeoutDuration() time.Duration {
	return parseDurationOr(cc.RequestTimeout, DefaultRequestTimeout)
}

// HTTPTimeoutDuration bounds a single HTTP attempt.
func (cc *ControllerConfig) HTTPTimeoutDuration() time.Duration {
	return parseDurationOr(cc.HTTPTimeout, DefaultHTTPTimeout)
}

// RetryCount returns the configured retries.
func (cc *ControllerConfig) RetryCount() int {
	if cc.Retries == nil {
		return DefaultRetries
	}
	return *cc.Retries
}

// RedirectLimit returns the configured redirect limit.
func (cc *ControllerConfig) RedirectLimit() int {
	if cc.Redirects == nil {
		return DefaultRedirects
	}
	return *cc.Redirects
}

// Lease returns the default lease duration. "infinite" maps to zero.
func (d *DHCPConfig) Lease() time.Duration {
	if d.LeaseDuration == "infinite" {
		return 0
	}
	return parseDurationOr(d.LeaseDuration, DefaultLeaseDuration)
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
