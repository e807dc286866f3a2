package dhcpproc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

// ErrReloadUnsupported is returned by a driver that cannot apply the changed
// artifacts without a restart.
var ErrReloadUnsupported = errors.New("reload not supported for this change")

// Launch identifies where and how a network's server runs.
type Launch struct {
	NetworkID string `json:"network_id"`
	Namespace string `json:"namespace,omitempty"`
	Interface string `json:"interface"`
	Dir       string `json:"dir"`
}

// ConfigPath is the main configuration file.
func (l Launch) ConfigPath() string {
	return filepath.Join(l.Dir, ConfigFile)
}

// PIDPath is the server's pid file.
func (l Launch) PIDPath() string {
	return filepath.Join(l.Dir, PIDFile)
}

// SameBinding reports whether two launches share namespace and interface.
func (l Launch) SameBinding(o Launch) bool {
	return l.Namespace == o.Namespace && l.Interface == o.Interface
}

// Handle identifies one server instance. ID is stable across reloads.
type Handle struct {
	ID  string `json:"id"`
	PID int    `json:"pid"`
}

// ReloadScope lists which artifacts changed.
type ReloadScope struct {
	Config bool
	Hosts  bool
	Opts   bool
}

// Any reports whether anything changed.
func (s ReloadScope) Any() bool {
	return s.Config || s.Hosts || s.Opts
}

// Driver is the process lifecycle contract for one server implementation.
type Driver interface {
	Name() string
	// Start launches a server for the artifacts already written to l.Dir.
	Start(ctx context.Context, l Launch) (Handle, error)
	// Reload makes a running server pick up changed artifacts without
	// interrupting service.
	Reload(ctx context.Context, h Handle, l Launch, scope ReloadScope) error
	// Stop terminates the server. Stopping a dead server succeeds.
	Stop(ctx context.Context, h Handle) error
	Alive(h Handle) bool
	// Adopt finds a server left running by a previous agent process.
	Adopt(l Launch) (Handle, bool)
}

// Driver names accepted by NewDriver.
const (
	DriverDnsmasq = "dnsmasq"
	DriverBuiltin = "builtin"
)

// DriverOptions configures driver construction.
type DriverOptions struct {
	// Binary is the dnsmasq executable.
	Binary string
}

// NewDriver builds the named process driver.
func NewDriver(name string, opts DriverOptions) (Driver, error) {
	switch name {
	case DriverDnsmasq:
		return NewDnsmasq(opts.Binary), nil
	case DriverBuiltin:
		return NewBuiltin(), nil
	}
	return nil, fmt.Errorf("unknown dhcp driver %q", name)
}
