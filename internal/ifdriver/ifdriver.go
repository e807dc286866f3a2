// Package ifdriver plugs the DHCP-facing virtual interface of a network into
// its namespace.
//
// Three variants share one contract and are selected by name at startup:
//
//	veth    plain veth pair; the namespace end serves DHCP
//	bridge  veth whose host end is enslaved to a Linux bridge
//	ovs     veth whose host end is an Open vSwitch port tagged with the network id
//
// All operations are idempotent. Unplug of an interface that no longer exists
// succeeds, which the binding manager relies on for rollback.
package ifdriver

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"grimm.is/dhcpagent/internal/model"
)

// ErrNotFound is returned when an interface or namespace does not exist.
var ErrNotFound = errors.New("not found")

// IFNAMSIZ-1
const maxDeviceName = 15

// InterfaceSpec describes the interface to plug for a network.
type InterfaceSpec struct {
	NetworkID string
	// Name of the DHCP-facing device (namespace side).
	Name string
	// HostPeer is the host-side end of the pair.
	HostPeer string
	MAC      string
	MTU      int
}

// Driver is the interface driver contract.
type Driver interface {
	Name() string
	Plug(ctx context.Context, namespace string, spec InterfaceSpec) (model.InterfaceHandle, error)
	Unplug(ctx context.Context, h model.InterfaceHandle) error
	SetAddresses(ctx context.Context, h model.InterfaceHandle, addrs []string) error
	// Addresses returns the interface's IPv4 CIDRs sorted, or ErrNotFound.
	Addresses(ctx context.Context, h model.InterfaceHandle) ([]string, error)
}

// Namespaces manages named network namespaces.
type Namespaces interface {
	Ensure(name string) error
	Delete(name string) error
	Exists(name string) (bool, error)
	List(prefix string) ([]string, error)
}

// Options configures driver construction.
type Options struct {
	Netlinker Netlinker
	Executor  CommandExecutor
	// Bridge is the Linux or OVS bridge for the bridge and ovs variants.
	Bridge string
}

// Driver names accepted by New.
const (
	DriverVeth   = "veth"
	DriverBridge = "bridge"
	DriverOVS    = "ovs"
)

// New builds the named driver variant.
func New(name string, opts Options) (Driver, error) {
	nl := opts.Netlinker
	if nl == nil {
		nl = DefaultNetlinker
	}
	exec := opts.Executor
	if exec == nil {
		exec = &RealCommandExecutor{}
	}

	switch name {
	case DriverVeth:
		return newVethDriver(name, nl, noAttach{}), nil
	case DriverBridge:
		if opts.Bridge == "" {
			return nil, fmt.Errorf("interface driver %q requires a bridge name", name)
		}
		return newVethDriver(name, nl, &linuxBridge{nl: nl, bridge: opts.Bridge}), nil
	case DriverOVS:
		if opts.Bridge == "" {
			return nil, fmt.Errorf("interface driver %q requires a bridge name", name)
		}
		return newVethDriver(name, nl, &ovsBridge{exec: exec, bridge: opts.Bridge}), nil
	}
	return nil, fmt.Errorf("unknown interface driver %q", name)
}

// DeviceName builds a kernel device name from prefix and id. When the
// result would not fit IFNAMSIZ the id is replaced by a hex digest of it, so
// ids sharing a long prefix still get distinct devices.
func DeviceName(prefix, id string) string {
	name := prefix + id
	if len(name) <= maxDeviceName {
		return name
	}
	h := fnv.New64a()
	h.Write([]byte(id))
	sum := fmt.Sprintf("%016x", h.Sum64())
	if room := maxDeviceName - len(prefix); room > 0 && room < len(sum) {
		sum = sum[:room]
	}
	name = prefix + sum
	if len(name) > maxDeviceName {
		name = name[:maxDeviceName]
	}
	return name
}
