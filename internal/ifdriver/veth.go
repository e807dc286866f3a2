package ifdriver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/dhcpagent/internal/logging"
	"grimm.is/dhcpagent/internal/model"
)

// attacher connects the host end of the pair to the host's switching fabric.
type attacher interface {
	attach(ctx context.Context, hostPeer, networkID string) error
	detach(ctx context.Context, hostPeer string) error
}

type vethDriver struct {
	name   string
	nl     Netlinker
	attach attacher
	log    *logging.Logger
}

func newVethDriver(name string, nl Netlinker, a attacher) *vethDriver {
	return &vethDriver{
		name:   name,
		nl:     nl,
		attach: a,
		log:    logging.WithComponent("ifdriver"),
	}
}

func (d *vethDriver) Name() string {
	return d.name
}

func (d *vethDriver) handle(ns string, spec InterfaceSpec) model.InterfaceHandle {
	return model.InterfaceHandle{
		Name:      spec.Name,
		HostPeer:  spec.HostPeer,
		Namespace: ns,
		Driver:    d.name,
		MAC:       spec.MAC,
	}
}

// Plug creates the veth pair, moves the DHCP end into ns and attaches the
// host end. An existing interface is brought up and re-attached.
func (d *vethDriver) Plug(ctx context.Context, ns string, spec InterfaceSpec) (model.InterfaceHandle, error) {
	if spec.Name == "" || spec.HostPeer == "" {
		return model.InterfaceHandle{}, fmt.Errorf("interface spec needs a name and a host peer")
	}
	h := d.handle(ns, spec)

	if link, err := d.nl.LinkByName(ns, spec.Name); err == nil {
		if err := d.nl.LinkSetUp(ns, link); err != nil {
			return h, fmt.Errorf("set %s up: %w", spec.Name, err)
		}
		if peer, err := d.nl.LinkByName("", spec.HostPeer); err == nil {
			if err := d.nl.LinkSetUp("", peer); err != nil {
				return h, fmt.Errorf("set %s up: %w", spec.HostPeer, err)
			}
		}
		if err := d.attach.attach(ctx, spec.HostPeer, spec.NetworkID); err != nil {
			return h, err
		}
		return h, nil
	} else if !errors.Is(err, ErrNotFound) {
		return h, fmt.Errorf("lookup %s: %w", spec.Name, err)
	}

	// Leftovers from an interrupted plug in the host namespace.
	for _, stale := range []string{spec.HostPeer, spec.Name} {
		if ns == "" && stale == spec.Name {
			continue
		}
		if link, err := d.nl.LinkByName("", stale); err == nil {
			d.log.Warn("removing stale link", "link", stale)
			if err := d.nl.LinkDel("", link); err != nil {
				return h, fmt.Errorf("delete stale link %s: %w", stale, err)
			}
		}
	}

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: spec.Name, MTU: spec.MTU},
		PeerName:  spec.HostPeer,
	}
	if spec.MAC != "" {
		hw, err := net.ParseMAC(spec.MAC)
		if err != nil {
			return h, fmt.Errorf("interface mac: %w", err)
		}
		veth.LinkAttrs.HardwareAddr = hw
	}
	if err := d.nl.LinkAdd("", veth); err != nil {
		return h, fmt.Errorf("create veth %s: %w", spec.Name, err)
	}

	if err := d.finishPlug(ctx, ns, spec); err != nil {
		if cerr := d.Unplug(ctx, h); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("cleanup: %w", cerr))
		}
		return h, err
	}

	d.log.Info("interface plugged", "interface", spec.Name, "namespace", ns, "network", spec.NetworkID)
	return h, nil
}

func (d *vethDriver) finishPlug(ctx context.Context, ns string, spec InterfaceSpec) error {
	if ns != "" {
		link, err := d.nl.LinkByName("", spec.Name)
		if err != nil {
			return fmt.Errorf("lookup %s: %w", spec.Name, err)
		}
		if err := d.nl.LinkSetNs(link, ns); err != nil {
			return fmt.Errorf("move %s to %s: %w", spec.Name, ns, err)
		}
	}

	link, err := d.nl.LinkByName(ns, spec.Name)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", spec.Name, err)
	}
	if err := d.nl.LinkSetUp(ns, link); err != nil {
		return fmt.Errorf("set %s up: %w", spec.Name, err)
	}

	peer, err := d.nl.LinkByName("", spec.HostPeer)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", spec.HostPeer, err)
	}
	if err := d.nl.LinkSetUp("", peer); err != nil {
		return fmt.Errorf("set %s up: %w", spec.HostPeer, err)
	}

	if err := d.attach.attach(ctx, spec.HostPeer, spec.NetworkID); err != nil {
		return err
	}

	if err := d.nl.DisableTxOffload(ns, spec.Name); err != nil {
		d.log.Warn("failed to disable tx offload", "interface", spec.Name, "error", err)
	}
	return nil
}

// Unplug detaches and deletes the pair. Missing links are not an error.
func (d *vethDriver) Unplug(ctx context.Context, h model.InterfaceHandle) error {
	var errs *multierror.Error
	if h.HostPeer != "" {
		if err := d.attach.detach(ctx, h.HostPeer); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	// Deleting either end removes the pair; try both in case the move into
	// the namespace never happened.
	candidates := []struct{ ns, name string }{
		{h.Namespace, h.Name},
		{"", h.HostPeer},
	}
	if h.Namespace != "" {
		candidates = append(candidates, struct{ ns, name string }{"", h.Name})
	}
	for _, c := range candidates {
		if c.name == "" {
			continue
		}
		link, err := d.nl.LinkByName(c.ns, c.name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("lookup %s: %w", c.name, err))
			continue
		}
		if err := d.nl.LinkDel(c.ns, link); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("delete %s: %w", c.name, err))
			continue
		}
		break
	}
	return errs.ErrorOrNil()
}

// SetAddresses reconciles the interface's IPv4 addresses to exactly addrs.
func (d *vethDriver) SetAddresses(ctx context.Context, h model.InterfaceHandle, addrs []string) error {
	link, err := d.nl.LinkByName(h.Namespace, h.Name)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", h.Name, err)
	}
	current, err := d.nl.AddrList(h.Namespace, link, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("list addresses of %s: %w", h.Name, err)
	}

	want := make(map[string]*netlink.Addr, len(addrs))
	for _, a := range addrs {
		addr, err := netlink.ParseAddr(a)
		if err != nil {
			return fmt.Errorf("parse address %q: %w", a, err)
		}
		want[addr.IPNet.String()] = addr
	}

	have := make(map[string]bool, len(current))
	for i := range current {
		key := current[i].IPNet.String()
		have[key] = true
		if _, ok := want[key]; ok {
			continue
		}
		if err := d.nl.AddrDel(h.Namespace, link, &current[i]); err != nil {
			return fmt.Errorf("delete address %s from %s: %w", key, h.Name, err)
		}
	}

	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if have[k] {
			continue
		}
		if err := d.nl.AddrAdd(h.Namespace, link, want[k]); err != nil {
			return fmt.Errorf("add address %s to %s: %w", k, h.Name, err)
		}
	}
	return nil
}

func (d *vethDriver) Addresses(ctx context.Context, h model.InterfaceHandle) ([]string, error) {
	link, err := d.nl.LinkByName(h.Namespace, h.Name)
	if err != nil {
		return nil, err
	}
	list, err := d.nl.AddrList(h.Namespace, link, unix.AF_INET)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.IPNet.String())
	}
	sort.Strings(out)
	return out, nil
}

type noAttach struct{}

func (noAttach) attach(context.Context, string, string) error { return nil }
func (noAttach) detach(context.Context, string) error { return nil }

// linuxBridge enslaves the host end to a kernel bridge. Deleting the link
// removes it from the bridge, so detach is a no-op.
type linuxBridge struct {
	nl     Netlinker
	bridge string
}

func (b *linuxBridge) attach(ctx context.Context, hostPeer, networkID string) error {
	master, err := b.nl.LinkByName("", b.bridge)
	if err != nil {
		return fmt.Errorf("bridge %s: %w", b.bridge, err)
	}
	peer, err := b.nl.LinkByName("", hostPeer)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", hostPeer, err)
	}
	if peer.Attrs().MasterIndex == master.Attrs().Index {
		return nil
	}
	if err := b.nl.LinkSetMaster("", peer, master); err != nil {
		return fmt.Errorf("attach %s to %s: %w", hostPeer, b.bridge, err)
	}
	return nil
}

func (b *linuxBridge) detach(context.Context, string) error {
	return nil
}

// ovsBridge adds the host end as an Open vSwitch port carrying the network
// id so the switch can steer the network's traffic to it.
type ovsBridge struct {
	exec   CommandExecutor
	bridge string
}

func (o *ovsBridge) attach(ctx context.Context, hostPeer, networkID string) error {
	_, err := o.exec.RunCommand(ctx, "ovs-vsctl", "--may-exist", "add-port", o.bridge, hostPeer,
		"--", "set", "Interface", hostPeer, "external-ids:iface-id="+networkID)
	if err != nil {
		return fmt.Errorf("ovs add-port %s: %w", hostPeer, err)
	}
	return nil
}

func (o *ovsBridge) detach(ctx context.Context, hostPeer string) error {
	_, err := o.exec.RunCommand(ctx, "ovs-vsctl", "--if-exists", "del-port", o.bridge, hostPeer)
	if err != nil {
		return fmt.Errorf("ovs del-port %s: %w", hostPeer, err)
	}
	return nil
}
