//go:build !linux

package ifdriver

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// DefaultNetlinker is the netlink-backed Netlinker (stub).
var DefaultNetlinker Netlinker = &RealNetlinker{}

// RealNetlinker is a stub; netlink only exists on Linux.
type RealNetlinker struct{}

var errUnsupported = fmt.Errorf("netlink not supported on this platform")

func (r *RealNetlinker) LinkByName(ns, name string) (netlink.Link, error) {
	return nil, errUnsupported
}

func (r *RealNetlinker) LinkAdd(ns string, link netlink.Link) error {
	return errUnsupported
}

func (r *RealNetlinker) LinkDel(ns string, link netlink.Link) error {
	return errUnsupported
}

func (r *RealNetlinker) LinkSetUp(ns string, link netlink.Link) error {
	return errUnsupported
}

func (r *RealNetlinker) LinkSetMaster(ns string, link, master netlink.Link) error {
	return errUnsupported
}

func (r *RealNetlinker) LinkSetNs(link netlink.Link, ns string) error {
	return errUnsupported
}

func (r *RealNetlinker) AddrList(ns string, link netlink.Link, family int) ([]netlink.Addr, error) {
	return nil, errUnsupported
}

func (r *RealNetlinker) AddrAdd(ns string, link netlink.Link, addr *netlink.Addr) error {
	return errUnsupported
}

func (r *RealNetlinker) AddrDel(ns string, link netlink.Link, addr *netlink.Addr) error {
	return errUnsupported
}

func (r *RealNetlinker) DisableTxOffload(ns, name string) error {
	return errUnsupported
}
