//go:build linux

package ifdriver

import (
	"errors"
	"fmt"
	"os"

	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// DefaultNetlinker is the netlink-backed Netlinker.
var DefaultNetlinker Netlinker = &RealNetlinker{}

// RealNetlinker opens a netlink handle in the target namespace per call.
type RealNetlinker struct{}

func (r *RealNetlinker) handle(ns string) (*netlink.Handle, func(), error) {
	if ns == "" {
		h, err := netlink.NewHandle()
		if err != nil {
			return nil, nil, err
		}
		return h, h.Close, nil
	}
	nsh, err := netns.GetFromName(ns)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("namespace %s: %w", ns, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("open namespace %s: %w", ns, err)
	}
	h, err := netlink.NewHandleAt(nsh)
	if err != nil {
		nsh.Close()
		return nil, nil, fmt.Errorf("netlink handle in %s: %w", ns, err)
	}
	return h, func() {
		h.Close()
		nsh.Close()
	}, nil
}

func (r *RealNetlinker) LinkByName(ns, name string) (netlink.Link, error) {
	h, done, err := r.handle(ns)
	if err != nil {
		return nil, err
	}
	defer done()
	link, err := h.LinkByName(name)
	if err != nil {
		var nf netlink.LinkNotFoundError
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("link %s: %w", name, ErrNotFound)
		}
		return nil, err
	}
	return link, nil
}

func (r *RealNetlinker) LinkAdd(ns string, link netlink.Link) error {
	h, done, err := r.handle(ns)
	if err != nil {
		return err
	}
	defer done()
	return h.LinkAdd(link)
}

func (r *RealNetlinker) LinkDel(ns string, link netlink.Link) error {
	h, done, err := r.handle(ns)
	if err != nil {
		return err
	}
	defer done()
	return h.LinkDel(link)
}

func (r *RealNetlinker) LinkSetUp(ns string, link netlink.Link) error {
	h, done, err := r.handle(ns)
	if err != nil {
		return err
	}
	defer done()
	return h.LinkSetUp(link)
}

func (r *RealNetlinker) LinkSetMaster(ns string, link, master netlink.Link) error {
	h, done, err := r.handle(ns)
	if err != nil {
		return err
	}
	defer done()
	return h.LinkSetMaster(link, master)
}

func (r *RealNetlinker) LinkSetNs(link netlink.Link, ns string) error {
	nsh, err := netns.GetFromName(ns)
	if err != nil {
		return fmt.Errorf("open namespace %s: %w", ns, err)
	}
	defer nsh.Close()
	return netlink.LinkSetNsFd(link, int(nsh))
}

func (r *RealNetlinker) AddrList(ns string, link netlink.Link, family int) ([]netlink.Addr, error) {
	h, done, err := r.handle(ns)
	if err != nil {
		return nil, err
	}
	defer done()
	return h.AddrList(link, family)
}

func (r *RealNetlinker) AddrAdd(ns string, link netlink.Link, addr *netlink.Addr) error {
	h, done, err := r.handle(ns)
	if err != nil {
		return err
	}
	defer done()
	return h.AddrAdd(link, addr)
}

func (r *RealNetlinker) AddrDel(ns string, link netlink.Link, addr *netlink.Addr) error {
	h, done, err := r.handle(ns)
	if err != nil {
		return err
	}
	defer done()
	return h.AddrDel(link, addr)
}

// DisableTxOffload clears tx-checksum-ip-generic via the ethtool ioctl. veth
// pairs advertise checksum offload that is never performed, so replies from
// the namespace arrive with bad UDP checksums.
func (r *RealNetlinker) DisableTxOffload(ns, name string) error {
	return InNamespace(ns, func() error {
		e, err := ethtool.NewEthtool()
		if err != nil {
			return fmt.Errorf("ethtool: %w", err)
		}
		defer e.Close()
		return e.Change(name, map[string]bool{"tx-checksum-ip-generic": false})
	})
}
