package ifdriver

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/vishvananda/netlink"
)

// Netlinker abstracts namespace-aware netlink access. An empty namespace
// means the host namespace.
type Netlinker interface {
	LinkByName(ns, name string) (netlink.Link, error)
	LinkAdd(ns string, link netlink.Link) error
	LinkDel(ns string, link netlink.Link) error
	LinkSetUp(ns string, link netlink.Link) error
	LinkSetMaster(ns string, link, master netlink.Link) error
	// LinkSetNs moves a host namespace link into ns.
	LinkSetNs(link netlink.Link, ns string) error

	AddrList(ns string, link netlink.Link, family int) ([]netlink.Addr, error)
	AddrAdd(ns string, link netlink.Link, addr *netlink.Addr) error
	AddrDel(ns string, link netlink.Link, addr *netlink.Addr) error

	// DisableTxOffload turns off TX checksum offload on a device.
	DisableTxOffload(ns, name string) error
}

// CommandExecutor abstracts running external tools.
type CommandExecutor interface {
	RunCommand(ctx context.Context, name string, arg ...string) (string, error)
}

// RealCommandExecutor runs commands with os/exec.
type RealCommandExecutor struct{}

// RunCommand runs a command and returns its combined output.
func (r *RealCommandExecutor) RunCommand(ctx context.Context, name string, arg ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, arg...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("command %s %v failed: %w, output: %s", name, arg, err, string(output))
	}
	return string(output), nil
}
