//go:build linux

package ifdriver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// where iproute2 and netns.NewNamed bind-mount named namespaces
const netnsRunDir = "/var/run/netns"

// RealNamespaces manages bind-mounted named namespaces.
type RealNamespaces struct {
	Dir string
}

// Ensure creates the namespace if it does not exist and brings up its
// loopback device.
func (r *RealNamespaces) Ensure(name string) error {
	ok, err := r.Exists(name)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	errc := make(chan error, 1)
	go func() {
		// The thread is never unlocked: if switching back fails it must not be
		// reused by another goroutine.
		runtime.LockOSThread()

		orig, err := netns.Get()
		if err != nil {
			errc <- fmt.Errorf("get current netns: %w", err)
			return
		}
		defer orig.Close()

		ns, err := netns.NewNamed(name)
		if err != nil {
			errc <- fmt.Errorf("create netns %s: %w", name, err)
			return
		}
		defer ns.Close()

		if lo, err := netlink.LinkByName("lo"); err == nil {
			_ = netlink.LinkSetUp(lo)
		}

		if err := netns.Set(orig); err != nil {
			errc <- fmt.Errorf("return to original netns: %w", err)
			return
		}
		runtime.UnlockOSThread()
		errc <- nil
	}()
	return <-errc
}

// Delete removes the namespace. Deleting a missing namespace succeeds.
func (r *RealNamespaces) Delete(name string) error {
	ok, err := r.Exists(name)
	if err != nil || !ok {
		return err
	}
	if err := netns.DeleteNamed(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete netns %s: %w", name, err)
	}
	return nil
}

func (r *RealNamespaces) Exists(name string) (bool, error) {
	_, err := os.Stat(filepath.Join(r.Dir, name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// List returns the names of namespaces starting with prefix.
func (r *RealNamespaces) List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// InNamespace runs fn on a locked OS thread switched into the named
// namespace. Sockets opened by fn stay bound to that namespace after it
// returns. An empty name runs fn in the current namespace.
func InNamespace(name string, fn func() error) error {
	if name == "" {
		return fn()
	}

	errc := make(chan error, 1)
	go func() {
		runtime.LockOSThread()

		orig, err := netns.Get()
		if err != nil {
			errc <- fmt.Errorf("get current netns: %w", err)
			return
		}
		defer orig.Close()

		target, err := netns.GetFromName(name)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				err = ErrNotFound
			}
			errc <- fmt.Errorf("open netns %s: %w", name, err)
			return
		}
		defer target.Close()

		if err := netns.Set(target); err != nil {
			errc <- fmt.Errorf("enter netns %s: %w", name, err)
			return
		}
		fnErr := fn()
		if err := netns.Set(orig); err != nil {
			errc <- fmt.Errorf("return to original netns: %w", err)
			return
		}
		runtime.UnlockOSThread()
		errc <- fnErr
	}()
	return <-errc
}
