//go:build !linux

package ifdriver

import "fmt"

const netnsRunDir = "/var/run/netns"

// RealNamespaces is a stub; named namespaces only exist on Linux.
type RealNamespaces struct {
	Dir string
}

var errNoNamespaces = fmt.Errorf("network namespaces not supported on this platform")

func (r *RealNamespaces) Ensure(name string) error { return errNoNamespaces }
func (r *RealNamespaces) Delete(name string) error { return nil }
func (r *RealNamespaces) Exists(name string) (bool, error) { return false, nil }
func (r *RealNamespaces) List(prefix string) ([]string, error) { return nil, nil }

// InNamespace runs fn directly when name is empty and fails otherwise.
func InNamespace(name string, fn func() error) error {
	if name == "" {
		return fn()
	}
	return errNoNamespaces
}
