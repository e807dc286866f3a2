package ifdriver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"grimm.is/dhcpagent/internal/model"
)

// Fake is an in-memory Driver and Namespaces pair for exercising callers
// without touching the kernel. Failures can be injected per operation.
type Fake struct {
	mu         sync.Mutex
	namespaces map[string]bool
	links      map[string][]string // ns/name -> addresses

	// FailPlug, FailEnsure and FailSetAddresses make the next matching
	// call return the error once.
	FailPlug         map[string]error // by interface name
	FailEnsure       map[string]error // by namespace
	FailSetAddresses map[string]error // by interface name

	Calls []string
}

// NewFake returns an empty fake.
func NewFake() *Fake {
	return &Fake{
		namespaces:       make(map[string]bool),
		links:            make(map[string][]string),
		FailPlug:         make(map[string]error),
		FailEnsure:       make(map[string]error),
		FailSetAddresses: make(map[string]error),
	}
}

func linkKey(ns, name string) string {
	return ns + "/" + name
}

func (f *Fake) record(format string, args ...any) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

func (f *Fake) Name() string {
	return "fake"
}

func (f *Fake) Plug(ctx context.Context, ns string, spec InterfaceSpec) (model.InterfaceHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("plug %s %s", ns, spec.Name)

	h := model.InterfaceHandle{Name: spec.Name, HostPeer: spec.HostPeer, Namespace: ns, Driver: "fake", MAC: spec.MAC}
	if err, ok := f.FailPlug[spec.Name]; ok {
		delete(f.FailPlug, spec.Name)
		return h, err
	}
	if ns != "" && !f.namespaces[ns] {
		return h, fmt.Errorf("namespace %s: %w", ns, ErrNotFound)
	}
	if _, ok := f.links[linkKey(ns, spec.Name)]; !ok {
		f.links[linkKey(ns, spec.Name)] = nil
	}
	return h, nil
}

func (f *Fake) Unplug(ctx context.Context, h model.InterfaceHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unplug %s %s", h.Namespace, h.Name)
	delete(f.links, linkKey(h.Namespace, h.Name))
	return nil
}

func (f *Fake) SetAddresses(ctx context.Context, h model.InterfaceHandle, addrs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("set-addresses %s %s", h.Name, strings.Join(addrs, ","))
	if err, ok := f.FailSetAddresses[h.Name]; ok {
		delete(f.FailSetAddresses, h.Name)
		return err
	}
	key := linkKey(h.Namespace, h.Name)
	if _, ok := f.links[key]; !ok {
		return fmt.Errorf("link %s: %w", h.Name, ErrNotFound)
	}
	sorted := append([]string(nil), addrs...)
	sort.Strings(sorted)
	f.links[key] = sorted
	return nil
}

func (f *Fake) Addresses(ctx context.Context, h model.InterfaceHandle) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addrs, ok := f.links[linkKey(h.Namespace, h.Name)]
	if !ok {
		return nil, fmt.Errorf("link %s: %w", h.Name, ErrNotFound)
	}
	return append([]string(nil), addrs...), nil
}

func (f *Fake) Ensure(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ensure-ns %s", name)
	if err, ok := f.FailEnsure[name]; ok {
		delete(f.FailEnsure, name)
		return err
	}
	f.namespaces[name] = true
	return nil
}

func (f *Fake) Delete(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete-ns %s", name)
	delete(f.namespaces, name)
	for key := range f.links {
		if strings.HasPrefix(key, name+"/") {
			delete(f.links, key)
		}
	}
	return nil
}

func (f *Fake) Exists(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.namespaces[name], nil
}

func (f *Fake) List(prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for ns := range f.namespaces {
		if strings.HasPrefix(ns, prefix) {
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out, nil
}

// HasLink reports whether an interface exists in ns.
func (f *Fake) HasLink(ns, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.links[linkKey(ns, name)]
	return ok
}

// LinkCount returns the number of plugged interfaces.
func (f *Fake) LinkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

// NamespaceCount returns the number of namespaces.
func (f *Fake) NamespaceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.namespaces)
}

// CallCount returns how many recorded calls start with prefix.
func (f *Fake) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// RemoveLink deletes an interface behind the caller's back.
func (f *Fake) RemoveLink(ns, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.links, linkKey(ns, name))
}
