// Package binding owns the namespace + interface pair serving each network.
//
// Ensure builds a binding in the order namespace, interface, server-side
// addresses, record. Anything created by a failed Ensure is torn down before
// the error is returned, so the table only ever holds complete bindings.
// Release stops the network's DHCP server before dismantling the rest.
package binding

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"grimm.is/dhcpagent/internal/clock"
	"grimm.is/dhcpagent/internal/ifdriver"
	"grimm.is/dhcpagent/internal/logging"
	"grimm.is/dhcpagent/internal/model"
	"grimm.is/dhcpagent/internal/state"
)

// Stopper stops the DHCP server of a network. Release calls it first.
type Stopper interface {
	Stop(ctx context.Context, networkID string) error
}

// Options configures a Manager.
type Options struct {
	NamespacePrefix string
	InterfacePrefix string
	// UseNamespaces false keeps every interface in the host namespace.
	UseNamespaces bool
	MTU           int
	Stopper       Stopper
	Clock         clock.Clock
}

// Manager is the binding table plus the operations that keep it true.
type Manager struct {
	driver ifdriver.Driver
	ns     ifdriver.Namespaces
	bucket *state.BindingBucket
	opts   Options
	clock  clock.Clock
	log    *logging.Logger

	mu       sync.Mutex
	bindings map[string]*model.Binding
}

// NewManager creates a manager. bucket may be nil to keep the table in memory.
func NewManager(driver ifdriver.Driver, ns ifdriver.Namespaces, bucket *state.BindingBucket, opts Options) *Manager {
	return &Manager{
		driver:   driver,
		ns:       ns,
		bucket:   bucket,
		opts:     opts,
		clock:    clock.OrReal(opts.Clock),
		log:      logging.WithComponent("binding"),
		bindings: make(map[string]*model.Binding),
	}
}

// NamespaceFor returns the namespace of a network, or "" without namespaces.
func (m *Manager) NamespaceFor(networkID string) string {
	if !m.opts.UseNamespaces {
		return ""
	}
	return m.opts.NamespacePrefix + networkID
}

// InterfaceSpec returns the interface a network is served on.
func (m *Manager) InterfaceSpec(networkID string) ifdriver.InterfaceSpec {
	return ifdriver.InterfaceSpec{
		NetworkID: networkID,
		Name:      ifdriver.DeviceName(m.opts.InterfacePrefix, networkID),
		HostPeer:  ifdriver.DeviceName("h"+m.opts.InterfacePrefix, networkID),
		MAC:       InterfaceMAC(networkID),
		MTU:       m.opts.MTU,
	}
}

// InterfaceMAC derives a stable locally administered MAC from the network id
// so a re-plugged interface keeps its address.
func InterfaceMAC(networkID string) string {
	h := fnv.New32a()
	h.Write([]byte(networkID))
	sum := h.Sum32()
	mac := net.HardwareAddr{0xfa, 0x16, 0x3e, byte(sum >> 16), byte(sum >> 8), byte(sum)}
	return mac.String()
}

// ServerAddresses returns the sorted server-side CIDRs of a network's DHCP
// subnets.
func ServerAddresses(n *model.Network) ([]string, error) {
	var addrs []string
	for _, s := range n.DHCPSubnets() {
		cidr, err := s.ServerCIDR()
		if err != nil {
			return nil, model.NewConfigError(n.ID, "addresses", fmt.Errorf("subnet %s: %w", s.ID, err))
		}
		addrs = append(addrs, cidr)
	}
	sort.Strings(addrs)
	return addrs, nil
}

func (m *Manager) handleFor(networkID string) model.InterfaceHandle {
	spec := m.InterfaceSpec(networkID)
	return model.InterfaceHandle{
		Name:      spec.Name,
		HostPeer:  spec.HostPeer,
		Namespace: m.NamespaceFor(networkID),
		Driver:    m.driver.Name(),
		MAC:       spec.MAC,
	}
}

// Ensure makes the binding of n exist and match n. An intact binding is left
// untouched.
func (m *Manager) Ensure(ctx context.Context, n *model.Network) (*model.Binding, error) {
	log := m.log.WithNetwork(n.ID)
	if !n.NeedsService() {
		return nil, model.NewBindingError(n.ID, "ensure", errors.New("network does not need a DHCP service"))
	}
	want, err := ServerAddresses(n)
	if err != nil {
		return nil, err
	}

	existing, _ := m.Get(n.ID)
	nsName := m.NamespaceFor(n.ID)

	var (
		createdNS    bool
		createdIface bool
		handle       model.InterfaceHandle
	)
	fail := func(op string, cause error) (*model.Binding, error) {
		var result error = cause
		if createdIface {
			if err := m.driver.Unplug(ctx, handle); err != nil {
				result = multierror.Append(result, fmt.Errorf("rollback unplug: %w", err))
			}
		}
		if createdNS {
			if err := m.ns.Delete(nsName); err != nil {
				result = multierror.Append(result, fmt.Errorf("rollback namespace: %w", err))
			}
		}
		log.Warn("binding failed, rolled back", "op", op, "error", cause,
			"removed_interface", createdIface, "removed_namespace", createdNS)
		return nil, model.NewBindingError(n.ID, op, result)
	}

	if nsName != "" {
		ok, err := m.ns.Exists(nsName)
		if err != nil {
			return fail("namespace", err)
		}
		if !ok {
			if err := m.ns.Ensure(nsName); err != nil {
				return fail("namespace", err)
			}
			createdNS = true
		}
	}

	handle = m.handleFor(n.ID)
	current, err := m.driver.Addresses(ctx, handle)
	switch {
	case errors.Is(err, ifdriver.ErrNotFound):
		// A failed plug may leave half a pair behind.
		createdIface = true
		plugged, err := m.driver.Plug(ctx, nsName, m.InterfaceSpec(n.ID))
		if err != nil {
			return fail("plug", err)
		}
		handle = plugged
		current = nil
	case err != nil:
		return fail("plug", err)
	case existing == nil:
		// Present but not ours on record: adopt it.
		plugged, err := m.driver.Plug(ctx, nsName, m.InterfaceSpec(n.ID))
		if err != nil {
			return fail("plug", err)
		}
		handle = plugged
	default:
		handle = existing.Interface
	}

	if !slices.Equal(current, want) {
		if err := m.driver.SetAddresses(ctx, handle, want); err != nil {
			return fail("addresses", err)
		}
	}

	b := &model.Binding{
		NetworkID: n.ID,
		Namespace: nsName,
		Interface: handle,
		Addresses: want,
		CreatedAt: m.clock.Now(),
	}
	if existing != nil {
		b.CreatedAt = existing.CreatedAt
		b.Process = existing.Process
		if sameBinding(existing, b) {
			return existing, nil
		}
	}
	if err := m.record(b); err != nil {
		return fail("record", err)
	}

	if existing == nil {
		log.Info("network bound", "namespace", nsName, "interface", handle.Name, "addresses", strings.Join(want, ","))
	} else {
		log.Info("binding updated", "addresses", strings.Join(want, ","))
	}
	return b.Clone(), nil
}

func sameBinding(a, b *model.Binding) bool {
	return a.Namespace == b.Namespace &&
		a.Interface == b.Interface &&
		slices.Equal(a.Addresses, b.Addresses)
}

func (m *Manager) record(b *model.Binding) error {
	if m.bucket != nil {
		if err := m.bucket.Set(b); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.bindings[b.NetworkID] = b.Clone()
	m.mu.Unlock()
	return nil
}

// Release stops the network's server, unplugs its interface, deletes its
// namespace and forgets the binding. Releasing an unknown network cleans up
// whatever the naming scheme says could be left behind.
func (m *Manager) Release(ctx context.Context, networkID string) error {
	log := m.log.WithNetwork(networkID)

	if m.opts.Stopper != nil {
		if err := m.opts.Stopper.Stop(ctx, networkID); err != nil {
			return model.NewBindingError(networkID, "release", fmt.Errorf("stop dhcp server: %w", err))
		}
	}

	existing, tracked := m.Get(networkID)
	handle := m.handleFor(networkID)
	nsName := m.NamespaceFor(networkID)
	if tracked {
		handle = existing.Interface
		nsName = existing.Namespace
	}

	var result error
	if err := m.driver.Unplug(ctx, handle); err != nil && !errors.Is(err, ifdriver.ErrNotFound) {
		result = multierror.Append(result, fmt.Errorf("unplug: %w", err))
	}
	if nsName != "" {
		if err := m.ns.Delete(nsName); err != nil {
			result = multierror.Append(result, fmt.Errorf("delete namespace: %w", err))
		}
	}
	if result != nil {
		return model.NewBindingError(networkID, "release", result)
	}

	if err := m.forget(networkID); err != nil {
		return model.NewBindingError(networkID, "release", err)
	}
	if tracked {
		log.Info("network released", "namespace", nsName, "interface", handle.Name)
	}
	return nil
}

func (m *Manager) forget(networkID string) error {
	if m.bucket != nil {
		if err := m.bucket.Delete(networkID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	delete(m.bindings, networkID)
	m.mu.Unlock()
	return nil
}

// Get returns a copy of a network's binding.
func (m *Manager) Get(networkID string) (*model.Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[networkID]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// List returns copies of all bindings sorted by network id.
func (m *Manager) List() []*model.Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NetworkID < out[j].NetworkID })
	return out
}

// AttachProcess records the DHCP server serving a binding.
func (m *Manager) AttachProcess(networkID string, ref model.ProcessRef) error {
	m.mu.Lock()
	b, ok := m.bindings[networkID]
	if !ok {
		m.mu.Unlock()
		return model.NewBindingError(networkID, "attach", errors.New("no binding"))
	}
	if b.Process == ref {
		m.mu.Unlock()
		return nil
	}
	updated := b.Clone()
	updated.Process = ref
	m.mu.Unlock()
	return m.record(updated)
}

// Intact reports whether a network's recorded binding still matches the
// host: namespace present, interface present with the recorded addresses.
func (m *Manager) Intact(ctx context.Context, networkID string) bool {
	b, ok := m.Get(networkID)
	if !ok {
		return false
	}
	if b.Namespace != "" {
		if exists, err := m.ns.Exists(b.Namespace); err != nil || !exists {
			return false
		}
	}
	addrs, err := m.driver.Addresses(ctx, b.Interface)
	if err != nil {
		return false
	}
	return slices.Equal(addrs, b.Addresses)
}

// Load restores the binding table from the state store.
func (m *Manager) Load() (int, error) {
	if m.bucket == nil {
		return 0, nil
	}
	stored, err := m.bucket.List()
	if err != nil {
		return 0, fmt.Errorf("load bindings: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range stored {
		m.bindings[b.NetworkID] = b
	}
	return len(stored), nil
}

// SweepOrphans deletes agent-prefixed namespaces that belong to neither a
// recorded binding nor a network in keep. It returns the deleted names.
func (m *Manager) SweepOrphans(ctx context.Context, keep map[string]bool) ([]string, error) {
	if !m.opts.UseNamespaces || m.opts.NamespacePrefix == "" {
		return nil, nil
	}
	names, err := m.ns.List(m.opts.NamespacePrefix)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}

	owned := make(map[string]bool)
	for _, b := range m.List() {
		owned[b.Namespace] = true
	}
	for id := range keep {
		owned[m.NamespaceFor(id)] = true
	}

	var deleted []string
	var result error
	for _, name := range names {
		if owned[name] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		networkID := strings.TrimPrefix(name, m.opts.NamespacePrefix)
		if err := m.driver.Unplug(ctx, m.handleFor(networkID)); err != nil && !errors.Is(err, ifdriver.ErrNotFound) {
			m.log.WithNetwork(networkID).Warn("orphan interface not removed", "error", err)
		}
		if err := m.ns.Delete(name); err != nil {
			result = multierror.Append(result, fmt.Errorf("namespace %s: %w", name, err))
			continue
		}
		m.log.Info("removed orphan namespace", "namespace", name)
		deleted = append(deleted, name)
	}
	return deleted, result
}
