// Package dhcpproc owns the per-network DHCP server: its generated
// configuration artifacts on disk and the lifecycle of the process (or
// in-process server) that serves them.
package dhcpproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"grimm.is/dhcpagent/internal/clock"
	"grimm.is/dhcpagent/internal/logging"
	"grimm.is/dhcpagent/internal/metrics"
	"grimm.is/dhcpagent/internal/model"
)

// Action is what Apply did to the server.
type Action string

const (
	ActionNone    Action = "none"
	ActionStart   Action = "start"
	ActionReload  Action = "reload"
	ActionRestart Action = "restart"
	ActionStop    Action = "stop"
)

// State is the observed state of one network's server.
type State struct {
	NetworkID   string       `json:"network_id"`
	Handle      Handle       `json:"handle"`
	Alive       bool         `json:"alive"`
	Fingerprint string       `json:"fingerprint"`
	Artifacts   Fingerprints `json:"artifacts"`
	ConfigPath  string       `json:"config_path"`
	StartedAt   time.Time    `json:"started_at"`
	LastReload  time.Time    `json:"last_reload,omitempty"`
}

// Ref returns the binding-level process reference.
func (s State) Ref() model.ProcessRef {
	return model.ProcessRef{ID: s.Handle.ID, PID: s.Handle.PID}
}

type instance struct {
	launch      Launch
	handle      Handle
	fingerprint string
	parts       Fingerprints
	startedAt   time.Time
	lastReload  time.Time
}

// Options configures a Controller.
type Options struct {
	// Dir holds one subdirectory per network.
	Dir           string
	Driver        Driver
	LeaseDuration time.Duration
	Domain        string
	DNSServers    []string
	Clock         clock.Clock
}

// Controller decides between start, reload, restart and no-op for each
// network and keeps the artifacts on disk in step with the desired network.
// Calls for one network must not overlap; different networks may run
// concurrently.
type Controller struct {
	opts   Options
	driver Driver
	clock  clock.Clock
	log    *logging.Logger

	mu        sync.Mutex
	instances map[string]*instance
	// artifact directories with no running server, found by Recover
	leftover  map[string]Launch
}

// NewController creates a controller. The artifact directory is created.
func NewController(opts Options) (*Controller, error) {
	if opts.Driver == nil {
		return nil, fmt.Errorf("dhcp controller needs a driver")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", opts.Dir, err)
	}
	return &Controller{
		opts:      opts,
		driver:    opts.Driver,
		clock:     clock.OrReal(opts.Clock),
		log:       logging.WithComponent("dhcp"),
		instances: make(map[string]*instance),
		leftover:  make(map[string]Launch),
	}, nil
}

// Driver returns the process driver in use.
func (c *Controller) Driver() Driver {
	return c.driver
}

// NetworkDir is the artifact directory of a network. It is always a direct
// child of the artifact root; any other id is refused.
func (c *Controller) NetworkDir(networkID string) (string, error) {
	dir := filepath.Join(c.opts.Dir, networkID)
	rel, err := filepath.Rel(c.opts.Dir, dir)
	if err != nil || rel != networkID || rel == "." || rel == ".." || strings.ContainsRune(rel, filepath.Separator) {
		return "", fmt.Errorf("network id %q does not name an artifact directory", networkID)
	}
	return dir, nil
}

// RenderOptions returns the render settings for a network whose artifacts
// live in dir and which is bound to iface.
func (c *Controller) RenderOptions(dir, iface string) RenderOptions {
	return RenderOptions{
		Interface:     iface,
		Dir:           dir,
		LeaseDuration: c.opts.LeaseDuration,
		Domain:        c.opts.Domain,
		DNSServers:    c.opts.DNSServers,
	}
}

// Apply converges the server of n onto binding b.
func (c *Controller) Apply(ctx context.Context, n *model.Network, b *model.Binding) (Action, error) {
	log := c.log.WithNetwork(n.ID)
	if b == nil || b.Interface.IsZero() {
		return ActionNone, model.NewProcessError(n.ID, "apply", fmt.Errorf("no binding"))
	}

	dir, err := c.NetworkDir(n.ID)
	if err != nil {
		return ActionNone, model.NewConfigError(n.ID, "artifact dir", err)
	}
	art, err := Render(n, c.RenderOptions(dir, b.Interface.Name))
	if err != nil {
		if model.KindOf(err) == model.KindConfig {
			return ActionNone, err
		}
		return ActionNone, model.NewConfigError(n.ID, "render", err)
	}
	if err := c.writeArtifacts(log, dir, art); err != nil {
		return ActionNone, model.NewProcessError(n.ID, "write artifacts", err)
	}

	launch := Launch{
		NetworkID: n.ID,
		Namespace: b.Namespace,
		Interface: b.Interface.Name,
		Dir:       dir,
	}
	if err := c.writeLaunch(launch); err != nil {
		return ActionNone, model.NewProcessError(n.ID, "write launch", err)
	}
	fp := art.Fingerprint()
	parts := art.Fingerprints()

	c.mu.Lock()
	inst := c.instances[n.ID]
	c.mu.Unlock()

	switch {
	case inst == nil:
		return ActionStart, c.start(ctx, launch, fp, parts)

	case !c.driver.Alive(inst.handle):
		log.Warn("server is not running, starting it", "pid", inst.handle.PID)
		return ActionStart, c.start(ctx, launch, fp, parts)

	case !inst.launch.SameBinding(launch):
		log.Info("binding changed, restarting server",
			"old_interface", inst.launch.Interface, "interface", launch.Interface)
		return ActionRestart, c.restart(ctx, inst, launch, fp, parts)

	case inst.fingerprint == fp:
		return ActionNone, nil
	}

	scope := inst.parts.Changed(parts)
	err = c.driver.Reload(ctx, inst.handle, launch, scope)
	if err == nil {
		c.mu.Lock()
		inst.fingerprint = fp
		inst.parts = parts
		inst.launch = launch
		inst.lastReload = c.clock.Now()
		c.mu.Unlock()
		metrics.Get().RecordProcessAction(c.driver.Name(), string(ActionReload))
		log.Info("server reloaded", "pid", inst.handle.PID, "fingerprint", fp[:12])
		return ActionReload, nil
	}

	if errors.Is(err, ErrReloadUnsupported) {
		log.Info("change needs a restart", "config_changed", scope.Config)
	} else {
		log.Warn("reload failed, restarting server", "error", err)
	}
	return ActionRestart, c.restart(ctx, inst, launch, fp, parts)
}

func (c *Controller) start(ctx context.Context, l Launch, fp string, parts Fingerprints) error {
	h, err := c.driver.Start(ctx, l)
	if err != nil {
		return model.NewProcessError(l.NetworkID, "start", err)
	}
	c.mu.Lock()
	c.instances[l.NetworkID] = &instance{
		launch:      l,
		handle:      h,
		fingerprint: fp,
		parts:       parts,
		startedAt:   c.clock.Now(),
	}
	delete(c.leftover, l.NetworkID)
	c.mu.Unlock()

	metrics.Get().RecordProcessAction(c.driver.Name(), string(ActionStart))
	c.log.WithNetwork(l.NetworkID).Info("server started",
		"pid", h.PID, "instance", h.ID, "interface", l.Interface, "namespace", l.Namespace)
	return nil
}

func (c *Controller) restart(ctx context.Context, inst *instance, l Launch, fp string, parts Fingerprints) error {
	if err := c.driver.Stop(ctx, inst.handle); err != nil {
		return model.NewProcessError(l.NetworkID, "stop for restart", err)
	}
	c.mu.Lock()
	delete(c.instances, l.NetworkID)
	c.mu.Unlock()
	metrics.Get().RecordProcessAction(c.driver.Name(), string(ActionRestart))
	return c.start(ctx, l, fp, parts)
}

func (c *Controller) writeArtifacts(log *logging.Logger, dir string, art *Artifacts) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	names := make([]string, 0, 3)
	files := art.Files()
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		old, written, err := writeIfChanged(path, files[name])
		if err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		if written && old != nil {
			log.Debug("artifact changed", "file", name, "diff", unifiedDiff(name, old, files[name]))
		}
	}
	return nil
}

func (c *Controller) writeLaunch(l Launch) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	_, _, err = writeIfChanged(filepath.Join(l.Dir, LaunchFile), data)
	return err
}

// Stop terminates the network's server and removes its artifacts. Stopping
// a network without a server only removes leftovers.
func (c *Controller) Stop(ctx context.Context, networkID string) error {
	dir, err := c.NetworkDir(networkID)
	if err != nil {
		return model.NewConfigError(networkID, "stop", err)
	}

	c.mu.Lock()
	inst := c.instances[networkID]
	c.mu.Unlock()

	if inst != nil {
		if err := c.driver.Stop(ctx, inst.handle); err != nil {
			return model.NewProcessError(networkID, "stop", err)
		}
		metrics.Get().RecordProcessAction(c.driver.Name(), string(ActionStop))
		c.log.WithNetwork(networkID).Info("server stopped", "pid", inst.handle.PID)
	}

	if err := os.RemoveAll(dir); err != nil {
		return model.NewProcessError(networkID, "remove artifacts", err)
	}

	c.mu.Lock()
	delete(c.instances, networkID)
	delete(c.leftover, networkID)
	c.mu.Unlock()
	return nil
}

// StopAll stops every managed server.
func (c *Controller) StopAll(ctx context.Context) error {
	var errs *multierror.Error
	for _, id := range c.Networks() {
		if err := c.Stop(ctx, id); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// State returns the observed state of a network's server.
func (c *Controller) State(networkID string) (State, bool) {
	c.mu.Lock()
	ptr, ok := c.instances[networkID]
	var inst instance
	if ok {
		inst = *ptr
	}
	c.mu.Unlock()
	if !ok {
		return State{}, false
	}
	return State{
		NetworkID:   networkID,
		Handle:      inst.handle,
		Alive:       c.driver.Alive(inst.handle),
		Fingerprint: inst.fingerprint,
		Artifacts:   inst.parts,
		ConfigPath:  inst.launch.ConfigPath(),
		StartedAt:   inst.startedAt,
		LastReload:  inst.lastReload,
	}, true
}

// Networks lists networks with a server or leftover artifacts.
func (c *Controller) Networks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.instances)+len(c.leftover))
	for id := range c.instances {
		ids = append(ids, id)
	}
	for id := range c.leftover {
		if _, ok := c.instances[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Recover scans the artifact directory for networks served by a previous
// agent process. Live servers are adopted with the fingerprint of the
// artifacts they were started from; the rest are remembered as leftovers so
// the next pass either restarts or removes them.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(c.opts.Dir)
	if err != nil {
		return 0, err
	}

	adopted := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		dir := filepath.Join(c.opts.Dir, id)
		l, err := readLaunch(dir)
		if err != nil {
			c.log.Warn("unreadable server state, will be cleaned up", "network", id, "error", err)
			l = Launch{NetworkID: id, Dir: dir}
		}

		h, ok := c.driver.Adopt(l)
		art, rerr := readArtifacts(dir)
		if !ok || rerr != nil {
			if ok {
				_ = c.driver.Stop(ctx, h)
			}
			c.mu.Lock()
			c.leftover[id] = l
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		c.instances[id] = &instance{
			launch:      l,
			handle:      h,
			fingerprint: art.Fingerprint(),
			parts:       art.Fingerprints(),
			startedAt:   c.clock.Now(),
		}
		c.mu.Unlock()
		adopted++
		c.log.WithNetwork(id).Info("adopted running server", "pid", h.PID)
	}
	return adopted, nil
}

func readLaunch(dir string) (Launch, error) {
	var l Launch
	data, err := os.ReadFile(filepath.Join(dir, LaunchFile))
	if err != nil {
		return l, err
	}
	if err := json.Unmarshal(data, &l); err != nil {
		return l, err
	}
	l.Dir = dir
	return l, nil
}

func readArtifacts(dir string) (*Artifacts, error) {
	art := &Artifacts{}
	var err error
	if art.Config, err = os.ReadFile(filepath.Join(dir, ConfigFile)); err != nil {
		return nil, err
	}
	if art.Hosts, err = os.ReadFile(filepath.Join(dir, HostsFile)); err != nil {
		return nil, err
	}
	if art.Opts, err = os.ReadFile(filepath.Join(dir, OptsFile)); err != nil {
		return nil, err
	}
	return art, nil
}
