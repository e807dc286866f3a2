// Package agent owns the running DHCP agent: it builds the drivers, the
// state store, the controller client and the managers from configuration,
// and runs the synchronizer until shutdown.
package agent

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"grimm.is/dhcpagent/internal/binding"
	"grimm.is/dhcpagent/internal/clock"
	"grimm.is/dhcpagent/internal/config"
	"grimm.is/dhcpagent/internal/controller"
	"grimm.is/dhcpagent/internal/dhcpproc"
	"grimm.is/dhcpagent/internal/health"
	"grimm.is/dhcpagent/internal/ifdriver"
	"grimm.is/dhcpagent/internal/logging"
	"grimm.is/dhcpagent/internal/metrics"
	"grimm.is/dhcpagent/internal/model"
	"grimm.is/dhcpagent/internal/queue"
	"grimm.is/dhcpagent/internal/state"
)

// Deps overrides what New would otherwise build from configuration.
// Zero fields are built.
type Deps struct {
	Interfaces    ifdriver.Driver
	Namespaces    ifdriver.Namespaces
	ProcessDriver dhcpproc.Driver
	Controller    controller.Client
	Store         state.Store
	Clock         clock.Clock
}

// Agent is the explicitly constructed owner of every component.
type Agent struct {
	cfg       *config.Config
	store     state.Store
	ctrl      controller.Client
	queue     *queue.Queue
	bindings  *binding.Manager
	procs     *dhcpproc.Controller
	sync      *Synchronizer
	failures  *health.FailureTracker
	health    *health.Checker
	collector *metrics.Collector
	clock     clock.Clock
	log       *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds an agent from a validated configuration.
func New(cfg *config.Config, deps Deps) (*Agent, error) {
	clk := clock.OrReal(deps.Clock)
	a := &Agent{
		cfg:   cfg,
		clock: clk,
		queue: queue.New(),
		log:   logging.WithComponent("agent"),
	}

	var err error
	a.store = deps.Store
	if a.store == nil {
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		opts := state.DefaultOptions(cfg.StatePath())
		opts.Clock = clk
		if a.store, err = state.NewSQLiteStore(opts); err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
	}

	bindingBucket, err := state.NewBindingBucket(a.store)
	if err != nil {
		return nil, a.abort(err)
	}
	revisionBucket, err := state.NewRevisionBucket(a.store)
	if err != nil {
		return nil, a.abort(err)
	}

	ifd := deps.Interfaces
	if ifd == nil {
		bridge := ""
		if cfg.Bridge != nil {
			bridge = cfg.Bridge.Name
		}
		if ifd, err = ifdriver.New(cfg.InterfaceDriver, ifdriver.Options{Bridge: bridge}); err != nil {
			return nil, a.abort(err)
		}
	}
	ns := deps.Namespaces
	if ns == nil {
		ns = ifdriver.NewNamespaces(cfg.Namespaces())
	}

	dhcpCfg := cfg.DHCP
	if dhcpCfg == nil {
		dhcpCfg = &config.DHCPConfig{}
	}
	pd := deps.ProcessDriver
	if pd == nil {
		if pd, err = dhcpproc.NewDriver(cfg.DHCPDriver, dhcpproc.DriverOptions{Binary: dhcpCfg.Binary}); err != nil {
			return nil, a.abort(err)
		}
	}
	a.procs, err = dhcpproc.NewController(dhcpproc.Options{
		Dir:           cfg.ProcessDir(),
		Driver:        pd,
		LeaseDuration: dhcpCfg.Lease(),
		Domain:        dhcpCfg.Domain,
		DNSServers:    dhcpCfg.DNSServers,
		Clock:         clk,
	})
	if err != nil {
		return nil, a.abort(err)
	}

	a.bindings = binding.NewManager(ifd, ns, bindingBucket, binding.Options{
		NamespacePrefix: cfg.NamespacePrefix,
		InterfacePrefix: cfg.InterfacePrefix,
		UseNamespaces:   cfg.Namespaces(),
		MTU:             cfg.MTU,
		Stopper:         a.procs,
		Clock:           clk,
	})

	a.ctrl = deps.Controller
	if a.ctrl == nil {
		if a.ctrl, err = newControllerClient(cfg); err != nil {
			return nil, a.abort(err)
		}
	}

	a.failures = health.NewFailureTracker(cfg.CleanupAfterFailures, health.DefaultFailureWindow, clk)
	a.sync = NewSynchronizer(SyncOptions{
		Controller:  a.ctrl,
		Bindings:    a.bindings,
		Processes:   a.procs,
		Queue:       a.queue,
		Revisions:   revisionBucket,
		Failures:    a.failures,
		Workers:     cfg.Workers,
		Interval:    cfg.ResyncEvery(),
		CallTimeout: requestTimeout(cfg),
		Clock:       clk,
	})

	a.collector = metrics.NewCollector(a, 15*time.Second)
	a.health = a.newHealthChecker(pd)
	return a, nil
}

func newControllerClient(cfg *config.Config) (controller.Client, error) {
	cc := cfg.Controller
	if cc == nil {
		return nil, fmt.Errorf("no controller configured")
	}
	if cc.NetworkFile != "" {
		return controller.NewFileSource(cc.NetworkFile, 5*time.Second), nil
	}
	return controller.NewHTTPClient(cc.Providers,
		controller.WithToken(cc.Token),
		controller.WithRequestTimeout(cc.RequestTimeoutDuration()),
		controller.WithHTTPTimeout(cc.HTTPTimeoutDuration()),
		controller.WithRetries(cc.RetryCount()),
		controller.WithRedirects(cc.RedirectLimit()),
		controller.WithFingerprint(cc.Fingerprint),
	)
}

func requestTimeout(cfg *config.Config) time.Duration {
	if cfg.Controller == nil {
		return 0
	}
	return cfg.Controller.RequestTimeoutDuration()
}

func (a *Agent) newHealthChecker(pd dhcpproc.Driver) *health.Checker {
	hc := health.NewChecker()
	hc.Register("state_dir", health.CheckDir(a.cfg.ProcessDir()))
	if pd.Name() == dhcpproc.DriverDnsmasq && a.cfg.DHCP != nil {
		hc.Register("dnsmasq", health.CheckBinary(a.cfg.DHCP.Binary))
	}
	hc.Register("resync", health.CheckFreshness(func() time.Time {
		t, _ := a.sync.LastPass()
		return t
	}, 3*a.cfg.ResyncEvery()))
	if a.cfg.Namespaces() {
		hc.Register("netlink", health.CheckNetlink("h"+a.cfg.InterfacePrefix))
	}
	hc.Register("memory", health.CheckMemory)
	return hc
}

// abort closes what New opened so far.
func (a *Agent) abort(err error) error {
	if a.store != nil {
		_ = a.store.Close()
	}
	return err
}

// Start recovers local state from a previous run and starts the
// synchronizer, the notification subscription and the metrics listener.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("agent already started")
	}

	adopted, err := a.procs.Recover(ctx)
	if err != nil && !os.IsNotExist(err) {
		a.log.Warn("server recovery incomplete", "error", err)
	}
	loaded, err := a.bindings.Load()
	if err != nil {
		return err
	}
	if err := a.sync.Load(); err != nil {
		return err
	}

	keep := make(map[string]bool)
	for _, id := range a.procs.Networks() {
		keep[id] = true
	}
	swept, err := a.bindings.SweepOrphans(ctx, keep)
	if err != nil {
		a.log.Warn("orphan sweep incomplete", "error", err)
	}
	a.log.Info("agent starting", "bindings", loaded, "adopted_servers", adopted, "orphans_removed", len(swept))

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.started = true

	a.goRun(func() {
		if err := a.ctrl.Subscribe(runCtx, a.queue.Push); err != nil {
			a.log.Warn("notification subscription ended", "error", err)
		}
	})
	a.goRun(func() { a.sync.Run(runCtx) })
	a.goRun(func() { a.collector.Run(runCtx) })
	if a.cfg.MetricsListen != "" {
		a.goRun(func() {
			if err := metrics.Serve(runCtx, a.cfg.MetricsListen, a.collector, a.health.Handler()); err != nil {
				a.log.Error("metrics listener failed", "error", err)
			}
		})
	}
	return nil
}

func (a *Agent) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Shutdown stops the loops, stops every managed server, releases every
// binding and closes the store. Errors are aggregated; shutdown continues
// past each one.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()
	a.wg.Wait()

	var result error
	for _, b := range a.bindings.List() {
		if err := a.bindings.Release(ctx, b.NetworkID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := a.procs.StopAll(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close state store: %w", err))
	}
	if result != nil {
		a.log.Error("shutdown incomplete", "error", result)
	} else {
		a.log.Info("agent stopped")
	}
	return result
}

// Snapshot implements metrics.Source.
func (a *Agent) Snapshot() metrics.Snapshot {
	running := 0
	for _, id := range a.procs.Networks() {
		if st, ok := a.procs.State(id); ok && st.Alive {
			running++
		}
	}
	last, err := a.sync.LastPass()
	s := metrics.Snapshot{
		BoundNetworks:  len(a.bindings.List()),
		RunningServers: running,
		DirtyNetworks:  a.sync.Dirty(),
		QueueDepth:     a.queue.Len(),
		LastResync:     last,
	}
	if err != nil {
		s.LastResyncErr = err.Error()
	}
	return s
}

// Synchronizer exposes the agent's synchronizer.
func (a *Agent) Synchronizer() *Synchronizer {
	return a.sync
}

// Notify queues a change as if the controller had sent it.
func (a *Agent) Notify(c model.PendingChange) {
	a.queue.Push(c)
}

// Resync requests an immediate full pass.
func (a *Agent) Resync() {
	a.sync.Trigger()
}

// Bindings returns the current binding table.
func (a *Agent) Bindings() []*model.Binding {
	return a.bindings.List()
}

// ProcessState returns the observed server state of a network.
func (a *Agent) ProcessState(networkID string) (dhcpproc.State, bool) {
	return a.procs.State(networkID)
}
