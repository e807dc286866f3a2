package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"grimm.is/dhcpagent/internal/clock"
	"grimm.is/dhcpagent/internal/controller"
	"grimm.is/dhcpagent/internal/dhcpproc"
	"grimm.is/dhcpagent/internal/health"
	"grimm.is/dhcpagent/internal/logging"
	"grimm.is/dhcpagent/internal/metrics"
	"grimm.is/dhcpagent/internal/model"
	"grimm.is/dhcpagent/internal/queue"
	"grimm.is/dhcpagent/internal/state"
)

// Bindings is the binding manager as the synchronizer uses it.
type Bindings interface {
	Ensure(ctx context.Context, n *model.Network) (*model.Binding, error)
	Release(ctx context.Context, networkID string) error
	Get(networkID string) (*model.Binding, bool)
	List() []*model.Binding
	AttachProcess(networkID string, ref model.ProcessRef) error
	Intact(ctx context.Context, networkID string) bool
}

// Processes is the DHCP process controller as the synchronizer uses it.
type Processes interface {
	Apply(ctx context.Context, n *model.Network, b *model.Binding) (dhcpproc.Action, error)
	Stop(ctx context.Context, networkID string) error
	State(networkID string) (dhcpproc.State, bool)
	Networks() []string
}

// SyncOptions wires a Synchronizer.
type SyncOptions struct {
	Controller controller.Client
	Bindings   Bindings
	Processes  Processes
	Queue      *queue.Queue
	// Revisions persists applied and rejected revisions. Optional.
	Revisions *state.RevisionBucket
	// Failures counts consecutive failures per network. Optional.
	Failures *health.FailureTracker
	Workers  int
	// Interval between periodic passes.
	Interval time.Duration
	// CallTimeout bounds each controller call of a pass.
	CallTimeout time.Duration
	// MinPassInterval spaces passes started by Run, so a burst of
	// notifications costs one extra pass rather than one per event.
	MinPassInterval time.Duration
	Clock           clock.Clock
}

// Synchronizer converges local state onto the controller's desired state.
//
// A pass lists the controller's network revisions, picks the networks that
// need work and converges each on a bounded worker pool. Passes never
// overlap. A failure for one network marks it dirty and never aborts the
// pass; only a failed revision listing does.
type Synchronizer struct {
	ctrl        controller.Client
	bindings    Bindings
	procs       Processes
	queue       *queue.Queue
	revisions   *state.RevisionBucket
	failures    *health.FailureTracker
	workers     int
	interval    time.Duration
	callTimeout time.Duration
	clock       clock.Clock
	log         *logging.Logger

	passMu  sync.Mutex
	kick    chan struct{}
	limiter *rate.Limiter

	mu       sync.Mutex
	cache    map[string]*model.Network
	dirty    map[string]bool
	rejected map[string]string
	inflight map[string]bool
	lastPass time.Time
	lastErr  error
}

// Default synchronizer settings.
const (
	DefaultWorkers     = 4
	DefaultInterval    = 30 * time.Second
	DefaultCallTimeout = 30 * time.Second
	DefaultMinPass     = time.Second
)

// NewSynchronizer creates a synchronizer.
func NewSynchronizer(opts SyncOptions) *Synchronizer {
	s := &Synchronizer{
		ctrl:        opts.Controller,
		bindings:    opts.Bindings,
		procs:       opts.Processes,
		queue:       opts.Queue,
		revisions:   opts.Revisions,
		failures:    opts.Failures,
		workers:     opts.Workers,
		interval:    opts.Interval,
		callTimeout: opts.CallTimeout,
		clock:       clock.OrReal(opts.Clock),
		log:         logging.WithComponent("sync"),
		cache:       make(map[string]*model.Network),
		dirty:       make(map[string]bool),
		rejected:    make(map[string]string),
		inflight:    make(map[string]bool),
		kick:        make(chan struct{}, 1),
	}
	if s.queue == nil {
		s.queue = queue.New()
	}
	if s.failures == nil {
		s.failures = health.NewFailureTracker(health.DefaultFailureThreshold, health.DefaultFailureWindow, s.clock)
	}
	if s.workers <= 0 {
		s.workers = DefaultWorkers
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.callTimeout <= 0 {
		s.callTimeout = DefaultCallTimeout
	}
	minPass := opts.MinPassInterval
	if minPass <= 0 {
		minPass = DefaultMinPass
	}
	s.limiter = rate.NewLimiter(rate.Every(minPass), 1)
	return s
}

// Load restores rejected revisions from the state store so a restarted
// agent does not retry configurations it already refused.
func (s *Synchronizer) Load() error {
	if s.revisions == nil {
		return nil
	}
	recs, err := s.revisions.List()
	if err != nil {
		return fmt.Errorf("load revisions: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range recs {
		if rec.Rejected != "" {
			s.rejected[id] = rec.Rejected
		}
	}
	return nil
}

// task is one network picked for convergence.
type task struct {
	networkID string
	revision  string
	wanted    bool
	reason    string
	// lastGood is set when the listed revision was refused; the network is
	// converged onto its last applied state instead of being fetched.
	lastGood *model.Network
}

const reasonRepair = "repair last good"

// ResyncAll runs one pass. It returns an error only when the pass was
// aborted; per-network failures show up in Dirty.
func (s *Synchronizer) ResyncAll(ctx context.Context) error {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	start := s.clock.Now()
	log := s.log.WithFields(map[string]any{"pass": uuid.NewString()})

	changes := s.queue.Drain()
	notified := make(map[string]bool, len(changes))
	for _, c := range changes {
		notified[c.NetworkID] = true
	}

	lctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	listed, err := s.ctrl.ListNetworkRevisions(lctx)
	cancel()
	if err != nil {
		s.queue.Requeue(changes)
		if !model.IsTransport(err) {
			err = model.NewTransportError("list revisions", err)
		}
		log.Warn("resync aborted", "error", err, "requeued", len(changes))
		s.finishPass(start, err)
		return err
	}

	revisions := make(map[string]string, len(listed))
	for id, rev := range listed {
		if !model.ValidNetworkID(id) {
			log.Warn("ignoring network with unusable id", "network", id, "revision", rev)
			continue
		}
		revisions[id] = rev
	}

	var tasks []task
	for _, id := range s.networksOfInterest(revisions) {
		rev, wanted := revisions[id]
		reason := s.needsWork(ctx, id, rev, wanted, notified[id])
		if reason == "" {
			continue
		}
		t := task{networkID: id, revision: rev, wanted: wanted, reason: reason}
		if reason == reasonRepair {
			if t.lastGood, _ = s.Cached(id); t.lastGood == nil {
				continue
			}
		}
		tasks = append(tasks, t)
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed *multierror.Error
	)
	g.SetLimit(s.workers)
	for _, t := range tasks {
		t := t
		if !s.claim(t.networkID) {
			continue
		}
		g.Go(func() error {
			defer s.unclaim(t.networkID)
			if err := s.converge(ctx, log.WithNetwork(t.networkID), t); err != nil {
				mu.Lock()
				failed = multierror.Append(failed, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if failed != nil {
		log.Warn("resync finished with failures", "networks", len(tasks), "failed", len(failed.Errors))
	} else if len(tasks) > 0 {
		log.Info("resync finished", "networks", len(tasks), "took", s.clock.Since(start))
	}
	s.finishPass(start, nil)
	return nil
}

// Run performs a pass on every tick and whenever a notification arrives,
// until ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if err := s.ResyncAll(ctx); err != nil && ctx.Err() == nil {
			s.log.Debug("next pass retries", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.queue.Wake():
		case <-s.kick:
		}
	}
}

// Trigger asks Run for an immediate pass. It never blocks.
func (s *Synchronizer) Trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) finishPass(start time.Time, err error) {
	metrics.Get().RecordResync(s.clock.Since(start).Seconds(), err)
	s.mu.Lock()
	s.lastPass = s.clock.Now()
	s.lastErr = err
	s.mu.Unlock()
}

// networksOfInterest is the controller's list plus everything known locally.
func (s *Synchronizer) networksOfInterest(revisions map[string]string) []string {
	set := make(map[string]bool, len(revisions))
	for id := range revisions {
		set[id] = true
	}
	s.mu.Lock()
	for id := range s.cache {
		set[id] = true
	}
	for id := range s.dirty {
		set[id] = true
	}
	s.mu.Unlock()
	for _, b := range s.bindings.List() {
		set[b.NetworkID] = true
	}
	for _, id := range s.procs.Networks() {
		set[id] = true
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// needsWork returns why a network must converge, or "" to leave it alone.
func (s *Synchronizer) needsWork(ctx context.Context, id, rev string, wanted, notified bool) string {
	if !wanted {
		return "removed"
	}

	s.mu.Lock()
	cached := s.cache[id]
	dirty := s.dirty[id]
	rejected, isRejected := s.rejected[id]
	s.mu.Unlock()

	if isRejected && rejected == rev {
		// the refused revision is never applied; the last good one keeps
		// serving and is repaired like any other
		if cached == nil {
			return ""
		}
		if dirty || s.drift(ctx, id, cached) != "" {
			return reasonRepair
		}
		return ""
	}
	switch {
	case dirty:
		return "dirty"
	case notified:
		return "notified"
	case cached == nil:
		return "new"
	case cached.Revision != rev:
		return "revision"
	}
	return s.drift(ctx, id, cached)
}

// drift compares the local resources of a network with its converged state.
func (s *Synchronizer) drift(ctx context.Context, id string, cached *model.Network) string {
	_, bound := s.bindings.Get(id)
	st, running := s.procs.State(id)
	if !cached.NeedsService() {
		if bound || running {
			return "stale"
		}
		return ""
	}
	switch {
	case !bound:
		return "binding missing"
	case !s.bindings.Intact(ctx, id):
		return "binding drifted"
	case !running:
		return "process missing"
	case !st.Alive:
		return "process dead"
	}
	return ""
}

// converge brings one network to its desired state.
func (s *Synchronizer) converge(ctx context.Context, log *logging.Logger, t task) error {
	log.Debug("converging", "reason", t.reason, "revision", t.revision)
	if !t.wanted {
		return s.teardown(ctx, log, t.networkID, "removed from controller")
	}

	n := t.lastGood
	if n == nil {
		fctx, cancel := context.WithTimeout(ctx, s.callTimeout)
		detail, err := s.ctrl.GetNetworkDetail(fctx, t.networkID)
		cancel()
		if errors.Is(err, controller.ErrNotFound) {
			return s.teardown(ctx, log, t.networkID, "deleted")
		}
		if err != nil {
			if !model.IsTransport(err) {
				err = model.NewTransportError("get network", err)
			}
			s.markDirty(t.networkID)
			log.Warn("network detail unavailable", "error", err)
			metrics.Get().RecordConvergence("fetch", err)
			return err
		}
		if detail.Revision == "" {
			detail.Revision = t.revision
		}
		n = detail
	}

	if !n.NeedsService() {
		if err := s.teardown(ctx, log, n.ID, "no dhcp service"); err != nil {
			return err
		}
		s.remember(n)
		return nil
	}

	if err := n.Validate(); err != nil {
		return s.reject(log, n, err)
	}

	b, err := s.bindings.Ensure(ctx, n)
	if err != nil {
		return s.fail(ctx, log, n.ID, "ensure", err)
	}
	action, err := s.procs.Apply(ctx, n, b)
	if err != nil {
		if model.IsPermanent(err) && t.lastGood == nil {
			return s.reject(log, n, err)
		}
		return s.fail(ctx, log, n.ID, string(action), err)
	}
	if st, ok := s.procs.State(n.ID); ok {
		if err := s.bindings.AttachProcess(n.ID, st.Ref()); err != nil {
			return s.fail(ctx, log, n.ID, "attach", err)
		}
	}

	s.failures.RecordSuccess(n.ID)
	metrics.Get().RecordConvergence(string(action), nil)
	if t.lastGood != nil {
		// the rejection stands until the controller publishes a new revision
		s.clearDirty(n.ID)
		log.Info("last good revision restored", "action", action, "revision", n.Revision, "rejected", t.revision)
		return nil
	}
	s.remember(n)
	s.recordRevision(log, &state.RevisionRecord{NetworkID: n.ID, Applied: n.Revision})
	if action != dhcpproc.ActionNone {
		log.Info("network converged", "action", action, "revision", n.Revision, "reason", t.reason)
	}
	return nil
}

// teardown stops the server, then releases the binding, then forgets the
// network.
func (s *Synchronizer) teardown(ctx context.Context, log *logging.Logger, id, why string) error {
	_, bound := s.bindings.Get(id)
	_, running := s.procs.State(id)

	var result error
	if err := s.procs.Stop(ctx, id); err != nil {
		result = multierror.Append(result, err)
	} else if err := s.bindings.Release(ctx, id); err != nil {
		result = multierror.Append(result, err)
	}
	if result != nil {
		s.markDirty(id)
		log.Warn("teardown failed", "error", result)
		metrics.Get().RecordConvergence(string(dhcpproc.ActionStop), result)
		return result
	}

	s.mu.Lock()
	delete(s.cache, id)
	delete(s.dirty, id)
	delete(s.rejected, id)
	s.mu.Unlock()
	s.failures.Forget(id)
	if s.revisions != nil {
		if err := s.revisions.Delete(id); err != nil {
			log.Warn("revision record not removed", "error", err)
		}
	}
	metrics.Get().RecordConvergence(string(dhcpproc.ActionStop), nil)
	if bound || running {
		log.Info("network torn down", "reason", why)
	}
	return nil
}

// fail marks a network dirty and, once it has failed often enough, tears
// its local resources down so the next pass rebuilds it from scratch.
func (s *Synchronizer) fail(ctx context.Context, log *logging.Logger, id, op string, err error) error {
	s.markDirty(id)
	metrics.Get().RecordConvergence(op, err)
	count, tripped := s.failures.RecordFailure(id, err)
	log.Warn("convergence failed", "op", op, "error", err, "consecutive", count)
	if !tripped {
		return err
	}

	metrics.Get().CleanupTriggers.Inc()
	log.Warn("too many consecutive failures, rebuilding network", "failures", count)
	if terr := s.teardown(ctx, log, id, "repeated failures"); terr != nil {
		return multierror.Append(err, terr)
	}
	// teardown forgot the network; keep it queued for a rebuild
	s.markDirty(id)
	return err
}

// reject remembers a revision whose configuration cannot be generated. It is
// not retried until the controller publishes a different revision.
func (s *Synchronizer) reject(log *logging.Logger, n *model.Network, err error) error {
	s.mu.Lock()
	s.rejected[n.ID] = n.Revision
	delete(s.dirty, n.ID)
	s.mu.Unlock()

	rec := &state.RevisionRecord{NetworkID: n.ID, Rejected: n.Revision, Reason: err.Error()}
	if s.revisions != nil {
		if prev, gerr := s.revisions.Get(n.ID); gerr == nil {
			rec.Applied = prev.Applied
		}
	}
	s.recordRevision(log, rec)
	metrics.Get().RecordConvergence("reject", err)
	log.Error("configuration rejected", "revision", n.Revision, "error", err)
	return err
}

func (s *Synchronizer) recordRevision(log *logging.Logger, rec *state.RevisionRecord) {
	if s.revisions == nil {
		return
	}
	rec.UpdatedAt = s.clock.Now()
	if err := s.revisions.Set(rec); err != nil {
		log.Warn("revision record not saved", "error", err)
	}
}

func (s *Synchronizer) remember(n *model.Network) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[n.ID] = n.Clone()
	delete(s.dirty, n.ID)
	delete(s.rejected, n.ID)
}

func (s *Synchronizer) markDirty(id string) {
	s.mu.Lock()
	s.dirty[id] = true
	s.mu.Unlock()
}

func (s *Synchronizer) clearDirty(id string) {
	s.mu.Lock()
	delete(s.dirty, id)
	s.mu.Unlock()
}

func (s *Synchronizer) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] {
		return false
	}
	s.inflight[id] = true
	return true
}

func (s *Synchronizer) unclaim(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// Dirty lists networks that will be retried on the next pass.
func (s *Synchronizer) Dirty() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cached returns a copy of the last converged desired state of a network.
func (s *Synchronizer) Cached(networkID string) (*model.Network, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.cache[networkID]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Rejected returns the revision refused for a network, if any.
func (s *Synchronizer) Rejected(networkID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.rejected[networkID]
	return rev, ok
}

// LastPass returns when the last pass finished and its error.
func (s *Synchronizer) LastPass() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPass, s.lastErr
}
