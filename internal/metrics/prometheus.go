package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all agent metrics.
type Registry struct {
	// Reconciliation
	ResyncPasses    *prometheus.CounterVec
	ResyncDuration  prometheus.Histogram
	Convergence     *prometheus.CounterVec
	CleanupTriggers prometheus.Counter

	// Controller
	TransportFailures *prometheus.CounterVec
	Notifications     *prometheus.CounterVec

	// DHCP servers
	ProcessActions *prometheus.CounterVec
	DHCPReplies    *prometheus.CounterVec

	// Snapshot gauges, refreshed by the Collector
	BoundNetworks   prometheus.Gauge
	RunningServers  prometheus.Gauge
	DirtyNetworks   prometheus.Gauge
	QueueDepth      prometheus.Gauge
	LastResyncEpoch prometheus.Gauge
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.ResyncPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhcpagent_resync_passes_total",
		Help: "Resync passes by result",
	}, []string{"result"})

	r.ResyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dhcpagent_resync_duration_seconds",
		Help:    "Wall time of one resync pass",
		Buckets: prometheus.DefBuckets,
	})

	r.Convergence = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhcpagent_network_convergence_total",
		Help: "Per-network convergence attempts by action and result",
	}, []string{"action", "result"})

	r.CleanupTriggers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dhcpagent_failure_cleanups_total",
		Help: "Networks torn down after repeated convergence failures",
	})

	r.TransportFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhcpagent_controller_failures_total",
		Help: "Failed controller calls by operation",
	}, []string{"op"})

	r.Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhcpagent_notifications_total",
		Help: "Change notifications received by kind",
	}, []string{"kind"})

	r.ProcessActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhcpagent_process_actions_total",
		Help: "DHCP server lifecycle actions by driver and action",
	}, []string{"driver", "action"})

	r.DHCPReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhcpagent_builtin_replies_total",
		Help: "Replies sent by the builtin DHCP server by message type",
	}, []string{"type"})

	r.BoundNetworks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dhcpagent_bound_networks",
		Help: "Networks with a recorded binding",
	})

	r.RunningServers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dhcpagent_running_servers",
		Help: "DHCP server instances that are alive",
	})

	r.DirtyNetworks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dhcpagent_dirty_networks",
		Help: "Networks marked for retry on the next pass",
	})

	r.QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dhcpagent_notification_queue_depth",
		Help: "Coalesced notifications waiting for the next pass",
	})

	r.LastResyncEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dhcpagent_last_resync_timestamp_seconds",
		Help: "Unix time of the last successful resync pass",
	})

	return r
}

// RecordResync records one finished pass.
func (r *Registry) RecordResync(seconds float64, err error) {
	r.ResyncDuration.Observe(seconds)
	r.ResyncPasses.WithLabelValues(resultString(err)).Inc()
}

// RecordConvergence records one per-network convergence.
func (r *Registry) RecordConvergence(action string, err error) {
	r.Convergence.WithLabelValues(action, resultString(err)).Inc()
}

// RecordProcessAction records a DHCP server lifecycle action.
func (r *Registry) RecordProcessAction(driver, action string) {
	r.ProcessActions.WithLabelValues(driver, action).Inc()
}

// RecordTransportFailure records a failed controller call.
func (r *Registry) RecordTransportFailure(op string) {
	r.TransportFailures.WithLabelValues(op).Inc()
}

func resultString(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
