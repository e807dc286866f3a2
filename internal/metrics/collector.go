package metrics

import (
	"context"
	"sync"
	"time"

	"grimm.is/dhcpagent/internal/clock"
	"grimm.is/dhcpagent/internal/logging"
)

// Snapshot is a point-in-time view of the agent's local state.
type Snapshot struct {
	BoundNetworks  int       `json:"bound_networks"`
	RunningServers int       `json:"running_servers"`
	DirtyNetworks  []string  `json:"dirty_networks"`
	QueueDepth     int       `json:"queue_depth"`
	LastResync     time.Time `json:"last_resync,omitempty"`
	LastResyncErr  string    `json:"last_resync_error,omitempty"`
	CollectedAt    time.Time `json:"collected_at"`
}

// Source produces snapshots. The agent implements it.
type Source interface {
	Snapshot() Snapshot
}

// Collector samples a Source periodically, updates the gauges and caches the
// last snapshot for the status endpoint.
type Collector struct {
	registry *Registry
	source   Source
	logger   *logging.Logger
	interval time.Duration
	clock    clock.Clock

	mu   sync.RWMutex
	last Snapshot
}

// NewCollector creates a collector sampling src every interval.
func NewCollector(src Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		registry: Get(),
		source:   src,
		logger:   logging.WithComponent("metrics"),
		interval: interval,
		clock:    clock.OrReal(nil),
	}
}

// Run samples until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes one sample.
func (c *Collector) Collect() Snapshot {
	s := c.source.Snapshot()
	s.CollectedAt = c.clock.Now()

	c.registry.BoundNetworks.Set(float64(s.BoundNetworks))
	c.registry.RunningServers.Set(float64(s.RunningServers))
	c.registry.DirtyNetworks.Set(float64(len(s.DirtyNetworks)))
	c.registry.QueueDepth.Set(float64(s.QueueDepth))
	if !s.LastResync.IsZero() {
		c.registry.LastResyncEpoch.Set(float64(s.LastResync.Unix()))
	}

	c.mu.Lock()
	c.last = s
	c.mu.Unlock()
	return s
}

// Last returns the most recent snapshot.
func (c *Collector) Last() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
