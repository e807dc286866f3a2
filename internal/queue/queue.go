// Package queue coalesces controller change notifications per network until
// the synchronizer drains them.
package queue

import (
	"sort"
	"sync"

	"grimm.is/dhcpagent/internal/logging"
	"grimm.is/dhcpagent/internal/metrics"
	"grimm.is/dhcpagent/internal/model"
)

// Queue holds at most one pending change per network. A new change replaces
// the pending one unless the pending one is more severe; equal severities
// keep the newer change.
type Queue struct {
	mu      sync.Mutex
	pending map[string]model.PendingChange
	seq     uint64
	wake    chan struct{}
	log     *logging.Logger
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{
		pending: make(map[string]model.PendingChange),
		wake:    make(chan struct{}, 1),
		log:     logging.WithComponent("queue"),
	}
}

// Push records a change and wakes the consumer. Changes with an unknown kind
// or no network id are dropped. Seq is assigned on arrival.
func (q *Queue) Push(c model.PendingChange) {
	if c.NetworkID == "" || !c.Kind.Valid() {
		q.log.Warn("dropping malformed notification", "network", c.NetworkID, "kind", string(c.Kind))
		return
	}

	q.mu.Lock()
	q.merge(c)
	q.mu.Unlock()

	metrics.Get().Notifications.WithLabelValues(string(c.Kind)).Inc()
	q.notify()
}

// Requeue puts drained changes back after an aborted pass. They coalesce
// like pushed changes but do not wake the consumer: they wait for the next
// pass, whatever starts it.
func (q *Queue) Requeue(changes []model.PendingChange) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range changes {
		q.merge(c)
	}
}

// merge coalesces c into the pending set. Callers hold q.mu.
func (q *Queue) merge(c model.PendingChange) {
	q.seq++
	c.Seq = q.seq
	if cur, ok := q.pending[c.NetworkID]; !ok || c.Kind.Severity() >= cur.Kind.Severity() {
		q.pending[c.NetworkID] = c
	} else {
		// keep the severe kind, remember the newer arrival
		cur.Seq = c.Seq
		q.pending[c.NetworkID] = cur
	}
	metrics.Get().QueueDepth.Set(float64(len(q.pending)))
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Drain atomically takes every pending change, ordered by arrival. A wake
// signal left by the taken changes is consumed with them.
func (q *Queue) Drain() []model.PendingChange {
	q.mu.Lock()
	taken := q.pending
	q.pending = make(map[string]model.PendingChange)
	select {
	case <-q.wake:
	default:
	}
	metrics.Get().QueueDepth.Set(0)
	q.mu.Unlock()

	out := make([]model.PendingChange, 0, len(taken))
	for _, c := range taken {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Wake fires after pushes. Several pushes may share one signal.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Len returns the number of networks with a pending change.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
