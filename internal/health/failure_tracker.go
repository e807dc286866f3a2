package health

import (
	"sort"
	"sync"
	"time"

	"grimm.is/dhcpagent/internal/clock"
)

const (
	// DefaultFailureThreshold is the number of consecutive failed
	// convergences before a network is torn down and rebuilt.
	DefaultFailureThreshold = 5
	// DefaultFailureWindow is how long a failure counts toward the streak.
	// A failure after a quieter period starts a new streak.
	DefaultFailureWindow = 30 * time.Minute
)

// FailureState is the failure streak of one network.
type FailureState struct {
	Consecutive int       `json:"consecutive"`
	LastFailure time.Time `json:"last_failure"`
	LastError   string    `json:"last_error,omitempty"`
	// Cleanups counts how often the threshold tripped.
	Cleanups int `json:"cleanups"`
}

// FailureTracker counts consecutive convergence failures per network.
type FailureTracker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	clock     clock.Clock
	states    map[string]*FailureState
}

// NewFailureTracker creates a tracker. A threshold of zero never trips; a
// window of zero never expires a streak.
func NewFailureTracker(threshold int, window time.Duration, c clock.Clock) *FailureTracker {
	return &FailureTracker{
		threshold: threshold,
		window:    window,
		clock:     clock.OrReal(c),
		states:    make(map[string]*FailureState),
	}
}

// RecordFailure adds a failure to the network's streak. It returns the streak
// length and whether the threshold tripped. A tripped streak starts over, so
// the next cleanup needs another full streak.
func (t *FailureTracker) RecordFailure(networkID string, err error) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	st, ok := t.states[networkID]
	if !ok {
		st = &FailureState{}
		t.states[networkID] = st
	}
	if t.window > 0 && !st.LastFailure.IsZero() && now.Sub(st.LastFailure) > t.window {
		st.Consecutive = 0
	}

	st.Consecutive++
	st.LastFailure = now
	if err != nil {
		st.LastError = err.Error()
	}

	count := st.Consecutive
	if t.threshold > 0 && count >= t.threshold {
		st.Consecutive = 0
		st.Cleanups++
		return count, true
	}
	return count, false
}

// RecordSuccess ends the network's streak.
func (t *FailureTracker) RecordSuccess(networkID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, networkID)
}

// Forget drops a network entirely, e.g. after it was deleted.
func (t *FailureTracker) Forget(networkID string) {
	t.RecordSuccess(networkID)
}

// Get returns a copy of a network's state.
func (t *FailureTracker) Get(networkID string) (FailureState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[networkID]
	if !ok {
		return FailureState{}, false
	}
	return *st, true
}

// Failing returns the ids of networks with an open streak, sorted.
func (t *FailureTracker) Failing() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, st := range t.states {
		if st.Consecutive > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
