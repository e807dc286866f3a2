package dhcpproc

import (
	"context"
	"fmt"
	"sync"
)

// FakeDriver is an in-memory Driver that records lifecycle calls. It is
// used to exercise the controller and the synchronizer without processes.
type FakeDriver struct {
	mu      sync.Mutex
	nextPID int
	procs   map[string]*fakeProc // by handle ID

	// FailStart makes the next Start for a network fail once.
	FailStart map[string]error
	// FailReload makes every Reload fail with this error.
	FailReload error
	// Survivors are returned by Adopt, by network.
	Survivors map[string]Handle

	Starts    int
	Reloads   int
	Stops     int
	StoppedBy map[string]int
}

type fakeProc struct {
	launch Launch
	alive  bool
}

// NewFakeDriver returns an empty fake.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		nextPID:   1000,
		procs:     make(map[string]*fakeProc),
		FailStart: make(map[string]error),
		Survivors: make(map[string]Handle),
		StoppedBy: make(map[string]int),
	}
}

func (f *FakeDriver) Name() string {
	return "fake"
}

func (f *FakeDriver) Start(ctx context.Context, l Launch) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.FailStart[l.NetworkID]; ok {
		delete(f.FailStart, l.NetworkID)
		return Handle{}, err
	}
	f.nextPID++
	h := Handle{ID: fmt.Sprintf("fake-%d", f.nextPID), PID: f.nextPID}
	f.procs[h.ID] = &fakeProc{launch: l, alive: true}
	f.Starts++
	return h, nil
}

func (f *FakeDriver) Reload(ctx context.Context, h Handle, l Launch, scope ReloadScope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailReload != nil {
		return f.FailReload
	}
	p, ok := f.procs[h.ID]
	if !ok || !p.alive {
		return fmt.Errorf("not running")
	}
	p.launch = l
	f.Reloads++
	return nil
}

func (f *FakeDriver) Stop(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.procs[h.ID]; ok {
		if p.alive {
			f.Stops++
		}
		p.alive = false
		f.StoppedBy[p.launch.NetworkID]++
		delete(f.procs, h.ID)
	}
	return nil
}

func (f *FakeDriver) Alive(h Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[h.ID]
	return ok && p.alive
}

func (f *FakeDriver) Adopt(l Launch) (Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.Survivors[l.NetworkID]
	if ok {
		f.procs[h.ID] = &fakeProc{launch: l, alive: true}
	}
	return h, ok
}

// Kill simulates a crash of the network's server.
func (f *FakeDriver) Kill(networkID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.procs {
		if p.launch.NetworkID == networkID {
			p.alive = false
		}
	}
}

// Running returns how many servers are alive.
func (f *FakeDriver) Running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.procs {
		if p.alive {
			n++
		}
	}
	return n
}

// Counts returns starts, reloads and stops under the lock.
func (f *FakeDriver) Counts() (starts, reloads, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Starts, f.Reloads, f.Stops
}
