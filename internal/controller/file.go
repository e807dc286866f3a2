package controller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"grimm.is/dhcpagent/internal/logging"
	"grimm.is/dhcpagent/internal/model"
)

// FileSource serves desired state from a YAML document instead of a
// controller. It lets the agent run standalone:
//
//	networks:
//	  - id: net-a
//	    enabled: true
//	    subnets:
//	      - id: sub-a
//	        cidr: 10.0.0.0/24
//	        enable_dhcp: true
//
// A network without a revision gets one derived from its content.
type FileSource struct {
	path     string
	interval time.Duration
	log      *logging.Logger

	mu   sync.Mutex
	seen map[string]string
}

type networkFile struct {
	Networks []model.Network `yaml:"networks"`
}

// NewFileSource reads path, polling it for changes every interval.
func NewFileSource(path string, interval time.Duration) *FileSource {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &FileSource{
		path:     path,
		interval: interval,
		log:      logging.WithComponent("controller").WithFields(map[string]any{"file": path}),
	}
}

func (f *FileSource) load() (map[string]*model.Network, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var doc networkFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	out := make(map[string]*model.Network, len(doc.Networks))
	for i := range doc.Networks {
		n := doc.Networks[i]
		if n.ID == "" {
			return nil, fmt.Errorf("network %d has no id", i)
		}
		if _, dup := out[n.ID]; dup {
			return nil, fmt.Errorf("duplicate network %q", n.ID)
		}
		if n.Revision == "" {
			rev, err := contentRevision(n)
			if err != nil {
				return nil, err
			}
			n.Revision = rev
		}
		out[n.ID] = &n
	}
	return out, nil
}

func contentRevision(n model.Network) (string, error) {
	data, err := yaml.Marshal(n)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:6]), nil
}

// ListNetworkRevisions implements Client.
func (f *FileSource) ListNetworkRevisions(ctx context.Context) (map[string]string, error) {
	nets, err := f.load()
	if err != nil {
		return nil, model.NewTransportError("read network file", err)
	}
	revs := make(map[string]string, len(nets))
	for id, n := range nets {
		revs[id] = n.Revision
	}
	return revs, nil
}

// GetNetworkDetail implements Client.
func (f *FileSource) GetNetworkDetail(ctx context.Context, networkID string) (*model.Network, error) {
	nets, err := f.load()
	if err != nil {
		return nil, model.NewTransportError("read network file", err)
	}
	n, ok := nets[networkID]
	if !ok {
		return nil, fmt.Errorf("network %s: %w", networkID, ErrNotFound)
	}
	return n, nil
}

// Subscribe polls the file and reports networks that appeared, changed or
// disappeared since the previous successful read.
func (f *FileSource) Subscribe(ctx context.Context, fn func(model.PendingChange)) error {
	var lastMod time.Time
	var lastSize int64 = -1

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		if st, err := os.Stat(f.path); err == nil {
			if !st.ModTime().Equal(lastMod) || st.Size() != lastSize {
				lastMod, lastSize = st.ModTime(), st.Size()
				f.poll(fn)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (f *FileSource) poll(fn func(model.PendingChange)) {
	nets, err := f.load()
	if err != nil {
		f.log.Warn("network file unreadable", "error", err)
		return
	}

	f.mu.Lock()
	prev := f.seen
	f.seen = make(map[string]string, len(nets))
	for id, n := range nets {
		f.seen[id] = n.Revision
	}
	f.mu.Unlock()

	// first read establishes the baseline; the initial resync covers it
	if prev == nil {
		return
	}

	var changes []model.PendingChange
	for id, n := range nets {
		old, ok := prev[id]
		switch {
		case !ok:
			changes = append(changes, model.PendingChange{NetworkID: id, Kind: model.ChangeCreated})
		case old != n.Revision:
			changes = append(changes, model.PendingChange{NetworkID: id, Kind: model.ChangeUpdated})
		}
	}
	for id := range prev {
		if _, ok := nets[id]; !ok {
			changes = append(changes, model.PendingChange{NetworkID: id, Kind: model.ChangeDeleted})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].NetworkID < changes[j].NetworkID })
	for _, c := range changes {
		fn(c)
	}
}
