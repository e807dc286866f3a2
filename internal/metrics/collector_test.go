package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if g := out.GetGauge(); g != nil {
		return g.GetValue()
	}
	return out.GetCounter().GetValue()
}

type staticSource struct {
	s Snapshot
}

func (s *staticSource) Snapshot() Snapshot {
	return s.s
}

func TestCollectorUpdatesGauges(t *testing.T) {
	src := &staticSource{s: Snapshot{
		BoundNetworks:  3,
		RunningServers: 2,
		DirtyNetworks:  []string{"N2"},
		QueueDepth:     4,
		LastResync:     time.Unix(1700000000, 0),
	}}
	c := NewCollector(src, time.Minute)
	got := c.Collect()

	if got.CollectedAt.IsZero() {
		t.Error("CollectedAt not set")
	}
	r := Get()
	if v := value(t, r.BoundNetworks); v != 3 {
		t.Errorf("bound networks = %v, want 3", v)
	}
	if v := value(t, r.DirtyNetworks); v != 1 {
		t.Errorf("dirty networks = %v, want 1", v)
	}
	if v := value(t, r.QueueDepth); v != 4 {
		t.Errorf("queue depth = %v, want 4", v)
	}
	if c.Last().RunningServers != 2 {
		t.Errorf("Last() not cached")
	}
}

func TestRecordHelpers(t *testing.T) {
	r := Get()
	before := value(t, r.ResyncPasses.WithLabelValues("error"))
	r.RecordResync(0.5, errors.New("boom"))
	if after := value(t, r.ResyncPasses.WithLabelValues("error")); after != before+1 {
		t.Errorf("error passes = %v, want %v", after, before+1)
	}

	r.RecordProcessAction("dnsmasq", "reload")
	if v := value(t, r.ProcessActions.WithLabelValues("dnsmasq", "reload")); v < 1 {
		t.Errorf("process actions = %v", v)
	}
}

func TestHandler(t *testing.T) {
	c := NewCollector(&staticSource{s: Snapshot{BoundNetworks: 1}}, time.Minute)
	c.Collect()
	h := Handler(c, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	var s Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if s.BoundNetworks != 1 {
		t.Errorf("status bound = %d", s.BoundNetworks)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "dhcpagent_bound_networks") {
		t.Error("metrics output missing dhcpagent_bound_networks")
	}
}

func TestHandlerCustomHealth(t *testing.T) {
	c := NewCollector(&staticSource{}, time.Minute)
	h := Handler(c, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz = %d, want 503", rec.Code)
	}
}
