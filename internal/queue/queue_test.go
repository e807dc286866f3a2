package queue

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/dhcpagent/internal/metrics"
	"grimm.is/dhcpagent/internal/model"
)

func change(id string, kind model.ChangeKind) model.PendingChange {
	return model.PendingChange{NetworkID: id, Kind: kind}
}

func TestCoalesceBySeverity(t *testing.T) {
	tests := []struct {
		name  string
		kinds []model.ChangeKind
		want  model.ChangeKind
	}{
		{"update then delete", []model.ChangeKind{model.ChangeUpdated, model.ChangeDeleted}, model.ChangeDeleted},
		{"delete then update", []model.ChangeKind{model.ChangeDeleted, model.ChangeUpdated}, model.ChangeDeleted},
		{"created then updated", []model.ChangeKind{model.ChangeCreated, model.ChangeUpdated}, model.ChangeUpdated},
		{"port events", []model.ChangeKind{model.ChangePortAdded, model.ChangePortRemoved}, model.ChangePortRemoved},
		{"port after create", []model.ChangeKind{model.ChangeCreated, model.ChangePortAdded}, model.ChangeCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New()
			for _, k := range tt.kinds {
				q.Push(change("N1", k))
			}
			drained := q.Drain()
			require.Len(t, drained, 1)
			assert.Equal(t, tt.want, drained[0].Kind)
			assert.Equal(t, uint64(len(tt.kinds)), drained[0].Seq, "seq tracks the newest arrival")
		})
	}
}

func TestDrainOrdersByArrival(t *testing.T) {
	q := New()
	q.Push(change("N2", model.ChangeUpdated))
	q.Push(change("N1", model.ChangeCreated))
	q.Push(change("N3", model.ChangeDeleted))
	q.Push(change("N2", model.ChangeUpdated))

	assert.Equal(t, 3, q.Len())
	drained := q.Drain()
	var ids []string
	for _, c := range drained {
		ids = append(ids, c.NetworkID)
	}
	assert.Equal(t, []string{"N1", "N3", "N2"}, ids)
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Drain())
}

func TestPushDuringDrainLandsInNextDrain(t *testing.T) {
	q := New()
	q.Push(change("N1", model.ChangeUpdated))
	first := q.Drain()
	q.Push(change("N1", model.ChangeDeleted))

	require.Len(t, first, 1)
	assert.Equal(t, model.ChangeUpdated, first[0].Kind)
	second := q.Drain()
	require.Len(t, second, 1)
	assert.Equal(t, model.ChangeDeleted, second[0].Kind)
}

func TestWakeIsNonBlocking(t *testing.T) {
	q := New()
	for i := 0; i < 10; i++ {
		q.Push(change("N1", model.ChangeUpdated))
	}

	select {
	case <-q.Wake():
	default:
		t.Fatal("expected a wake signal")
	}
	select {
	case <-q.Wake():
		t.Fatal("signals must collapse into one")
	default:
	}
}

func TestMalformedChangesDropped(t *testing.T) {
	q := New()
	q.Push(change("", model.ChangeUpdated))
	q.Push(change("N1", model.ChangeKind("renamed")))
	assert.Equal(t, 0, q.Len())
}

func TestRequeueMergesWithNewChanges(t *testing.T) {
	q := New()
	q.Push(change("N1", model.ChangeDeleted))
	drained := q.Drain()

	q.Push(change("N1", model.ChangeUpdated))
	q.Requeue(drained)

	out := q.Drain()
	require.Len(t, out, 1)
	assert.Equal(t, model.ChangeDeleted, out[0].Kind)
}

func TestRequeueDoesNotWake(t *testing.T) {
	q := New()
	q.Push(change("N1", model.ChangeUpdated))
	drained := q.Drain()

	q.Requeue(drained)
	assert.Equal(t, 1, q.Len())
	select {
	case <-q.Wake():
		t.Fatal("requeued changes must wait for the next pass")
	default:
	}
}

func TestDrainConsumesWake(t *testing.T) {
	q := New()
	q.Push(change("N1", model.ChangeCreated))
	q.Drain()

	select {
	case <-q.Wake():
		t.Fatal("wake signal outlived the drained change")
	default:
	}

	q.Push(change("N2", model.ChangeCreated))
	select {
	case <-q.Wake():
	default:
		t.Fatal("push after drain must wake")
	}
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if g := out.GetGauge(); g != nil {
		return g.GetValue()
	}
	return out.GetCounter().GetValue()
}

func TestRequeueMetrics(t *testing.T) {
	q := New()
	counter := metrics.Get().Notifications.WithLabelValues(string(model.ChangePortAdded))
	before := metricValue(t, counter)

	q.Push(change("N1", model.ChangePortAdded))
	q.Push(change("N2", model.ChangePortAdded))
	assert.Equal(t, float64(2), metricValue(t, metrics.Get().QueueDepth))

	q.Requeue(q.Drain())
	assert.Equal(t, before+2, metricValue(t, counter), "replayed changes are not counted again")
	assert.Equal(t, float64(q.Len()), metricValue(t, metrics.Get().QueueDepth))
}

func TestConcurrentPush(t *testing.T) {
	q := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Push(change(string(rune('A'+i)), model.ChangeUpdated))
			}
		}(i)
	}
	wg.Wait()

	drained := q.Drain()
	assert.Len(t, drained, 8)
	for i := 1; i < len(drained); i++ {
		assert.Less(t, drained[i-1].Seq, drained[i].Seq)
	}
}
