package state

import (
	"testing"
	"time"

	"grimm.is/dhcpagent/internal/model"
)

func TestBindingBucket(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			bucket, err := NewBindingBucket(store)
			if err != nil {
				t.Fatalf("failed to create bucket: %v", err)
			}

			created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
			b := &model.Binding{
				NetworkID: "N1",
				Namespace: "ns-N1",
				Interface: model.InterfaceHandle{Name: "tap-N1", HostPeer: "htap-N1", Namespace: "ns-N1", Driver: "veth"},
				Addresses: []string{"10.0.0.254/24"},
				Process:   model.ProcessRef{ID: "p1", PID: 42},
				CreatedAt: created,
			}
			if err := bucket.Set(b); err != nil {
				t.Fatalf("failed to set binding: %v", err)
			}

			got, err := bucket.Get("N1")
			if err != nil {
				t.Fatalf("failed to get binding: %v", err)
			}
			if got.Interface.HostPeer != "htap-N1" || got.Process.PID != 42 || !got.CreatedAt.Equal(created) {
				t.Errorf("binding did not round trip: %+v", got)
			}

			list, _ := bucket.List()
			if len(list) != 1 {
				t.Errorf("expected 1 binding, got %d", len(list))
			}

			if err := bucket.Delete("N1"); err != nil {
				t.Fatalf("failed to delete: %v", err)
			}
			if err := bucket.Delete("N1"); err != nil {
				t.Errorf("second delete should succeed, got %v", err)
			}
			if _, err := bucket.Get("N1"); err != ErrNotFound {
				t.Errorf("expected ErrNotFound, got %v", err)
			}

			// Reopening the accessor keeps the bucket.
			if _, err := NewBindingBucket(store); err != nil {
				t.Errorf("reopen bucket: %v", err)
			}
		})
	}
}

func TestRevisionBucket(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			bucket, err := NewRevisionBucket(store)
			if err != nil {
				t.Fatalf("failed to create bucket: %v", err)
			}

			bucket.Set(&RevisionRecord{NetworkID: "N1", Applied: "3"})
			bucket.Set(&RevisionRecord{NetworkID: "N2", Rejected: "7", Reason: "overlapping subnets"})

			all, err := bucket.List()
			if err != nil {
				t.Fatalf("failed to list: %v", err)
			}
			if len(all) != 2 || all["N1"].Applied != "3" || all["N2"].Rejected != "7" {
				t.Errorf("unexpected records %+v", all)
			}

			bucket.Delete("N2")
			if _, err := bucket.Get("N2"); err != ErrNotFound {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}
