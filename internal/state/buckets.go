package state

import (
	"encoding/json"
	"errors"
	"time"

	"grimm.is/dhcpagent/internal/model"
)

// Standard bucket names
const (
	BucketBindings  = "bindings"
	BucketRevisions = "revisions"
)

// BindingBucket provides typed access to the binding table.
type BindingBucket struct {
	store  Store
	bucket string
}

// NewBindingBucket creates a binding bucket accessor.
func NewBindingBucket(store Store) (*BindingBucket, error) {
	if err := EnsureBucket(store, BucketBindings); err != nil {
		return nil, err
	}
	return &BindingBucket{store: store, bucket: BucketBindings}, nil
}

// Get retrieves the binding of a network.
func (b *BindingBucket) Get(networkID string) (*model.Binding, error) {
	var binding model.Binding
	if err := GetJSON(b.store, b.bucket, networkID, &binding); err != nil {
		return nil, err
	}
	return &binding, nil
}

// Set stores a binding under its network ID.
func (b *BindingBucket) Set(binding *model.Binding) error {
	return SetJSON(b.store, b.bucket, binding.NetworkID, binding)
}

// Delete removes a binding. Missing bindings are not an error.
func (b *BindingBucket) Delete(networkID string) error {
	if err := b.store.Delete(b.bucket, networkID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// List returns all stored bindings. Undecodable entries are skipped.
func (b *BindingBucket) List() ([]*model.Binding, error) {
	data, err := b.store.List(b.bucket)
	if err != nil {
		return nil, err
	}

	bindings := make([]*model.Binding, 0, len(data))
	for _, v := range data {
		var binding model.Binding
		if err := unmarshalJSON(v, &binding); err != nil {
			continue
		}
		bindings = append(bindings, &binding)
	}
	return bindings, nil
}

// RevisionRecord is what the agent last did with a network's revisions.
type RevisionRecord struct {
	NetworkID string `json:"network_id"`
	// Applied is the last revision converged successfully.
	Applied string `json:"applied,omitempty"`
	// Rejected is a revision whose configuration could not be generated.
	// It is not retried until the controller publishes a new one.
	Rejected  string    `json:"rejected,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RevisionBucket provides typed access to per-network revision records.
type RevisionBucket struct {
	store  Store
	bucket string
}

// NewRevisionBucket creates a revision bucket accessor.
func NewRevisionBucket(store Store) (*RevisionBucket, error) {
	if err := EnsureBucket(store, BucketRevisions); err != nil {
		return nil, err
	}
	return &RevisionBucket{store: store, bucket: BucketRevisions}, nil
}

// Get retrieves a network's record.
func (b *RevisionBucket) Get(networkID string) (*RevisionRecord, error) {
	var rec RevisionRecord
	if err := GetJSON(b.store, b.bucket, networkID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Set stores a record.
func (b *RevisionBucket) Set(rec *RevisionRecord) error {
	return SetJSON(b.store, b.bucket, rec.NetworkID, rec)
}

// Delete removes a network's record. Missing records are not an error.
func (b *RevisionBucket) Delete(networkID string) error {
	if err := b.store.Delete(b.bucket, networkID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// List returns all records keyed by network ID.
func (b *RevisionBucket) List() (map[string]*RevisionRecord, error) {
	data, err := b.store.List(b.bucket)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*RevisionRecord, len(data))
	for k, v := range data {
		var rec RevisionRecord
		if err := unmarshalJSON(v, &rec); err != nil {
			continue
		}
		out[k] = &rec
	}
	return out, nil
}

// unmarshalJSON is a helper for JSON unmarshaling.
func unmarshalJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
