package model

import "fmt"

// ChangeKind is the kind of a controller change notification.
type ChangeKind string

const (
	ChangeCreated     ChangeKind = "created"
	ChangeUpdated     ChangeKind = "updated"
	ChangeDeleted     ChangeKind = "deleted"
	ChangePortAdded   ChangeKind = "port-added"
	ChangePortRemoved ChangeKind = "port-removed"
)

// Severity orders kinds for coalescing: deleted > updated > created > port events.
func (k ChangeKind) Severity() int {
	switch k {
	case ChangeDeleted:
		return 4
	case ChangeUpdated:
		return 3
	case ChangeCreated:
		return 2
	case ChangePortAdded, ChangePortRemoved:
		return 1
	}
	return 0
}

// Valid reports whether k is a known kind.
func (k ChangeKind) Valid() bool {
	return k.Severity() > 0
}

// ParseChangeKind validates a wire value.
func ParseChangeKind(s string) (ChangeKind, error) {
	k := ChangeKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown change kind %q", s)
	}
	return k, nil
}

// PendingChange is one queued notification for a network.
type PendingChange struct {
	NetworkID string     `json:"network_id"`
	Kind      ChangeKind `json:"kind"`
	Seq       uint64     `json:"-"`
}
