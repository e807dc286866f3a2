package model

import "time"

// InterfaceHandle identifies a plugged interface.
type InterfaceHandle struct {
	// Name is the DHCP-facing device inside the namespace.
	Name string `json:"name"`
	// HostPeer is the host-side end of the pair, when the driver has one.
	HostPeer  string `json:"host_peer,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Driver    string `json:"driver"`
	MAC       string `json:"mac,omitempty"`
}

// IsZero reports whether the handle is unset.
func (h InterfaceHandle) IsZero() bool {
	return h.Name == ""
}

// ProcessRef identifies the DHCP server instance serving a binding.
// ID survives reloads; a restart produces a new ID.
type ProcessRef struct {
	ID  string `json:"id,omitempty"`
	PID int    `json:"pid,omitempty"`
}

// Binding is the namespace + interface + process tuple serving one network.
type Binding struct {
	NetworkID string          `json:"network_id"`
	Namespace string          `json:"namespace,omitempty"`
	Interface InterfaceHandle `json:"interface"`
	Addresses []string        `json:"addresses"`
	Process   ProcessRef      `json:"process"`
	CreatedAt time.Time       `json:"created_at"`
}

// Clone returns a deep copy.
func (b *Binding) Clone() *Binding {
	if b == nil {
		return nil
	}
	c := *b
	c.Addresses = append([]string(nil), b.Addresses...)
	return &c
}
