// Package model defines the agent's domain types: the controller's view of a
// network, the local binding that serves it, queued change notifications and
// the error taxonomy shared by every component.
//
// Networks are always handled as complete values. Components never patch a
// single field; they recompute the desired state from a full Network and
// reconcile local resources against it.
package model
