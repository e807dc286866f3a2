package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by recovery policy.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindTransport: the controller could not be reached or timed out.
	KindTransport
	// KindBinding: a namespace or interface operation failed.
	KindBinding
	// KindProcess: the DHCP server failed to start, reload or stop.
	KindProcess
	// KindConfig: the controller sent a network that cannot be served.
	KindConfig
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindBinding:
		return "binding"
	case KindProcess:
		return "process"
	case KindConfig:
		return "config"
	}
	return "unknown"
}

// Error is a classified, optionally network-scoped failure.
type Error struct {
	Kind      ErrorKind
	NetworkID string
	Op        string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.NetworkID != "" {
		msg += fmt.Sprintf(" (network %s)", e.NetworkID)
	}
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransportError wraps a controller communication failure.
func NewTransportError(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// NewBindingError wraps a namespace/interface failure for one network.
func NewBindingError(networkID, op string, err error) error {
	return &Error{Kind: KindBinding, NetworkID: networkID, Op: op, Err: err}
}

// NewProcessError wraps a DHCP server lifecycle failure for one network.
func NewProcessError(networkID, op string, err error) error {
	return &Error{Kind: KindProcess, NetworkID: networkID, Op: op, Err: err}
}

// NewConfigError wraps a malformed network description.
func NewConfigError(networkID, op string, err error) error {
	return &Error{Kind: KindConfig, NetworkID: networkID, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransport reports whether err is a controller communication failure.
func IsTransport(err error) bool {
	return KindOf(err) == KindTransport
}

// IsPermanent reports whether retrying err without a new controller revision
// is pointless. Only config errors are permanent; they do not depend on local
// resource state.
func IsPermanent(err error) bool {
	return KindOf(err) == KindConfig
}
