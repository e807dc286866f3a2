// Package controller fetches desired network state from the virtual network
// controller, or from a local YAML file in standalone mode.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"grimm.is/dhcpagent/internal/model"
)

// Client is the RPC boundary to the controller.
type Client interface {
	// ListNetworkRevisions returns the revision of every network this host
	// should serve.
	ListNetworkRevisions(ctx context.Context) (map[string]string, error)
	// GetNetworkDetail returns one network. ErrNotFound means it was deleted.
	GetNetworkDetail(ctx context.Context, networkID string) (*model.Network, error)
	// Subscribe delivers change notifications until ctx is cancelled.
	Subscribe(ctx context.Context, fn func(model.PendingChange)) error
}

// Errors mapped from controller responses.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrConflict     = errors.New("request conflicts with controller state")
	ErrUnauthorized = errors.New("controller denied credentials")
	ErrForbidden    = errors.New("request forbidden")
	ErrUnavailable  = errors.New("controller unavailable")
	ErrTimeout      = errors.New("request timed out")
)

// StatusError is an unexpected HTTP status.
type StatusError struct {
	Code int
	Body string
	// Kind is one of the mapped errors, or nil for an unmapped status.
	Kind error
}

func (e *StatusError) Error() string {
	if e.Kind != nil {
		return fmt.Sprintf("%v (status %d)", e.Kind, e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	return e.Kind
}

// classify maps a response status to an error; nil means success.
func classify(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return &StatusError{Code: code, Kind: ErrNotFound}
	case code == http.StatusConflict:
		return &StatusError{Code: code, Kind: ErrConflict}
	case code == http.StatusUnauthorized:
		return &StatusError{Code: code, Kind: ErrUnauthorized}
	case code == http.StatusForbidden:
		return &StatusError{Code: code, Kind: ErrForbidden}
	case code == http.StatusServiceUnavailable:
		return &StatusError{Code: code, Kind: ErrUnavailable}
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return &StatusError{Code: code, Body: string(body)}
}

// retryable reports whether another provider or attempt may succeed.
func retryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		// transport level: connection refused, reset, attempt timeout
		return true
	}
	return se.Code == http.StatusServiceUnavailable || se.Code >= 500
}

// Event is one frame of the notification stream.
type Event struct {
	NetworkID string `json:"network_id"`
	Kind      string `json:"kind"`
}

// Change converts a frame into a queue entry.
func (e Event) Change() (model.PendingChange, error) {
	kind, err := model.ParseChangeKind(e.Kind)
	if err != nil {
		return model.PendingChange{}, err
	}
	if e.NetworkID == "" {
		return model.PendingChange{}, errors.New("event without network id")
	}
	return model.PendingChange{NetworkID: e.NetworkID, Kind: kind}, nil
}
