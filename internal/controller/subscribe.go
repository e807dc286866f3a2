package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/dhcpagent/internal/model"
)

const maxReconnectDelay = 30 * time.Second

// Subscribe streams change notifications from the controller over a
// WebSocket and calls fn for each one. A dropped stream is redialed with
// exponential backoff. Returns nil once ctx is cancelled.
func (c *HTTPClient) Subscribe(ctx context.Context, fn func(model.PendingChange)) error {
	delay := c.backoff
	for {
		delivered, err := c.stream(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		if delivered {
			delay = c.backoff
		}
		c.log.Warn("notification stream lost", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// stream runs one connection. delivered reports whether any frame got through.
func (c *HTTPClient) stream(ctx context.Context, fn func(model.PendingChange)) (delivered bool, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	subMsg := map[string]interface{}{
		"action": "subscribe",
		"topics": []string{"networks"},
	}
	if err := conn.WriteJSON(subMsg); err != nil {
		return false, fmt.Errorf("failed to subscribe: %w", err)
	}
	c.log.Info("notification stream connected")

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return delivered, fmt.Errorf("read error: %w", err)
		}

		var msg struct {
			Topic string          `json:"topic"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(message, &msg); err != nil || msg.Topic != "networks" {
			continue
		}
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.log.Warn("malformed notification", "error", err)
			continue
		}
		change, err := ev.Change()
		if err != nil {
			c.log.Warn("malformed notification", "error", err)
			continue
		}
		delivered = true
		fn(change)
	}
}

// dial connects to the notification endpoint of the first reachable
// provider, starting from the active one.
func (c *HTTPClient) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("User-Agent", c.userAgent())
	if c.token != "" {
		headers.Set("X-Auth-Token", c.token)
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.httpTimeout,
	}
	if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
		dialer.TLSClientConfig = transport.TLSClientConfig
	}

	var lastErr error
	start := c.activeProvider()
	for i := range c.providers {
		idx := (start + i) % len(c.providers)
		u := *c.providers[idx]
		if u.Scheme == "https" {
			u.Scheme = "wss"
		} else {
			u.Scheme = "ws"
		}
		u.Path += "/v1/notifications"

		conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
		if err == nil {
			c.setActive(idx)
			return conn, nil
		}
		if resp != nil {
			if se := classify(resp.StatusCode, nil); se != nil {
				err = fmt.Errorf("%w: %v", se, err)
			}
		}
		lastErr = fmt.Errorf("failed to dial websocket %s: %w", u.Host, err)
	}
	return nil, lastErr
}
