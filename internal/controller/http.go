package controller

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"grimm.is/dhcpagent/internal/brand"
	"grimm.is/dhcpagent/internal/logging"
	"grimm.is/dhcpagent/internal/metrics"
	"grimm.is/dhcpagent/internal/model"
)

const maxResponseBytes = 8 << 20

// HTTPClient talks to a cluster of controller API providers.
//
// Requests go to the last provider that answered and fail over to the
// others in order. Each attempt is bounded by the HTTP timeout and the whole
// call, retries included, by the request timeout.
type HTTPClient struct {
	providers      []*url.URL
	token          string
	requestTimeout time.Duration
	httpTimeout    time.Duration
	retries        int
	redirects      int
	backoff        time.Duration
	fingerprint    string
	httpClient     *http.Client
	log            *logging.Logger

	mu     sync.Mutex
	active int
}

// ClientOption configures the HTTPClient.
type ClientOption func(*HTTPClient)

// WithToken sets the X-Auth-Token sent on every request.
func WithToken(token string) ClientOption {
	return func(c *HTTPClient) {
		c.token = token
	}
}

// WithRequestTimeout bounds a whole call including retries.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithHTTPTimeout bounds a single attempt against one provider.
func WithHTTPTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithRetries sets how many extra rounds over all providers are made.
func WithRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithRedirects limits how many redirects one attempt follows.
func WithRedirects(n int) ClientOption {
	return func(c *HTTPClient) {
		if n >= 0 {
			c.redirects = n
		}
	}
}

// WithBackoff sets the base delay between retry rounds and stream reconnects.
func WithBackoff(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// WithFingerprint pins the provider certificate (SHA-256 hex of the leaf).
func WithFingerprint(fp string) ClientOption {
	return func(c *HTTPClient) {
		c.fingerprint = fp
	}
}

// NewHTTPClient creates a client for the given provider base URLs.
func NewHTTPClient(providers []string, opts ...ClientOption) (*HTTPClient, error) {
	if len(providers) == 0 {
		return nil, errors.New("no controller providers")
	}
	c := &HTTPClient{
		requestTimeout: 30 * time.Second,
		httpTimeout:    10 * time.Second,
		retries:        2,
		redirects:      2,
		backoff:        time.Second,
		log:            logging.WithComponent("controller"),
	}
	for _, p := range providers {
		u, err := url.Parse(p)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("invalid provider %q", p)
		}
		u.Path = strings.TrimSuffix(u.Path, "/")
		c.providers = append(c.providers, u)
	}
	for _, opt := range opts {
		opt(c)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if c.fingerprint != "" {
		transport.TLSClientConfig = &tls.Config{
			// the chain is checked by pinning below
			InsecureSkipVerify: true,
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				if len(rawCerts) == 0 {
					return errors.New("no peer certificate")
				}
				sum := sha256.Sum256(rawCerts[0])
				if got := hex.EncodeToString(sum[:]); got != c.fingerprint {
					return fmt.Errorf("certificate fingerprint mismatch: expected %s, got %s", c.fingerprint, got)
				}
				return nil
			},
		}
	}
	c.httpClient = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > c.redirects {
				return fmt.Errorf("stopped after %d redirects", c.redirects)
			}
			return nil
		},
	}
	return c, nil
}

// ListNetworkRevisions implements Client.
func (c *HTTPClient) ListNetworkRevisions(ctx context.Context) (map[string]string, error) {
	var resp struct {
		Revisions map[string]string `json:"revisions"`
	}
	if err := c.doRequest(ctx, "/v1/networks/revisions", &resp); err != nil {
		metrics.Get().RecordTransportFailure("list_revisions")
		return nil, model.NewTransportError("list revisions", err)
	}
	if resp.Revisions == nil {
		resp.Revisions = map[string]string{}
	}
	return resp.Revisions, nil
}

// GetNetworkDetail implements Client.
func (c *HTTPClient) GetNetworkDetail(ctx context.Context, networkID string) (*model.Network, error) {
	var n model.Network
	err := c.doRequest(ctx, "/v1/networks/"+url.PathEscape(networkID), &n)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("network %s: %w", networkID, ErrNotFound)
	}
	if err != nil {
		metrics.Get().RecordTransportFailure("get_network")
		return nil, model.NewTransportError("get network "+networkID, err)
	}
	if n.ID == "" {
		n.ID = networkID
	}
	if n.ID != networkID {
		return nil, model.NewTransportError("get network "+networkID, fmt.Errorf("controller returned network %q", n.ID))
	}
	return &n, nil
}

// doRequest runs GET path against the providers and decodes the JSON body.
func (c *HTTPClient) doRequest(ctx context.Context, path string, result interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var lastErr error
	for round := 0; round <= c.retries; round++ {
		if round > 0 {
			select {
			case <-ctx.Done():
				return c.deadlineError(ctx, lastErr)
			case <-time.After(c.backoff * time.Duration(round)):
			}
		}

		start := c.activeProvider()
		for i := range c.providers {
			idx := (start + i) % len(c.providers)
			err := c.try(ctx, c.providers[idx], path, result)
			if err == nil {
				c.setActive(idx)
				return nil
			}
			if !retryable(err) {
				return err
			}
			lastErr = err
			if ctx.Err() != nil {
				return c.deadlineError(ctx, lastErr)
			}
			c.log.Warn("controller request failed", "provider", c.providers[idx].Host, "path", path, "error", err)
		}
	}
	return lastErr
}

func (c *HTTPClient) deadlineError(ctx context.Context, last error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if last != nil {
			return fmt.Errorf("%w: %v", ErrTimeout, last)
		}
		return ErrTimeout
	}
	return ctx.Err()
}

// try performs one attempt against one provider.
func (c *HTTPClient) try(ctx context.Context, base *url.URL, path string, result interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String()+path, nil)
	if err != nil {
		return &StatusError{Code: 0, Body: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent())
	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if err := classify(resp.StatusCode, body); err != nil {
		return err
	}
	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return &StatusError{Code: resp.StatusCode, Body: "failed to decode response: " + err.Error()}
		}
	}
	return nil
}

func (c *HTTPClient) userAgent() string {
	return brand.UserAgent(brand.Version)
}

func (c *HTTPClient) activeProvider() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *HTTPClient) setActive(idx int) {
	c.mu.Lock()
	c.active = idx
	c.mu.Unlock()
}
