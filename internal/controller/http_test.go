package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/dhcpagent/internal/model"
)

func revisionsHandler(revs map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"revisions": revs})
	}
}

func statusHandler(code int, hits *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.WriteHeader(code)
	}
}

func fastOpts() []ClientOption {
	return []ClientOption{
		WithBackoff(time.Millisecond),
		WithRequestTimeout(2 * time.Second),
		WithHTTPTimeout(500 * time.Millisecond),
	}
}

func TestListNetworkRevisions(t *testing.T) {
	var gotToken string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Auth-Token")
		assert.Equal(t, "/api/v1/networks/revisions", r.URL.Path)
		revisionsHandler(map[string]string{"N1": "3", "N2": "7"})(w, r)
	}))
	defer ts.Close()

	c, err := NewHTTPClient([]string{ts.URL + "/api/"}, append(fastOpts(), WithToken("secret"))...)
	require.NoError(t, err)

	revs, err := c.ListNetworkRevisions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"N1": "3", "N2": "7"}, revs)
	assert.Equal(t, "secret", gotToken)
}

func TestGetNetworkDetail(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/networks/N1":
			json.NewEncoder(w).Encode(model.Network{
				ID: "N1", Enabled: true, Revision: "4",
				Subnets: []model.Subnet{{ID: "S1", CIDR: "10.0.0.0/24", EnableDHCP: true}},
			})
		case "/v1/networks/N2":
			json.NewEncoder(w).Encode(model.Network{ID: "other"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	c, err := NewHTTPClient([]string{ts.URL}, fastOpts()...)
	require.NoError(t, err)

	n, err := c.GetNetworkDetail(context.Background(), "N1")
	require.NoError(t, err)
	assert.Equal(t, "4", n.Revision)
	require.Len(t, n.Subnets, 1)
	assert.Equal(t, "10.0.0.0/24", n.Subnets[0].CIDR)

	_, err = c.GetNetworkDetail(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, model.IsTransport(err), "not found is an answer, not a transport failure")

	_, err = c.GetNetworkDetail(context.Background(), "N2")
	assert.True(t, model.IsTransport(err))
}

func TestProviderFailover(t *testing.T) {
	var badHits int32
	bad := httptest.NewServer(statusHandler(http.StatusServiceUnavailable, &badHits))
	defer bad.Close()
	good := httptest.NewServer(revisionsHandler(map[string]string{"N1": "1"}))
	defer good.Close()

	c, err := NewHTTPClient([]string{bad.URL, good.URL}, fastOpts()...)
	require.NoError(t, err)

	_, err = c.ListNetworkRevisions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&badHits))

	// the provider that answered is tried first next time
	_, err = c.ListNetworkRevisions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&badHits))
}

func TestAllProvidersFailing(t *testing.T) {
	var hitsA, hitsB int32
	a := httptest.NewServer(statusHandler(http.StatusInternalServerError, &hitsA))
	defer a.Close()
	b := httptest.NewServer(statusHandler(http.StatusBadGateway, &hitsB))
	defer b.Close()

	c, err := NewHTTPClient([]string{a.URL, b.URL}, append(fastOpts(), WithRetries(1))...)
	require.NoError(t, err)

	_, err = c.ListNetworkRevisions(context.Background())
	require.Error(t, err)
	assert.True(t, model.IsTransport(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hitsA))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hitsB))
}

func TestClientErrorsNotRetried(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusConflict, ErrConflict},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			var hits int32
			ts := httptest.NewServer(statusHandler(tt.code, &hits))
			defer ts.Close()

			c, err := NewHTTPClient([]string{ts.URL, ts.URL}, append(fastOpts(), WithRetries(3))...)
			require.NoError(t, err)

			_, err = c.ListNetworkRevisions(context.Background())
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, model.IsTransport(err))
			assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
		})
	}
}

func TestAttemptTimeoutFailsOver(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	fast := httptest.NewServer(revisionsHandler(map[string]string{"N1": "1"}))
	defer fast.Close()

	c, err := NewHTTPClient([]string{slow.URL, fast.URL},
		WithBackoff(time.Millisecond),
		WithHTTPTimeout(50*time.Millisecond),
		WithRequestTimeout(2*time.Second))
	require.NoError(t, err)

	revs, err := c.ListNetworkRevisions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", revs["N1"])
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	c, err := NewHTTPClient([]string{slow.URL},
		WithBackoff(time.Millisecond),
		WithRetries(10),
		WithHTTPTimeout(time.Second),
		WithRequestTimeout(100*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, err = c.ListNetworkRevisions(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, model.IsTransport(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRedirectLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/networks/revisions", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/hop1", http.StatusFound)
	})
	mux.HandleFunc("/hop1", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/hop2", http.StatusFound)
	})
	mux.HandleFunc("/hop2", revisionsHandler(map[string]string{"N1": "9"}))
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c, err := NewHTTPClient([]string{ts.URL}, append(fastOpts(), WithRedirects(2))...)
	require.NoError(t, err)
	revs, err := c.ListNetworkRevisions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "9", revs["N1"])

	c, err = NewHTTPClient([]string{ts.URL}, append(fastOpts(), WithRedirects(1), WithRetries(0))...)
	require.NoError(t, err)
	_, err = c.ListNetworkRevisions(context.Background())
	assert.True(t, model.IsTransport(err))
}

func TestNewHTTPClientRejectsBadProviders(t *testing.T) {
	_, err := NewHTTPClient(nil)
	assert.Error(t, err)
	_, err = NewHTTPClient([]string{"ftp://controller"})
	assert.Error(t, err)
}

// notifier is a WebSocket endpoint that pushes frames to each connection.
type notifier struct {
	upgrader websocket.Upgrader
	// frames per connection, in order; extra connections get none
	frames [][]string
	// close the connection after sending instead of holding it open
	hangup bool

	mu    sync.Mutex
	conns int
}

func (n *notifier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var sub map[string]interface{}
	if err := conn.ReadJSON(&sub); err != nil || sub["action"] != "subscribe" {
		return
	}

	n.mu.Lock()
	idx := n.conns
	n.conns++
	n.mu.Unlock()

	if idx < len(n.frames) {
		for _, f := range n.frames[idx] {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
	}
	if n.hangup {
		return
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func frame(id, kind string) string {
	return `{"topic":"networks","data":{"network_id":"` + id + `","kind":"` + kind + `"}}`
}

func collect(t *testing.T, c *HTTPClient, want int) []model.PendingChange {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []model.PendingChange
	done := make(chan error, 1)
	go func() {
		done <- c.Subscribe(ctx, func(pc model.PendingChange) {
			mu.Lock()
			got = append(got, pc)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= want
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]model.PendingChange(nil), got...)
}

func TestSubscribe(t *testing.T) {
	n := &notifier{frames: [][]string{{
		frame("N1", "created"),
		`{"topic":"logs","data":{}}`,
		frame("", "updated"),
		frame("N2", "bogus"),
		frame("N2", "deleted"),
	}}}
	ts := httptest.NewServer(http.StripPrefix("/v1/notifications", n))
	defer ts.Close()

	c, err := NewHTTPClient([]string{ts.URL}, fastOpts()...)
	require.NoError(t, err)

	got := collect(t, c, 2)
	assert.Equal(t, []model.PendingChange{
		{NetworkID: "N1", Kind: model.ChangeCreated},
		{NetworkID: "N2", Kind: model.ChangeDeleted},
	}, got)
}

func TestSubscribeReconnects(t *testing.T) {
	n := &notifier{
		frames: [][]string{
			{frame("N1", "updated")},
			{frame("N2", "port-added")},
		},
		hangup: true,
	}
	ts := httptest.NewServer(n)
	defer ts.Close()

	c, err := NewHTTPClient([]string{ts.URL}, fastOpts()...)
	require.NoError(t, err)

	got := collect(t, c, 2)
	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, "N1", got[0].NetworkID)
	assert.Equal(t, model.ChangePortAdded, got[1].Kind)
}

func TestSubscribeUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	c, err := NewHTTPClient([]string{ts.URL}, fastOpts()...)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = c.Subscribe(ctx, func(model.PendingChange) { t.Error("unexpected change") })
	assert.NoError(t, err)
	assert.True(t, errors.Is(ctx.Err(), context.DeadlineExceeded))
}
