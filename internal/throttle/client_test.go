package throttle

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/ingestcoord/internal/common/ingesterrors"
	"github.com/G-Research/ingestcoord/internal/common/metrics"
)

const (
	testTimeout  = 5 * time.Second
	blockedDelay = 50 * time.Millisecond
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetrics("test_", prometheus.NewRegistry())
}

// fakeDoer answers every request with an empty 200, optionally blocking until unblock is closed.
type fakeDoer struct {
	unblock  chan struct{}
	err      error
	inFlight int32
	maxSeen  int32
	mu       sync.Mutex
	requests []*http.Request
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	n := atomic.AddInt32(&d.inFlight, 1)
	defer atomic.AddInt32(&d.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&d.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&d.maxSeen, seen, n) {
			break
		}
	}
	if d.unblock != nil {
		select {
		case <-d.unblock:
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (d *fakeDoer) requestCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

type result struct {
	resp *Response
	err  error
}

func getAsync(ctx context.Context, c *Client, rawURL string) <-chan result {
	out := make(chan result, 1)
	go func() {
		resp, err := c.Get(ctx, rawURL, nil)
		out <- result{resp: resp, err: err}
	}()
	return out
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(&fakeDoer{}, Config{Hosts: []HostConfig{{Host: "a", MaxConcurrency: 0}}}, testMetrics())
	assert.True(t, ingesterrors.IsInvalidArgument(err))

	_, err = New(&fakeDoer{}, Config{Hosts: []HostConfig{
		{Host: "a", MaxConcurrency: 1},
		{Host: "a", MaxConcurrency: 2},
	}}, testMetrics())
	assert.True(t, ingesterrors.IsInvalidArgument(err))
}

func TestClient_CapsConcurrencyPerHost(t *testing.T) {
	ctx := testContext(t)
	doer := &fakeDoer{}
	c, err := New(doer, Config{Hosts: []HostConfig{{Host: "a.example", MaxConcurrency: 2}}}, testMetrics())
	require.NoError(t, err)

	var responses []*Response
	for i := 0; i < 2; i++ {
		resp, err := c.Get(ctx, "http://a.example/file", nil)
		require.NoError(t, err)
		responses = append(responses, resp)
	}
	assert.Equal(t, int64(2), c.InFlight("a.example"))

	third := getAsync(ctx, c, "http://a.example/file")
	select {
	case r := <-third:
		t.Fatalf("third request should wait for a slot but returned %v", r.err)
	case <-time.After(blockedDelay):
	}
	// The underlying request is only created once a slot is granted.
	assert.Equal(t, 2, doer.requestCount())

	require.NoError(t, responses[0].Close())
	r := <-third
	require.NoError(t, r.err)
	assert.Equal(t, 3, doer.requestCount())

	require.NoError(t, responses[0].Close())
	require.NoError(t, responses[1].Close())
	require.NoError(t, r.resp.Close())
	assert.Equal(t, int64(0), c.InFlight("a.example"))
}

func TestClient_HostsAreIndependent(t *testing.T) {
	ctx := testContext(t)
	c, err := New(&fakeDoer{}, Config{Hosts: []HostConfig{
		{Host: "a.example", MaxConcurrency: 1},
		{Host: "b.example:8080", MaxConcurrency: 1},
	}}, testMetrics())
	require.NoError(t, err)

	held, err := c.Get(ctx, "http://a.example/x", nil)
	require.NoError(t, err)
	defer held.Close()

	for _, u := range []string{"http://b.example:8080/x", "http://unthrottled.example/x", "http://b.example/x"} {
		select {
		case r := <-getAsync(ctx, c, u):
			require.NoError(t, r.err, u)
			require.NoError(t, r.resp.Close())
		case <-time.After(testTimeout):
			t.Fatalf("request to %s was blocked by an unrelated host", u)
		}
	}
	assert.Equal(t, []string{"a.example", "b.example:8080"}, c.Hosts())
}

func TestClient_UnconfiguredHostsShareOneMetricsLabel(t *testing.T) {
	ctx := testContext(t)
	registry := prometheus.NewRegistry()
	c, err := New(&fakeDoer{}, Config{Hosts: []HostConfig{{Host: "a.example", MaxConcurrency: 1}}},
		metrics.NewMetrics("test_", registry))
	require.NoError(t, err)

	for _, u := range []string{"http://a.example/x", "http://b.example/x", "http://c.example:8080/x"} {
		resp, err := c.Get(ctx, u, nil)
		require.NoError(t, err)
		require.NoError(t, resp.Close())
	}

	expected := `
# HELP test_requests_total Number of outbound requests grouped by host and outcome
# TYPE test_requests_total counter
test_requests_total{host="a.example",outcome="success"} 1
test_requests_total{host="unthrottled",outcome="success"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "test_requests_total"))
}

func TestClient_MatchesHostNameWithoutPort(t *testing.T) {
	ctx := testContext(t)
	c, err := New(&fakeDoer{}, Config{Hosts: []HostConfig{{Host: "a.example", MaxConcurrency: 1}}}, testMetrics())
	require.NoError(t, err)

	resp, err := c.Get(ctx, "https://a.example:8443/x", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.InFlight("a.example"))
	require.NoError(t, resp.Close())
}

func TestClient_ClosedSessionIsAnError(t *testing.T) {
	ctx := testContext(t)
	doer := &fakeDoer{}
	c, err := New(doer, Config{}, testMetrics())
	require.NoError(t, err)

	c.Close()
	_, err = c.Get(ctx, "http://a.example/x", nil)
	assert.True(t, ingesterrors.IsClosed(err))
	assert.Equal(t, 0, doer.requestCount())
}

func TestClient_ClosedWhileWaitingIsAnError(t *testing.T) {
	ctx := testContext(t)
	doer := &fakeDoer{}
	c, err := New(doer, Config{Hosts: []HostConfig{{Host: "a.example", MaxConcurrency: 1}}}, testMetrics())
	require.NoError(t, err)

	held, err := c.Get(ctx, "http://a.example/x", nil)
	require.NoError(t, err)
	waiting := getAsync(ctx, c, "http://a.example/y")
	time.Sleep(blockedDelay)

	c.Close()
	require.NoError(t, held.Close())
	r := <-waiting
	assert.True(t, ingesterrors.IsClosed(r.err))
	assert.Equal(t, 1, doer.requestCount())
	assert.Equal(t, int64(0), c.InFlight("a.example"))
}

func TestClient_FailedRequestReleasesSlot(t *testing.T) {
	ctx := testContext(t)
	expected := errors.New("connection refused")
	c, err := New(&fakeDoer{err: expected}, Config{Hosts: []HostConfig{{Host: "a.example", MaxConcurrency: 1}}}, testMetrics())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.Get(ctx, "http://a.example/x", nil)
		assert.ErrorIs(t, err, expected)
	}
	assert.Equal(t, int64(0), c.InFlight("a.example"))
}

func TestClient_CancelledWaitTakesNoSlot(t *testing.T) {
	ctx := testContext(t)
	c, err := New(&fakeDoer{}, Config{Hosts: []HostConfig{{Host: "a.example", MaxConcurrency: 1}}}, testMetrics())
	require.NoError(t, err)

	held, err := c.Get(ctx, "http://a.example/x", nil)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, blockedDelay)
	defer cancel()
	_, err = c.Get(waitCtx, "http://a.example/y", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), c.InFlight("a.example"))

	require.NoError(t, held.Close())
	assert.Equal(t, int64(0), c.InFlight("a.example"))
}

func TestClient_CancelledInFlightRequestReleasesSlot(t *testing.T) {
	ctx := testContext(t)
	doer := &fakeDoer{unblock: make(chan struct{})}
	c, err := New(doer, Config{Hosts: []HostConfig{{Host: "a.example", MaxConcurrency: 1}}}, testMetrics())
	require.NoError(t, err)

	reqCtx, cancel := context.WithCancel(ctx)
	pending := getAsync(reqCtx, c, "http://a.example/x")
	require.Eventually(t, func() bool { return doer.requestCount() == 1 }, testTimeout, time.Millisecond)
	assert.Equal(t, int64(1), c.InFlight("a.example"))

	cancel()
	r := <-pending
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, int64(0), c.InFlight("a.example"))
}

func TestClient_InvalidURL(t *testing.T) {
	c, err := New(&fakeDoer{}, Config{}, testMetrics())
	require.NoError(t, err)
	_, err = c.Get(testContext(t), "not a url", nil)
	assert.True(t, ingesterrors.IsInvalidArgument(err))
}

func TestClient_PacesRequests(t *testing.T) {
	ctx := testContext(t)
	c, err := New(&fakeDoer{}, Config{Hosts: []HostConfig{
		{Host: "a.example", MaxConcurrency: 10, RequestsPerSecond: 20, Burst: 1},
	}}, testMetrics())
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		resp, err := c.Get(ctx, "http://a.example/x", nil)
		require.NoError(t, err)
		require.NoError(t, resp.Close())
	}
	// The first request uses the burst, the next two wait ~50ms each.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestClient_AgainstServer(t *testing.T) {
	ctx := testContext(t)
	var current, maxSeen int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&current, 1)
		defer atomic.AddInt32(&current, -1)
		for {
			seen := atomic.LoadInt32(&maxSeen)
			if n <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		_, _ = w.Write([]byte(r.Header.Get("X-Test")))
	}))
	defer server.Close()

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	c, err := New(server.Client(), Config{Hosts: []HostConfig{{Host: u.Host, MaxConcurrency: 2}}}, testMetrics())
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Get(ctx, server.URL, http.Header{"X-Test": []string{"hello"}})
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Close()
			body, err := io.ReadAll(resp.Body)
			assert.NoError(t, err)
			assert.Equal(t, "hello", string(body))
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
	assert.Equal(t, int64(0), c.InFlight(u.Host))
}
