// Package throttle caps the number of concurrent outbound requests per destination host.
package throttle

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"

	"github.com/G-Research/ingestcoord/internal/common/ingestcontext"
	"github.com/G-Research/ingestcoord/internal/common/ingesterrors"
	"github.com/G-Research/ingestcoord/internal/common/metrics"
	"github.com/G-Research/ingestcoord/internal/gate"
)

// Doer issues a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type hostThrottle struct {
	gate    gate.Gate
	limiter *rate.Limiter
}

// Client wraps a Doer so that requests to each configured host queue behind that host's own counting gate.
// Hosts never contend with each other and unconfigured hosts bypass throttling entirely.
type Client struct {
	doer    Doer
	hosts   map[string]*hostThrottle
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
}

func New(doer Doer, config Config, m *metrics.Metrics) (*Client, error) {
	hosts := make(map[string]*hostThrottle, len(config.Hosts))
	for _, hc := range config.Hosts {
		if _, exists := hosts[hc.Host]; exists {
			return nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{
				Name:    "host",
				Value:   hc.Host,
				Message: "host is configured more than once",
			})
		}
		g, err := gate.NewCounting(hc.MaxConcurrency)
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid concurrency limit for host %s", hc.Host)
		}
		throttle := &hostThrottle{gate: g}
		if hc.RequestsPerSecond > 0 {
			burst := hc.Burst
			if burst <= 0 {
				burst = 1
			}
			throttle.limiter = rate.NewLimiter(rate.Limit(hc.RequestsPerSecond), burst)
		}
		hosts[hc.Host] = throttle
	}
	return &Client{doer: doer, hosts: hosts, metrics: m}, nil
}

// Response is the result of a throttled request. It holds its host's slot until it is closed, so callers must
// always Close it, typically with a defer.
type Response struct {
	*http.Response
	release func()
}

// Close closes the response body and gives back the request's slot. It is safe to call more than once.
func (r *Response) Close() error {
	defer r.release()
	return r.Body.Close()
}

// Get issues a GET request for rawURL with the given headers.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	return c.Do(ctx, http.MethodGet, rawURL, header, nil)
}

// Do issues a request once the destination host's gate admits it. The session must still be open both before
// a slot is reserved and once it has been granted; the underlying request is only created after that.
func (c *Client) Do(ctx context.Context, method string, rawURL string, header http.Header, body io.Reader) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{
			Name:    "url",
			Value:   rawURL,
			Message: "must be an absolute url",
		})
	}
	if c.isClosed() {
		return nil, errors.WithStack(&ingesterrors.ErrClosed{Type: "session", Message: "cannot request " + rawURL})
	}

	host, throttle := c.throttleFor(u)
	release, err := c.admit(ctx, host, throttle)
	if err != nil {
		return nil, err
	}
	if c.isClosed() {
		release()
		return nil, errors.WithStack(&ingesterrors.ErrClosed{Type: "session", Message: "closed while waiting to request " + rawURL})
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		release()
		return nil, errors.WithStack(err)
	}
	for k, v := range header {
		req.Header[k] = slices.Clone(v)
	}

	c.metrics.RequestStarted(host)
	resp, err := c.doer.Do(req)
	if err != nil {
		c.metrics.RequestFinished(host)
		release()
		outcome := metrics.RequestOutcomeFailure
		if ingesterrors.IsCallerCancellation(ctx, err) {
			outcome = metrics.RequestOutcomeCancelled
		}
		c.metrics.RecordRequest(host, outcome)
		return nil, errors.WithMessagef(err, "error requesting %s", rawURL)
	}
	c.metrics.RecordRequest(host, metrics.RequestOutcomeSuccess)

	var once sync.Once
	return &Response{
		Response: resp,
		release: func() {
			once.Do(func() {
				c.metrics.RequestFinished(host)
				release()
			})
		},
	}, nil
}

// Close marks the session as closed. Requests already in flight are unaffected but no new request will be
// issued. Idle connections of the underlying client are closed if it supports that.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if closer, ok := c.doer.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}
}

// Hosts returns the configured hosts in sorted order.
func (c *Client) Hosts() []string {
	hosts := maps.Keys(c.hosts)
	slices.Sort(hosts)
	return hosts
}

// InFlight returns the number of requests currently holding a slot for host.
func (c *Client) InFlight(host string) int64 {
	if throttle, ok := c.hosts[host]; ok {
		return throttle.gate.InUse()
	}
	return 0
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// UnthrottledHost is the metrics label shared by all hosts without a configured throttle.
const UnthrottledHost = "unthrottled"

// throttleFor matches on host:port first and then on the bare host name. The returned name labels metrics.
func (c *Client) throttleFor(u *url.URL) (string, *hostThrottle) {
	if throttle, ok := c.hosts[u.Host]; ok {
		return u.Host, throttle
	}
	if throttle, ok := c.hosts[u.Hostname()]; ok {
		return u.Hostname(), throttle
	}
	return UnthrottledHost, nil
}

func (c *Client) admit(ctx context.Context, host string, throttle *hostThrottle) (func(), error) {
	if throttle == nil {
		return func() {}, nil
	}
	start := time.Now()
	release, err := throttle.gate.Acquire(ctx, 1)
	if err != nil {
		c.metrics.RecordRequest(host, metrics.RequestOutcomeCancelled)
		return nil, errors.WithMessagef(err, "error waiting for a request slot for host %s", host)
	}
	if throttle.limiter != nil {
		if err := throttle.limiter.Wait(ctx); err != nil {
			release()
			c.metrics.RecordRequest(host, metrics.RequestOutcomeCancelled)
			return nil, errors.WithMessagef(err, "error waiting for rate limit of host %s", host)
		}
	}
	waited := time.Since(start)
	c.metrics.RecordGateWait(host, waited)
	if waited > time.Second {
		ingestcontext.FromContext(ctx).Log.
			WithField("host", host).
			Debugf("Waited %s for a request slot", waited)
	}
	return release, nil
}
