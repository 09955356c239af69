package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/cost-pipeline/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// Limiters maps a host to its adaptive limiter. Hosts without an entry
	// are not throttled.
	Limiters map[string]*AdaptiveLimiter
	// Transport overrides the default pooled transport, mostly for tests.
	Transport http.RoundTripper
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate, down to a quarter of the initial rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher implements Fetcher with per-host adaptive rate limiting.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions
	log    *zap.Logger

	mu       sync.RWMutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "costpipe/1.0"
	}
	limiters := make(map[string]*AdaptiveLimiter, len(opts.Limiters))
	for host, l := range opts.Limiters {
		limiters[host] = l
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 10,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: opts.Timeout, Transport: transport},
		opts:     opts,
		log:      zap.L().With(zap.String("component", "fetcher.http")),
		limiters: limiters,
	}
}

// SetLimiter installs or replaces the limiter for host.
func (f *HTTPFetcher) SetLimiter(host string, l *AdaptiveLimiter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limiters[host] = l
}

func (f *HTTPFetcher) limiterFor(u *url.URL) *AdaptiveLimiter {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.limiters[u.Hostname()]
}

// Fetch performs one GET. 429 and 5xx responses become TransientErrors, 401
// and 403 become AuthErrors, and every other non-2xx status is permanent.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (io.ReadCloser, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, resilience.NewConfigError(req.URL, eris.New("fetcher: invalid url"))
	}

	limiter := f.limiterFor(u)
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter")
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "fetcher: request aborted")
		}
		return nil, resilience.NewTransientError(eris.Wrapf(err, "fetcher: GET %s", u.Host), 0)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if limiter != nil {
			limiter.OnSuccess()
		}
		return resp.Body, nil
	}

	snippet := readSnippet(resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests && limiter != nil {
		limiter.OnRateLimit()
		f.log.Warn("adaptive rate limit: reducing rate after 429",
			zap.String("host", u.Host),
			zap.Float64("new_rate", float64(limiter.Limit())),
		)
	}
	return nil, statusError(u.Host, resp.StatusCode, snippet)
}

func statusError(host string, status int, snippet string) error {
	err := eris.Errorf("fetcher: GET %s: status %d", host, status)
	if snippet != "" {
		err = eris.Errorf("fetcher: GET %s: status %d: %s", host, status, snippet)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return resilience.NewAuthError(err, status)
	case resilience.IsTransientHTTPStatus(status):
		return resilience.NewTransientError(err, status)
	default:
		return err
	}
}

// readSnippet keeps the first line of an error body for the run's error summary.
func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
