package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/filing-facts/internal/resilience"
)

// secRate is the SEC fair-access ceiling per host.
const secRate rate.Limit = 10

// defaultRate applies to hosts without a configured limit.
const defaultRate rate.Limit = 20

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent   string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	// HostLimits sets requests per second by host. Nil uses SECHostLimits.
	HostLimits map[string]rate.Limit
}

// SECHostLimits returns the per-host limits for EDGAR endpoints.
func SECHostLimits() map[string]rate.Limit {
	return map[string]rate.Limit{
		"efts.sec.gov": secRate,
		"www.sec.gov":  secRate,
		"data.sec.gov": secRate,
	}
}

// HostLimiter is a rate limiter that never exceeds its ceiling. A 429 halves
// the rate (down to ceiling/4); each success recovers 20% toward the ceiling.
type HostLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	ceiling     rate.Limit
	floor       rate.Limit
	currentRate rate.Limit
}

// NewHostLimiter creates a limiter starting at its ceiling.
func NewHostLimiter(ceiling rate.Limit, burst int) *HostLimiter {
	return &HostLimiter{
		limiter:     rate.NewLimiter(ceiling, burst),
		ceiling:     ceiling,
		floor:       ceiling / 4,
		currentRate: ceiling,
	}
}

// Wait blocks until the limiter allows an event.
func (h *HostLimiter) Wait(ctx context.Context) error {
	return h.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%, capped at the ceiling.
func (h *HostLimiter) OnSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.currentRate >= h.ceiling {
		return
	}
	h.currentRate = min(h.currentRate*1.2, h.ceiling)
	h.limiter.SetLimit(h.currentRate)
}

// OnRateLimit halves the rate, bounded below by the floor.
func (h *HostLimiter) OnRateLimit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentRate = max(h.currentRate*0.5, h.floor)
	h.limiter.SetLimit(h.currentRate)
	zap.L().Warn("fetcher: reducing rate after 429",
		zap.Float64("new_rate", float64(h.currentRate)),
	)
}

// Limit returns the current rate limit.
func (h *HostLimiter) Limit() rate.Limit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentRate
}

// HTTPFetcher implements Fetcher using net/http with retry and per-host rate limiting.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*HostLimiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "filing-facts/1.0"
	}
	if opts.HostLimits == nil {
		opts.HostLimits = SECHostLimits()
	}

	limiters := make(map[string]*HostLimiter, len(opts.HostLimits))
	for host, lim := range opts.HostLimits {
		limiters[host] = NewHostLimiter(lim, max(1, int(lim)))
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: limiters,
	}
}

// limiterFor returns the limiter for the URL's host, creating a default one
// for hosts seen for the first time.
func (f *HTTPFetcher) limiterFor(rawURL string) *HostLimiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = NewHostLimiter(defaultRate, int(defaultRate))
		f.limiters[host] = lim
	}
	return lim
}

func (f *HTTPFetcher) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	lim := f.limiterFor(req.URL.String())
	target := req.URL.String()

	cfg := resilience.RetryConfig{
		MaxAttempts:    f.opts.MaxRetries,
		InitialBackoff: f.opts.BackoffBase,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
		OnRetry: func(attempt int, err error) {
			zap.L().Warn("fetcher: request failed, retrying",
				zap.String("url", target),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		},
	}

	resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*http.Response, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limiter wait")
		}

		resp, err := f.client.Do(req.Clone(ctx))
		if err != nil {
			return nil, resilience.NewTransientError(err, 0)
		}

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusTooManyRequests {
				lim.OnRateLimit()
			}
			te := resilience.NewTransientError(eris.Errorf("http %d from %s", resp.StatusCode, target), resp.StatusCode)
			te.RetryAfter = resilience.ParseRetryAfter(resp.Header, time.Now())
			return nil, te
		}

		lim.OnSuccess()
		return resp, nil
	})
	if err != nil {
		if resilience.IsTransient(err) && ctx.Err() == nil {
			return nil, eris.Wrap(err, "all retries exhausted")
		}
		return nil, err
	}
	return resp, nil
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.doWithRetry(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: download")
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, eris.Wrap(&StatusError{StatusCode: resp.StatusCode, URL: rawURL}, "fetcher: download")
	}

	return resp.Body, nil
}

// DownloadToFile fetches the URL and writes it to the given path. A partial
// file is removed on error.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: create file")
	}

	n, err := io.Copy(file, body)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return n, eris.Wrap(err, "fetcher: write file")
	}

	return n, nil
}
