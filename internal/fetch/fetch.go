// Package fetch is the polite HTTP client for marketplace pages. Every
// request runs under an identity from the pool, respects robots.txt and
// the per-host delay, and classifies failures into typed errors so the
// worker retry policy can act on them.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/tradewind/marketsync/internal/config"
	"github.com/tradewind/marketsync/internal/identity"
	"github.com/tradewind/marketsync/internal/types"
)

// Request describes one page fetch.
type Request struct {
	URL     string
	Method  string            // defaults to GET
	Headers map[string]string // merged over the identity defaults
	Referer string

	// IgnoreRobots overrides the global robots-respect setting for this
	// request only.
	IgnoreRobots bool
}

// Response is a decoded fetch result. Body is UTF-8 regardless of the
// page's declared charset.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	FetchedAt  time.Time
	Identity   *identity.Identity
}

// maxBodySize caps response reads. Marketplace pages run a few hundred KB;
// anything past this is junk or an attack.
const maxBodySize = 10 << 20

// Options configures a Fetcher.
type Options struct {
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
	DownloadDelay  time.Duration
	RespectRobots  bool
}

// OptionsFromConfig reads the fetch.* keys.
func OptionsFromConfig() Options {
	return Options{
		ConnectTimeout: config.GetDuration("fetch.connect-timeout"),
		TotalTimeout:   config.GetDuration("fetch.total-timeout"),
		DownloadDelay:  time.Duration(config.GetInt("download-delay-ms")) * time.Millisecond,
		RespectRobots:  config.GetBool("robots-respect"),
	}
}

// Fetcher issues requests through the identity pool. Stateless between
// calls except for per-host breakers, robots caches and last-request
// times, all of which are derived state.
type Fetcher struct {
	opts    Options
	pool    *identity.Pool
	logger  *zap.Logger
	observe func(host, outcome string)

	mu       sync.Mutex
	clients  map[string]*http.Client // proxy URL -> client
	breakers map[string]*gobreaker.CircuitBreaker
	robots   map[string]*robotsEntry
	lastReq  map[string]time.Time
}

type robotsEntry struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

// robotsTTL is how long a cached robots.txt is trusted.
const robotsTTL = time.Hour

// New builds a Fetcher over the identity pool.
func New(opts Options, pool *identity.Pool, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.TotalTimeout <= 0 {
		opts.TotalTimeout = 60 * time.Second
	}
	return &Fetcher{
		opts:     opts,
		pool:     pool,
		logger:   logger,
		clients:  make(map[string]*http.Client),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		robots:   make(map[string]*robotsEntry),
		lastReq:  make(map[string]time.Time),
	}
}

// SetObserver installs a per-request outcome callback, e.g. for
// supervision counters. Not safe to call while fetches are in flight.
func (f *Fetcher) SetObserver(fn func(host, outcome string)) { f.observe = fn }

func (f *Fetcher) client(proxyURL string) (*http.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[proxyURL]; ok {
		return c, nil
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   f.opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   f.opts.ConnectTimeout,
		ResponseHeaderTimeout: f.opts.TotalTimeout,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("bad proxy url %q: %w", proxyURL, err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	c := &http.Client{
		Transport: transport,
		Timeout:   f.opts.TotalTimeout,
	}
	f.clients[proxyURL] = c
	return c, nil
}

func (f *Fetcher) breaker(host string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.breakers[host]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= 5 && float64(c.TotalFailures)/float64(c.Requests) > 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("host breaker state change",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	f.breakers[host] = b
	return b
}

// hostDelay sleeps until the host minimum delay (with ±20% jitter) has
// elapsed since the previous request to the host.
func (f *Fetcher) hostDelay(ctx context.Context, host string) error {
	if f.opts.DownloadDelay <= 0 {
		return nil
	}
	f.mu.Lock()
	last := f.lastReq[host]
	f.lastReq[host] = time.Now()
	f.mu.Unlock()

	jitter := 0.8 + 0.4*rand.Float64()
	delay := time.Duration(float64(f.opts.DownloadDelay) * jitter)
	wait := delay - time.Since(last)
	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fetch performs one request. Errors are *types.FetchError except for
// robots denials (ErrRobotsDisallowed) and context cancellation.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, &types.FetchError{Kind: types.FetchMalformed, URL: req.URL, Err: err}
	}
	host := u.Host

	if f.opts.RespectRobots && !req.IgnoreRobots {
		allowed, err := f.robotsAllowed(ctx, u)
		if err == nil && !allowed {
			return nil, fmt.Errorf("%w: %s", types.ErrRobotsDisallowed, req.URL)
		}
		// A robots fetch failure falls open: the page fetch proceeds.
	}

	id, err := f.pool.Acquire(ctx, host)
	if err != nil {
		return nil, err
	}

	resp, err := f.fetchWithIdentity(ctx, req, u, id)
	f.pool.Release(host, id, outcomeOf(err))
	if f.observe != nil {
		outcome := "success"
		if err != nil {
			outcome = types.ErrorCode(err)
		}
		f.observe(host, outcome)
	}
	if err != nil {
		return nil, err
	}
	resp.Identity = id
	return resp, nil
}

func (f *Fetcher) fetchWithIdentity(ctx context.Context, req Request, u *url.URL, id *identity.Identity) (*Response, error) {
	host := u.Host
	if err := f.hostDelay(ctx, host); err != nil {
		return nil, types.ErrCancelled
	}

	result, err := f.breaker(host).Execute(func() (interface{}, error) {
		return f.doRequest(ctx, req, u, id)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &types.FetchError{
				Kind: types.FetchConnectRefused, Host: host, URL: req.URL, Err: err,
			}
		}
		return nil, err
	}
	return result.(*Response), nil
}

func (f *Fetcher) doRequest(ctx context.Context, req Request, u *url.URL, id *identity.Identity) (*Response, error) {
	client, err := f.client(id.ProxyURL)
	if err != nil {
		return nil, &types.FetchError{Kind: types.FetchMalformed, Host: u.Host, URL: req.URL, Err: err}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, &types.FetchError{Kind: types.FetchMalformed, Host: u.Host, URL: req.URL, Err: err}
	}
	applyHeaders(httpReq, id, req)

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(u.Host, req.URL, err)
	}
	defer httpResp.Body.Close()

	if fe := classifyStatus(u.Host, req.URL, httpResp.StatusCode); fe != nil {
		io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))
		return nil, fe
	}

	body, err := decodeBody(httpResp)
	if err != nil {
		return nil, &types.FetchError{Kind: types.FetchMalformed, Host: u.Host, URL: req.URL, Err: err}
	}

	if looksLikeCaptcha(body, httpResp.Request.URL) {
		return nil, &types.FetchError{Kind: types.FetchCaptcha, Host: u.Host, URL: req.URL}
	}

	return &Response{
		URL:        httpResp.Request.URL.String(),
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       body,
		FetchedAt:  time.Now().UTC(),
	}, nil
}

// applyHeaders sets browser-like headers in the usual order. The identity
// user agent wins; request headers override everything.
func applyHeaders(httpReq *http.Request, id *identity.Identity, req Request) {
	httpReq.Header.Set("User-Agent", id.UserAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	httpReq.Header.Set("Accept-Encoding", "gzip")
	if req.Referer != "" {
		httpReq.Header.Set("Referer", req.Referer)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
}

// decodeBody reads the body and converts it to UTF-8 using the declared
// charset, falling back to content sniffing.
func decodeBody(resp *http.Response) ([]byte, error) {
	limited := io.LimitReader(resp.Body, maxBodySize)
	reader, err := charset.NewReader(limited, resp.Header.Get("Content-Type"))
	if err != nil {
		return io.ReadAll(limited)
	}
	return io.ReadAll(reader)
}

// looksLikeCaptcha detects soft blocks: an HTTP 200 that is actually a
// bot challenge page or a redirect to a login/captcha URL.
func looksLikeCaptcha(body []byte, finalURL *url.URL) bool {
	if finalURL != nil {
		p := strings.ToLower(finalURL.Path)
		if strings.Contains(p, "captcha") || strings.Contains(p, "punish") || strings.Contains(p, "login") {
			return true
		}
	}
	head := body
	if len(head) > 4096 {
		head = head[:4096]
	}
	s := strings.ToLower(string(head))
	return strings.Contains(s, "captcha") && strings.Contains(s, "verify")
}

func classifyStatus(host, rawURL string, status int) *types.FetchError {
	switch {
	case status == http.StatusTooManyRequests:
		return &types.FetchError{Kind: types.FetchTooManyRequests, Host: host, URL: rawURL, StatusCode: status}
	case status == http.StatusForbidden:
		return &types.FetchError{Kind: types.FetchForbidden, Host: host, URL: rawURL, StatusCode: status}
	case status == http.StatusNotFound || status == http.StatusGone:
		return &types.FetchError{Kind: types.FetchNotFound, Host: host, URL: rawURL, StatusCode: status}
	case status >= 500:
		return &types.FetchError{Kind: types.FetchServerError, Host: host, URL: rawURL, StatusCode: status}
	case status >= 400:
		return &types.FetchError{Kind: types.FetchMalformed, Host: host, URL: rawURL, StatusCode: status}
	}
	return nil
}

func classifyTransportError(host, rawURL string, err error) *types.FetchError {
	kind := types.FetchConnectRefused
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = types.FetchTimeout
	} else if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		kind = types.FetchTimeout
	}
	return &types.FetchError{Kind: kind, Host: host, URL: rawURL, Err: err}
}

// outcomeOf maps a fetch result to the identity pool outcome.
func outcomeOf(err error) identity.Outcome {
	if err == nil {
		return identity.OutcomeOK
	}
	var fe *types.FetchError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case types.FetchCaptcha:
			return identity.OutcomeCaptcha
		case types.FetchForbidden:
			return identity.OutcomeBlocked
		case types.FetchTooManyRequests:
			return identity.OutcomeThrottled
		case types.FetchServerError:
			return identity.OutcomeServerError
		}
	}
	return identity.OutcomeOK
}

// robotsAllowed checks the host robots.txt for the URL path, caching the
// parsed file for robotsTTL. The robots fetch itself bypasses the pool.
func (f *Fetcher) robotsAllowed(ctx context.Context, u *url.URL) (bool, error) {
	f.mu.Lock()
	entry, ok := f.robots[u.Host]
	f.mu.Unlock()

	if !ok || time.Since(entry.fetchedAt) > robotsTTL {
		data, err := f.fetchRobots(ctx, u)
		if err != nil {
			return true, err
		}
		entry = &robotsEntry{data: data, fetchedAt: time.Now()}
		f.mu.Lock()
		f.robots[u.Host] = entry
		f.mu.Unlock()
	}
	if entry.data == nil {
		return true, nil
	}
	return entry.data.TestAgent(u.Path, "marketsync"), nil
}

func (f *Fetcher) fetchRobots(ctx context.Context, u *url.URL) (*robotstxt.RobotsData, error) {
	client, err := f.client("")
	if err != nil {
		return nil, err
	}
	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil, err
	}
	return robotstxt.FromStatusAndBytes(resp.StatusCode, body)
}
