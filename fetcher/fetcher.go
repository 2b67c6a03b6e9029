// Package fetcher downloads remote documents for the crawler, enforcing
// robots policies, per-host politeness and retry rules
package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/rehttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ErrorKind classifies a failed fetch.
type ErrorKind int

const (
	// ErrNetwork is a connection-level failure
	ErrNetwork ErrorKind = iota
	// ErrTimeout is a per-request timeout or context deadline
	ErrTimeout
	// ErrRobotsDenied means the host's robots.txt disallows the URL
	ErrRobotsDenied
	// ErrStatusNotAllowed is a response status outside the allow list
	ErrStatusNotAllowed
	// ErrRedirectLoop means redirect chasing exceeded the client limit
	ErrRedirectLoop
	// ErrDecode is a failure reading or decoding the response body
	ErrDecode
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNetwork:
		return "network"
	case ErrTimeout:
		return "timeout"
	case ErrRobotsDenied:
		return "robots-denied"
	case ErrStatusNotAllowed:
		return "status-not-allowed"
	case ErrRedirectLoop:
		return "redirect-loop"
	case ErrDecode:
		return "decode"
	}
	return "unknown"
}

// Error is a per-URL fetch failure. Failures are absorbed by the caller
// and counted, never fatal to the run.
type Error struct {
	Kind   ErrorKind
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetching %s: %s (status %d)", e.URL, e.Kind, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetching %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetching %s: %s", e.URL, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Outcome is a completed fetch.
type Outcome struct {
	Body     []byte
	FinalURL string
	Status   int
	Elapsed  time.Duration
	Cached   bool
}

// Settings configures a Fetcher. New replaces a zero UserAgent, Timeout,
// Concurrency or PerHost and a nil RetryStatuses or AllowedCodes with
// the defaults; a negative MaxRetries selects the default, while zero
// disables retries. Boolean fields are used as given.
type Settings struct {
	UserAgent     string
	Timeout       time.Duration
	Concurrency   int
	PerHost       int
	Headers       map[string]string
	Proxies       map[string]string
	RespectRobots bool
	AllowedCodes  map[int]bool
	AllowRedirect bool
	MaxRetries    int
	RetryStatuses []int
	Throttle      ThrottleSettings
	Cache         Cache
	CachePolicy   CachePolicy
	Logger        zerolog.Logger
}

const (
	defaultUserAgent   = "wxpath/1.0 (+https://github.com/wxpath/wxpath)"
	defaultTimeout     = 15 * time.Second
	defaultConcurrency = 16
	defaultPerHost     = 8
	defaultMaxRetries  = 3
)

func defaultRetryStatuses() []int { return []int{500, 502, 503, 504} }

// Fetcher performs concurrent HTTP requests under global and per-host
// in-flight limits.
type Fetcher struct {
	settings Settings
	client   *http.Client
	global   *semaphore.Weighted
	throttle *Throttler
	robots   *robotsCache
	cache    Cache
	logger   zerolog.Logger

	mu    sync.Mutex
	hosts map[string]*semaphore.Weighted
}

// New builds a Fetcher with a retrying transport: retryable statuses and
// temporary network errors are retried with exponential backoff and
// jitter up to MaxRetries.
func New(s Settings) *Fetcher {
	if s.UserAgent == "" {
		s.UserAgent = defaultUserAgent
	}
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}
	if s.Concurrency <= 0 {
		s.Concurrency = defaultConcurrency
	}
	if s.PerHost <= 0 {
		s.PerHost = defaultPerHost
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = defaultMaxRetries
	}
	if s.RetryStatuses == nil {
		s.RetryStatuses = defaultRetryStatuses()
	}
	if s.AllowedCodes == nil {
		s.AllowedCodes = map[int]bool{http.StatusOK: true}
	}

	base := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	if len(s.Proxies) > 0 {
		proxies := s.Proxies
		base.Proxy = func(req *http.Request) (*url.URL, error) {
			if raw, ok := proxies[req.URL.Hostname()]; ok {
				return url.Parse(raw)
			}
			return nil, nil
		}
	}
	transport := rehttp.NewTransport(
		base,
		rehttp.RetryAll(
			rehttp.RetryMaxRetries(s.MaxRetries),
			rehttp.RetryAny(
				rehttp.RetryTemporaryErr(),
				rehttp.RetryStatuses(s.RetryStatuses...),
			),
		),
		rehttp.ExpJitterDelay(250*time.Millisecond, 10*time.Second),
	)
	client := &http.Client{Timeout: s.Timeout, Transport: transport}
	if !s.AllowRedirect {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return &Fetcher{
		settings: s,
		client:   client,
		global:   semaphore.NewWeighted(int64(s.Concurrency)),
		throttle: NewThrottler(s.Throttle),
		robots:   newRobotsCache(client, s.UserAgent, s.Logger),
		cache:    s.Cache,
		hosts:    make(map[string]*semaphore.Weighted),
		logger:   s.Logger,
	}
}

// hostSemaphore returns the per-host limit semaphore, creating it on
// first use.
func (f *Fetcher) hostSemaphore(host string) *semaphore.Weighted {
	f.mu.Lock()
	defer f.mu.Unlock()
	sem, ok := f.hosts[host]
	if !ok {
		sem = semaphore.NewWeighted(int64(f.settings.PerHost))
		f.hosts[host] = sem
	}
	return sem
}

// Fetch downloads a single URL. The request passes through the cache,
// robots gate, throttler and both semaphores before hitting the
// network; every failure path releases what it acquired.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Outcome, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{Kind: ErrNetwork, URL: rawURL, Err: err}
	}

	if f.cache != nil {
		key := CacheKey(rawURL, f.settings.CachePolicy.IgnoredParams())
		if entry, ok, cerr := f.cache.Get(ctx, key); cerr == nil && ok {
			f.logger.Debug().Str("url", rawURL).Msg("cache hit")
			return &Outcome{Body: entry.Body, FinalURL: entry.FinalURL, Status: entry.Status, Cached: true}, nil
		}
	}

	var robotsDelay time.Duration
	if f.settings.RespectRobots {
		if !f.robots.Allowed(ctx, target) {
			return nil, &Error{Kind: ErrRobotsDenied, URL: rawURL}
		}
		robotsDelay = f.robots.CrawlDelay(ctx, target)
	}

	if err := f.global.Acquire(ctx, 1); err != nil {
		return nil, &Error{Kind: ErrTimeout, URL: rawURL, Err: err}
	}
	defer f.global.Release(1)
	hostSem := f.hostSemaphore(target.Hostname())
	if err := hostSem.Acquire(ctx, 1); err != nil {
		return nil, &Error{Kind: ErrTimeout, URL: rawURL, Err: err}
	}
	defer hostSem.Release(1)

	if err := f.throttle.Wait(ctx, target.Hostname(), robotsDelay); err != nil {
		return nil, &Error{Kind: ErrTimeout, URL: rawURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{Kind: ErrNetwork, URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.settings.UserAgent)
	for k, v := range f.settings.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	res, err := f.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, &Error{Kind: classifyClientErr(err), URL: rawURL, Err: err}
	}
	defer res.Body.Close()
	f.throttle.Observe(target.Hostname(), res.StatusCode, elapsed)

	if !f.settings.AllowedCodes[res.StatusCode] {
		io.Copy(io.Discard, res.Body)
		return nil, &Error{Kind: ErrStatusNotAllowed, URL: rawURL, Status: res.StatusCode}
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &Error{Kind: ErrDecode, URL: rawURL, Err: err}
	}

	outcome := &Outcome{
		Body:     body,
		FinalURL: res.Request.URL.String(),
		Status:   res.StatusCode,
		Elapsed:  elapsed,
	}
	if f.cache != nil && f.settings.CachePolicy.MethodAllowed(http.MethodGet) {
		key := CacheKey(rawURL, f.settings.CachePolicy.IgnoredParams())
		entry := &Entry{URL: rawURL, FinalURL: outcome.FinalURL, Status: outcome.Status, Body: body, FetchedAt: time.Now()}
		if cerr := f.cache.Set(ctx, key, entry); cerr != nil {
			f.logger.Warn().Err(cerr).Str("url", rawURL).Msg("cache store failed")
		}
	}
	return outcome, nil
}

// classifyClientErr maps a transport error onto the fetch taxonomy.
func classifyClientErr(err error) ErrorKind {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if uerr.Timeout() {
			return ErrTimeout
		}
		if strings.Contains(uerr.Err.Error(), "redirects") {
			return ErrRedirectLoop
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrNetwork
}
