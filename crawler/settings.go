// Package crawler executes the segment program breadth-first over a
// bounded frontier, streaming extracted values as they are produced
package crawler

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/wxpath/wxpath/env"
	"github.com/wxpath/wxpath/fetcher"
)

const (
	defaultConcurrency  = 16
	defaultPerHost      = 8
	defaultTimeout      = 15 * time.Second
	defaultQueueSize    = 4096
	defaultCacheExpire  = 7 * 24 * time.Hour
	defaultCacheBackend = "sqlite"
	defaultCachePath    = "wxpath-cache.db"
	defaultUserAgent    = "wxpath/1.0 (+https://github.com/wxpath/wxpath)"
)

// RetrySettings bounds retry behaviour for transient failures.
type RetrySettings struct {
	// MaxRetries is the number of attempts beyond the first
	MaxRetries int
	// Statuses are the response codes considered retryable
	Statuses []int
}

// CacheSettings selects and configures the optional response cache.
type CacheSettings struct {
	Enabled        bool
	Backend        string // sqlite | redis | memory
	Path           string // sqlite database file
	Addr           string // redis host:port
	ExpireAfter    time.Duration
	AllowedMethods []string
	IgnoredParams  []string
}

// Settings collects every knob of a crawl. Values resolve in the order
// constructor options > environment > defaults.
type Settings struct {
	Concurrency   int
	PerHost       int
	Timeout       time.Duration
	UserAgent     string
	Headers       map[string]string
	Proxies       map[string]string
	RespectRobots bool
	AllowedCodes  []int
	AllowRedirect bool
	AutoThrottle  fetcher.ThrottleSettings
	Retry         RetrySettings
	Cache         CacheSettings
	QueueSize     int
	YieldErrors   bool
	Progress      bool
	Logger        zerolog.Logger
}

// Option mutates Settings during construction.
type Option func(*Settings)

// DefaultSettings returns the documented defaults, with the environment
// overriding where WXPATH_* variables are set.
func DefaultSettings() *Settings {
	return &Settings{
		Concurrency:   env.GetEnvAsInt("WXPATH_CONCURRENCY", defaultConcurrency),
		PerHost:       env.GetEnvAsInt("WXPATH_PER_HOST", defaultPerHost),
		Timeout:       env.GetEnvAsDuration("WXPATH_TIMEOUT", defaultTimeout),
		UserAgent:     env.GetEnv("WXPATH_USER_AGENT", defaultUserAgent),
		RespectRobots: true,
		AllowedCodes:  []int{200},
		AllowRedirect: true,
		Retry:         RetrySettings{MaxRetries: 3, Statuses: []int{500, 502, 503, 504}},
		Cache: CacheSettings{
			Backend:     defaultCacheBackend,
			Path:        defaultCachePath,
			ExpireAfter: defaultCacheExpire,
		},
		QueueSize: defaultQueueSize,
		Logger:    zerolog.Nop(),
	}
}

// WithConcurrency sets the global in-flight limit.
func WithConcurrency(n int) Option { return func(s *Settings) { s.Concurrency = n } }

// WithPerHost sets the per-host in-flight limit.
func WithPerHost(n int) Option { return func(s *Settings) { s.PerHost = n } }

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option { return func(s *Settings) { s.Timeout = d } }

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option { return func(s *Settings) { s.UserAgent = ua } }

// WithHeader adds a default request header.
func WithHeader(key, value string) Option {
	return func(s *Settings) {
		if s.Headers == nil {
			s.Headers = make(map[string]string)
		}
		s.Headers[key] = value
	}
}

// WithProxies sets the per-host proxy map.
func WithProxies(proxies map[string]string) Option {
	return func(s *Settings) { s.Proxies = proxies }
}

// WithRespectRobots toggles robots.txt enforcement.
func WithRespectRobots(v bool) Option { return func(s *Settings) { s.RespectRobots = v } }

// WithAllowedCodes replaces the response status allow list.
func WithAllowedCodes(codes ...int) Option { return func(s *Settings) { s.AllowedCodes = codes } }

// WithAllowRedirect toggles 3xx chasing.
func WithAllowRedirect(v bool) Option { return func(s *Settings) { s.AllowRedirect = v } }

// WithThrottle configures the adaptive throttler.
func WithThrottle(t fetcher.ThrottleSettings) Option {
	return func(s *Settings) { s.AutoThrottle = t }
}

// WithRetry configures the retry policy.
func WithRetry(r RetrySettings) Option { return func(s *Settings) { s.Retry = r } }

// WithCache configures the response cache.
func WithCache(c CacheSettings) Option { return func(s *Settings) { s.Cache = c } }

// WithYieldErrors streams failed fetches as error data instead of
// dropping them.
func WithYieldErrors(v bool) Option { return func(s *Settings) { s.YieldErrors = v } }

// WithProgress enables the periodic progress observer.
func WithProgress(v bool) Option { return func(s *Settings) { s.Progress = v } }

// WithLogger sets the structured logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Settings) { s.Logger = l } }

// validate rejects configurations that cannot run.
func (s *Settings) validate() error {
	if s.Concurrency <= 0 {
		return configErrorf("concurrency must be positive, got %d", s.Concurrency)
	}
	if s.PerHost <= 0 {
		return configErrorf("per-host concurrency must be positive, got %d", s.PerHost)
	}
	if s.Cache.Enabled && s.Cache.Backend != "sqlite" && s.Cache.Backend != "redis" && s.Cache.Backend != "memory" {
		return configErrorf("unknown cache backend %q", s.Cache.Backend)
	}
	return nil
}

// buildCache constructs the configured response cache backend.
func (s *Settings) buildCache() (fetcher.Cache, error) {
	if !s.Cache.Enabled {
		return nil, nil
	}
	expire := s.Cache.ExpireAfter
	if expire <= 0 {
		expire = defaultCacheExpire
	}
	switch s.Cache.Backend {
	case "sqlite":
		path := s.Cache.Path
		if path == "" {
			path = defaultCachePath
		}
		return fetcher.NewSQLiteCache(path, expire)
	case "redis":
		return fetcher.NewRedisCache(s.Cache.Addr, expire)
	case "memory":
		return fetcher.NewMemoryCache(expire), nil
	}
	return nil, configErrorf("unknown cache backend %q", s.Cache.Backend)
}

// fetcherSettings translates the crawl settings into the fetcher's.
func (s *Settings) fetcherSettings(cache fetcher.Cache) fetcher.Settings {
	codes := make(map[int]bool, len(s.AllowedCodes))
	for _, c := range s.AllowedCodes {
		codes[c] = true
	}
	return fetcher.Settings{
		UserAgent:     s.UserAgent,
		Timeout:       s.Timeout,
		Concurrency:   s.Concurrency,
		PerHost:       s.PerHost,
		Headers:       s.Headers,
		Proxies:       s.Proxies,
		RespectRobots: s.RespectRobots,
		AllowedCodes:  codes,
		AllowRedirect: s.AllowRedirect,
		MaxRetries:    s.Retry.MaxRetries,
		RetryStatuses: s.Retry.Statuses,
		Throttle:      s.AutoThrottle,
		Cache:         cache,
		CachePolicy: fetcher.CachePolicy{
			AllowedMethods: s.Cache.AllowedMethods,
			Ignored:        s.Cache.IgnoredParams,
		},
		Logger: s.Logger,
	}
}
