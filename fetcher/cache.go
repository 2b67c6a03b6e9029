// Package fetcher downloads remote documents for the crawler, enforcing
// robots policies, per-host politeness and retry rules
package fetcher

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is one cached response.
type Entry struct {
	URL       string    `json:"url"`
	FinalURL  string    `json:"final_url"`
	Status    int       `json:"status"`
	Body      []byte    `json:"body"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Cache stores fetched responses keyed by their normalised URL. Served
// entries bypass the network entirely.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, e *Entry) error
	Close() error
}

// CachePolicy decides which requests are cache-eligible and which query
// parameters are excluded from the key.
type CachePolicy struct {
	AllowedMethods []string
	Ignored        []string
}

var defaultIgnoredParams = []string{"utm_*", "fbclid"}

// IgnoredParams returns the configured ignore patterns, defaulting to
// the common tracking parameters.
func (p CachePolicy) IgnoredParams() []string {
	if p.Ignored == nil {
		return defaultIgnoredParams
	}
	return p.Ignored
}

// MethodAllowed reports whether a request method is cacheable.
func (p CachePolicy) MethodAllowed(method string) bool {
	methods := p.AllowedMethods
	if methods == nil {
		methods = []string{http.MethodGet, http.MethodHead}
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// CacheKey normalises a URL for cache lookup: query parameters matching
// an ignore pattern are stripped and the rest sorted, so volatile
// tracking parameters do not fragment the cache.
func CacheKey(rawURL string, ignored []string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for name := range q {
		for _, pattern := range ignored {
			if matchParam(pattern, name) {
				q.Del(name)
				break
			}
		}
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		for _, v := range q[k] {
			if i > 0 || b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	u.RawQuery = b.String()
	u.Fragment = ""
	return u.String()
}

// matchParam matches a parameter name against a pattern where a
// trailing * matches any suffix.
func matchParam(pattern, name string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	}
	return pattern == name
}

// MemoryCache is an in-process Cache with TTL eviction on read, the
// zero-infrastructure backend used by tests and short-lived runs.
type MemoryCache struct {
	expire time.Duration

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryCache creates a MemoryCache; expire <= 0 keeps entries for
// the process lifetime.
func NewMemoryCache(expire time.Duration) *MemoryCache {
	return &MemoryCache{expire: expire, entries: make(map[string]*Entry)}
}

// Get returns a live entry for the key.
func (c *MemoryCache) Get(_ context.Context, key string) (*Entry, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if c.expire > 0 && time.Since(e.FetchedAt) > c.expire {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	return e, true, nil
}

// Set stores an entry.
func (c *MemoryCache) Set(_ context.Context, key string, e *Entry) error {
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

// Close is a no-op for the in-memory backend.
func (c *MemoryCache) Close() error { return nil }
