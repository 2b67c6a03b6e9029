// Package fetcher downloads remote documents for the crawler, enforcing
// robots policies, per-host politeness and retry rules
package fetcher

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/temoto/robotstxt"
)

const robotsTxtPath = "/robots.txt"

// robotsCache lazily fetches and caches one robots.txt policy per
// scheme://host. A missing, unreachable or unparsable robots.txt allows
// everything, matching the conventional interpretation.
type robotsCache struct {
	client    *http.Client
	userAgent string
	logger    zerolog.Logger

	mu     sync.Mutex
	groups map[string]*robotstxt.Group
}

func newRobotsCache(client *http.Client, userAgent string, logger zerolog.Logger) *robotsCache {
	return &robotsCache{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
		groups:    make(map[string]*robotstxt.Group),
	}
}

// Allowed reports whether the host's robots policy permits fetching u.
func (r *robotsCache) Allowed(ctx context.Context, u *url.URL) bool {
	group := r.group(ctx, u)
	if group == nil {
		return true
	}
	return group.Test(u.RequestURI())
}

// CrawlDelay returns the robots Crawl-delay for the host, zero when the
// policy does not set one.
func (r *robotsCache) CrawlDelay(ctx context.Context, u *url.URL) time.Duration {
	if group := r.group(ctx, u); group != nil {
		return group.CrawlDelay
	}
	return 0
}

func (r *robotsCache) group(ctx context.Context, u *url.URL) *robotstxt.Group {
	key := u.Scheme + "://" + u.Host
	r.mu.Lock()
	group, ok := r.groups[key]
	r.mu.Unlock()
	if ok {
		return group
	}
	group = r.fetch(ctx, u)
	r.mu.Lock()
	// a racing fetch of the same host wins silently, policies are equal
	if cached, ok := r.groups[key]; ok {
		group = cached
	} else {
		r.groups[key] = group
	}
	r.mu.Unlock()
	return group
}

func (r *robotsCache) fetch(ctx context.Context, u *url.URL) *robotstxt.Group {
	ref, _ := url.Parse(robotsTxtPath)
	target := u.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", r.userAgent)
	res, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug().Str("host", u.Host).Err(err).Msg("no robots.txt")
		return nil
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	data, err := robotstxt.FromResponse(res)
	if err != nil {
		// an unparsable robots.txt behaves like a missing one
		return nil
	}
	group := data.FindGroup(r.userAgent)
	if group != nil {
		r.logger.Debug().Str("host", u.Host).Msg("robots.txt policy loaded")
	}
	return group
}
