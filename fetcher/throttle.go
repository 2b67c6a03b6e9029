// Package fetcher downloads remote documents for the crawler, enforcing
// robots policies, per-host politeness and retry rules
package fetcher

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ThrottleSettings tunes the adaptive per-host delay. The delay starts
// at StartDelay, doubles on slowdown signals up to MaxDelay, and decays
// back toward StartDelay on healthy responses. TargetConcurrency, when
// set, floors the delay at latency/target so a slow host is not hit
// with more parallelism than it sustains.
type ThrottleSettings struct {
	TargetConcurrency float64
	StartDelay        time.Duration
	MaxDelay          time.Duration
}

const (
	defaultStartDelay = 250 * time.Millisecond
	defaultMaxDelay   = 10 * time.Second
	// latency above this counts as a slowdown signal
	slowLatency = 2 * time.Second
)

type hostThrottle struct {
	limiter *rate.Limiter
	delay   time.Duration
	// floor is the robots Crawl-delay, a standing minimum the adaptive
	// delay never decays below
	floor time.Duration
}

// Throttler paces requests per host with one rate limiter per host,
// retuned from response signals.
type Throttler struct {
	settings ThrottleSettings

	mu    sync.Mutex
	hosts map[string]*hostThrottle
}

// NewThrottler builds a Throttler, filling defaults for zero values.
func NewThrottler(s ThrottleSettings) *Throttler {
	if s.StartDelay <= 0 {
		s.StartDelay = defaultStartDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = defaultMaxDelay
	}
	return &Throttler{settings: s, hosts: make(map[string]*hostThrottle)}
}

func (t *Throttler) host(host string) *hostThrottle {
	h, ok := t.hosts[host]
	if !ok {
		h = &hostThrottle{
			limiter: rate.NewLimiter(rate.Every(t.settings.StartDelay), 1),
			delay:   t.settings.StartDelay,
		}
		t.hosts[host] = h
	}
	return h
}

// Wait blocks until the host's limiter admits the next request or the
// context is cancelled. floor is the robots Crawl-delay for the host;
// it takes precedence over the adaptive delay, so the effective delay
// is the max of the two.
func (t *Throttler) Wait(ctx context.Context, host string, floor time.Duration) error {
	t.mu.Lock()
	h := t.host(host)
	h.floor = floor
	if h.delay < h.floor {
		h.delay = h.floor
		h.limiter.SetLimit(rate.Every(h.delay))
	}
	limiter := h.limiter
	t.mu.Unlock()
	return limiter.Wait(ctx)
}

// Delay returns the current delay for a host.
func (t *Throttler) Delay(host string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.host(host).delay
}

// Observe feeds a response signal back into the host's delay: 429/503
// and high latency double it, healthy responses decay it.
func (t *Throttler) Observe(host string, status int, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.host(host)
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable || latency > slowLatency:
		h.delay *= 2
		if h.delay > t.settings.MaxDelay {
			h.delay = t.settings.MaxDelay
		}
	default:
		h.delay = h.delay * 9 / 10
		if h.delay < t.settings.StartDelay {
			h.delay = t.settings.StartDelay
		}
	}
	if t.settings.TargetConcurrency > 0 {
		floor := time.Duration(float64(latency) / t.settings.TargetConcurrency)
		if h.delay < floor {
			h.delay = floor
		}
	}
	if h.delay < h.floor {
		h.delay = h.floor
	}
	h.limiter.SetLimit(rate.Every(h.delay))
}
