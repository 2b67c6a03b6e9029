// Package crawler executes the segment program breadth-first over a
// bounded frontier, streaming extracted values as they are produced
package crawler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/wxpath/wxpath/fetcher"
	"github.com/wxpath/wxpath/parser"
	"github.com/wxpath/wxpath/xpath"
)

const progressInterval = 5 * time.Second

// Crawler walks the web breadth-first, executing one segment program
// over every fetched document. Lower-depth tasks are enqueued first,
// but completion order depends on fetch latency; callers must not
// assume strict BFS order of results.
type Crawler struct {
	program    *parser.Program
	settings   *Settings
	hooks      Hooks
	fetcher    *fetcher.Fetcher
	cache      fetcher.Cache
	dispatcher *dispatcher
	logger     zerolog.Logger
	maxDepth   int
	seedURL    string

	tasks   chan *Task
	results chan any
	// pending is the outstanding-work refcount and the termination
	// oracle: the frontier closes when it returns to zero
	pending int64

	mu   sync.Mutex
	seen map[string]struct{}

	stats Stats
}

// New builds a crawler for a parsed program. Settings are validated
// here so misconfiguration fails before the first fetch.
func New(program *parser.Program, maxDepth int, settings *Settings, hooks Hooks) (*Crawler, error) {
	if settings == nil {
		settings = DefaultSettings()
	}
	if err := settings.validate(); err != nil {
		return nil, err
	}
	if maxDepth < 0 {
		return nil, configErrorf("max depth must be non-negative, got %d", maxDepth)
	}
	for i, h := range hooks.PostFetch {
		if h == nil {
			return nil, configErrorf("post-fetch hook %d is nil", i)
		}
	}
	for i, h := range hooks.PostParse {
		if h == nil {
			return nil, configErrorf("post-parse hook %d is nil", i)
		}
	}
	for i, h := range hooks.PostExtract {
		if h == nil {
			return nil, configErrorf("post-extract hook %d is nil", i)
		}
	}
	seedURL, err := CanonicalURL(program.Seed())
	if err != nil {
		return nil, configErrorf("invalid seed: %v", err)
	}
	cache, err := settings.buildCache()
	if err != nil {
		return nil, err
	}
	return &Crawler{
		program:    program,
		settings:   settings,
		hooks:      hooks,
		fetcher:    fetcher.New(settings.fetcherSettings(cache)),
		cache:      cache,
		dispatcher: &dispatcher{program: program},
		logger:     settings.Logger,
		maxDepth:   maxDepth,
		seedURL:    seedURL,
		seen:       make(map[string]struct{}),
	}, nil
}

// Stats returns a snapshot of the frontier counters.
func (c *Crawler) Stats() Snapshot { return c.stats.Snapshot() }

// Run seeds the frontier and streams results until the crawl completes
// or the context is cancelled. The returned channel closes when every
// enqueued task has been deduplicated, fetched to completion or
// drained by cancellation.
func (c *Crawler) Run(ctx context.Context) <-chan any {
	c.tasks = make(chan *Task, c.settings.QueueSize)
	c.results = make(chan any, c.settings.Concurrency)

	seed := &Task{
		URL:      c.seedURL,
		Cursor:   1,
		DepthCap: c.program.Segments[0].DepthCap,
	}
	if !c.enqueue(seed) {
		close(c.tasks)
	}

	var wg sync.WaitGroup
	for i := 0; i < c.settings.Concurrency; i++ {
		wg.Add(1)
		go c.worker(ctx, &wg)
	}

	done := make(chan struct{})
	if c.settings.Progress {
		go c.reportProgress(done)
	}
	go func() {
		wg.Wait()
		close(done)
		if c.cache != nil {
			c.cache.Close()
		}
		close(c.results)
	}()
	return c.results
}

// enqueue admits a task into the frontier. The dedup check and the
// insertion into seen are atomic under one mutex; the depth guard runs
// after dedup, so a depth-dropped URL stays claimed.
func (c *Crawler) enqueue(t *Task) bool {
	c.mu.Lock()
	if _, dup := c.seen[t.URL]; dup {
		c.mu.Unlock()
		c.stats.addDropped()
		return false
	}
	c.seen[t.URL] = struct{}{}
	c.mu.Unlock()

	limit := c.maxDepth
	if t.DepthCap > 0 && t.DepthCap < limit {
		limit = t.DepthCap
	}
	if t.Depth > limit {
		c.stats.addDropped()
		return false
	}

	c.stats.addEnqueued()
	atomic.AddInt64(&c.pending, 1)
	select {
	case c.tasks <- t:
	default:
		// queue full: hand the send to a goroutine so no worker ever
		// blocks producing while every worker is producing
		go func() { c.tasks <- t }()
	}
	return true
}

// finish retires one unit of outstanding work and closes the frontier
// when none remains.
func (c *Crawler) finish() {
	if atomic.AddInt64(&c.pending, -1) == 0 {
		close(c.tasks)
	}
}

func (c *Crawler) worker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for task := range c.tasks {
		if ctx.Err() != nil {
			// cancelled: drain the frontier without fetching
			c.stats.addDropped()
			c.finish()
			continue
		}
		c.process(ctx, task)
		c.finish()
	}
}

// process fetches one task's document, runs the hook chain and the
// segment program on it, and feeds the resulting intents back into the
// frontier or out to the stream.
func (c *Crawler) process(ctx context.Context, task *Task) {
	outcome, err := c.fetcher.Fetch(ctx, task.URL)
	if err != nil {
		c.stats.addFailed()
		c.logger.Debug().Str("url", task.URL).Err(err).Msg("fetch failed")
		if c.settings.YieldErrors {
			c.emit(ctx, task, errorDatum(task, err))
		}
		return
	}
	c.stats.addFetched()
	c.logger.Debug().Str("url", task.URL).Int("depth", task.Depth).
		Int("status", outcome.Status).Bool("cached", outcome.Cached).Msg("fetched")

	body, err := c.hooks.runPostFetch(ctx, task, outcome.Body)
	if err != nil {
		c.dropHooked(task, "post-fetch", err)
		return
	}
	if ctx.Err() != nil {
		return
	}

	baseURL := task.URL
	if outcome.FinalURL != "" {
		if canonical, cerr := CanonicalURL(outcome.FinalURL); cerr == nil {
			baseURL = canonical
		}
	}
	doc, err := xpath.ParseDocument(body, baseURL, task.Backlink, task.Depth)
	if err != nil {
		c.stats.addFailed()
		if c.settings.YieldErrors {
			c.emit(ctx, task, errorDatum(task, err))
		}
		return
	}
	doc, err = c.hooks.runPostParse(ctx, task, doc)
	if err != nil {
		c.dropHooked(task, "post-parse", err)
		return
	}
	if ctx.Err() != nil {
		return
	}

	intents, err := c.dispatcher.dispatch(doc, task)
	if err != nil {
		c.stats.addFailed()
		c.logger.Warn().Str("url", task.URL).Err(err).Msg("dispatch failed")
		if c.settings.YieldErrors {
			c.emit(ctx, task, errorDatum(task, err))
		}
		return
	}
	for _, intent := range intents {
		if ctx.Err() != nil {
			return
		}
		switch it := intent.(type) {
		case FetchIntent:
			c.enqueue(&Task{
				URL:       it.URL,
				Depth:     it.Depth,
				Backlink:  it.Backlink,
				Cursor:    it.Cursor,
				DeepVisit: it.Deep,
				DepthCap:  it.DepthCap,
			})
		case DataIntent:
			c.emit(ctx, task, it.Value)
		}
	}
}

// emit pushes one datum through the post-extract chain and onto the
// stream, honouring backpressure and cancellation.
func (c *Crawler) emit(ctx context.Context, task *Task, value any) {
	value, err := c.hooks.runPostExtract(ctx, task, value)
	if err != nil {
		c.dropHooked(task, "post-extract", err)
		return
	}
	select {
	case c.results <- value:
		c.stats.addYielded()
	case <-ctx.Done():
	}
}

// dropHooked records a hook decision or failure. ErrDrop is the normal
// suppression path; anything else is a hook bug and only costs the one
// datum.
func (c *Crawler) dropHooked(task *Task, stage string, err error) {
	c.stats.addDropped()
	if !errors.Is(err, ErrDrop) {
		c.logger.Warn().Str("url", task.URL).Str("hook", stage).Err(err).Msg("hook failed")
	}
}

// errorDatum shapes a failure for yield_errors streams.
func errorDatum(task *Task, err error) *Map {
	m := NewMap()
	m.Set("__type__", "error")
	m.Set("url", task.URL)
	var ferr *fetcher.Error
	if errors.As(err, &ferr) {
		m.Set("reason", ferr.Kind.String())
		if ferr.Status != 0 {
			m.Set("status", ferr.Status)
		}
	} else {
		m.Set("reason", err.Error())
	}
	m.Set("depth", task.Depth)
	return m
}

func (c *Crawler) reportProgress(done <-chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s := c.stats.Snapshot()
			c.logger.Info().
				Int64("enqueued", s.Enqueued).
				Int64("fetched", s.Fetched).
				Int64("yielded", s.Yielded).
				Int64("dropped", s.Dropped).
				Int64("failed", s.Failed).
				Msg("progress")
		case <-done:
			return
		}
	}
}
