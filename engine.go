// Package wxpath evaluates expressions that mix XPath with a
// URL-fetching operator, crawling breadth-first and streaming every
// extracted value as it is produced.
//
// A single expression drives the whole crawl:
//
//	url('https://example.org')///url(//a/@href)/map{'title':(//h1)[1]}
//
// fetches the seed, follows every anchor recursively up to the depth
// limit, and yields one map per page reached from the seed; the seed
// page itself yields no map.
package wxpath

import (
	"context"
	"sync"

	"github.com/wxpath/wxpath/crawler"
	"github.com/wxpath/wxpath/parser"
)

// Option configures a run; see the crawler package for the full set.
type Option = crawler.Option

// Hook drop sentinel, re-exported for hook authors.
var ErrDrop = crawler.ErrDrop

// registry holds the process-scoped hook registrations. Each run
// observes a snapshot of the list taken at start.
var registry struct {
	mu    sync.Mutex
	hooks crawler.Hooks
}

// RegisterPostFetch appends a transformer over raw fetched bodies.
func RegisterPostFetch(h crawler.FetchHook) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.hooks.PostFetch = append(registry.hooks.PostFetch, h)
}

// RegisterPostParse appends a transformer over parsed documents.
func RegisterPostParse(h crawler.ParseHook) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.hooks.PostParse = append(registry.hooks.PostParse, h)
}

// RegisterPostExtract appends a transformer over extracted data; sinks
// attach here.
func RegisterPostExtract(h crawler.ExtractHook) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.hooks.PostExtract = append(registry.hooks.PostExtract, h)
}

// ClearHooks empties the process-scoped registration list.
func ClearHooks() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.hooks = crawler.Hooks{}
}

func snapshotHooks() crawler.Hooks {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	h := crawler.Hooks{}
	h.PostFetch = append(h.PostFetch, registry.hooks.PostFetch...)
	h.PostParse = append(h.PostParse, registry.hooks.PostParse...)
	h.PostExtract = append(h.PostExtract, registry.hooks.PostExtract...)
	return h
}

// Run parses the expression, builds a crawler and streams results. A
// malformed expression or invalid configuration fails here, before any
// fetching; per-URL failures are absorbed into the stream per the
// yield-errors setting.
func Run(ctx context.Context, expression string, maxDepth int, opts ...Option) (<-chan any, error) {
	prog, err := parser.Parse(expression)
	if err != nil {
		return nil, err
	}
	settings := crawler.DefaultSettings()
	for _, opt := range opts {
		opt(settings)
	}
	c, err := crawler.New(prog, maxDepth, settings, snapshotHooks())
	if err != nil {
		return nil, err
	}
	return c.Run(ctx), nil
}

// Collect materialises the stream into a slice, blocking the calling
// goroutine until the crawl finishes or the context is cancelled.
func Collect(ctx context.Context, expression string, maxDepth int, opts ...Option) ([]any, error) {
	stream, err := Run(ctx, expression, maxDepth, opts...)
	if err != nil {
		return nil, err
	}
	var out []any
	for v := range stream {
		out = append(out, v)
	}
	return out, ctx.Err()
}
