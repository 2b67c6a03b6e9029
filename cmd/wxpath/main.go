// Command wxpath evaluates a crawl expression and prints every
// extracted value as newline-delimited JSON on stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wxpath/wxpath"
	"github.com/wxpath/wxpath/crawler"
	"github.com/wxpath/wxpath/env"
	"github.com/wxpath/wxpath/sink"
)

type flags struct {
	depth         int
	concurrency   int
	perHost       int
	timeout       time.Duration
	headers       []string
	userAgent     string
	respectRobots bool
	cache         bool
	cacheBackend  string
	cachePath     string
	cacheAddr     string
	yieldErrors   bool
	progress      bool
	verbose       bool
	debug         bool
}

func main() {
	var f flags
	cmd := &cobra.Command{
		Use:   "wxpath <expression>",
		Short: "crawl the web with a single XPath expression",
		Long: `wxpath evaluates an expression combining XPath with the url()
fetching operator, crawling breadth-first and streaming results as
newline-delimited JSON.

  wxpath "url('https://example.org')//a/@href"
  wxpath --depth 2 "url('https://example.org')///url(//a/@href)//title/text()"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], &f)
		},
	}

	cmd.Flags().IntVar(&f.depth, "depth", env.GetEnvAsInt("WXPATH_MAX_DEPTH", 1), "maximum crawl depth")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "global in-flight limit (0 = default)")
	cmd.Flags().IntVar(&f.perHost, "concurrency-per-host", 0, "per-host in-flight limit (0 = default)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "per-request timeout (0 = default)")
	cmd.Flags().StringArrayVar(&f.headers, "header", nil, "request header K:V, repeatable")
	cmd.Flags().StringVar(&f.userAgent, "user-agent", "", "User-Agent header")
	cmd.Flags().BoolVar(&f.respectRobots, "respect-robots", true, "honour robots.txt")
	cmd.Flags().BoolVar(&f.cache, "cache", false, "enable the response cache")
	cmd.Flags().StringVar(&f.cacheBackend, "cache-backend", "sqlite", "response cache backend: sqlite | redis")
	cmd.Flags().StringVar(&f.cachePath, "cache-path", "wxpath-cache.db", "sqlite cache database file")
	cmd.Flags().StringVar(&f.cacheAddr, "cache-addr", "localhost:6379", "redis cache address")
	cmd.Flags().BoolVar(&f.yieldErrors, "yield-errors", false, "stream failed fetches as error records")
	cmd.Flags().BoolVar(&f.progress, "progress", false, "log crawl progress")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "info logging to stderr")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "debug logging to stderr")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "wxpath:", err)
		os.Exit(2)
	}
}

func run(ctx context.Context, expression string, f *flags) error {
	logger := zerolog.Nop()
	if f.verbose || f.debug {
		level := zerolog.InfoLevel
		if f.debug {
			level = zerolog.DebugLevel
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).With().Timestamp().Logger()
	}

	opts := []wxpath.Option{
		crawler.WithRespectRobots(f.respectRobots),
		crawler.WithYieldErrors(f.yieldErrors),
		crawler.WithProgress(f.progress),
		crawler.WithLogger(logger),
	}
	if f.concurrency > 0 {
		opts = append(opts, crawler.WithConcurrency(f.concurrency))
	}
	if f.perHost > 0 {
		opts = append(opts, crawler.WithPerHost(f.perHost))
	}
	if f.timeout > 0 {
		opts = append(opts, crawler.WithTimeout(f.timeout))
	}
	if f.userAgent != "" {
		opts = append(opts, crawler.WithUserAgent(f.userAgent))
	}
	for _, h := range f.headers {
		key, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("malformed --header %q, want K:V", h)
		}
		opts = append(opts, crawler.WithHeader(strings.TrimSpace(key), strings.TrimSpace(value)))
	}
	if f.cache {
		opts = append(opts, crawler.WithCache(crawler.CacheSettings{
			Enabled: true,
			Backend: f.cacheBackend,
			Path:    f.cachePath,
			Addr:    f.cacheAddr,
		}))
	}

	stream, err := wxpath.Run(ctx, expression, f.depth, opts...)
	if err != nil {
		return err
	}
	out := sink.NewJSONL(os.Stdout)
	for value := range stream {
		if err := out.Write(value); err != nil {
			return err
		}
	}
	return nil
}
