package wxpath

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wxpath/wxpath/crawler"
	"github.com/wxpath/wxpath/fetcher"
	"github.com/wxpath/wxpath/parser"
	"github.com/wxpath/wxpath/xpath"
)

func fastOptions() []Option {
	return []Option{
		crawler.WithRespectRobots(false),
		crawler.WithThrottle(fetcher.ThrottleSettings{StartDelay: time.Millisecond}),
	}
}

func TestRunFailsFastOnParseError(t *testing.T) {
	_, err := Run(context.Background(), "//a/@href", 1)
	var perr *parser.ParseError
	require.ErrorAs(t, err, &perr)
}

func TestRunFailsFastOnConfigError(t *testing.T) {
	_, err := Run(context.Background(), "url('https://example.org')", 1,
		crawler.WithConcurrency(-1))
	var cerr *crawler.ConfigError
	require.ErrorAs(t, err, &cerr)
}

func TestCollectStreamsResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<body><a href="/x">x</a><a href="/y">y</a></body>`))
	}))
	defer server.Close()

	results, err := Collect(context.Background(),
		fmt.Sprintf("url('%s/a')//a/@href", server.URL), 0, fastOptions()...)
	require.NoError(t, err)

	var got []string
	for _, r := range results {
		got = append(got, xpath.StringValue(r))
	}
	sort.Strings(got)
	assert.Equal(t, []string{server.URL + "/x", server.URL + "/y"}, got)
}

// A hook registered on the process-scoped list applies to later runs.
func TestRegisteredHooksApply(t *testing.T) {
	t.Cleanup(ClearHooks)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<body><h1>keep</h1><h1>drop</h1></body>`))
	}))
	defer server.Close()

	RegisterPostExtract(func(_ context.Context, _ *crawler.Task, v any) (any, error) {
		if xpath.StringValue(v) == "drop" {
			return nil, ErrDrop
		}
		return v, nil
	})

	results, err := Collect(context.Background(),
		fmt.Sprintf("url('%s')//h1/text()", server.URL), 0, fastOptions()...)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "keep", xpath.StringValue(results[0]))
}
