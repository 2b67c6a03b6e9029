package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wxpath/wxpath/fetcher"
	"github.com/wxpath/wxpath/parser"
	"github.com/wxpath/wxpath/xpath"
)

// countingServer wraps a mux and counts page requests, robots.txt
// excluded so robots-gated tests can still assert fetch counts.
type countingServer struct {
	*httptest.Server
	hits int64
}

func (s *countingServer) pageHits() int64 { return atomic.LoadInt64(&s.hits) }

func newCountingServer(pages map[string]string) *countingServer {
	s := &countingServer{}
	mux := http.NewServeMux()
	for path, body := range pages {
		body := body
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt64(&s.hits, 1)
			_, _ = w.Write([]byte(body))
		})
	}
	s.Server = httptest.NewServer(mux)
	return s
}

// runProgram parses and runs an expression against test-friendly
// settings: robots off and throttling down to a millisecond.
func runProgram(t *testing.T, expression string, maxDepth int, opts ...Option) []any {
	t.Helper()
	prog, err := parser.Parse(expression)
	require.NoError(t, err)

	settings := DefaultSettings()
	settings.RespectRobots = false
	settings.AutoThrottle = fetcher.ThrottleSettings{StartDelay: time.Millisecond}
	for _, opt := range opts {
		opt(settings)
	}
	c, err := New(prog, maxDepth, settings, Hooks{})
	require.NoError(t, err)

	var out []any
	for v := range c.Run(context.Background()) {
		out = append(out, v)
	}
	return out
}

func stringValues(items []any) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, xpath.StringValue(it))
	}
	sort.Strings(out)
	return out
}

// Scenario: seed-only extraction resolves relative hrefs against the
// document base and performs a single GET.
func TestSeedOnlyExtraction(t *testing.T) {
	server := newCountingServer(map[string]string{
		"/a": `<body><a href="x">x</a><a href="y">y</a></body>`,
	})
	defer server.Close()

	results := runProgram(t, fmt.Sprintf("url('%s/a')//a/@href", server.URL), 0)
	assert.Equal(t, []string{server.URL + "/x", server.URL + "/y"}, stringValues(results))
	assert.EqualValues(t, 1, server.pageHits())
}

// Scenario: one hop through //url(...) with a trailing extraction.
func TestOneHop(t *testing.T) {
	server := newCountingServer(map[string]string{
		"/a": `<body><a href="/b">b</a><a href="/c">c</a></body>`,
		"/b": `<head><title>B</title></head>`,
		"/c": `<head><title>C</title></head>`,
	})
	defer server.Close()

	expr := fmt.Sprintf("url('%s/a')//url(//a/@href)//title/text()", server.URL)
	results := runProgram(t, expr, 1)
	assert.Equal(t, []string{"B", "C"}, stringValues(results))
	assert.EqualValues(t, 3, server.pageHits())
}

// Scenario: a cyclic deep crawl fetches each document exactly once and
// emits every visited document.
func TestDeepCrawlWithCycle(t *testing.T) {
	server := newCountingServer(map[string]string{
		"/a": `<body><a href="/b">b</a></body>`,
		"/b": `<body><a href="/a">a</a></body>`,
	})
	defer server.Close()

	expr := fmt.Sprintf("url('%s/a')///url(//a/@href)", server.URL)
	results := runProgram(t, expr, 5)
	require.Len(t, results, 2)
	for _, r := range results {
		_, ok := r.(xpath.Element)
		assert.True(t, ok, "deep crawl emits the visited documents")
	}
	assert.EqualValues(t, 2, server.pageHits())
}

// Scenario: the per-host in-flight limit is never exceeded.
func TestPerHostLimit(t *testing.T) {
	const perHost = 2
	var inflight, peak int64
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&inflight, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&inflight, -1)
		_, _ = w.Write([]byte(`<body>leaf</body>`))
	})
	links := ""
	for i := 0; i < 10; i++ {
		links += fmt.Sprintf(`<a href="/p%d">p</a>`, i)
	}
	mux.HandleFunc("/seed", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<body>" + links + "</body>"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	expr := fmt.Sprintf("url('%s/seed')//url(//a/@href)", server.URL)
	results := runProgram(t, expr, 1, WithPerHost(perHost))
	assert.Len(t, results, 10)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int64(perHost))
}

// Scenario: robots.txt denial yields an error datum while allowed URLs
// keep extracting.
func TestRobotsDenial(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /x\n"))
	})
	mux.HandleFunc("/seed", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<body><a href="/x">x</a><a href="/y">y</a></body>`))
	})
	mux.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<head><title>X</title></head>`))
	})
	mux.HandleFunc("/y", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<head><title>Y</title></head>`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	expr := fmt.Sprintf("url('%s/seed')//url(//a/@href)//title/text()", server.URL)
	results := runProgram(t, expr, 1,
		WithRespectRobots(true), WithYieldErrors(true))

	var titles []string
	var errs []*Map
	for _, r := range results {
		if m, ok := r.(*Map); ok {
			errs = append(errs, m)
			continue
		}
		titles = append(titles, xpath.StringValue(r))
	}
	assert.Equal(t, []string{"Y"}, titles)
	require.Len(t, errs, 1)
	reason, _ := errs[0].Get("reason")
	assert.Equal(t, "robots-denied", reason)
	u, _ := errs[0].Get("url")
	assert.Equal(t, server.URL+"/x", u)
}

// Scenario: map extraction produces one ordered map per item block.
func TestMapExtraction(t *testing.T) {
	server := newCountingServer(map[string]string{
		"/a": `<body>
			<item><h2>One</h2><a href="/one">go</a></item>
			<item><h2>Two</h2><a href="/two">go</a></item>
		</body>`,
	})
	defer server.Close()

	expr := fmt.Sprintf("url('%s/a')//item/map{'t':(.//h2)[1],'u':.//a/@href}", server.URL)
	results := runProgram(t, expr, 0)
	require.Len(t, results, 2)

	var headings, urls []string
	for _, r := range results {
		m, ok := r.(*Map)
		require.True(t, ok)
		assert.Equal(t, []string{"t", "u"}, m.Keys())
		tv, _ := m.Get("t")
		uv, _ := m.Get("u")
		headings = append(headings, xpath.StringValue(tv))
		urls = append(urls, xpath.StringValue(uv))
	}
	sort.Strings(headings)
	sort.Strings(urls)
	assert.Equal(t, []string{"One", "Two"}, headings)
	assert.Equal(t, []string{server.URL + "/one", server.URL + "/two"}, urls)
}

// A map key whose expression matches several nodes keeps the whole
// sequence; empty and singleton matches stay null and scalar.
func TestMapValueKeepsFullSequence(t *testing.T) {
	server := newCountingServer(map[string]string{
		"/a": `<body>
			<item>
				<h2>Only</h2>
				<a href="/one">go</a>
				<a href="/two">go</a>
			</item>
		</body>`,
	})
	defer server.Close()

	expr := fmt.Sprintf("url('%s/a')//item/map{'t':.//h2,'u':.//a/@href,'m':.//em}", server.URL)
	results := runProgram(t, expr, 0)
	require.Len(t, results, 1)
	m, ok := results[0].(*Map)
	require.True(t, ok)

	tv, _ := m.Get("t")
	assert.Equal(t, "Only", xpath.StringValue(tv))

	uv, _ := m.Get("u")
	seq, ok := uv.([]any)
	require.True(t, ok, "multi-match key keeps the full sequence")
	assert.Equal(t, []string{server.URL + "/one", server.URL + "/two"}, stringValues(seq))

	mv, _ := m.Get("m")
	assert.Nil(t, mv)
}

// max_depth 0 fetches only the seed: no descent happens at all.
func TestMaxDepthZeroFetchesOnlySeed(t *testing.T) {
	server := newCountingServer(map[string]string{
		"/a": `<body><a href="/b">b</a></body>`,
		"/b": `<head><title>B</title></head>`,
	})
	defer server.Close()

	expr := fmt.Sprintf("url('%s/a')//url(//a/@href)//title/text()", server.URL)
	results := runProgram(t, expr, 0)
	assert.Empty(t, results)
	assert.EqualValues(t, 1, server.pageHits())
}

// An empty url() result set produces no children and no failure.
func TestEmptyEvalResult(t *testing.T) {
	server := newCountingServer(map[string]string{
		"/a": `<body><p>no links here</p></body>`,
	})
	defer server.Close()

	expr := fmt.Sprintf("url('%s/a')//url(//a/@href)//title/text()", server.URL)
	results := runProgram(t, expr, 3)
	assert.Empty(t, results)
	assert.EqualValues(t, 1, server.pageHits())
}

// follow= runs the extraction tail on the seed; the equivalent
// ///url(...) form does not.
func TestFollowExtractsSeed(t *testing.T) {
	pages := map[string]string{
		"/a": `<body><h1>Seed</h1><a href="/b">b</a></body>`,
		"/b": `<body><h1>B</h1></body>`,
	}

	withFollow := newCountingServer(pages)
	defer withFollow.Close()
	expr := fmt.Sprintf("url('%s/a', follow=//a/@href)//h1/text()", withFollow.URL)
	assert.Equal(t, []string{"B", "Seed"}, stringValues(runProgram(t, expr, 2)))

	bareDeep := newCountingServer(pages)
	defer bareDeep.Close()
	expr = fmt.Sprintf("url('%s/a')///url(//a/@href)//h1/text()", bareDeep.URL)
	assert.Equal(t, []string{"B"}, stringValues(runProgram(t, expr, 2)))
}

// depth= on the seed caps its subtree below the run's max depth.
func TestPerSeedDepthCap(t *testing.T) {
	server := newCountingServer(map[string]string{
		"/0": `<body><a href="/1">n</a></body>`,
		"/1": `<body><a href="/2">n</a></body>`,
		"/2": `<body><a href="/3">n</a></body>`,
		"/3": `<body>end</body>`,
	})
	defer server.Close()

	expr := fmt.Sprintf("url('%s/0', depth=1)///url(//a/@href)", server.URL)
	results := runProgram(t, expr, 10)
	require.Len(t, results, 2)
	assert.EqualValues(t, 2, server.pageHits())
}

// Disallowed statuses surface as error data when yield_errors is set.
func TestYieldErrorsOnStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/seed", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<body><a href="/gone">x</a></body>`))
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	expr := fmt.Sprintf("url('%s/seed')//url(//a/@href)", server.URL)
	results := runProgram(t, expr, 1, WithYieldErrors(true))
	require.Len(t, results, 1)
	m, ok := results[0].(*Map)
	require.True(t, ok)
	reason, _ := m.Get("reason")
	assert.Equal(t, "status-not-allowed", reason)
	status, _ := m.Get("status")
	assert.Equal(t, 404, status)
	depth, _ := m.Get("depth")
	assert.Equal(t, 1, depth)
}

// Binary ! maps each left-hand item through the right-hand expression.
func TestBinaryMapOperator(t *testing.T) {
	server := newCountingServer(map[string]string{
		"/a": `<body><h1>One</h1><h1>Two</h1></body>`,
	})
	defer server.Close()

	expr := fmt.Sprintf("url('%s/a')//h1!string(.)", server.URL)
	results := runProgram(t, expr, 0)
	assert.Equal(t, []string{"One", "Two"}, stringValues(results))
}

// Cancelling the context drains the frontier without new fetches and
// closes the stream.
func TestCancelledRunTerminates(t *testing.T) {
	server := newCountingServer(map[string]string{
		"/a": `<body><a href="/b">b</a></body>`,
	})
	defer server.Close()

	prog, err := parser.Parse(fmt.Sprintf("url('%s/a')//a/@href", server.URL))
	require.NoError(t, err)
	settings := DefaultSettings()
	settings.RespectRobots = false
	c, err := New(prog, 1, settings, Hooks{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stream := c.Run(ctx)
	for range stream {
	}
	assert.EqualValues(t, 0, server.pageHits())
}

// A post-fetch hook sees the body and a post-extract hook drops one
// value, which is counted as dropped.
func TestHookChain(t *testing.T) {
	server := newCountingServer(map[string]string{
		"/a": `<body><a href="/x">x</a><a href="/y">y</a></body>`,
	})
	defer server.Close()

	prog, err := parser.Parse(fmt.Sprintf("url('%s/a')//a/@href", server.URL))
	require.NoError(t, err)
	settings := DefaultSettings()
	settings.RespectRobots = false
	settings.AutoThrottle = fetcher.ThrottleSettings{StartDelay: time.Millisecond}

	var sawBody atomic.Bool
	hooks := Hooks{
		PostFetch: []FetchHook{func(_ context.Context, _ *Task, body []byte) ([]byte, error) {
			sawBody.Store(true)
			return body, nil
		}},
		PostExtract: []ExtractHook{func(_ context.Context, _ *Task, v any) (any, error) {
			if s, ok := v.(xpath.String); ok && s.Value == server.URL+"/x" {
				return nil, ErrDrop
			}
			return v, nil
		}},
	}
	c, err := New(prog, 0, settings, hooks)
	require.NoError(t, err)

	var out []any
	for v := range c.Run(context.Background()) {
		out = append(out, v)
	}
	assert.True(t, sawBody.Load())
	assert.Equal(t, []string{server.URL + "/y"}, stringValues(out))
	assert.EqualValues(t, 1, c.Stats().Dropped)
}

func TestConfigValidation(t *testing.T) {
	prog, err := parser.Parse("url('https://example.org')")
	require.NoError(t, err)

	settings := DefaultSettings()
	settings.Concurrency = 0
	_, err = New(prog, 1, settings, Hooks{})
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)

	settings = DefaultSettings()
	settings.Cache = CacheSettings{Enabled: true, Backend: "etcd"}
	_, err = New(prog, 1, settings, Hooks{})
	require.ErrorAs(t, err, &cerr)

	settings = DefaultSettings()
	_, err = New(prog, -1, settings, Hooks{})
	require.ErrorAs(t, err, &cerr)
}
