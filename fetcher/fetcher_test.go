package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() Settings {
	return Settings{
		Timeout:  5 * time.Second,
		Throttle: ThrottleSettings{StartDelay: time.Millisecond},
	}
}

func TestFetchOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<body>hello</body>"))
	}))
	defer server.Close()

	f := New(testSettings())
	outcome, err := f.Fetch(context.Background(), server.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, outcome.Status)
	assert.Contains(t, string(outcome.Body), "hello")
	assert.False(t, outcome.Cached)
}

func TestFetchSetsHeaders(t *testing.T) {
	var gotUA, gotCustom string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCustom = r.Header.Get("X-Token")
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	s := testSettings()
	s.UserAgent = "test-agent"
	s.Headers = map[string]string{"X-Token": "secret"}
	f := New(s)
	_, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "test-agent", gotUA)
	assert.Equal(t, "secret", gotCustom)
}

func TestStatusNotAllowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	f := New(testSettings())
	_, err := f.Fetch(context.Background(), server.URL)
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, ErrStatusNotAllowed, ferr.Kind)
	assert.Equal(t, http.StatusNotFound, ferr.Status)
}

// Retryable statuses are retried with backoff until the server
// recovers.
func TestRetryOnServerError(t *testing.T) {
	var attempts int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&attempts, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer server.Close()

	s := testSettings()
	s.MaxRetries = 3
	f := New(s)
	outcome, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, outcome.Status)
	assert.EqualValues(t, 3, atomic.LoadInt64(&attempts))
}

func TestRobotsGate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\nCrawl-delay: 1\n"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("public"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := testSettings()
	s.RespectRobots = true
	f := New(s)

	_, err := f.Fetch(context.Background(), server.URL+"/private/page")
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, ErrRobotsDenied, ferr.Kind)

	outcome, err := f.Fetch(context.Background(), server.URL+"/open")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, outcome.Status)

	// the robots Crawl-delay outranks the adaptive per-host delay
	host, err := url.Parse(server.URL)
	require.NoError(t, err)
	assert.Equal(t, time.Second, f.throttle.Delay(host.Hostname()))
}

func TestCachePassThrough(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		_, _ = w.Write([]byte("cached body"))
	}))
	defer server.Close()

	s := testSettings()
	s.Cache = NewMemoryCache(time.Hour)
	f := New(s)

	first, err := f.Fetch(context.Background(), server.URL+"/page")
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := f.Fetch(context.Background(), server.URL+"/page")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Body, second.Body)
	assert.EqualValues(t, 1, atomic.LoadInt64(&hits))
}

// Tracking parameters fragment neither the cache nor the network.
func TestCacheIgnoresTrackingParams(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		_, _ = w.Write([]byte("body"))
	}))
	defer server.Close()

	s := testSettings()
	s.Cache = NewMemoryCache(time.Hour)
	f := New(s)

	_, err := f.Fetch(context.Background(), server.URL+"/p?utm_source=mail")
	require.NoError(t, err)
	outcome, err := f.Fetch(context.Background(), server.URL+"/p?utm_source=feed&fbclid=123")
	require.NoError(t, err)
	assert.True(t, outcome.Cached)
	assert.EqualValues(t, 1, atomic.LoadInt64(&hits))
}

func TestTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer server.Close()

	s := testSettings()
	s.Timeout = 50 * time.Millisecond
	s.MaxRetries = 0
	f := New(s)
	_, err := f.Fetch(context.Background(), server.URL)
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, ErrTimeout, ferr.Kind)
}

func TestInvalidURL(t *testing.T) {
	f := New(testSettings())
	_, err := f.Fetch(context.Background(), "://nope")
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, ErrNetwork, ferr.Kind)
}
