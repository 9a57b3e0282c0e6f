package politeness

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacerSpacesRequests(t *testing.T) {
	p := NewPacer(40 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Wait(ctx))
	}
	// first request is immediate, the next two wait one delay each
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
	assert.Equal(t, 40*time.Millisecond, p.Delay())
}

func TestPacerZeroDelay(t *testing.T) {
	p := NewPacer(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestPacerHonoursCancellation(t *testing.T) {
	p := NewPacer(time.Hour)
	require.NoError(t, p.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, p.Wait(ctx))
}

func newRobotsServer(t *testing.T, status int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestRobotsRules(t *testing.T) {
	srv, hits := newRobotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /private/\n")
	logger := log.New(io.Discard)
	r := NewRobots(resty.New(), nil, "consultcrawl-test", true, logger)
	ctx := context.Background()

	assert.True(t, r.Allowed(ctx, mustParse(t, srv.URL+"/public/doc.pdf")))
	assert.False(t, r.Allowed(ctx, mustParse(t, srv.URL+"/private/doc.pdf")))
	assert.Equal(t, int32(1), atomic.LoadInt32(hits), "rules are cached per host")
}

func TestRobotsFailOpenAndDisabled(t *testing.T) {
	logger := log.New(io.Discard)
	ctx := context.Background()

	srv, _ := newRobotsServer(t, http.StatusServiceUnavailable, "")
	r := NewRobots(resty.New(), nil, "consultcrawl-test", true, logger)
	assert.True(t, r.Allowed(ctx, mustParse(t, srv.URL+"/private/doc.pdf")))

	missing, _ := newRobotsServer(t, http.StatusNotFound, "")
	assert.True(t, r.Allowed(ctx, mustParse(t, missing.URL+"/anything")))

	strict, _ := newRobotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /\n")
	off := NewRobots(resty.New(), nil, "consultcrawl-test", false, logger)
	assert.True(t, off.Allowed(ctx, mustParse(t, strict.URL+"/doc.pdf")))
}

func TestRobotsFetchIsPaced(t *testing.T) {
	srv, hits := newRobotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /private/\n")
	pacer := NewPacer(60 * time.Millisecond)
	r := NewRobots(resty.New(), pacer, "consultcrawl-test", true, log.New(io.Discard))
	ctx := context.Background()

	// a document request just went out
	require.NoError(t, pacer.Wait(ctx))
	start := time.Now()
	assert.True(t, r.Allowed(ctx, mustParse(t, srv.URL+"/doc.pdf")))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "robots.txt waits its turn")
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestRobotsSlowHostDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })
	fast, _ := newRobotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /private/\n")

	r := NewRobots(resty.New(), nil, "consultcrawl-test", true, log.New(io.Discard))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slowDoc := mustParse(t, slow.URL+"/doc.pdf")
	fastDoc := mustParse(t, fast.URL+"/private/x.pdf")

	go r.Allowed(ctx, slowDoc)
	time.Sleep(20 * time.Millisecond)

	done := make(chan bool, 1)
	go func() { done <- r.Allowed(context.Background(), fastDoc) }()
	select {
	case allowed := <-done:
		assert.False(t, allowed)
	case <-time.After(2 * time.Second):
		t.Fatal("robots lookup for one host waited on another host")
	}
}
