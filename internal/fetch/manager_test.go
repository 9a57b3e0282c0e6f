package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-scripts/consultcrawl/internal/config"
	"github.com/go-scripts/consultcrawl/internal/ledger"
	"github.com/go-scripts/consultcrawl/internal/politeness"
	"github.com/go-scripts/consultcrawl/internal/writer"
	"github.com/go-scripts/consultcrawl/pkg/common"
)

const pdfBytes = "%PDF-1.4\nfake document body\n%%EOF\n"

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.DelaySeconds = 0
	cfg.MaxRetries = 2
	cfg.RetryBackoff = config.DurationFrom(time.Millisecond)
	cfg.RequestTimeout = config.DurationFrom(5 * time.Second)
	cfg.RespectRobots = false
	return cfg
}

type harness struct {
	manager *Manager
	ledger  *ledger.Ledger
	files   *writer.FileWriter
}

func newHarness(t *testing.T, cfg *config.Config, dir string) *harness {
	t.Helper()
	files, err := writer.New(dir)
	require.NoError(t, err)
	l, err := ledger.Open(files.LedgerPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	logger := log.New(io.Discard)
	client := NewClient(cfg)
	pacer := politeness.NewPacer(cfg.Delay())
	robots := politeness.NewRobots(client, pacer, cfg.UserAgent, cfg.RespectRobots, logger)
	transport := NewTransport(cfg, client, pacer, robots, logger)
	return &harness{
		manager: NewManager(transport, l, files, "run-test", logger),
		ledger:  l,
		files:   files,
	}
}

type counter struct {
	mu   sync.Mutex
	hits map[string]int
}

func (c *counter) inc(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hits == nil {
		c.hits = make(map[string]int)
	}
	c.hits[path]++
	return c.hits[path]
}

func (c *counter) get(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits[path]
}

func newPortal(t *testing.T, hits *counter) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.inc(r.URL.Path)
		switch r.URL.Path {
		case "/a.pdf", "/b.pdf", "/c.pdf", "/d.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = io.WriteString(w, pdfBytes)
		case "/other.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = io.WriteString(w, "%PDF-1.4\nsomething else\n")
		case "/flaky.pdf":
			if n < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = io.WriteString(w, pdfBytes)
		case "/down.pdf":
			w.WriteHeader(http.StatusBadGateway)
		case "/empty.pdf":
			w.WriteHeader(http.StatusOK)
		case "/truncated.pdf":
			conn, buf, err := w.(http.Hijacker).Hijack()
			if err != nil {
				return
			}
			_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: application/pdf\r\nContent-Length: 1000\r\n\r\n%PDF-1.4 partial")
			_ = buf.Flush()
			_ = conn.Close()
		case "/gzip.pdf":
			var b bytes.Buffer
			gz := gzip.NewWriter(&b)
			_, _ = io.WriteString(gz, pdfBytes)
			_ = gz.Close()
			w.Header().Set("Content-Encoding", "gzip")
			_, _ = w.Write(b.Bytes())
		case "/br.pdf":
			var b bytes.Buffer
			bw := brotli.NewWriter(&b)
			_, _ = io.WriteString(bw, "%PDF-1.4\nbrotli body\n")
			_ = bw.Close()
			w.Header().Set("Content-Encoding", "br")
			_, _ = w.Write(b.Bytes())
		case "/robots.txt":
			_, _ = io.WriteString(w, "User-agent: *\nDisallow: /private/\n")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func ref(srv *httptest.Server, path string) common.DocumentReference {
	return common.DocumentReference{SourcePage: srv.URL + "/list", URL: srv.URL + path}
}

func documentFiles(t *testing.T, files *writer.FileWriter) []string {
	t.Helper()
	entries, err := os.ReadDir(files.Path(writer.DocumentsDir))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestFetchCollapsesDuplicates(t *testing.T) {
	hits := &counter{}
	srv := newPortal(t, hits)
	h := newHarness(t, testConfig(), t.TempDir())
	ctx := context.Background()

	first, err := h.manager.Fetch(ctx, ref(srv, "/a.pdf"))
	require.NoError(t, err)
	assert.Equal(t, common.StatusOK, first.Status)
	assert.Equal(t, StoredName(ref(srv, "/a.pdf"), "application/pdf"), first.StoredPath)
	assert.Equal(t, int64(len(pdfBytes)), first.Size)
	assert.Len(t, first.Fingerprint, 64)
	assert.Equal(t, "run-test", first.RunID)

	data, err := os.ReadFile(h.files.Path(first.StoredPath))
	require.NoError(t, err)
	assert.Equal(t, pdfBytes, string(data))

	second, err := h.manager.Fetch(ctx, ref(srv, "/b.pdf"))
	require.NoError(t, err)
	assert.Equal(t, common.StatusDuplicate, second.Status)
	assert.Equal(t, first.StoredPath, second.StoredPath)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, srv.URL+"/a.pdf", second.DuplicateOf)

	third, err := h.manager.Fetch(ctx, ref(srv, "/other.pdf"))
	require.NoError(t, err)
	assert.Equal(t, common.StatusOK, third.Status)

	assert.Len(t, documentFiles(t, h.files), 2)
	assert.Equal(t, 3, h.ledger.Len())
}

func TestFetchPermanentFailure(t *testing.T) {
	hits := &counter{}
	srv := newPortal(t, hits)
	h := newHarness(t, testConfig(), t.TempDir())

	rec, err := h.manager.Fetch(context.Background(), ref(srv, "/missing.pdf"))
	require.NoError(t, err)
	assert.Equal(t, common.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "404")
	require.Len(t, rec.Attempts, 1, "4xx is not retried")
	assert.Equal(t, http.StatusNotFound, rec.Attempts[0].StatusCode)
	assert.Empty(t, documentFiles(t, h.files))
	assert.Equal(t, 1, h.ledger.Len())
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	hits := &counter{}
	srv := newPortal(t, hits)
	h := newHarness(t, testConfig(), t.TempDir())

	rec, err := h.manager.Fetch(context.Background(), ref(srv, "/flaky.pdf"))
	require.NoError(t, err)
	assert.Equal(t, common.StatusOK, rec.Status)
	require.Len(t, rec.Attempts, 3)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Attempts[0].StatusCode)
	assert.Equal(t, http.StatusOK, rec.Attempts[2].StatusCode)
	assert.Empty(t, rec.Attempts[2].Error)
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	hits := &counter{}
	srv := newPortal(t, hits)
	h := newHarness(t, testConfig(), t.TempDir())

	rec, err := h.manager.Fetch(context.Background(), ref(srv, "/down.pdf"))
	require.NoError(t, err)
	assert.Equal(t, common.StatusFailed, rec.Status)
	assert.Len(t, rec.Attempts, 3)
	assert.Equal(t, 3, hits.get("/down.pdf"))
	assert.Contains(t, rec.Error, "retries exhausted")
}

func TestFetchTruncatedTransferIsNeverStored(t *testing.T) {
	hits := &counter{}
	srv := newPortal(t, hits)
	h := newHarness(t, testConfig(), t.TempDir())

	rec, err := h.manager.Fetch(context.Background(), ref(srv, "/truncated.pdf"))
	require.NoError(t, err)
	assert.Equal(t, common.StatusFailed, rec.Status)
	assert.Equal(t, 3, hits.get("/truncated.pdf"), "truncation is retried")
	assert.Empty(t, documentFiles(t, h.files), "no stored file and no leftover partial")

	for _, r := range h.ledger.Records() {
		assert.NotEqual(t, common.StatusOK, r.Status)
	}
}

func TestFetchRejectsEmptyAndOversizedBodies(t *testing.T) {
	hits := &counter{}
	srv := newPortal(t, hits)
	cfg := testConfig()
	cfg.MaxDocumentBytes = 10
	h := newHarness(t, cfg, t.TempDir())
	ctx := context.Background()

	empty, err := h.manager.Fetch(ctx, ref(srv, "/empty.pdf"))
	require.NoError(t, err)
	assert.Equal(t, common.StatusFailed, empty.Status)
	assert.Len(t, empty.Attempts, 1)
	assert.Contains(t, empty.Error, ErrEmptyBody.Error())

	big, err := h.manager.Fetch(ctx, ref(srv, "/a.pdf"))
	require.NoError(t, err)
	assert.Equal(t, common.StatusFailed, big.Status)
	assert.Len(t, big.Attempts, 1)
	assert.Contains(t, big.Error, ErrTooLarge.Error())
	assert.Empty(t, documentFiles(t, h.files))
}

func TestFetchDecodesContentEncoding(t *testing.T) {
	hits := &counter{}
	srv := newPortal(t, hits)
	h := newHarness(t, testConfig(), t.TempDir())
	ctx := context.Background()

	gz, err := h.manager.Fetch(ctx, ref(srv, "/gzip.pdf"))
	require.NoError(t, err)
	require.Equal(t, common.StatusOK, gz.Status)
	data, err := os.ReadFile(h.files.Path(gz.StoredPath))
	require.NoError(t, err)
	assert.Equal(t, pdfBytes, string(data))

	br, err := h.manager.Fetch(ctx, ref(srv, "/br.pdf"))
	require.NoError(t, err)
	require.Equal(t, common.StatusOK, br.Status)
	data, err = os.ReadFile(h.files.Path(br.StoredPath))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4\nbrotli body\n", string(data))
}

func TestFetchResumesFromLedger(t *testing.T) {
	hits := &counter{}
	srv := newPortal(t, hits)
	dir := t.TempDir()
	ctx := context.Background()

	first := newHarness(t, testConfig(), dir)
	orig, err := first.manager.Fetch(ctx, ref(srv, "/a.pdf"))
	require.NoError(t, err)
	require.NoError(t, first.ledger.Close())

	second := newHarness(t, testConfig(), dir)
	again, err := second.manager.Fetch(ctx, ref(srv, "/a.pdf"))
	require.NoError(t, err)
	assert.True(t, again.Resumed)
	assert.Equal(t, orig.StoredPath, again.StoredPath)
	assert.Equal(t, 1, hits.get("/a.pdf"), "no network request for a previously fetched document")
	assert.Equal(t, 1, second.ledger.Len(), "nothing appended")

	require.NoError(t, os.Remove(second.files.Path(orig.StoredPath)))
	restored, err := second.manager.Fetch(ctx, ref(srv, "/a.pdf"))
	require.NoError(t, err)
	assert.False(t, restored.Resumed)
	assert.Equal(t, 2, hits.get("/a.pdf"))
	assert.Equal(t, orig.StoredPath, restored.StoredPath)
	assert.FileExists(t, second.files.Path(orig.StoredPath))
}

func TestFetchResumesDuplicates(t *testing.T) {
	hits := &counter{}
	srv := newPortal(t, hits)
	dir := t.TempDir()
	ctx := context.Background()

	first := newHarness(t, testConfig(), dir)
	orig, err := first.manager.Fetch(ctx, ref(srv, "/a.pdf"))
	require.NoError(t, err)
	dup, err := first.manager.Fetch(ctx, ref(srv, "/b.pdf"))
	require.NoError(t, err)
	require.Equal(t, common.StatusDuplicate, dup.Status)
	require.NoError(t, first.ledger.Close())

	second := newHarness(t, testConfig(), dir)
	again, err := second.manager.Fetch(ctx, ref(srv, "/b.pdf"))
	require.NoError(t, err)
	assert.True(t, again.Resumed)
	assert.Equal(t, common.StatusDuplicate, again.Status)
	assert.Equal(t, orig.StoredPath, again.StoredPath)
	assert.Equal(t, 1, hits.get("/b.pdf"), "a settled duplicate is not downloaded again")
	assert.Equal(t, 2, second.ledger.Len())

	require.NoError(t, os.Remove(second.files.Path(orig.StoredPath)))
	refetched, err := second.manager.Fetch(ctx, ref(srv, "/b.pdf"))
	require.NoError(t, err)
	assert.False(t, refetched.Resumed)
	assert.Equal(t, 2, hits.get("/b.pdf"), "the owning file is gone")
	assert.FileExists(t, second.files.Path(orig.StoredPath))
}

func TestFetchHonoursRobots(t *testing.T) {
	hits := &counter{}
	srv := newPortal(t, hits)
	cfg := testConfig()
	cfg.RespectRobots = true
	h := newHarness(t, cfg, t.TempDir())

	rec, err := h.manager.Fetch(context.Background(), ref(srv, "/private/a.pdf"))
	require.NoError(t, err)
	assert.Equal(t, common.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, ErrDisallowed.Error())
	assert.Empty(t, rec.Attempts)
	assert.Zero(t, hits.get("/private/a.pdf"))
}

func TestFetchConcurrentDuplicatesStoreOnce(t *testing.T) {
	hits := &counter{}
	srv := newPortal(t, hits)
	h := newHarness(t, testConfig(), t.TempDir())

	var (
		wg       sync.WaitGroup
		ok, dups atomic.Int32
	)
	for _, p := range []string{"/a.pdf", "/b.pdf", "/c.pdf", "/d.pdf"} {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			rec, err := h.manager.Fetch(context.Background(), ref(srv, p))
			if !assert.NoError(t, err) {
				return
			}
			switch rec.Status {
			case common.StatusOK:
				ok.Add(1)
			case common.StatusDuplicate:
				dups.Add(1)
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(3), dups.Load())
	assert.Len(t, documentFiles(t, h.files), 1)
}

func TestFetchCancelled(t *testing.T) {
	hits := &counter{}
	srv := newPortal(t, hits)
	h := newHarness(t, testConfig(), t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.manager.Fetch(ctx, ref(srv, "/a.pdf"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.ledger.Len())
}

func TestStoredName(t *testing.T) {
	tests := []struct {
		name        string
		ref         common.DocumentReference
		contentType string
		prefix      string
		suffix      string
	}{
		{"detail id wins", common.DocumentReference{URL: "https://ec.europa.eu/files/x.pdf", DetailID: "F123"}, "", "documents/F123_", ".pdf"},
		{"path segment", common.DocumentReference{URL: "https://ec.europa.eu/files/Annex%20I.docx"}, "", "documents/Annex_I_", ".docx"},
		{"content type", common.DocumentReference{URL: "https://ec.europa.eu/api/download?id=9"}, "text/plain; charset=utf-8", "documents/download_", ".txt"},
		{"default", common.DocumentReference{URL: "https://ec.europa.eu/"}, "", "documents/document_", ".pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StoredName(tt.ref, tt.contentType)
			assert.True(t, strings.HasPrefix(got, tt.prefix), got)
			assert.True(t, strings.HasSuffix(got, tt.suffix), got)
			assert.Len(t, got, len(tt.prefix)+8+len(tt.suffix))
			assert.Equal(t, got, StoredName(tt.ref, tt.contentType))
		})
	}
}
