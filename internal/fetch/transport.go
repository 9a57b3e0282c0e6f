package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/charmbracelet/log"
	"github.com/go-resty/resty/v2"

	"github.com/go-scripts/consultcrawl/internal/config"
	"github.com/go-scripts/consultcrawl/internal/politeness"
	"github.com/go-scripts/consultcrawl/internal/retry"
	"github.com/go-scripts/consultcrawl/pkg/common"
)

var (
	// ErrDisallowed is returned for URLs excluded by robots.txt.
	ErrDisallowed = errors.New("disallowed by robots.txt")
	// ErrEmptyBody is returned when a response carries no content.
	ErrEmptyBody = errors.New("empty response body")
	// ErrTooLarge is returned when a body exceeds the configured limit.
	ErrTooLarge = errors.New("response body too large")
)

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.Code)
}

// retryableStatus lists codes worth another attempt: timeouts, throttling and 5xx.
func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// Response describes the HTTP response handed to a Stream sink.
type Response struct {
	URL           string
	FinalURL      string
	StatusCode    int
	ContentType   string
	ContentLength int64
}

// Sink consumes one attempt's decoded body. Returning an error wrapped with
// retry.Transient makes the transport try again with a fresh sink call.
type Sink func(body io.Reader, res Response) error

// NewClient builds the resty client shared by the transport and the robots agent.
func NewClient(cfg *config.Config) *resty.Client {
	client := resty.New()
	client.SetTimeout(cfg.RequestTimeout.Duration)
	client.SetHeader("User-Agent", cfg.UserAgent)
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	return client
}

// Transport performs every network request of a run: paced, robots-checked and retried.
type Transport struct {
	client   *resty.Client
	pacer    *politeness.Pacer
	robots   *politeness.Robots
	policy   retry.Policy
	maxBytes int64
	logger   *log.Logger
}

// NewTransport wires the shared client, pacer and robots agent.
func NewTransport(cfg *config.Config, client *resty.Client, pacer *politeness.Pacer, robots *politeness.Robots, logger *log.Logger) *Transport {
	return &Transport{
		client: client,
		pacer:  pacer,
		robots: robots,
		policy: retry.Policy{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.RetryBackoff.Duration,
		},
		maxBytes: cfg.MaxDocumentBytes,
		logger:   logger.With("component", "transport"),
	}
}

// Stream GETs rawURL and passes the decoded body to sink, retrying transient failures.
// The returned attempts describe every network try, including the failed ones.
func (t *Transport) Stream(ctx context.Context, rawURL string, sink Sink) ([]common.Attempt, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", rawURL, err)
	}
	if !t.robots.Allowed(ctx, target) {
		return nil, fmt.Errorf("%s: %w", rawURL, ErrDisallowed)
	}

	var attempts []common.Attempt
	machine := retry.New(t.policy)
	machine.OnTransition = func(tr retry.Transition) {
		if tr.To == retry.Retrying {
			t.logger.Warn("retrying", "url", rawURL, "attempt", tr.Attempt, "wait", tr.Wait.Round(time.Millisecond), "err", tr.Err)
		}
	}

	err = machine.Run(ctx, func(ctx context.Context, a retry.Attempt) error {
		rec := common.Attempt{Number: a.Number, StartedAt: time.Now().UTC()}
		code, err := t.attempt(ctx, rawURL, sink)
		rec.StatusCode = code
		if err != nil {
			rec.Error = err.Error()
		}
		attempts = append(attempts, rec)
		return err
	})
	return attempts, err
}

func (t *Transport) attempt(ctx context.Context, rawURL string, sink Sink) (int, error) {
	if err := t.pacer.Wait(ctx); err != nil {
		return 0, err
	}

	res, err := t.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept-Encoding", "gzip, deflate, br").
		Get(rawURL)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, retry.Transient(fmt.Errorf("request %s: %w", rawURL, err))
	}
	raw := res.RawBody()
	if raw == nil {
		return res.StatusCode(), retry.Transient(fmt.Errorf("%s: %w", rawURL, ErrEmptyBody))
	}
	defer raw.Close()

	code := res.StatusCode()
	if code < 200 || code > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(raw, 64<<10))
		serr := &StatusError{Code: code, URL: rawURL}
		if retryableStatus(code) {
			return code, retry.Transient(serr)
		}
		return code, serr
	}

	counted := &countingReader{r: raw}
	body, closeBody, err := decode(counted, res.Header().Get("Content-Encoding"))
	if err != nil {
		return code, retry.Transient(err)
	}
	defer closeBody()

	meta := Response{
		URL:           rawURL,
		FinalURL:      rawURL,
		StatusCode:    code,
		ContentType:   res.Header().Get("Content-Type"),
		ContentLength: -1,
	}
	if res.RawResponse != nil {
		meta.ContentLength = res.RawResponse.ContentLength
		if res.RawResponse.Request != nil && res.RawResponse.Request.URL != nil {
			meta.FinalURL = res.RawResponse.Request.URL.String()
		}
	}

	limited := &limitReader{r: body, remaining: t.maxBytes}
	if err := sink(limited, meta); err != nil {
		if ctx.Err() != nil {
			return code, ctx.Err()
		}
		return code, err
	}
	if meta.ContentLength >= 0 && counted.n != meta.ContentLength {
		return code, retry.Transient(fmt.Errorf("%s: truncated body, got %d of %d bytes", rawURL, counted.n, meta.ContentLength))
	}
	return code, nil
}

// Get loads a whole page into memory.
func (t *Transport) Get(ctx context.Context, rawURL string) ([]byte, Response, error) {
	var (
		body []byte
		meta Response
	)
	_, err := t.Stream(ctx, rawURL, func(r io.Reader, res Response) error {
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, r); err != nil {
			return readError(err)
		}
		body, meta = buf.Bytes(), res
		return nil
	})
	if err != nil {
		return nil, Response{}, err
	}
	return body, meta, nil
}

// readError classifies a failure while reading a body. Size violations are final,
// anything else is a broken transfer worth retrying.
func readError(err error) error {
	if errors.Is(err, ErrTooLarge) {
		return err
	}
	return retry.Transient(fmt.Errorf("read body: %w", err))
}

func decode(r io.Reader, encoding string) (io.Reader, func(), error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return r, func() {}, nil
	case "gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip decode: %w", err)
		}
		return gz, func() { _ = gz.Close() }, nil
	case "br":
		return brotli.NewReader(r), func() {}, nil
	case "deflate":
		fl := flate.NewReader(r)
		return fl, func() { _ = fl.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type limitReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		// probe one byte to tell "exactly at the limit" from "over it"
		var one [1]byte
		n, err := l.r.Read(one[:])
		if n > 0 {
			return 0, ErrTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}
