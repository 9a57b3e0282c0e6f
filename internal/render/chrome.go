// Package render loads listing and detail pages in headless Chrome for portals that build
// their feedback lists with JavaScript.
package render

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chromedp/chromedp"

	"github.com/go-scripts/consultcrawl/internal/config"
	"github.com/go-scripts/consultcrawl/internal/crawler"
	"github.com/go-scripts/consultcrawl/internal/fetch"
	"github.com/go-scripts/consultcrawl/internal/politeness"
	"github.com/go-scripts/consultcrawl/internal/retry"
)

// acceptCookiesJS clicks the first cookie consent button it recognises.
const acceptCookiesJS = `
(() => {
	const labels = ["accept all cookies", "accept all", "accept", "i accept", "agree"];
	const buttons = Array.from(document.querySelectorAll('button, a[role="button"]'));
	for (const b of buttons) {
		const text = (b.textContent || "").trim().toLowerCase();
		const aria = (b.getAttribute("aria-label") || "").trim().toLowerCase();
		if (b.id === "accept-all-cookies" || labels.includes(text) || aria === "accept all") {
			b.click();
			return true;
		}
	}
	return false;
})()`

// ChromeSource is a crawler.PageSource backed by one shared browser. Every page gets its
// own tab.
type ChromeSource struct {
	cfg     config.RenderConfig
	timeout time.Duration
	policy  retry.Policy
	pacer   *politeness.Pacer
	robots  *politeness.Robots
	logger  *log.Logger

	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	mu              sync.Mutex
	cookiesAccepted bool
}

// NewChromeSource starts the browser allocator. The browser process itself is launched on
// the first Load.
func NewChromeSource(cfg *config.Config, pacer *politeness.Pacer, robots *politeness.Robots, logger *log.Logger) *ChromeSource {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	if cfg.Render.Headed {
		opts = append(opts, chromedp.Flag("headless", false))
	} else {
		opts = append(opts, chromedp.Headless)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	return &ChromeSource{
		cfg:     cfg.Render,
		timeout: cfg.RequestTimeout.Duration,
		policy: retry.Policy{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.RetryBackoff.Duration,
		},
		pacer:         pacer,
		robots:        robots,
		logger:        logger.With("component", "render"),
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}
}

// Close shuts the browser down.
func (s *ChromeSource) Close() {
	s.browserCancel()
	s.allocCancel()
}

// Load navigates to rawURL and returns the rendered DOM.
func (s *ChromeSource) Load(ctx context.Context, rawURL string) (*crawler.Page, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", rawURL, err)
	}
	if !s.robots.Allowed(ctx, target) {
		return nil, fmt.Errorf("%s: %w", rawURL, fetch.ErrDisallowed)
	}

	var page *crawler.Page
	err = retry.Do(ctx, s.policy, func(ctx context.Context, a retry.Attempt) error {
		if err := s.pacer.Wait(ctx); err != nil {
			return err
		}
		p, err := s.render(ctx, rawURL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Debug("render attempt failed", "url", rawURL, "attempt", a.Number, "err", err)
			return retry.Transient(err)
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (s *ChromeSource) render(ctx context.Context, rawURL string) (*crawler.Page, error) {
	tabCtx, cancel := chromedp.NewContext(s.browserCtx)
	defer cancel()
	timeoutCtx, timeoutCancel := context.WithTimeout(tabCtx, s.timeout)
	defer timeoutCancel()
	// tabs live under the browser context, so tie them to the caller as well
	stop := context.AfterFunc(ctx, timeoutCancel)
	defer stop()

	tasks := []chromedp.Action{chromedp.Navigate(rawURL)}
	if sel := strings.TrimSpace(s.cfg.WaitReady); sel != "" {
		tasks = append(tasks, chromedp.WaitReady(sel, chromedp.ByQuery))
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", rawURL, err)
	}

	s.acceptCookies(timeoutCtx, rawURL)

	if s.cfg.WaitTime.Duration > 0 {
		if err := chromedp.Run(timeoutCtx, chromedp.Sleep(s.cfg.WaitTime.Duration)); err != nil {
			return nil, err
		}
	}

	var html, final string
	if err := chromedp.Run(timeoutCtx,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&final),
	); err != nil {
		return nil, fmt.Errorf("capture %s: %w", rawURL, err)
	}
	if strings.TrimSpace(html) == "" {
		return nil, errors.New("rendered page is empty")
	}
	if final == "" {
		final = rawURL
	}
	return &crawler.Page{URL: final, Body: []byte(html)}, nil
}

// acceptCookies dismisses the consent banner once per run. Failures are ignored.
func (s *ChromeSource) acceptCookies(ctx context.Context, rawURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cookiesAccepted {
		return
	}
	var clicked bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(acceptCookiesJS, &clicked)); err != nil {
		s.logger.Debug("cookie banner check failed", "url", rawURL, "err", err)
		return
	}
	if clicked {
		s.cookiesAccepted = true
		s.logger.Debug("cookie banner accepted", "url", rawURL)
	}
}
