package politeness

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/go-resty/resty/v2"
	"github.com/temoto/robotstxt"
)

// Robots evaluates robots.txt rules. Each host's robots.txt is requested at most once per
// run, paced like every other request, and a failed fetch is remembered as a failure.
type Robots struct {
	client    *resty.Client
	pacer     *Pacer
	userAgent string
	respect   bool
	logger    *log.Logger

	mu    sync.Mutex
	hosts map[string]*hostRules
}

type hostRules struct {
	once sync.Once
	data *robotstxt.RobotsData
	err  error
}

// NewRobots builds a robots agent. With respect unset every URL is allowed.
func NewRobots(client *resty.Client, pacer *Pacer, userAgent string, respect bool, logger *log.Logger) *Robots {
	return &Robots{
		client:    client,
		pacer:     pacer,
		userAgent: userAgent,
		respect:   respect,
		logger:    logger,
		hosts:     make(map[string]*hostRules),
	}
}

// Allowed reports whether target may be fetched.
func (r *Robots) Allowed(ctx context.Context, target *url.URL) bool {
	if r == nil || !r.respect {
		return true
	}
	if target == nil || !target.IsAbs() {
		return false
	}

	rules, err := r.rules(ctx, target)
	if err != nil {
		// fail open, the portal's robots endpoint is not part of the contract
		r.logger.Debug("robots.txt unavailable, allowing", "host", target.Host, "err", err)
		return true
	}
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	if target.RawQuery != "" {
		path += "?" + target.RawQuery
	}
	return rules.TestAgent(path, r.userAgent)
}

func (r *Robots) rules(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	host := strings.ToLower(target.Host)

	r.mu.Lock()
	entry, ok := r.hosts[host]
	if !ok {
		entry = &hostRules{}
		r.hosts[host] = entry
	}
	r.mu.Unlock()

	entry.once.Do(func() {
		entry.data, entry.err = r.fetch(ctx, target.Scheme+"://"+target.Host+"/robots.txt")
	})
	return entry.data, entry.err
}

func (r *Robots) fetch(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	if err := r.pacer.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := r.client.R().
		SetContext(ctx).
		SetHeader("User-Agent", r.userAgent).
		Get(robotsURL)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	if res.StatusCode() >= 500 {
		return nil, fmt.Errorf("robots.txt returned status %d", res.StatusCode())
	}

	data, err := robotstxt.FromStatusAndBytes(res.StatusCode(), res.Body())
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return data, nil
}
