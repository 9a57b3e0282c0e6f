package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate for unusable configurations.
var ErrInvalid = errors.New("invalid configuration")

const (
	DefaultPortalDomain = "ec.europa.eu"
	DefaultUserAgent    = "consultcrawl/1.0 (+academic research; polite crawler)"
	MaxWorkers          = 4
)

// Config is built once per run and shared by reference between the walker, the fetch
// manager and the extraction stage.
type Config struct {
	StartURL         string       `yaml:"start_url"`
	PortalDomain     string       `yaml:"portal_domain"`
	OutputDir        string       `yaml:"output_dir"`
	ExtractText      bool         `yaml:"extract_text"`
	DelaySeconds     float64      `yaml:"delay_seconds"`
	MaxRetries       int          `yaml:"max_retries"`
	RetryBackoff     Duration     `yaml:"retry_backoff"`
	RequestTimeout   Duration     `yaml:"request_timeout"`
	MaxPages         int          `yaml:"max_pages"`
	MaxDocumentBytes int64        `yaml:"max_document_bytes"`
	Workers          int          `yaml:"workers"`
	UserAgent        string       `yaml:"user_agent"`
	RespectRobots    bool         `yaml:"respect_robots"`
	WriteInventory   bool         `yaml:"write_inventory"`
	Render           RenderConfig `yaml:"render"`
}

// RenderConfig controls the optional headless browser used for listing pages.
type RenderConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Headed    bool     `yaml:"headed"`
	WaitTime  Duration `yaml:"wait_time"`
	WaitReady string   `yaml:"wait_ready"`
}

// Default returns the configuration used when neither a file nor flags say otherwise.
func Default() *Config {
	return &Config{
		PortalDomain:     DefaultPortalDomain,
		OutputDir:        "./output",
		DelaySeconds:     1.2,
		MaxRetries:       3,
		RetryBackoff:     DurationFrom(time.Second),
		RequestTimeout:   DurationFrom(30 * time.Second),
		MaxPages:         500,
		MaxDocumentBytes: 100 << 20,
		Workers:          1,
		UserAgent:        DefaultUserAgent,
		RespectRobots:    true,
		WriteInventory:   true,
		Render: RenderConfig{
			WaitTime:  DurationFrom(500 * time.Millisecond),
			WaitReady: "body",
		},
	}
}

// Load reads a YAML file on top of the defaults. A missing file is not an error when
// optional is set, which lets the CLI ship a default path.
func Load(path string, optional bool) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Delay is the politeness delay between consecutive requests.
func (c *Config) Delay() time.Duration {
	return time.Duration(c.DelaySeconds * float64(time.Second))
}

// Validate checks the configuration and fills in derived values.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.StartURL) == "" {
		problems = append(problems, "start URL is required")
	} else if u, err := url.Parse(c.StartURL); err != nil || !u.IsAbs() || u.Hostname() == "" {
		problems = append(problems, fmt.Sprintf("start URL %q is not an absolute URL", c.StartURL))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		problems = append(problems, fmt.Sprintf("start URL scheme %q is not http(s)", u.Scheme))
	} else if !InDomain(u.Hostname(), c.PortalDomain) {
		problems = append(problems, fmt.Sprintf("start URL host %q is outside portal domain %q", u.Hostname(), c.PortalDomain))
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		problems = append(problems, "output dir is required")
	}
	if c.DelaySeconds < 0 {
		problems = append(problems, "delay seconds must not be negative")
	}
	if c.MaxRetries < 0 {
		problems = append(problems, "max retries must not be negative")
	}
	if c.Workers < 1 || c.Workers > MaxWorkers {
		problems = append(problems, fmt.Sprintf("workers must be between 1 and %d", MaxWorkers))
	}
	if c.MaxPages < 1 {
		problems = append(problems, "max pages must be at least 1")
	}
	if c.RequestTimeout.Duration <= 0 {
		problems = append(problems, "request timeout must be positive")
	}
	if c.MaxDocumentBytes <= 0 {
		problems = append(problems, "max document bytes must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	return nil
}

// InDomain reports whether host equals domain or is a subdomain of it. An empty domain
// accepts every host.
func InDomain(host, domain string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return true
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
