package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/go-scripts/consultcrawl/internal/config"
	"github.com/go-scripts/consultcrawl/internal/progress"
	"github.com/go-scripts/consultcrawl/pkg/crawl"
	"github.com/go-scripts/consultcrawl/ui"
)

const defaultConfigFile = "consultcrawl.yaml"

// CLIFlags are the command line options. Pointer fields are nil when the flag was not
// given, so values from the configuration file survive.
type CLIFlags struct {
	ConfigFile     string         `help:"Path to a YAML configuration file." name:"config" default:"consultcrawl.yaml"`
	StartURL       *string        `help:"Feedback listing page to start from." name:"start-url" short:"u"`
	ExtractText    bool           `help:"Extract plain text from every stored document." name:"extract-text"`
	OutputDir      *string        `help:"Directory for documents, ledger and reports (default ./output)." name:"output-dir" short:"o"`
	DelaySeconds   *float64       `help:"Seconds between consecutive requests (default 1.2)." name:"delay-seconds"`
	MaxRetries     *int           `help:"Retries for transient failures (default 3)." name:"max-retries"`
	Workers        *int           `help:"Concurrent document downloads, 1 to 4 (default 1)." name:"workers" short:"w"`
	MaxPages       *int           `help:"Maximum listing and detail pages to visit (default 500)." name:"max-pages"`
	Render         bool           `help:"Render pages in headless Chrome." name:"render"`
	PortalDomain   *string        `help:"Only follow links on this domain and its subdomains (default ec.europa.eu)." name:"portal-domain"`
	UserAgent      *string        `help:"User-Agent sent with every request." name:"user-agent"`
	RequestTimeout *time.Duration `help:"Timeout for a single request (default 30s)." name:"request-timeout"`
	NoRobots       bool           `help:"Ignore robots.txt." name:"no-robots"`
	NoInventory    bool           `help:"Do not write the CSV and XLSX inventory." name:"no-inventory"`
	Quiet          bool           `help:"Hide the progress line." short:"q"`
	LogLevel       string         `help:"Log level." name:"log-level" default:"info" enum:"debug,info,warn,error"`
}

// apply overrides cfg with every flag that was given.
func (f *CLIFlags) apply(cfg *config.Config) {
	if f.StartURL != nil {
		cfg.StartURL = *f.StartURL
	}
	if f.ExtractText {
		cfg.ExtractText = true
	}
	if f.OutputDir != nil {
		cfg.OutputDir = *f.OutputDir
	}
	if f.DelaySeconds != nil {
		cfg.DelaySeconds = *f.DelaySeconds
	}
	if f.MaxRetries != nil {
		cfg.MaxRetries = *f.MaxRetries
	}
	if f.Workers != nil {
		cfg.Workers = *f.Workers
	}
	if f.MaxPages != nil {
		cfg.MaxPages = *f.MaxPages
	}
	if f.Render {
		cfg.Render.Enabled = true
	}
	if f.PortalDomain != nil {
		cfg.PortalDomain = *f.PortalDomain
	}
	if f.UserAgent != nil {
		cfg.UserAgent = *f.UserAgent
	}
	if f.RequestTimeout != nil {
		cfg.RequestTimeout = config.DurationFrom(*f.RequestTimeout)
	}
	if f.NoRobots {
		cfg.RespectRobots = false
	}
	if f.NoInventory {
		cfg.WriteInventory = false
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run returns the process exit code: 0 when the walk completed, 1 on a fatal error and
// 2 when the command line could not be parsed.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var flags CLIFlags
	exitCode := -1
	parser, err := kong.New(&flags,
		kong.Name("consultcrawl"),
		kong.Description("Collect the documents attached to feedback on a Have Your Say consultation."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.Exit(func(code int) { exitCode = code }),
	)
	if err != nil {
		fmt.Fprintf(stderr, "consultcrawl: %v\n", err)
		return 1
	}
	_, err = parser.Parse(args)
	if exitCode >= 0 {
		return exitCode
	}
	if err != nil {
		fmt.Fprintf(stderr, "consultcrawl: error: %v\n", err)
		return 2
	}

	level, err := log.ParseLevel(flags.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	logger := log.NewWithOptions(stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Prefix:          "consultcrawl",
		Level:           level,
	})

	cfg, err := config.Load(flags.ConfigFile, flags.ConfigFile == defaultConfigFile)
	if err != nil {
		logger.Error("could not load configuration", "err", err)
		return 1
	}
	flags.apply(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		return 1
	}

	tracker := progress.New(stderr, !flags.Quiet)
	summary, err := crawl.Run(ctx, cfg, logger, crawl.Options{Progress: tracker})
	if summary != nil && !errors.Is(err, crawl.ErrStartUnreachable) {
		ui.PrintSummary(stdout, summary, cfg.ExtractText)
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, crawl.ErrStartUnreachable):
		logger.Error("start page unreachable, nothing was collected", "url", cfg.StartURL, "err", err)
	case errors.Is(err, crawl.ErrOutputUnwritable):
		logger.Error("output directory is not writable", "dir", cfg.OutputDir, "err", err)
	case errors.Is(err, context.Canceled):
		logger.Warn("interrupted, run again to resume from the ledger")
	default:
		logger.Error("run failed", "err", err)
	}
	return 1
}
