// Package crawl runs one complete collection: walk the portal, fetch every discovered
// document once, optionally extract its text, then write the summary and inventory.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/go-scripts/consultcrawl/internal/config"
	"github.com/go-scripts/consultcrawl/internal/crawler"
	"github.com/go-scripts/consultcrawl/internal/extract"
	"github.com/go-scripts/consultcrawl/internal/fetch"
	"github.com/go-scripts/consultcrawl/internal/ledger"
	"github.com/go-scripts/consultcrawl/internal/politeness"
	"github.com/go-scripts/consultcrawl/internal/progress"
	"github.com/go-scripts/consultcrawl/internal/render"
	"github.com/go-scripts/consultcrawl/internal/writer"
	"github.com/go-scripts/consultcrawl/pkg/common"
)

var (
	// ErrStartUnreachable means the walk could not load its first page.
	ErrStartUnreachable = crawler.ErrStartUnreachable
	// ErrOutputUnwritable means the output directory or ledger cannot be written.
	ErrOutputUnwritable = errors.New("output directory unwritable")
)

// Options customise a run. The zero value is the normal command line behaviour.
type Options struct {
	// Source replaces the page source chosen from the configuration.
	Source crawler.PageSource
	// Progress receives page and document events. Nil disables progress output.
	Progress *progress.Tracker
}

// Crawler holds the components of one run.
type Crawler struct {
	cfg       *config.Config
	logger    *log.Logger
	files     *writer.FileWriter
	ledger    *ledger.Ledger
	walker    *crawler.Walker
	manager   *fetch.Manager
	extractor *extract.Extractor
	tracker   *progress.Tracker
	closers   []func()

	mu          sync.Mutex
	summary     *common.Summary
	extractions map[string]common.ExtractionRecord
	pages       []common.FeedbackPage
}

// Run executes a whole collection with cfg. The summary is returned whenever the run got
// far enough to count anything, including on fatal errors.
func Run(ctx context.Context, cfg *config.Config, logger *log.Logger, opts Options) (*common.Summary, error) {
	c, err := NewCrawler(cfg, logger, opts)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.Run(ctx)
}

// NewCrawler validates cfg, prepares the output directory and opens the ledger.
func NewCrawler(cfg *config.Config, logger *log.Logger, opts Options) (*Crawler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	files, err := writer.New(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutputUnwritable, err)
	}
	if n, err := files.CleanPartials(); err != nil {
		logger.Warn("could not clean partial files", "err", err)
	} else if n > 0 {
		logger.Info("removed partial files from an interrupted run", "count", n)
	}

	l, err := ledger.Open(files.LedgerPath())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutputUnwritable, err)
	}
	if l.Skipped() > 0 {
		logger.Warn("ignored damaged ledger lines", "count", l.Skipped())
	}
	if l.Len() > 0 {
		logger.Info("resuming from ledger", "records", l.Len())
	}

	runID := uuid.NewString()
	tracker := opts.Progress
	if tracker == nil {
		tracker = progress.New(io.Discard, false)
	}

	c := &Crawler{
		cfg:         cfg,
		logger:      logger.With("run", runID[:8]),
		files:       files,
		ledger:      l,
		tracker:     tracker,
		extractions: make(map[string]common.ExtractionRecord),
		summary: &common.Summary{
			RunID:    runID,
			StartURL: cfg.StartURL,
		},
	}
	c.closers = append(c.closers, func() { _ = l.Close() })

	client := fetch.NewClient(cfg)
	pacer := politeness.NewPacer(cfg.Delay())
	robots := politeness.NewRobots(client, pacer, cfg.UserAgent, cfg.RespectRobots, c.logger.With("component", "robots"))
	transport := fetch.NewTransport(cfg, client, pacer, robots, c.logger)

	source := opts.Source
	if source == nil {
		if cfg.Render.Enabled {
			chrome := render.NewChromeSource(cfg, pacer, robots, c.logger)
			c.closers = append(c.closers, chrome.Close)
			source = chrome
		} else {
			source = crawler.NewHTTPSource(transport)
		}
	}

	c.walker = crawler.New(cfg, source, c.logger)
	c.walker.OnPage = tracker.Page
	c.walker.OnTextOnly = c.textOnly
	c.manager = fetch.NewManager(transport, l, files, runID, c.logger)
	if cfg.ExtractText {
		c.extractor = extract.New(files, c.logger)
		c.extractor.Reuse = true
	}
	return c, nil
}

// Close releases the ledger and the browser, if one was started.
func (c *Crawler) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// Run walks, fetches and extracts. Document failures are counted, not returned.
func (c *Crawler) Run(ctx context.Context) (*common.Summary, error) {
	started := time.Now()
	c.summary.StartedAt = started.UTC()
	c.logger.Info("starting", "url", c.cfg.StartURL, "output", c.files.Dir(), "workers", c.cfg.Workers, "delay", c.cfg.Delay())

	c.tracker.Start()
	err := c.walk(ctx)
	c.tracker.Stop()

	stats := c.walker.Stats()
	c.summary.PagesVisited = stats.PagesVisited
	c.summary.PagesFailed = stats.PagesFailed
	c.summary.Duration = time.Since(started)

	if errors.Is(err, ErrStartUnreachable) {
		return c.summary, err
	}
	werr := c.savePages()
	if werr == nil {
		werr = c.writeReports()
	}
	if werr != nil {
		if err == nil {
			err = fmt.Errorf("%w: %w", ErrOutputUnwritable, werr)
		} else {
			c.logger.Error("could not write reports", "err", werr)
		}
	}
	if err != nil {
		return c.summary, err
	}

	c.logger.Info("finished",
		"discovered", c.summary.Discovered,
		"ok", c.summary.FetchedOK,
		"duplicate", c.summary.Duplicate,
		"failed", c.summary.Failed,
		"without_attachment", c.summary.TextOnlyPages,
		"previously_fetched", c.summary.Resumed,
		"elapsed", c.summary.Duration.Round(time.Millisecond),
	)
	return c.summary, nil
}

func (c *Crawler) walk(ctx context.Context) error {
	if c.cfg.Workers <= 1 {
		for ref, err := range c.walker.Walk(ctx) {
			if err != nil {
				return err
			}
			c.discovered()
			if err := c.process(ctx, ref); err != nil {
				return err
			}
		}
		return ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	var walkErr error
	for ref, err := range c.walker.Walk(gctx) {
		if err != nil {
			walkErr = err
			break
		}
		c.discovered()
		g.Go(func() error {
			return c.process(gctx, ref)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if walkErr != nil {
		return walkErr
	}
	return ctx.Err()
}

func (c *Crawler) discovered() {
	c.mu.Lock()
	c.summary.Discovered++
	c.mu.Unlock()
	c.tracker.Discovered()
}

// process fetches one reference and extracts it when it stored a document.
func (c *Crawler) process(ctx context.Context, ref common.DocumentReference) error {
	rec, err := c.manager.Fetch(ctx, ref)
	if err != nil {
		if errors.Is(err, fetch.ErrStorage) {
			return fmt.Errorf("%w: %w", ErrOutputUnwritable, err)
		}
		return err
	}
	c.mu.Lock()
	c.summary.Count(rec)
	c.mu.Unlock()
	c.tracker.Fetched(rec)

	if c.extractor == nil || rec.Status != common.StatusOK {
		return nil
	}
	ext, err := c.extractor.Extract(ctx, rec)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrOutputUnwritable, err)
	}
	c.mu.Lock()
	c.summary.CountExtraction(ext)
	c.extractions[ext.StoredPath] = ext
	c.mu.Unlock()
	return nil
}

func (c *Crawler) textOnly(page common.FeedbackPage) {
	c.mu.Lock()
	c.pages = append(c.pages, page)
	c.summary.TextOnlyPages++
	c.mu.Unlock()
}

// savePages keeps the text of feedback pages without attachment, when text is extracted,
// and records the pages for the inventory.
func (c *Crawler) savePages() error {
	if c.cfg.ExtractText {
		for i := range c.pages {
			p := &c.pages[i]
			text, words := extract.NormalizeText(p.Text)
			if text == "" {
				continue
			}
			rel := path.Join(writer.TextDir, pageTextName(p.DetailID))
			if err := c.files.WriteFile(rel, []byte(text)); err != nil {
				return err
			}
			p.TextPath = rel
			p.WordCount = words
		}
	}
	return c.files.WritePages(c.pages)
}

func pageTextName(id string) string {
	name := writer.SanitizeFilename(id, 120)
	if name == "" {
		name = "feedback"
	}
	return name + ".txt"
}

func (c *Crawler) writeReports() error {
	if err := c.files.WriteSummary(c.summary); err != nil {
		return err
	}
	if !c.cfg.WriteInventory {
		return nil
	}
	records := c.ledger.Records()
	if len(records)+len(c.pages) == 0 {
		return nil
	}
	rows := make([]writer.InventoryRow, 0, len(records)+len(c.pages))
	for _, rec := range records {
		row := writer.InventoryRow{Fetch: rec}
		if rec.Status == common.StatusOK {
			if ext, ok := c.extractions[rec.StoredPath]; ok {
				row.Extraction = &ext
			}
		}
		rows = append(rows, row)
	}
	for i := range c.pages {
		rows = append(rows, writer.InventoryRow{Page: &c.pages[i]})
	}
	return c.files.WriteInventory(rows)
}
